// Package sleeptimer hands the computed suspend duration to whatever powers
// the machine down and back up.
package sleeptimer

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"towersched/internal/clock"
)

// Sleeper suspends for seconds. Implementations backed by hardware return
// once the request has been handed over.
type Sleeper interface {
	Sleep(ctx context.Context, seconds int) error
}

const (
	KindSoftware = "software"
	KindFile     = "file"
	KindCommand  = "command"
)

// Software waits in process.
type Software struct {
	Clock clock.Clock
}

func (s Software) Sleep(ctx context.Context, seconds int) error {
	c := s.Clock
	if c == nil {
		c = clock.System{}
	}
	log.Info().Int("seconds", seconds).Msg("software sleep")
	return c.Sleep(ctx, time.Duration(seconds)*time.Second)
}

// Request is what File writes for the power-management daemon.
type Request struct {
	Seconds     int       `json:"seconds"`
	RequestedAt time.Time `json:"requested_at"`
}

// File writes a Request to Path and returns. An external daemon reads it,
// powers the machine down and wakes it after Seconds.
type File struct {
	FS    afero.Fs
	Path  string
	Clock clock.Clock
}

func (f File) Sleep(ctx context.Context, seconds int) error {
	_ = ctx
	fs := f.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	c := f.Clock
	if c == nil {
		c = clock.System{}
	}
	b, err := json.Marshal(Request{Seconds: seconds, RequestedAt: c.Now()})
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return errors.Wrap(err, "sleep request dir")
	}
	tmp := f.Path + ".tmp"
	if err := afero.WriteFile(fs, tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write sleep request")
	}
	if err := fs.Rename(tmp, f.Path); err != nil {
		return errors.Wrap(err, "publish sleep request")
	}
	log.Info().Int("seconds", seconds).Str("path", f.Path).Msg("sleep requested")
	return nil
}

// ReadRequest loads a request written by File.
func ReadRequest(fs afero.Fs, path string) (Request, error) {
	var r Request
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return r, err
	}
	return r, json.Unmarshal(b, &r)
}

// Command runs Name with Args plus the seconds appended, for example
// "rtcwake -m mem -s".
type Command struct {
	Name string
	Args []string
}

func (c Command) Sleep(ctx context.Context, seconds int) error {
	if c.Name == "" {
		return errors.New("sleep command is not configured")
	}
	args := append(append([]string{}, c.Args...), strconv.Itoa(seconds))
	out, err := exec.CommandContext(ctx, c.Name, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sleep command failed; out=%s", string(out))
	}
	log.Info().Int("seconds", seconds).Str("command", c.Name).Msg("sleep command issued")
	return nil
}

// Config selects a Sleeper.
type Config struct {
	Kind    string
	File    string
	Command []string
}

func New(cfg Config, c clock.Clock) (Sleeper, error) {
	switch cfg.Kind {
	case "", KindSoftware:
		return Software{Clock: c}, nil
	case KindFile:
		if cfg.File == "" {
			return nil, errors.New("sleep.timer_file is required for the file timer")
		}
		return File{FS: afero.NewOsFs(), Path: cfg.File, Clock: c}, nil
	case KindCommand:
		if len(cfg.Command) == 0 {
			return nil, errors.New("sleep.timer_command is required for the command timer")
		}
		return Command{Name: cfg.Command[0], Args: cfg.Command[1:]}, nil
	default:
		return nil, errors.Newf("unknown sleep timer %q", cfg.Kind)
	}
}

// Recorder keeps every request and optionally advances a fake clock, which
// is how simulations model a powered-down machine.
type Recorder struct {
	Requests []int
	Advance  func(seconds int)
}

func (r *Recorder) Sleep(ctx context.Context, seconds int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.Requests = append(r.Requests, seconds)
	if r.Advance != nil {
		r.Advance(seconds)
	}
	return nil
}

