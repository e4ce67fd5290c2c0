// Package daemon keeps the wake cycle running in one long-lived process.
// Between cycles it waits for the computed sleep to elapse, local midnight,
// a change to the template file, or shutdown.
package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"towersched/internal/controller"
	"towersched/internal/domain"
	"towersched/internal/history"
	"towersched/internal/store"
)

const (
	ReasonTimer     = "timer"
	ReasonMidnight  = "midnight"
	ReasonTemplates = "templates"
	ReasonRebuild   = "rebuild"
)

// Cycler is the controller surface the daemon drives.
type Cycler interface {
	RunCycle(ctx context.Context) (controller.Result, error)
	Rebuild(ctx context.Context) (domain.ActiveSchedule, error)
}

type Options struct {
	// LockPath is the active schedule path; a sibling .lock file guards each
	// cycle. Empty disables locking.
	LockPath string
	// Templates is watched for changes. Empty disables watching.
	Templates string
	Recorder  history.Recorder
	// Keep bounds the dispatch history after each cycle; 0 keeps everything.
	Keep     int
	Debounce time.Duration
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

type Daemon struct {
	ctl  Cycler
	opts Options
	wake chan string
	mu   sync.Mutex
}

func New(ctl Cycler, opts Options) *Daemon {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Daemon{ctl: ctl, opts: opts, wake: make(chan string, 1)}
}

// Notify interrupts the current wait. Pending notifications coalesce.
func (d *Daemon) Notify(reason string) {
	select {
	case d.wake <- reason:
	default:
	}
}

func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@midnight", func() { d.Notify(ReasonMidnight) }); err != nil {
		return errors.Wrap(err, "schedule midnight wake")
	}
	c.Start()
	defer c.Stop()

	if d.opts.Templates != "" {
		go d.watch(ctx)
	}

	log.Info().Str("templates", d.opts.Templates).Str("active", d.opts.LockPath).Msg("daemon started")

	for {
		wait, err := d.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("daemon stopping")
			return nil
		case reason := <-d.wake:
			log.Info().Str("reason", reason).Msg("woken early")
			if reason == ReasonTemplates {
				if _, err := d.rebuild(ctx); err != nil {
					log.Error().Err(err).Msg("rebuild after template change failed, keeping current schedule")
				}
			}
		case <-d.opts.After(wait):
			log.Debug().Str("reason", ReasonTimer).Msg("woken")
		}
	}
}

// cycle runs one locked wake cycle and returns how long to wait before the
// next one.
func (d *Daemon) cycle(ctx context.Context) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, err := d.lock()
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			log.Warn().Err(err).Msg("active schedule busy, retrying")
			return time.Second, nil
		}
		return 0, err
	}
	defer func() { _ = lock.Release() }()

	res, err := d.ctl.RunCycle(ctx)
	if err != nil {
		return 0, err
	}
	d.prune(ctx)

	wait := time.Duration(res.SleepSeconds) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	return wait, nil
}

// Rebuild re-expands the schedule under the cycle lock and wakes the loop so
// the next sleep is computed from the new schedule.
func (d *Daemon) Rebuild(ctx context.Context) (domain.ActiveSchedule, error) {
	s, err := d.rebuild(ctx)
	if err != nil {
		return s, err
	}
	d.Notify(ReasonRebuild)
	return s, nil
}

func (d *Daemon) rebuild(ctx context.Context) (domain.ActiveSchedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, err := d.lock()
	if err != nil {
		return domain.ActiveSchedule{}, err
	}
	defer func() { _ = lock.Release() }()

	return d.ctl.Rebuild(ctx)
}

func (d *Daemon) lock() (*store.Lock, error) {
	if d.opts.LockPath == "" {
		return nil, nil
	}
	return store.AcquireLock(d.opts.LockPath)
}

func (d *Daemon) prune(ctx context.Context) {
	if d.opts.Recorder == nil || d.opts.Keep <= 0 {
		return
	}
	n, err := d.opts.Recorder.Prune(ctx, d.opts.Keep)
	if err != nil {
		log.Warn().Err(err).Msg("prune history")
		return
	}
	if n > 0 {
		log.Debug().Int("pruned", n).Msg("history pruned")
	}
}

// watch notifies on writes to the template file. The directory is watched so
// editors that replace the file are seen.
func (d *Daemon) watch(ctx context.Context) {
	dir, file := filepath.Split(d.opts.Templates)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("template watch unavailable")
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("template watch unavailable")
		return
	}
	log.Debug().Str("dir", dir).Str("file", file).Msg("watching templates")

	var (
		tmu   sync.Mutex
		timer *time.Timer
	)
	debounce := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d.opts.Debounce, func() { d.Notify(ReasonTemplates) })
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("template watch error")
		}
	}
}
