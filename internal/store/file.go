package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"towersched/internal/domain"
)

// Store owns the on-disk active schedule.
type Store interface {
	// Load returns an error marked domain.ErrStateNotFound when the file is
	// missing, empty, malformed or lacks required fields.
	Load(ctx context.Context) (domain.ActiveSchedule, error)
	// Save overwrites the file; failures are marked domain.ErrPersist.
	Save(ctx context.Context, s domain.ActiveSchedule) error
	Path() string
}

// activeFile is the wire form. Pointers detect absent required fields.
type activeFile struct {
	Events *[]eventRecord `json:"ensemble_list" validate:"required,dive"`
	Cursor *int           `json:"next_ensemble" validate:"required"`
	Day    string         `json:"day,omitempty"`
}

type eventRecord struct {
	Title    string            `json:"title"`
	Template string            `json:"template,omitempty"`
	Function *string           `json:"function" validate:"required,min=1"`
	Time     *int              `json:"time" validate:"required,min=0"`
	Inputs   []json.RawMessage `json:"inputs,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type FileStore struct {
	fs   afero.Fs
	path string
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (domain.ActiveSchedule, error) {
	_ = ctx
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return domain.ActiveSchedule{}, notFound(err, "read %s", s.path)
	}

	var f activeFile
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&f); err != nil {
		return domain.ActiveSchedule{}, notFound(err, "decode %s", s.path)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return domain.ActiveSchedule{}, notFound(errors.New("trailing data"), "decode %s", s.path)
	}
	if err := validate.Struct(f); err != nil {
		return domain.ActiveSchedule{}, notFound(err, "validate %s", s.path)
	}

	events := make([]domain.FiringEvent, 0, len(*f.Events))
	for _, r := range *f.Events {
		events = append(events, domain.FiringEvent{
			Title:    r.Title,
			Template: r.Template,
			Function: *r.Function,
			Time:     *r.Time,
			Inputs:   r.Inputs,
		})
	}
	return domain.ActiveSchedule{Events: events, Cursor: *f.Cursor, Day: f.Day}, nil
}

// Save writes to a temporary sibling and renames it over the target.
func (s *FileStore) Save(ctx context.Context, sched domain.ActiveSchedule) error {
	_ = ctx
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return persistErr(err, "mkdir for %s", s.path)
	}

	events := make([]eventRecord, 0, len(sched.Events))
	for _, e := range sched.Events {
		events = append(events, eventRecord{
			Title:    e.Title,
			Template: e.Template,
			Function: &e.Function,
			Time:     &e.Time,
			Inputs:   e.Inputs,
		})
	}
	cursor := sched.Cursor
	b, err := json.MarshalIndent(activeFile{Events: &events, Cursor: &cursor, Day: sched.Day}, "", "    ")
	if err != nil {
		return persistErr(err, "encode %s", s.path)
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return persistErr(err, "open %s", tmp)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return persistErr(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return persistErr(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return persistErr(err, "close %s", tmp)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return persistErr(err, "rename %s", tmp)
	}
	return nil
}

// Reset marks the stored schedule for rebuild, keeping its events.
func Reset(ctx context.Context, st Store, day string) error {
	s, err := st.Load(ctx)
	if err != nil && !errors.Is(err, domain.ErrStateNotFound) {
		return err
	}
	s.Cursor = domain.NeedsSetup
	s.Day = day
	return st.Save(ctx, s)
}

func notFound(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), domain.ErrStateNotFound)
}

func persistErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), domain.ErrPersist)
}
