// Package app wires configuration into the scheduler components shared by
// the command-line entry points.
package app

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"towersched/internal/clock"
	"towersched/internal/config"
	"towersched/internal/controller"
	"towersched/internal/dispatch"
	httph "towersched/internal/handlers/http"
	"towersched/internal/handlers/logh"
	"towersched/internal/handlers/shell"
	"towersched/internal/history"
	"towersched/internal/store"
	"towersched/internal/templates"
)

type App struct {
	Config    *config.Config
	Store     *store.FileStore
	Templates *templates.File
	Registry  *dispatch.Registry
	// Recorder is nil when history is disabled.
	Recorder history.Recorder
	Clock    clock.Clock
}

// NewRegistry registers the built-in handlers under their namespaces.
func NewRegistry(timeout time.Duration) *dispatch.Registry {
	reg := dispatch.NewRegistry(timeout)
	reg.Register("shell", shell.Shell{})
	reg.Register("http", httph.HTTP{})
	reg.Register("log", logh.Log{})
	return reg
}

// New builds the components. activePath overrides schedule.active when set.
func New(cfg *config.Config, activePath string) (*App, error) {
	if activePath == "" {
		activePath = cfg.Schedule.Active
	}
	fs := afero.NewOsFs()
	a := &App{
		Config:    cfg,
		Store:     store.NewFileStore(fs, activePath),
		Templates: templates.NewFile(fs, cfg.Schedule.Templates),
		Registry:  NewRegistry(cfg.Dispatch.Timeout),
		Clock:     clock.System{},
	}
	if cfg.History.Path != "" {
		rec, err := history.Open(cfg.History.Path)
		if err != nil {
			// the ledger is optional; scheduling continues without it
			log.Warn().Err(err).Str("path", cfg.History.Path).Msg("history disabled")
		} else {
			a.Recorder = rec
		}
	}
	return a, nil
}

// Controller builds a wake-cycle controller over the app's components.
func (a *App) Controller(opts ...controller.Option) *controller.Controller {
	base := []controller.Option{controller.WithClock(a.Clock)}
	if a.Recorder != nil {
		base = append(base, controller.WithRecorder(a.Recorder))
	}
	return controller.New(a.Config.Timing(), a.Store, a.Templates, a.Registry, append(base, opts...)...)
}

func (a *App) Close() error {
	if a.Recorder != nil {
		return a.Recorder.Close()
	}
	return nil
}
