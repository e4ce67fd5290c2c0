// Command scheduler runs one wake cycle and hands the remaining time to the
// configured sleep timer.
//
//	scheduler [active_schedule_path]
//
// It exits non-zero only when the templates cannot be read or the active
// schedule cannot be written.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"towersched/internal/app"
	"towersched/internal/config"
	"towersched/internal/controller"
	"towersched/internal/domain"
	"towersched/internal/sleeptimer"
	"towersched/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: scheduler [active_schedule_path]")
		return 2
	}
	var activePath string
	if len(args) == 1 {
		activePath = args[0]
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := config.InitLogging(cfg.Log.Level, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	a, err := app.New(cfg, activePath)
	if err != nil {
		log.Error().Err(err).Msg("setup")
		return 1
	}
	defer a.Close()

	sleeper, err := sleeptimer.New(cfg.Timer(), a.Clock)
	if err != nil {
		log.Error().Err(err).Msg("sleep timer")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := store.AcquireLock(a.Store.Path())
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			log.Warn().Err(err).Msg("another wake cycle is running")
			return 0
		}
		log.Error().Err(err).Msg("lock active schedule")
		return 1
	}
	defer lock.Release()

	res, err := a.Controller(controller.WithSleeper(sleeper)).RunCycle(ctx)
	if err != nil {
		log.Error().Err(err).Msg("wake cycle failed")
		return exitCode(err)
	}
	log.Info().
		Int("dispatched", len(res.Dispatched)).
		Int("failed", res.Failed).
		Int("short_waits", res.ShortWaits).
		Int("sleep_seconds", res.SleepSeconds).
		Msg("wake cycle done")
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrTemplateRead), errors.Is(err, domain.ErrPersist):
		return 1
	default:
		return 0
	}
}
