// Package logh writes its arguments to the scheduler log. It is the
// simplest possible task and is handy for wiring checks ("log:info").
package logh

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"towersched/internal/dispatch"
)

type Log struct{}

func (Log) Handle(_ context.Context, call dispatch.Call) error {
	level, err := zerolog.ParseLevel(call.Op)
	if err != nil || call.Op == "" {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Str("function", call.Function).Interface("args", call.Args).Msg("task")
	return nil
}
