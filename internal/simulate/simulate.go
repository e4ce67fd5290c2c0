// Package simulate drives the wake cycle against a fake clock and an
// in-memory filesystem, modelling a machine that powers down for every
// requested sleep and comes back exactly when the timer expires.
package simulate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"towersched/internal/clock"
	"towersched/internal/controller"
	"towersched/internal/domain"
	"towersched/internal/sleeptimer"
	"towersched/internal/store"
)

type Options struct {
	Templates []domain.TaskTemplate
	Start     time.Time
	Days      int
	Timing    controller.Config
	// MaxCycles stops runaway simulations. Zero means 100000.
	MaxCycles int
}

// Fired is one simulated dispatch.
type Fired struct {
	Title    string
	Function string
	FireTime int
	At       time.Time
}

type Report struct {
	Cycles     int
	Rebuilds   int
	ShortWaits int
	Fired      []Fired
	Sleeps     []int
}

// Late returns dispatches that happened more than slack seconds after their
// fire time.
func (r Report) Late(slack int) []Fired {
	var out []Fired
	for _, f := range r.Fired {
		midnight := time.Date(f.At.Year(), f.At.Month(), f.At.Day(), 0, 0, 0, 0, f.At.Location())
		if int(f.At.Sub(midnight).Seconds())-f.FireTime > slack {
			out = append(out, f)
		}
	}
	return out
}

type recordingInvoker struct {
	clock clock.Clock
	fired *[]Fired
}

func (r recordingInvoker) Invoke(_ context.Context, function string, _ []json.RawMessage) error {
	*r.fired = append(*r.fired, Fired{Function: function, At: r.clock.Now()})
	return nil
}

type staticSource []domain.TaskTemplate

func (s staticSource) Load(context.Context) ([]domain.TaskTemplate, error) { return s, nil }

const activePath = "/sim/active_ensembles.json"

func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Days <= 0 {
		return Report{}, errors.New("days must be positive")
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = 100000
	}

	fake := clock.NewFake(opts.Start)
	end := opts.Start.AddDate(0, 0, opts.Days)
	overhead := opts.Timing.WakeOverhead + opts.Timing.ShutdownOverhead

	var rep Report
	sleeper := &sleeptimer.Recorder{Advance: func(seconds int) {
		fake.Advance(time.Duration(seconds+overhead) * time.Second)
	}}
	st := store.NewFileStore(afero.NewMemMapFs(), activePath)
	inv := recordingInvoker{clock: fake, fired: &rep.Fired}
	ctl := controller.New(opts.Timing, st, staticSource(opts.Templates), inv,
		controller.WithClock(fake), controller.WithSleeper(sleeper))

	for fake.Now().Before(end) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if rep.Cycles >= opts.MaxCycles {
			return rep, errors.Newf("stopped after %d cycles", rep.Cycles)
		}

		n := len(rep.Fired)
		res, err := ctl.RunCycle(ctx)
		if err != nil {
			return rep, err
		}
		rep.Cycles++
		rep.ShortWaits += res.ShortWaits
		if res.Rebuilt {
			rep.Rebuilds++
		}

		// attach event details to the invocations of this cycle
		i := n
		for _, o := range res.Dispatched {
			if o.Event.IsTeardown() {
				continue
			}
			if i < len(rep.Fired) {
				rep.Fired[i].Title = o.Event.Title
				rep.Fired[i].FireTime = o.Event.Time
				i++
			}
		}
		log.Debug().Time("now", fake.Now()).Int("dispatched", len(res.Dispatched)).Int("sleep_seconds", res.SleepSeconds).Msg("simulated cycle")
	}
	rep.Sleeps = sleeper.Requests
	return rep, nil
}
