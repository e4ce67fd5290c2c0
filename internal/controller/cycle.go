// Package controller runs one wake cycle: load the active schedule, rebuild
// it when needed, dispatch every elapsed event in order, persist the cursor
// and hand the remaining time to a sleep timer.
package controller

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"towersched/internal/clock"
	"towersched/internal/domain"
	"towersched/internal/history"
	"towersched/internal/scheduler"
	"towersched/internal/sleeptimer"
	"towersched/internal/store"
	"towersched/internal/templates"
)

type State int

const (
	StateNeedsSetup State = iota
	StateCatchingUp
	StateIdleComputeSleep
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNeedsSetup:
		return "NEEDS_SETUP"
	case StateCatchingUp:
		return "CATCHING_UP"
	case StateIdleComputeSleep:
		return "IDLE_COMPUTE_SLEEP"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Invoker runs the task behind a function reference.
type Invoker interface {
	Invoke(ctx context.Context, function string, args []json.RawMessage) error
}

// Config holds the timing constants, all in seconds.
type Config struct {
	WakeOverhead     int
	ShutdownOverhead int
	// ExecuteBuffer treats events due within this many seconds as due now.
	ExecuteBuffer int
}

// Outcome is one dispatch attempt.
type Outcome struct {
	Event domain.FiringEvent
	Err   error
}

type Result struct {
	Rebuilt    bool
	Dispatched []Outcome
	Failed     int
	// Cursor and Day are what was last persisted.
	Cursor      int
	Day         string
	DayComplete bool
	// NextFire is relative to midnight of Day.
	NextFire      int
	SleepSeconds  int
	ShortWaits    int
	TimerFallback bool
	Trace         []State
}

type Controller struct {
	cfg       Config
	store     store.Store
	templates templates.Source
	invoker   Invoker
	clock     clock.Clock
	sleeper   sleeptimer.Sleeper
	recorder  history.Recorder
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithSleeper sets the timer handed the computed sleep. Without one the cycle
// returns after computing Result.SleepSeconds and the caller waits.
func WithSleeper(s sleeptimer.Sleeper) Option { return func(ctl *Controller) { ctl.sleeper = s } }

func WithRecorder(r history.Recorder) Option { return func(ctl *Controller) { ctl.recorder = r } }

func New(cfg Config, st store.Store, src templates.Source, inv Invoker, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		store:     st,
		templates: src,
		invoker:   inv,
		clock:     clock.System{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RunCycle executes one wake cycle. Only template read and persist failures
// are returned; everything else degrades to a rebuild or a logged failure.
func (c *Controller) RunCycle(ctx context.Context) (Result, error) {
	res := Result{}
	sched, state := c.load(ctx)

	for state != StateDone {
		res.Trace = append(res.Trace, state)
		log.Debug().Stringer("state", state).Int("cursor", sched.Cursor).Str("day", sched.Day).Msg("wake cycle")

		switch state {
		case StateNeedsSetup:
			s, err := c.setup(ctx)
			if err != nil {
				return res, err
			}
			sched = s
			res.Rebuilt = true
			state = StateCatchingUp

		case StateCatchingUp:
			next, err := c.catchUp(ctx, &sched, &res)
			if err != nil {
				return res, err
			}
			state = next

		case StateIdleComputeSleep:
			next, err := c.idle(ctx, sched, &res)
			if err != nil {
				return res, err
			}
			state = next
		}
	}
	res.Trace = append(res.Trace, StateDone)
	return res, nil
}

func (c *Controller) load(ctx context.Context) (domain.ActiveSchedule, State) {
	sched, err := c.store.Load(ctx)
	if err != nil {
		log.Info().Err(err).Str("path", c.store.Path()).Msg("no usable active schedule, rebuilding")
		return domain.ActiveSchedule{}, StateNeedsSetup
	}
	return sched, StateCatchingUp
}

func (c *Controller) setup(ctx context.Context) (domain.ActiveSchedule, error) {
	tmpls, err := c.templates.Load(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrTemplateRead) {
			err = errors.Mark(err, domain.ErrTemplateRead)
		}
		return domain.ActiveSchedule{}, err
	}
	return scheduler.Setup(ctx, c.store, tmpls, clock.Day(c.clock.Now()))
}

// relativeNow is the current time in seconds from midnight of day. It is
// negative for a day still ahead and past SecondsPerDay for an earlier one.
func (c *Controller) relativeNow(day string) (int, error) {
	now := c.clock.Now()
	lag := 0
	if day != "" {
		d, err := clock.DaysBetween(day, clock.Day(now))
		if err != nil {
			return 0, err
		}
		lag = d
	}
	return clock.SecondsOfDay(now) + lag*domain.SecondsPerDay, nil
}

func (c *Controller) catchUp(ctx context.Context, sched *domain.ActiveSchedule, res *Result) (State, error) {
	for {
		rel, err := c.relativeNow(sched.Day)
		if err != nil {
			log.Warn().Err(err).Str("day", sched.Day).Msg("unreadable schedule day, rebuilding")
			return StateNeedsSetup, nil
		}
		if sched.NeedsSetup() {
			if rel < 0 {
				// rebuild is pending for a day that has not started
				return StateIdleComputeSleep, nil
			}
			return StateNeedsSetup, nil
		}

		e := sched.Events[sched.Cursor]
		if e.Time > rel+c.cfg.ExecuteBuffer {
			return StateIdleComputeSleep, nil
		}

		c.dispatch(ctx, sched, e, res)
		sched.Cursor++
		if e.IsTeardown() || sched.Cursor >= len(sched.Events) {
			c.completeDay(sched, res)
		}
		if err := c.persist(ctx, *sched, res); err != nil {
			return StateDone, err
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, sched *domain.ActiveSchedule, e domain.FiringEvent, res *Result) {
	var err error
	if !e.IsTeardown() {
		err = c.invoker.Invoke(ctx, e.Function, e.Inputs)
		if err != nil && !errors.Is(err, domain.ErrDispatch) {
			err = errors.Mark(err, domain.ErrDispatch)
		}
	}

	res.Dispatched = append(res.Dispatched, Outcome{Event: e, Err: err})
	if err != nil {
		res.Failed++
		log.Error().Err(err).Str("title", e.Title).Str("function", e.Function).Int("time", e.Time).Msg("dispatch failed")
	} else {
		log.Info().Str("title", e.Title).Str("function", e.Function).Int("time", e.Time).Msg("dispatched")
	}

	if c.recorder == nil {
		return
	}
	d := history.Dispatch{
		Day:          dayOrToday(sched.Day, c.clock.Now()),
		Title:        e.Title,
		Template:     e.Template,
		Function:     e.Function,
		FireTime:     e.Time,
		DispatchedAt: c.clock.Now(),
		Success:      err == nil,
	}
	if err != nil {
		d.Error = err.Error()
	}
	if _, rerr := c.recorder.RecordDispatch(ctx, d); rerr != nil {
		log.Warn().Err(rerr).Str("title", e.Title).Msg("record dispatch")
	}
}

// completeDay marks the schedule for a rebuild targeting the following day.
func (c *Controller) completeDay(sched *domain.ActiveSchedule, res *Result) {
	day := dayOrToday(sched.Day, c.clock.Now())
	next, err := clock.AddDays(day, 1)
	if err != nil {
		next = ""
	}
	sched.Cursor = domain.NeedsSetup
	sched.Day = next
	res.DayComplete = true
	log.Info().Str("day", day).Str("next_day", next).Msg("day complete")
}

func (c *Controller) persist(ctx context.Context, sched domain.ActiveSchedule, res *Result) error {
	if err := c.store.Save(ctx, sched); err != nil {
		return err
	}
	res.Cursor = sched.Cursor
	res.Day = sched.Day
	return nil
}

func (c *Controller) idle(ctx context.Context, sched domain.ActiveSchedule, res *Result) (State, error) {
	if err := c.persist(ctx, sched, res); err != nil {
		return StateDone, err
	}

	rel, err := c.relativeNow(sched.Day)
	if err != nil {
		return StateNeedsSetup, nil
	}
	nextFire := 0 // start of a pending rebuild day
	if e, ok := sched.Next(); ok {
		nextFire = e.Time
	}
	res.NextFire = nextFire

	gap := nextFire - rel
	sleep := gap - c.cfg.WakeOverhead - c.cfg.ShutdownOverhead
	if sleep <= 0 {
		wait := max(gap-c.cfg.ExecuteBuffer, 1)
		res.ShortWaits++
		log.Warn().
			Int("next_fire", nextFire).
			Int("gap_seconds", gap).
			Int("wait_seconds", wait).
			Msg("next event too close to sleep, waiting in process")
		if err := c.clock.Sleep(ctx, time.Duration(wait)*time.Second); err != nil {
			return StateDone, errors.Wrap(err, "short wait")
		}
		return StateCatchingUp, nil
	}

	res.SleepSeconds = sleep
	c.recordNextFires(ctx, sched)
	log.Info().
		Int("cursor", sched.Cursor).
		Str("day", sched.Day).
		Int("next_fire", nextFire).
		Int("sleep_seconds", sleep).
		Msg("cycle complete")

	if c.sleeper == nil {
		return StateDone, nil
	}
	if err := c.sleeper.Sleep(ctx, sleep); err != nil {
		if ctx.Err() != nil {
			return StateDone, ctx.Err()
		}
		log.Error().Err(err).Int("sleep_seconds", sleep).Msg("timer offline, falling back to software sleep")
		res.TimerFallback = true
		if err := (sleeptimer.Software{Clock: c.clock}).Sleep(ctx, sleep); err != nil {
			return StateDone, errors.Wrap(err, "software sleep")
		}
	}
	return StateDone, nil
}

func (c *Controller) recordNextFires(ctx context.Context, sched domain.ActiveSchedule) {
	if c.recorder == nil {
		return
	}
	day := dayOrToday(sched.Day, c.clock.Now())
	if err := c.recorder.ReplaceNextFires(ctx, day, scheduler.NextFires(sched)); err != nil {
		log.Warn().Err(err).Msg("record next fires")
	}
}

// Rebuild re-expands today's schedule from the current templates. Events that
// already elapsed today are skipped rather than refired; teardown is never
// skipped.
func (c *Controller) Rebuild(ctx context.Context) (domain.ActiveSchedule, error) {
	tmpls, err := c.templates.Load(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrTemplateRead) {
			err = errors.Mark(err, domain.ErrTemplateRead)
		}
		return domain.ActiveSchedule{}, err
	}

	now := c.clock.Now()
	s := scheduler.Expand(tmpls)
	s.Day = clock.Day(now)
	s.Cursor = scheduler.FirstAfter(s, clock.SecondsOfDay(now))
	if td := slices.IndexFunc(s.Events, domain.FiringEvent.IsTeardown); td >= 0 && s.Cursor > td {
		s.Cursor = td
	}
	if err := c.store.Save(ctx, s); err != nil {
		return domain.ActiveSchedule{}, err
	}
	c.recordNextFires(ctx, s)
	log.Info().Str("day", s.Day).Int("cursor", s.Cursor).Int("events", len(s.Events)).Msg("schedule rebuilt")
	return s, nil
}

func dayOrToday(day string, now time.Time) string {
	if day == "" {
		return clock.Day(now)
	}
	return day
}
