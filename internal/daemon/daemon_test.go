package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towersched/internal/controller"
	"towersched/internal/domain"
	"towersched/internal/history"
)

type fakeCycler struct {
	mu       sync.Mutex
	cycles   int
	rebuilds int
	sleep    int
	err      error
	onCycle  func(n int) error
}

func (f *fakeCycler) RunCycle(ctx context.Context) (controller.Result, error) {
	f.mu.Lock()
	f.cycles++
	n := f.cycles
	f.mu.Unlock()
	if f.err != nil {
		return controller.Result{}, f.err
	}
	if f.onCycle != nil {
		if err := f.onCycle(n); err != nil {
			return controller.Result{}, err
		}
	}
	return controller.Result{SleepSeconds: f.sleep}, nil
}

func (f *fakeCycler) Rebuild(context.Context) (domain.ActiveSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds++
	return domain.ActiveSchedule{Cursor: 0}, nil
}

type pruneRecorder struct {
	history.Recorder
	keeps []int
}

func (p *pruneRecorder) Prune(_ context.Context, keep int) (int, error) {
	p.keeps = append(p.keeps, keep)
	return 0, nil
}

func TestRunWaitsComputedSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	cyc := &fakeCycler{sleep: 40}
	cyc.onCycle = func(n int) error {
		if n == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	d := New(cyc, Options{After: func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}})

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 3, cyc.cycles)
	assert.Equal(t, []time.Duration{40 * time.Second, 40 * time.Second}, waits)
}

func TestRunWaitsAtLeastASecond(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	cyc := &fakeCycler{}
	cyc.onCycle = func(n int) error {
		if n == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	d := New(cyc, Options{After: func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}})

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second}, waits)
}

func never(time.Duration) <-chan time.Time { return nil }

func TestTemplateChangeRebuilds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cyc := &fakeCycler{sleep: 3600}
	var d *Daemon
	cyc.onCycle = func(n int) error {
		switch n {
		case 1:
			d.Notify(ReasonTemplates)
		case 2:
			cancel()
			return ctx.Err()
		}
		return nil
	}
	d = New(cyc, Options{After: never})

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 2, cyc.cycles)
	assert.Equal(t, 1, cyc.rebuilds)
}

func TestMidnightWakeRunsCycleWithoutRebuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cyc := &fakeCycler{sleep: 3600}
	var d *Daemon
	cyc.onCycle = func(n int) error {
		switch n {
		case 1:
			d.Notify(ReasonMidnight)
		case 2:
			cancel()
			return ctx.Err()
		}
		return nil
	}
	d = New(cyc, Options{After: never})

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 2, cyc.cycles)
	assert.Zero(t, cyc.rebuilds)
}

func TestRunStopsOnFatalCycleError(t *testing.T) {
	cyc := &fakeCycler{err: errors.Mark(errors.New("disk full"), domain.ErrPersist)}
	err := New(cyc, Options{After: never}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersist))
}

func TestRebuildWakesLoop(t *testing.T) {
	cyc := &fakeCycler{}
	d := New(cyc, Options{})

	_, err := d.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cyc.rebuilds)
	assert.Equal(t, ReasonRebuild, <-d.wake)
}

func TestNotifyCoalesces(t *testing.T) {
	d := New(&fakeCycler{}, Options{})
	d.Notify(ReasonMidnight)
	d.Notify(ReasonTemplates)
	assert.Equal(t, ReasonMidnight, <-d.wake)
	assert.Empty(t, d.wake)
}

func TestCyclePrunesHistory(t *testing.T) {
	rec := &pruneRecorder{}
	d := New(&fakeCycler{sleep: 10}, Options{Recorder: rec, Keep: 500})

	wait, err := d.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, wait)
	assert.Equal(t, []int{500}, rec.keeps)
}

func TestWatchNotifiesOnTemplateWrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ensembles.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"ensemble_list":[]}`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(&fakeCycler{}, Options{Templates: p, Debounce: 10 * time.Millisecond})
	go d.watch(ctx)

	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"ensemble_list":[]}`), 0o644)
		select {
		case r := <-d.wake:
			return r == ReasonTemplates
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
