package clock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"towersched/internal/domain"
)

// ToSeconds converts a wall-clock tuple to seconds since midnight. Inputs are
// not range checked.
func ToSeconds(hour, minute, second int) int {
	return second + minute*60 + hour*3600
}

// SecondsOfDay is the local wall-clock offset of t.
func SecondsOfDay(t time.Time) int {
	return ToSeconds(t.Hour(), t.Minute(), t.Second())
}

// Day formats the local calendar day of t.
func Day(t time.Time) string { return t.Format(domain.DayLayout) }

// DaysBetween returns to - from in whole calendar days.
func DaysBetween(from, to string) (int, error) {
	f, err := time.Parse(domain.DayLayout, from)
	if err != nil {
		return 0, errors.Wrapf(err, "parse day %q", from)
	}
	t, err := time.Parse(domain.DayLayout, to)
	if err != nil {
		return 0, errors.Wrapf(err, "parse day %q", to)
	}
	return int(t.Sub(f).Hours() / 24), nil
}

// AddDays shifts a formatted day.
func AddDays(day string, n int) (string, error) {
	d, err := time.Parse(domain.DayLayout, day)
	if err != nil {
		return "", errors.Wrapf(err, "parse day %q", day)
	}
	return d.AddDate(0, 0, n).Format(domain.DayLayout), nil
}

type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// CurrentSecondsOfDay reads c and returns the offset since local midnight.
func CurrentSecondsOfDay(c Clock) int { return SecondsOfDay(c.Now()) }

type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually driven clock. Sleep advances it instantly.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.Advance(d)
	}
	return nil
}
