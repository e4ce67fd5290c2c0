package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"towersched/internal/clock"
	"towersched/internal/domain"
)

// Saver persists an expanded schedule.
type Saver interface {
	Save(ctx context.Context, s domain.ActiveSchedule) error
}

// Expand turns templates into one day of firing events followed by the
// teardown event, ordered by fire time. Ties keep generation order. Template
// values are not validated here; negative intervals flow through.
func Expand(templates []domain.TaskTemplate) domain.ActiveSchedule {
	n := 1
	for _, t := range templates {
		n += max(t.Iterations, 0) + 1
	}
	events := make([]domain.FiringEvent, 0, n)

	for _, t := range templates {
		base := clock.ToSeconds(t.StartTime.Hour, t.StartTime.Minute, t.StartTime.Second)
		for j := 0; j <= t.Iterations; j++ {
			events = append(events, domain.FiringEvent{
				Title:    fmt.Sprintf("%s-%d", t.Title, j),
				Template: t.Title,
				Function: t.Function,
				Time:     base + t.Interval*j,
				Inputs:   t.Inputs,
			})
		}
	}
	events = append(events, domain.TeardownEvent())

	slices.SortStableFunc(events, func(a, b domain.FiringEvent) int {
		return cmp.Compare(a.Time, b.Time)
	})

	return domain.ActiveSchedule{Events: events, Cursor: 0}
}

// Setup expands templates for day and overwrites the stored schedule.
func Setup(ctx context.Context, saver Saver, templates []domain.TaskTemplate, day string) (domain.ActiveSchedule, error) {
	s := Expand(templates)
	s.Day = day
	if err := saver.Save(ctx, s); err != nil {
		return domain.ActiveSchedule{}, err
	}
	log.Info().
		Str("day", day).
		Int("templates", len(templates)).
		Int("events", len(s.Events)).
		Msg("schedule expanded")
	return s, nil
}

// FirstAfter returns the index of the first event with a fire time strictly
// after now, or len(events) if there is none.
func FirstAfter(s domain.ActiveSchedule, now int) int {
	i, _ := slices.BinarySearchFunc(s.Events, now+1, func(e domain.FiringEvent, t int) int {
		return cmp.Compare(e.Time, t)
	})
	return i
}

// NextFires maps each template still pending at or after the cursor to its
// next fire time.
func NextFires(s domain.ActiveSchedule) map[string]int {
	out := map[string]int{}
	if s.NeedsSetup() {
		return out
	}
	for _, e := range s.Events[s.Cursor:] {
		if e.IsTeardown() || e.Template == "" {
			continue
		}
		if _, ok := out[e.Template]; !ok {
			out[e.Template] = e.Time
		}
	}
	return out
}
