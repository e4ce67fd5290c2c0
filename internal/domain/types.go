package domain

import "encoding/json"

const (
	SecondsPerDay = 86400

	// TeardownTime is the last second of the day.
	TeardownTime = SecondsPerDay - 1

	// TeardownFunction is the reserved function reference of the end-of-day event.
	TeardownFunction = "teardown"

	// NeedsSetup is the cursor value that requests a rebuild.
	NeedsSetup = -1

	// DayLayout formats ActiveSchedule.Day.
	DayLayout = "2006-01-02"
)

type StartTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// TaskTemplate is one recurring task ("ensemble"). Iterations counts the
// repeats after the first firing.
type TaskTemplate struct {
	Title      string
	StartTime  StartTime
	Interval   int // seconds
	Iterations int
	Function   string
	Inputs     []json.RawMessage
}

type FiringEvent struct {
	Title    string            `json:"title"`
	Template string            `json:"template,omitempty"`
	Function string            `json:"function"`
	Time     int               `json:"time"` // seconds since local midnight
	Inputs   []json.RawMessage `json:"inputs,omitempty"`
}

func (e FiringEvent) IsTeardown() bool { return e.Function == TeardownFunction }

// TeardownEvent closes every expanded day.
func TeardownEvent() FiringEvent {
	return FiringEvent{Title: TeardownFunction, Function: TeardownFunction, Time: TeardownTime}
}

// ActiveSchedule is the persisted day plan. Day is empty for files written
// before the field existed; such schedules are treated as today's.
type ActiveSchedule struct {
	Events []FiringEvent `json:"ensemble_list"`
	Cursor int           `json:"next_ensemble"`
	Day    string        `json:"day,omitempty"`
}

// NeedsSetup reports whether the cursor is the rebuild sentinel or points
// outside the event list.
func (s ActiveSchedule) NeedsSetup() bool {
	return s.Cursor < 0 || s.Cursor >= len(s.Events)
}

// Next returns the event under the cursor.
func (s ActiveSchedule) Next() (FiringEvent, bool) {
	if s.NeedsSetup() {
		return FiringEvent{}, false
	}
	return s.Events[s.Cursor], true
}
