package types

import (
	"fmt"
	"time"
)

// TimeWindow is the validity interval a transaction declares. Either bound
// may be nil. From is inclusive, Until is exclusive.
type TimeWindow struct {
	From  *time.Time `json:"from,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Between returns a window bounded on both sides.
func Between(from, until time.Time) *TimeWindow {
	f, u := from.UTC(), until.UTC()
	return &TimeWindow{From: &f, Until: &u}
}

// FromOnly returns a window open at the end.
func FromOnly(from time.Time) *TimeWindow {
	f := from.UTC()
	return &TimeWindow{From: &f}
}

// UntilOnly returns a window open at the start.
func UntilOnly(until time.Time) *TimeWindow {
	u := until.UTC()
	return &TimeWindow{Until: &u}
}

// Contains reports whether now falls in the window after widening both
// bounds by tolerance. A nil window contains every instant.
func (w *TimeWindow) Contains(now time.Time, tolerance time.Duration) bool {
	if w == nil {
		return true
	}
	if w.From != nil && now.Before(w.From.Add(-tolerance)) {
		return false
	}
	if w.Until != nil && !now.Before(w.Until.Add(tolerance)) {
		return false
	}
	return true
}

// Validate rejects windows with no bounds or with from >= until.
func (w *TimeWindow) Validate() error {
	if w == nil {
		return nil
	}
	if w.From == nil && w.Until == nil {
		return fmt.Errorf("time window has no bounds")
	}
	if w.From != nil && w.Until != nil && !w.From.Before(*w.Until) {
		return fmt.Errorf("time window from %s is not before until %s", w.From, w.Until)
	}
	return nil
}

func (w *TimeWindow) String() string {
	if w == nil {
		return "<none>"
	}
	bound := func(t *time.Time) string {
		if t == nil {
			return "*"
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return "[" + bound(w.From) + ", " + bound(w.Until) + ")"
}
