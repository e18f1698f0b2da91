package billing

import (
	"fmt"
	"time"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// Window is the derived time range a billing cycle aggregates over. It is
// computed, never stored.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor computes the cycle window containing the reference instant.
// Windows are anchored to calendar boundaries in UTC: months for MONTHLY,
// calendar quarters for QUARTERLY, calendar years for ANNUAL. The end is
// the last representable instant of the period, so record timestamps are
// matched inclusively on both sides.
func WindowFor(cycleType models.CycleType, ref time.Time) (Window, error) {
	ref = ref.UTC()

	var start time.Time
	switch cycleType {
	case models.CycleMonthly:
		start = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}, nil
	case models.CycleQuarterly:
		quarterStart := time.Month(((int(ref.Month())-1)/3)*3 + 1)
		start = time.Date(ref.Year(), quarterStart, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 3, 0).Add(-time.Nanosecond)}, nil
	case models.CycleAnnual:
		start = time.Date(ref.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(1, 0, 0).Add(-time.Nanosecond)}, nil
	}
	return Window{}, fmt.Errorf("unsupported cycle type %q", cycleType)
}

// Contains reports whether the instant falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
