package clinic

import (
	"fmt"
	"time"
)

// =============================================================================
// TIME RANGE - Half-open interval [Start, Start+Duration)
// =============================================================================

// TimeRange is the booking interval of an appointment. It is a pure value
// type: construct once, never mutate. All comparisons treat the range as
// half-open, so back-to-back bookings (one ending exactly when the next
// starts) do not overlap.
type TimeRange struct {
	Start           time.Time
	DurationMinutes int
}

// NewTimeRange validates and builds a TimeRange. Start must be non-zero
// and the duration strictly positive.
func NewTimeRange(start time.Time, durationMinutes int) (TimeRange, error) {
	if start.IsZero() {
		return TimeRange{}, &ValidationError{Field: "start", Reason: "start time is required"}
	}
	if durationMinutes <= 0 {
		return TimeRange{}, &ValidationError{Field: "durationMinutes", Reason: "duration must be positive"}
	}
	return TimeRange{Start: start.UTC(), DurationMinutes: durationMinutes}, nil
}

// MustTimeRange is NewTimeRange for fixtures and seeds; panics on bad input.
func MustTimeRange(start time.Time, durationMinutes int) TimeRange {
	r, err := NewTimeRange(start, durationMinutes)
	if err != nil {
		panic(err)
	}
	return r
}

// End returns the exclusive end of the range.
func (r TimeRange) End() time.Time {
	return r.Start.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Overlaps reports whether two half-open ranges intersect:
// a.start < b.end AND b.start < a.end.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End()) && other.Start.Before(r.End())
}

// Contains reports whether t falls inside the half-open range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End())
}

// IsZero reports whether the range was never constructed.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.DurationMinutes == 0
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End().Format(time.RFC3339))
}
