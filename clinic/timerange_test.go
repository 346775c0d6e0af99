package clinic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enamel/clinic-core/clinic"
)

func at(hour, min int) time.Time {
	return time.Date(2026, time.March, 10, hour, min, 0, 0, time.UTC)
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewTimeRange_Validation(t *testing.T) {
	_, err := clinic.NewTimeRange(time.Time{}, 30)
	assert.ErrorIs(t, err, clinic.ErrValidation, "zero start should be rejected")

	_, err = clinic.NewTimeRange(at(9, 0), 0)
	assert.ErrorIs(t, err, clinic.ErrValidation, "zero duration should be rejected")

	_, err = clinic.NewTimeRange(at(9, 0), -15)
	assert.ErrorIs(t, err, clinic.ErrValidation, "negative duration should be rejected")

	r, err := clinic.NewTimeRange(at(9, 0), 30)
	require.NoError(t, err)
	assert.Equal(t, at(9, 30), r.End())
}

func TestNewTimeRange_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	r, err := clinic.NewTimeRange(time.Date(2026, time.March, 10, 11, 0, 0, 0, loc), 30)
	require.NoError(t, err)

	assert.Equal(t, at(9, 0), r.Start)
	assert.Equal(t, time.UTC, r.Start.Location())
}

// =============================================================================
// HALF-OPEN OVERLAP
// =============================================================================

func TestTimeRange_Overlaps(t *testing.T) {
	base := clinic.MustTimeRange(at(9, 0), 30) // [09:00, 09:30)

	tests := []struct {
		name    string
		other   clinic.TimeRange
		overlap bool
	}{
		{"identical", clinic.MustTimeRange(at(9, 0), 30), true},
		{"starts inside", clinic.MustTimeRange(at(9, 15), 30), true},
		{"ends inside", clinic.MustTimeRange(at(8, 45), 30), true},
		{"contains base", clinic.MustTimeRange(at(8, 30), 120), true},
		{"inside base", clinic.MustTimeRange(at(9, 10), 10), true},
		{"adjacent after", clinic.MustTimeRange(at(9, 30), 30), false},
		{"adjacent before", clinic.MustTimeRange(at(8, 30), 30), false},
		{"disjoint after", clinic.MustTimeRange(at(10, 0), 30), false},
		{"disjoint before", clinic.MustTimeRange(at(7, 0), 30), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overlap, base.Overlaps(tt.other))
			// Overlap is symmetric
			assert.Equal(t, tt.overlap, tt.other.Overlaps(base))
		})
	}
}

func TestTimeRange_BackToBackBookingsDoNotOverlap(t *testing.T) {
	// GIVEN: A 09:00-09:30 slot
	// WHEN: Comparing against 09:15-09:45 and 09:30-10:00
	// THEN: The first overlaps, the second (adjacent) does not

	first := clinic.MustTimeRange(at(9, 0), 30)
	straddling := clinic.MustTimeRange(at(9, 15), 30)
	adjacent := clinic.MustTimeRange(at(9, 30), 30)

	assert.True(t, first.Overlaps(straddling))
	assert.False(t, first.Overlaps(adjacent))
}

func TestTimeRange_Contains(t *testing.T) {
	r := clinic.MustTimeRange(at(9, 0), 30)

	assert.True(t, r.Contains(at(9, 0)), "start is inside")
	assert.True(t, r.Contains(at(9, 29)))
	assert.False(t, r.Contains(at(9, 30)), "end is exclusive")
	assert.False(t, r.Contains(at(8, 59)))
}
