package schedule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/schedule"
	"github.com/enamel/clinic-core/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

type testClinic struct {
	store   *sqlite.Store
	engine  *schedule.Engine
	patient clinic.PatientID
	staff   clinic.StaffID
}

func newTestClinic(t *testing.T) *testClinic {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	patient := clinic.Patient{ID: clinic.PatientID(clinic.NewID()), FirstName: "Ana", LastName: "Reyes"}
	require.NoError(t, store.InsertPatient(ctx, patient))
	staff := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: "Dr. Held", Role: "dentist"}
	require.NoError(t, store.InsertStaff(ctx, staff))

	return &testClinic{
		store:   store,
		engine:  schedule.NewEngine(store),
		patient: patient.ID,
		staff:   staff.ID,
	}
}

func (tc *testClinic) proposeAt(hour, min, durationMinutes int) (*clinic.Appointment, error) {
	return tc.engine.Propose(context.Background(), schedule.ProposeRequest{
		PatientRef:      tc.patient,
		StaffRef:        tc.staff,
		TypeRef:         "checkup",
		Start:           time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC),
		DurationMinutes: durationMinutes,
		Actor:           tc.staff,
	})
}

// =============================================================================
// PROPOSE
// =============================================================================

func TestPropose_BooksFreeSlot(t *testing.T) {
	tc := newTestClinic(t)

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	assert.NotEmpty(t, appt.ID)
	assert.Equal(t, clinic.StatusScheduled, appt.Status)
	assert.Equal(t, 30, appt.Range.DurationMinutes)

	got, err := tc.engine.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)
}

func TestPropose_RejectsOverlap(t *testing.T) {
	tc := newTestClinic(t)

	// GIVEN a dentist booked 09:00-09:30
	booked, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	// WHEN a 09:15-09:45 booking is proposed for the same dentist
	_, err = tc.proposeAt(9, 15, 30)

	// THEN it is rejected and the blocker is named
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrSchedulingConflict)
	var conflict *clinic.SchedulingConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []clinic.AppointmentID{booked.ID}, conflict.ConflictingIDs)

	// Back-to-back at 09:30-10:00 is fine
	_, err = tc.proposeAt(9, 30, 30)
	assert.NoError(t, err)
}

func TestPropose_DifferentProvidersShareTime(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	other := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: "Dr. Patel", Role: "hygienist"}
	require.NoError(t, tc.store.InsertStaff(ctx, other))

	_, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	// Same window, different provider: no conflict
	_, err = tc.engine.Propose(ctx, schedule.ProposeRequest{
		PatientRef:      tc.patient,
		StaffRef:        other.ID,
		Start:           time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	assert.NoError(t, err)
}

func TestPropose_ReleasedSlotsAreFree(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	first, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	// Cancelling releases the slot
	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: first.ID,
		To:            clinic.StatusCancelled,
		Actor:         tc.staff,
	})
	require.NoError(t, err)

	second, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	// Completing releases it too
	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: second.ID,
		To:            clinic.StatusCompleted,
		Actor:         tc.staff,
	})
	require.NoError(t, err)

	_, err = tc.proposeAt(9, 0, 30)
	assert.NoError(t, err)
}

func TestPropose_NoShowStillHoldsSlot(t *testing.T) {
	tc := newTestClinic(t)

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	_, _, err = tc.engine.Transition(context.Background(), schedule.TransitionRequest{
		AppointmentID: appt.ID,
		To:            clinic.StatusNoShow,
		Actor:         tc.staff,
	})
	require.NoError(t, err)

	_, err = tc.proposeAt(9, 0, 30)
	assert.ErrorIs(t, err, clinic.ErrSchedulingConflict)
}

func TestPropose_Validation(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	_, err := tc.engine.Propose(ctx, schedule.ProposeRequest{
		StaffRef:        tc.staff,
		Start:           time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	assert.ErrorIs(t, err, clinic.ErrValidation)

	_, err = tc.engine.Propose(ctx, schedule.ProposeRequest{
		PatientRef:      tc.patient,
		StaffRef:        tc.staff,
		Start:           time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 0,
	})
	assert.ErrorIs(t, err, clinic.ErrValidation)
}

func TestPropose_UnknownRefs(t *testing.T) {
	tc := newTestClinic(t)

	_, err := tc.engine.Propose(context.Background(), schedule.ProposeRequest{
		PatientRef:      tc.patient,
		StaffRef:        "no-such-staff",
		Start:           time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

func TestPropose_WritesAuditTrail(t *testing.T) {
	tc := newTestClinic(t)

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	id := string(appt.ID)
	entries, err := tc.store.QueryAudit(context.Background(), clinic.AuditFilter{EntityID: &id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "appointment.propose", entries[0].Action)
	assert.Equal(t, tc.staff, entries[0].Actor)
}

// =============================================================================
// TRANSITION
// =============================================================================

func TestTransition_ConfirmThenComplete(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	confirmed, visit, err := tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID,
		To:            clinic.StatusConfirmed,
		Actor:         tc.staff,
	})
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusConfirmed, confirmed.Status)
	assert.Nil(t, visit, "confirmation must not create a visit")

	completed, visit, err := tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID,
		To:            clinic.StatusCompleted,
		Notes:         "routine cleaning",
		Actor:         tc.staff,
	})
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusCompleted, completed.Status)

	require.NotNil(t, visit)
	assert.Equal(t, appt.ID, visit.AppointmentRef)
	assert.Equal(t, tc.patient, visit.PatientRef)
	assert.Equal(t, tc.staff, visit.StaffRef)
	assert.Equal(t, "routine cleaning", visit.Notes)

	stored, err := tc.engine.GetVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, visit.ID, stored.ID)
}

func TestTransition_TerminalStatesNeverMove(t *testing.T) {
	tests := []struct {
		name     string
		terminal clinic.AppointmentStatus
	}{
		{"cancelled", clinic.StatusCancelled},
		{"completed", clinic.StatusCompleted},
		{"no_show", clinic.StatusNoShow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestClinic(t)
			ctx := context.Background()

			appt, err := tc.proposeAt(9, 0, 30)
			require.NoError(t, err)

			_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
				AppointmentID: appt.ID, To: tt.terminal, Actor: tc.staff,
			})
			require.NoError(t, err)

			_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
				AppointmentID: appt.ID, To: clinic.StatusConfirmed, Actor: tc.staff,
			})
			require.Error(t, err)
			var invalid *clinic.InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.terminal, invalid.From)
			assert.Equal(t, clinic.StatusConfirmed, invalid.To)
		})
	}
}

func TestTransition_ConfirmIsNotRepeatable(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID, To: clinic.StatusConfirmed, Actor: tc.staff,
	})
	require.NoError(t, err)

	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID, To: clinic.StatusConfirmed, Actor: tc.staff,
	})
	assert.ErrorIs(t, err, clinic.ErrInvalidTransition)
}

func TestTransition_RejectsUnknownStatusAndAppointment(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID, To: "sparkling", Actor: tc.staff,
	})
	assert.ErrorIs(t, err, clinic.ErrValidation)

	_, _, err = tc.engine.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: "missing", To: clinic.StatusConfirmed, Actor: tc.staff,
	})
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

// =============================================================================
// ATOMICITY AND RACES
// =============================================================================

// visitFailingStore makes InsertVisit fail inside transactions, to prove
// that a failed completion leaves the appointment untouched.
type visitFailingStore struct {
	clinic.TxStore
}

func (s *visitFailingStore) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	return s.TxStore.WithTx(ctx, func(tx clinic.Store) error {
		return fn(&visitFailingInner{Store: tx})
	})
}

type visitFailingInner struct {
	clinic.Store
}

func (s *visitFailingInner) InsertVisit(ctx context.Context, v clinic.Visit) error {
	return errors.New("simulated write failure")
}

func TestTransition_CompletionIsAtomic(t *testing.T) {
	tc := newTestClinic(t)
	ctx := context.Background()

	appt, err := tc.proposeAt(9, 0, 30)
	require.NoError(t, err)

	// GIVEN an engine whose visit insert always fails
	broken := schedule.NewEngine(&visitFailingStore{TxStore: tc.store})

	// WHEN completing the appointment
	_, _, err = broken.Transition(ctx, schedule.TransitionRequest{
		AppointmentID: appt.ID,
		To:            clinic.StatusCompleted,
		Actor:         tc.staff,
	})
	require.Error(t, err)

	// THEN the status change rolled back with the visit
	got, err := tc.engine.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusScheduled, got.Status)
}

func TestConcurrentPropose_ExactlyOneWins(t *testing.T) {
	tc := newTestClinic(t)

	// GIVEN two users racing for the same 09:00-09:30 slot
	const racers = 2
	errs := make([]error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tc.proposeAt(9, 0, 30)
		}(i)
	}
	wg.Wait()

	// THEN exactly one booking succeeded and the other saw the conflict
	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, clinic.ErrSchedulingConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	list, err := tc.engine.List(context.Background(), clinic.AppointmentFilter{StaffRef: &tc.staff})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
