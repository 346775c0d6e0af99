package notify_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/notify"
	"github.com/enamel/clinic-core/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

// captureDispatcher records every reminder instead of sending it.
type captureDispatcher struct {
	mu   sync.Mutex
	sent []notify.Reminder
}

func (d *captureDispatcher) Send(ctx context.Context, r notify.Reminder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, r)
	return nil
}

type reminderFixture struct {
	store    *sqlite.Store
	capture  *captureDispatcher
	sweep    *notify.Reminders
	staff    clinic.StaffID
	reaching clinic.PatientID // has a phone number
	silent   clinic.PatientID // no phone number
}

func newReminderFixture(t *testing.T) *reminderFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	reaching := clinic.Patient{ID: clinic.PatientID(clinic.NewID()), FirstName: "Ana", LastName: "Reyes", Phone: "+15550001111"}
	require.NoError(t, store.InsertPatient(ctx, reaching))
	silent := clinic.Patient{ID: clinic.PatientID(clinic.NewID()), FirstName: "Ben", LastName: "Okafor"}
	require.NoError(t, store.InsertPatient(ctx, silent))
	staff := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: "Dr. Held", Role: "dentist"}
	require.NoError(t, store.InsertStaff(ctx, staff))

	capture := &captureDispatcher{}
	return &reminderFixture{
		store:    store,
		capture:  capture,
		sweep:    notify.NewReminders(store, capture, zerolog.Nop()),
		staff:    staff.ID,
		reaching: reaching.ID,
		silent:   silent.ID,
	}
}

func (f *reminderFixture) book(t *testing.T, patient clinic.PatientID, day, hour int, status clinic.AppointmentStatus) clinic.Appointment {
	t.Helper()
	appt := clinic.Appointment{
		ID:         clinic.AppointmentID(clinic.NewID()),
		PatientRef: patient,
		StaffRef:   f.staff,
		TypeRef:    "checkup",
		Range:      clinic.MustTimeRange(time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC), 30),
		Status:     status,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.InsertAppointment(context.Background(), appt))
	return appt
}

// =============================================================================
// SEND UPCOMING
// =============================================================================

func TestSendUpcoming_RemindsWindowOnly(t *testing.T) {
	f := newReminderFixture(t)

	// GIVEN appointments inside and outside tomorrow's window
	inside := f.book(t, f.reaching, 11, 9, clinic.StatusScheduled)
	f.book(t, f.reaching, 12, 9, clinic.StatusScheduled) // day after
	f.book(t, f.reaching, 10, 9, clinic.StatusCompleted) // already seen

	// WHEN the sweep covers the 11th
	from := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	sent, err := f.sweep.SendUpcoming(context.Background(), from, from.AddDate(0, 0, 1))
	require.NoError(t, err)

	// THEN exactly the one upcoming appointment is reminded
	assert.Equal(t, 1, sent)
	require.Len(t, f.capture.sent, 1)
	got := f.capture.sent[0]
	assert.Equal(t, "+15550001111", got.To)
	assert.Equal(t, inside.Range.Start, got.Start)
	assert.Equal(t, "Ana Reyes", got.PatientName)
	assert.Equal(t, "Dr. Held", got.StaffName)
}

func TestSendUpcoming_SkipsCancelledAndPhoneless(t *testing.T) {
	f := newReminderFixture(t)

	f.book(t, f.reaching, 11, 9, clinic.StatusCancelled)
	f.book(t, f.silent, 11, 10, clinic.StatusConfirmed)
	f.book(t, f.reaching, 11, 11, clinic.StatusConfirmed)

	from := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	sent, err := f.sweep.SendUpcoming(context.Background(), from, from.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, 1, sent)
	require.Len(t, f.capture.sent, 1)
	assert.Equal(t, 11, f.capture.sent[0].Start.Hour())
}

func TestReminderBody_NamesPatientAndTime(t *testing.T) {
	r := notify.Reminder{
		To:          "+15550001111",
		PatientName: "Ana Reyes",
		StaffName:   "Dr. Held",
		Start:       time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC),
	}

	body := r.Body()
	assert.True(t, strings.Contains(body, "Ana Reyes"), "body should greet the patient: %s", body)
	assert.True(t, strings.Contains(body, "Dr. Held"), "body should name the provider: %s", body)
	assert.True(t, strings.Contains(body, "09:30"), "body should include the time: %s", body)
}

func TestLogDispatcher_NeverFails(t *testing.T) {
	d := &notify.LogDispatcher{Log: zerolog.Nop()}
	err := d.Send(context.Background(), notify.Reminder{To: "+15550001111", PatientName: "Ana Reyes"})
	assert.NoError(t, err)
}
