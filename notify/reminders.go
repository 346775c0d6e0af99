package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/enamel/clinic-core/clinic"
)

// AppointmentSource is the slice of the store the reminder sweep reads.
type AppointmentSource interface {
	ListAppointments(ctx context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error)
	GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error)
	GetStaff(ctx context.Context, id clinic.StaffID) (*clinic.Staff, error)
}

// Reminders scans upcoming appointments and hands one reminder per
// appointment to the dispatcher.
type Reminders struct {
	source     AppointmentSource
	dispatcher Dispatcher
	log        zerolog.Logger
}

func NewReminders(source AppointmentSource, dispatcher Dispatcher, log zerolog.Logger) *Reminders {
	return &Reminders{source: source, dispatcher: dispatcher, log: log}
}

// SendUpcoming dispatches a reminder for every scheduled or confirmed
// appointment starting inside [from, to). Patients without a phone
// number are skipped, and a failed send is logged and skipped rather
// than aborting the sweep. Returns the number of reminders delivered.
func (r *Reminders) SendUpcoming(ctx context.Context, from, to time.Time) (int, error) {
	appts, err := r.source.ListAppointments(ctx, clinic.AppointmentFilter{
		Statuses: []clinic.AppointmentStatus{clinic.StatusScheduled, clinic.StatusConfirmed},
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, appt := range appts {
		patient, err := r.source.GetPatient(ctx, appt.PatientRef)
		if err != nil {
			r.log.Error().Err(err).Str("appointment", string(appt.ID)).Msg("reminder: patient lookup failed")
			continue
		}
		if patient.Phone == "" {
			continue
		}
		staff, err := r.source.GetStaff(ctx, appt.StaffRef)
		if err != nil {
			r.log.Error().Err(err).Str("appointment", string(appt.ID)).Msg("reminder: staff lookup failed")
			continue
		}

		reminder := Reminder{
			To:          patient.Phone,
			PatientName: patient.FullName(),
			StaffName:   staff.Name,
			Start:       appt.Range.Start,
		}
		if err := r.dispatcher.Send(ctx, reminder); err != nil {
			r.log.Error().Err(err).Str("appointment", string(appt.ID)).Str("to", reminder.To).Msg("reminder: send failed")
			continue
		}
		sent++
	}
	return sent, nil
}
