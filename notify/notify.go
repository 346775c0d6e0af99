/*
Package notify delivers appointment reminders to patients.

PURPOSE:
  Fire-and-forget messaging: the scheduling core never waits on a
  delivery, and a failed send never fails a booking. The job runner
  invokes the reminder sweep once a day; each upcoming appointment in
  the window produces one SMS.

DISPATCHERS:
  Dispatcher is the single-method seam. TwilioDispatcher sends real SMS
  through Twilio's REST API; LogDispatcher just logs the message and is
  the default when no Twilio credentials are configured, which keeps
  development environments quiet and offline.

SEE ALSO:
  - reminders.go: the sweep that builds reminders from appointments
  - twilio.go: the Twilio-backed dispatcher
*/
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Reminder is one message for one upcoming appointment.
type Reminder struct {
	To          string
	PatientName string
	StaffName   string
	Start       time.Time
}

// Body renders the SMS text.
func (r Reminder) Body() string {
	return fmt.Sprintf("Hi %s, this is a reminder of your appointment with %s on %s at %s.",
		r.PatientName, r.StaffName,
		r.Start.Format("Monday, January 2"),
		r.Start.Format("15:04"),
	)
}

// Dispatcher delivers one reminder. Implementations must be safe for
// concurrent use.
type Dispatcher interface {
	Send(ctx context.Context, r Reminder) error
}

// LogDispatcher writes reminders to the log instead of sending them.
type LogDispatcher struct {
	Log zerolog.Logger
}

var _ Dispatcher = (*LogDispatcher)(nil)

func (d *LogDispatcher) Send(ctx context.Context, r Reminder) error {
	d.Log.Info().
		Str("to", r.To).
		Time("start", r.Start).
		Msg(r.Body())
	return nil
}
