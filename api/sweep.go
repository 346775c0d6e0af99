/*
sweep.go - Background overdue and reminder runner

PURPOSE:
  Periodically flips past-due invoices to overdue and sends next-day
  appointment reminders. Both jobs are cron-scheduled and run until the
  host process stops the runner.

DESIGN:
  - One cron scheduler owns both jobs; specs are configurable
  - Overdue sweep defaults to hourly, reminders to 09:00 daily
  - Job failures are logged and retried on the next tick, never fatal
  - Stop waits for a running job to finish before returning

USAGE:
  runner := NewSweepRunner(billingEngine, reminders, log)
  if err := runner.Start(); err != nil { ... }
  // ... on shutdown
  runner.Stop()

SEE ALSO:
  - billing/engine.go: SweepOverdue
  - notify/reminders.go: SendUpcoming
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/enamel/clinic-core/billing"
	"github.com/enamel/clinic-core/notify"
)

const (
	defaultOverdueSpec  = "@hourly"
	defaultReminderSpec = "0 9 * * *"
)

// SweepRunner schedules the overdue sweep and the reminder sweep.
type SweepRunner struct {
	Billing   *billing.Engine
	Reminders *notify.Reminders
	Log       zerolog.Logger

	// OverdueSpec and ReminderSpec are cron expressions; empty selects
	// the defaults.
	OverdueSpec  string
	ReminderSpec string

	cron *cron.Cron
	mu   sync.Mutex
}

// NewSweepRunner creates a runner with the default schedules.
func NewSweepRunner(bill *billing.Engine, reminders *notify.Reminders, log zerolog.Logger) *SweepRunner {
	return &SweepRunner{
		Billing:      bill,
		Reminders:    reminders,
		Log:          log,
		OverdueSpec:  defaultOverdueSpec,
		ReminderSpec: defaultReminderSpec,
	}
}

// Start registers both jobs and begins the schedule.
func (sr *SweepRunner) Start() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.cron != nil {
		return nil
	}

	c := cron.New()

	overdueSpec := sr.OverdueSpec
	if overdueSpec == "" {
		overdueSpec = defaultOverdueSpec
	}
	if _, err := c.AddFunc(overdueSpec, sr.runOverdueSweep); err != nil {
		return err
	}

	reminderSpec := sr.ReminderSpec
	if reminderSpec == "" {
		reminderSpec = defaultReminderSpec
	}
	if sr.Reminders != nil {
		if _, err := c.AddFunc(reminderSpec, sr.runReminderSweep); err != nil {
			return err
		}
	}

	c.Start()
	sr.cron = c
	sr.Log.Info().
		Str("overdue", overdueSpec).
		Str("reminders", reminderSpec).
		Msg("sweep runner started")
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (sr *SweepRunner) Stop() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.cron == nil {
		return
	}
	<-sr.cron.Stop().Done()
	sr.cron = nil
	sr.Log.Info().Msg("sweep runner stopped")
}

// RunNow executes both sweeps immediately, outside the schedule.
func (sr *SweepRunner) RunNow() {
	sr.runOverdueSweep()
	if sr.Reminders != nil {
		sr.runReminderSweep()
	}
}

func (sr *SweepRunner) runOverdueSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	flagged, err := sr.Billing.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		sr.Log.Error().Err(err).Msg("overdue sweep failed")
		return
	}
	if flagged > 0 {
		sr.Log.Info().Int("flagged", flagged).Msg("overdue sweep completed")
	}
}

func (sr *SweepRunner) runReminderSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Remind for appointments starting tomorrow.
	from := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	sent, err := sr.Reminders.SendUpcoming(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		sr.Log.Error().Err(err).Msg("reminder sweep failed")
		return
	}
	if sent > 0 {
		sr.Log.Info().Int("sent", sent).Msg("reminder sweep completed")
	}
}
