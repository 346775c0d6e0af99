/*
Package schedule books appointments and drives their lifecycle.

PURPOSE:
  Owns the two scheduling operations: proposing a new appointment into a
  provider's calendar and moving an existing appointment through its
  status machine. Completion also creates the clinical Visit record.

INVARIANTS:
  1. No two appointments for the same provider overlap in time, where
     overlap is half-open: a.start < b.end AND b.start < a.end.
     Back-to-back bookings ([09:00,09:30) then [09:30,10:00)) never
     conflict. Cancelled and completed appointments release their slot;
     a no-show keeps it.
  2. Status only moves along the allowed edges (see transitions.go).
     Cancelled, completed and no_show are terminal.
  3. A completed appointment gets exactly one Visit, created in the same
     transaction as the status change. If either write fails, neither
     persists.

CONCURRENCY:
  The conflict scan and the insert happen inside one store transaction,
  and the status change is a compare-and-set on the previous status.
  When two bookings race for the same slot, exactly one commits; the
  loser gets a SchedulingConflictError.

AUDIT:
  Every mutation appends an audit entry inside the same transaction, so
  the trail can never disagree with the data.

EXAMPLE:
  engine := schedule.NewEngine(store)

  appt, err := engine.Propose(ctx, schedule.ProposeRequest{
      PatientRef:      patientID,
      StaffRef:        dentistID,
      Start:           march10at9,
      DurationMinutes: 30,
  })
  if err != nil {
      var conflict *clinic.SchedulingConflictError
      if errors.As(err, &conflict) {
          // slot taken; conflict.ConflictingIDs names the blockers
      }
  }

SEE ALSO:
  - transitions.go: the allowed status edges
  - clinic/store.go: the storage contract this engine runs on
*/
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/enamel/clinic-core/clinic"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine books appointments and moves them through their lifecycle.
type Engine struct {
	store clinic.TxStore
}

// NewEngine creates a scheduling engine on top of the given store.
func NewEngine(store clinic.TxStore) *Engine {
	return &Engine{store: store}
}

// =============================================================================
// PROPOSE - Book a new appointment
// =============================================================================

// ProposeRequest describes a booking attempt.
type ProposeRequest struct {
	PatientRef      clinic.PatientID
	StaffRef        clinic.StaffID
	TypeRef         string
	Start           time.Time
	DurationMinutes int
	Notes           string

	// Actor is recorded in the audit trail.
	Actor clinic.StaffID
}

// Propose books an appointment if the provider's calendar is free for the
// whole window. The conflict scan and the insert run in one transaction;
// on a clash the booking is rejected with a SchedulingConflictError that
// names the blocking appointments.
func (e *Engine) Propose(ctx context.Context, req ProposeRequest) (*clinic.Appointment, error) {
	if req.PatientRef == "" {
		return nil, &clinic.ValidationError{Field: "patientRef", Reason: "must not be empty"}
	}
	if req.StaffRef == "" {
		return nil, &clinic.ValidationError{Field: "staffRef", Reason: "must not be empty"}
	}
	r, err := clinic.NewTimeRange(req.Start, req.DurationMinutes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	appt := clinic.Appointment{
		ID:         clinic.AppointmentID(clinic.NewID()),
		PatientRef: req.PatientRef,
		StaffRef:   req.StaffRef,
		TypeRef:    req.TypeRef,
		Range:      r,
		Status:     clinic.StatusScheduled,
		Notes:      req.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = e.store.WithTx(ctx, func(tx clinic.Store) error {
		if _, err := tx.GetPatient(ctx, req.PatientRef); err != nil {
			return err
		}
		if _, err := tx.GetStaff(ctx, req.StaffRef); err != nil {
			return err
		}

		blockers, err := tx.OverlappingAppointments(ctx, req.StaffRef, r)
		if err != nil {
			return err
		}
		if len(blockers) > 0 {
			ids := make([]clinic.AppointmentID, 0, len(blockers))
			for _, b := range blockers {
				ids = append(ids, b.ID)
			}
			return &clinic.SchedulingConflictError{
				StaffRef:       req.StaffRef,
				Range:          r,
				ConflictingIDs: ids,
			}
		}

		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         now,
			Actor:      req.Actor,
			Action:     "appointment.propose",
			EntityKind: "appointment",
			EntityID:   string(appt.ID),
			Detail:     fmt.Sprintf("staff=%s %s", req.StaffRef, r),
		})
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// =============================================================================
// TRANSITION - Move an appointment through its lifecycle
// =============================================================================

// TransitionRequest asks for one status change. Notes are carried onto the
// Visit when the transition completes the appointment.
type TransitionRequest struct {
	AppointmentID clinic.AppointmentID
	To            clinic.AppointmentStatus
	Notes         string
	Actor         clinic.StaffID
}

// Transition moves an appointment to a new status. Illegal edges are
// rejected with an InvalidTransitionError; terminal states never move
// again. Completing an appointment also creates its Visit in the same
// transaction, and the returned visit is non-nil exactly in that case.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*clinic.Appointment, *clinic.Visit, error) {
	if !req.To.IsValid() {
		return nil, nil, &clinic.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.To)}
	}

	var (
		appt  *clinic.Appointment
		visit *clinic.Visit
	)
	now := time.Now().UTC()

	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		current, err := tx.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if !canTransition(current.Status, req.To) {
			return &clinic.InvalidTransitionError{
				AppointmentID: current.ID,
				From:          current.Status,
				To:            req.To,
			}
		}

		moved, err := tx.UpdateAppointmentStatus(ctx, current.ID, current.Status, req.To, now)
		if err != nil {
			return err
		}
		if !moved {
			// Lost a race with another writer; report against the fresh state.
			fresh, err := tx.GetAppointment(ctx, req.AppointmentID)
			if err != nil {
				return err
			}
			return &clinic.InvalidTransitionError{
				AppointmentID: fresh.ID,
				From:          fresh.Status,
				To:            req.To,
			}
		}

		if req.To == clinic.StatusCompleted {
			v := clinic.Visit{
				ID:             clinic.VisitID(clinic.NewID()),
				AppointmentRef: current.ID,
				PatientRef:     current.PatientRef,
				StaffRef:       current.StaffRef,
				OccurredAt:     now,
				Notes:          req.Notes,
			}
			if err := tx.InsertVisit(ctx, v); err != nil {
				return err
			}
			visit = &v
		}

		if err := tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         now,
			Actor:      req.Actor,
			Action:     "appointment.transition",
			EntityKind: "appointment",
			EntityID:   string(current.ID),
			Detail:     fmt.Sprintf("from=%s to=%s", current.Status, req.To),
		}); err != nil {
			return err
		}

		updated := *current
		updated.Status = req.To
		updated.UpdatedAt = now
		appt = &updated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return appt, visit, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns one appointment by ID.
func (e *Engine) Get(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	return e.store.GetAppointment(ctx, id)
}

// List returns appointments matching the filter, ordered by start time.
func (e *Engine) List(ctx context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	return e.store.ListAppointments(ctx, f)
}

// GetVisit returns one visit by ID.
func (e *Engine) GetVisit(ctx context.Context, id clinic.VisitID) (*clinic.Visit, error) {
	return e.store.GetVisit(ctx, id)
}
