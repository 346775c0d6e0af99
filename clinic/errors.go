/*
errors.go - Centralized error taxonomy for the clinic core

PURPOSE:
  All failure modes of the schedule, chart, and billing engines in one
  place. Engines return these; the API layer maps each to a distinct
  status code and machine-readable code string.

ERROR CATEGORIES:
  1. Validation errors - malformed input, raised before any storage write
  2. Domain conflicts  - overlapping bookings, illegal status changes
  3. Storage errors    - transaction aborted and fully rolled back
  4. Busy              - transient contention that survived bounded retry

USAGE:
  Callers branch on sentinels:

    if errors.Is(err, clinic.ErrSchedulingConflict) { ... }

  and recover details with errors.As:

    var conflict *clinic.SchedulingConflictError
    if errors.As(err, &conflict) { ids := conflict.ConflictingIDs }

SEE ALSO:
  - store.go: storage interfaces whose implementations raise ErrStorage
  - ../api/handlers.go: status-code mapping
*/
package clinic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input, always before any
	// storage write.
	ErrValidation = errors.New("validation failed")

	// ErrSchedulingConflict is returned when a proposed booking overlaps an
	// existing active booking for the same staff member.
	ErrSchedulingConflict = errors.New("scheduling conflict")

	// ErrInvalidTransition is returned for an illegal appointment status
	// change (e.g. out of a terminal status).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidToothNumber is returned when a chart update references a
	// tooth outside the configured numbering scheme. Raised before any row
	// of the batch is written.
	ErrInvalidToothNumber = errors.New("invalid tooth number")

	// ErrStorage is returned when a storage transaction aborted. The whole
	// transaction has been rolled back; no partial effects are observable.
	ErrStorage = errors.New("storage failure")

	// ErrOverpayment is returned in strict mode when a payment would push
	// the paid amount past the invoice total. Nothing is written.
	ErrOverpayment = errors.New("payment exceeds invoice balance")

	// ErrBusy is returned after bounded retries when the store keeps
	// reporting contention. The operation may be retried by the caller.
	ErrBusy = errors.New("storage busy")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SchedulingConflictError reports which existing appointments collide with
// a proposed range. The loser of a booking race always receives this,
// never a silently shortened booking.
type SchedulingConflictError struct {
	StaffRef       StaffID
	Range          TimeRange
	ConflictingIDs []AppointmentID
}

func (e *SchedulingConflictError) Error() string {
	ids := make([]string, len(e.ConflictingIDs))
	for i, id := range e.ConflictingIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("scheduling conflict for staff %s over %s with [%s]",
		e.StaffRef, e.Range, strings.Join(ids, ", "))
}

func (e *SchedulingConflictError) Unwrap() error { return ErrSchedulingConflict }

// InvalidTransitionError reports an illegal status change.
type InvalidTransitionError struct {
	AppointmentID AppointmentID
	From          AppointmentStatus
	To            AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for appointment %s: %s -> %s",
		e.AppointmentID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidToothNumberError reports a tooth outside the numbering scheme.
type InvalidToothNumberError struct {
	Tooth  int
	Scheme string
}

func (e *InvalidToothNumberError) Error() string {
	return fmt.Sprintf("invalid tooth number %d for %s numbering", e.Tooth, e.Scheme)
}

func (e *InvalidToothNumberError) Unwrap() error { return ErrInvalidToothNumber }

// OverpaymentError reports a strict-mode rejection with the amounts needed
// to correct the payment.
type OverpaymentError struct {
	InvoiceID InvoiceID
	Attempted decimal.Decimal
	Remaining decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds remaining balance %s on invoice %s",
		e.Attempted, e.Remaining, e.InvoiceID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "appointment", "invoice", "visit", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError carries the failed operation name. The driver-level cause
// stays in the message only; callers are expected to branch on the
// sentinel, not on driver internals.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return ErrStorage }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is due to the caller's input or
// a domain conflict, as opposed to an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSchedulingConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidToothNumber) ||
		errors.Is(err, ErrOverpayment)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
