/*
store.go - Persistence interfaces for the clinic core

PURPOSE:
  Defines the contract between the engines and the database. One concrete
  store (store/sqlite) implements the whole surface; the engines only ever
  see these interfaces.

KEY INTERFACES:
  SchedulingStore: appointments, overlap scans, visits
  ChartStore:      per-visit chart entries and procedure rows
  BillingStore:    invoices, payments, policies, cap usage
  DirectoryStore:  minimal patient/staff rows
  AuditStore:      append-only audit trail
  Store:           all of the above, composed
  TxStore:         Store plus WithTx

TRANSACTION HANDLE:
  Engines hold a TxStore and run every read-then-write operation as

    store.WithTx(ctx, func(tx clinic.Store) error { ... })

  The fn-scoped Store IS the transaction handle: it lives exactly as long
  as the operation, commits when fn returns nil, and rolls back on error
  or panic. There is no global connection and no statement ever escapes
  its transaction.

APPEND-ONLY CONTRACT:
  Payments, insurance usage, and audit entries have insert and read
  operations only. Appointments and invoices are never deleted; their
  lifecycles advance through status writes.

QUERY PARAMETERS:
  List operations take typed filter structs. Implementations compile them
  to parameterized SQL; values are never concatenated into query text.

SEE ALSO:
  - ../store/sqlite/sqlite.go: the embedded implementation
  - errors.go: ErrStorage / ErrBusy raised by implementations
*/
package clinic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULING
// =============================================================================

// VisitCreator creates the clinical visit record when an appointment
// completes. Satisfied by the full store; named separately because it is
// the one write the scheduler performs outside its own tables.
type VisitCreator interface {
	InsertVisit(ctx context.Context, v Visit) error
}

type SchedulingStore interface {
	VisitCreator

	InsertAppointment(ctx context.Context, a Appointment) error
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)

	// OverlappingAppointments returns appointments for the staff member
	// whose range intersects r, excluding cancelled and completed rows.
	// Overlap is half-open: a.start < b.end AND b.start < a.end.
	OverlappingAppointments(ctx context.Context, staff StaffID, r TimeRange) ([]Appointment, error)

	// UpdateAppointmentStatus performs a compare-and-set: the row is
	// updated only if its current status equals from. Returns false when
	// the precondition failed (row changed underneath the caller).
	UpdateAppointmentStatus(ctx context.Context, id AppointmentID, from, to AppointmentStatus, at time.Time) (bool, error)

	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	GetVisit(ctx context.Context, id VisitID) (*Visit, error)
}

// =============================================================================
// DENTAL CHART
// =============================================================================

type ChartStore interface {
	// UpsertChartEntry inserts or updates the entry keyed by
	// (VisitRef, ToothNumber) and returns the canonical entry ID so
	// procedure rows can link to it.
	UpsertChartEntry(ctx context.Context, e DentalChartEntry) (ChartEntryID, error)

	// AppendToothProcedure adds one procedure row. No update or delete
	// exists; corrections append.
	AppendToothProcedure(ctx context.Context, p ToothProcedure) error

	ChartEntriesForVisit(ctx context.Context, visit VisitID) ([]DentalChartEntry, error)
	ProceduresForVisit(ctx context.Context, visit VisitID) ([]ToothProcedure, error)
}

// =============================================================================
// BILLING
// =============================================================================

// PolicyLookup is the insurance collaborator consumed by the ledger
// engine: which policies can discount an invoice issued at a given time.
type PolicyLookup interface {
	ActivePoliciesForPatient(ctx context.Context, patient PatientID, at time.Time) ([]InsurancePolicy, error)
}

type BillingStore interface {
	PolicyLookup

	// InsertInvoice persists the invoice and its line items together.
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)

	// UpdateInvoiceDerived writes the recomputed paid amount, credit, and
	// status. These are the only invoice fields that change after issue.
	UpdateInvoiceDerived(ctx context.Context, id InvoiceID, paid, credit decimal.Decimal, status InvoiceStatus) error

	InsertPayment(ctx context.Context, p Payment) error
	PaymentsForInvoice(ctx context.Context, id InvoiceID) ([]Payment, error)

	InsertPolicy(ctx context.Context, p InsurancePolicy) error
	PoliciesForPatient(ctx context.Context, patient PatientID) ([]InsurancePolicy, error)

	// AppendInsuranceUsage records a discount against a policy's annual
	// cap; UsageTotalForPolicyYear recomputes consumption from the rows.
	AppendInsuranceUsage(ctx context.Context, u InsuranceUsage) error
	UsageTotalForPolicyYear(ctx context.Context, policy PolicyID, year int) (decimal.Decimal, error)
}

// =============================================================================
// DIRECTORY
// =============================================================================

type DirectoryStore interface {
	InsertPatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)

	InsertStaff(ctx context.Context, s Staff) error
	GetStaff(ctx context.Context, id StaffID) (*Staff, error)
	ListStaff(ctx context.Context) ([]Staff, error)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// COMPOSED STORE + TRANSACTIONS
// =============================================================================

// Store is the full persistence surface seen inside a transaction.
type Store interface {
	SchedulingStore
	ChartStore
	BillingStore
	DirectoryStore
	AuditStore
}

// TxStore is what the engines hold between operations.
type TxStore interface {
	Store

	// WithTx executes fn within one storage transaction. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	// Implementations retry fn a bounded number of times when the store
	// reports transient contention, then surface ErrBusy; fn must
	// therefore be safe to re-run from the top.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// TYPED QUERY FILTERS
// =============================================================================

// AppointmentFilter enumerates the recognized appointment list filters.
// From/To bound the range start; nil fields are ignored.
type AppointmentFilter struct {
	StaffRef   *StaffID
	PatientRef *PatientID
	Statuses   []AppointmentStatus
	From       *time.Time
	To         *time.Time
}

// InvoiceFilter enumerates the recognized invoice list filters.
// DueBefore selects invoices whose due date has passed; the overdue sweep
// combines it with the non-paid statuses.
type InvoiceFilter struct {
	PatientRef *PatientID
	VisitRef   *VisitID
	Statuses   []InvoiceStatus
	DueBefore  *time.Time
}

// AuditFilter selects audit entries.
type AuditFilter struct {
	Actor      *StaffID
	EntityKind *string
	EntityID   *string
	Actions    []string
	From       *time.Time
	To         *time.Time
}
