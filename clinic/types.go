/*
Package clinic defines the shared domain model for the scheduling and
ledger core of a dental practice system.

PURPOSE:
  This package contains the value types, entities, errors, and storage
  interfaces shared by the schedule, chart, and billing engines. It holds
  no business rules of its own beyond value-type arithmetic; the engines
  in the sibling packages own the rules.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers for every entity (AppointmentID, InvoiceID, ...)
  - Appointment: a staff booking with a status lifecycle
  - DentalChartEntry / ToothProcedure: per-visit clinical rows
  - Invoice / Payment: the money lifecycle, decimal end to end
  - InsurancePolicy / InsuranceUsage: coverage with annual caps

DESIGN PRINCIPLES:
  1. Append-only money: Payment rows are never updated or deleted; an
     invoice's paid amount is recomputed from them on every write.
  2. Precision: decimal.Decimal for every monetary field, never float.
  3. Type safety: strong ID types prevent crossing patient/staff/invoice
     references.
  4. Auditability: appointments are never physically deleted and every
     mutation writes an AuditEntry in the same transaction.

SEE ALSO:
  - timerange.go: the half-open TimeRange value type
  - errors.go: the error taxonomy shared by all engines
  - store.go: storage interfaces the sqlite store implements
*/
package clinic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type StaffID string
type AppointmentID string
type VisitID string
type ChartEntryID string
type ProcedureID string
type PolicyID string
type InvoiceID string
type PaymentID string

// NewID returns a fresh random identifier. All entity IDs share the same
// UUID shape; the typed wrappers keep them from being mixed up.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

var validAppointmentStatuses = map[AppointmentStatus]bool{
	StatusScheduled: true,
	StatusConfirmed: true,
	StatusCancelled: true,
	StatusCompleted: true,
	StatusNoShow:    true,
}

// IsValid reports whether s is a known appointment status.
func (s AppointmentStatus) IsValid() bool { return validAppointmentStatuses[s] }

// IsTerminal reports whether no further transitions are allowed out of s.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// Appointment is a booking of one staff member for one patient over one
// TimeRange. Rows are never physically deleted; cancellation is a status.
type Appointment struct {
	ID         AppointmentID
	PatientRef PatientID
	StaffRef   StaffID
	TypeRef    string // appointment type code, e.g. "checkup", "cleaning"
	Range      TimeRange
	Status     AppointmentStatus
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// VISITS - Created when an appointment completes
// =============================================================================

type Visit struct {
	ID             VisitID
	AppointmentRef AppointmentID
	PatientRef     PatientID
	StaffRef       StaffID
	OccurredAt     time.Time
	Notes          string
}

// =============================================================================
// DENTAL CHART - Per-visit, per-tooth clinical rows
// =============================================================================

type ToothStatus string

const (
	ToothHealthy   ToothStatus = "healthy"
	ToothCaries    ToothStatus = "caries"
	ToothFilled    ToothStatus = "filled"
	ToothCrowned   ToothStatus = "crowned"
	ToothRootCanal ToothStatus = "root_canal"
	ToothExtracted ToothStatus = "extracted"
	ToothImplant   ToothStatus = "implant"
	ToothBridge    ToothStatus = "bridge"
)

var validToothStatuses = map[ToothStatus]bool{
	ToothHealthy:   true,
	ToothCaries:    true,
	ToothFilled:    true,
	ToothCrowned:   true,
	ToothRootCanal: true,
	ToothExtracted: true,
	ToothImplant:   true,
	ToothBridge:    true,
}

func (s ToothStatus) IsValid() bool { return validToothStatuses[s] }

// DentalChartEntry is the clinical state of one tooth within one visit.
// Unique per (VisitRef, ToothNumber); updated in place by chart batches.
type DentalChartEntry struct {
	ID          ChartEntryID
	VisitRef    VisitID
	ToothNumber int
	Status      ToothStatus
	Notes       string
	UpdatedAt   time.Time
}

// ToothProcedure is one procedure performed on one tooth. Rows are
// append-only within a visit; corrections add new rows.
type ToothProcedure struct {
	ID            ProcedureID
	ChartEntryRef ChartEntryID
	ProcedureName string
	Date          time.Time
	Cost          decimal.Decimal
	Notes         string
}

// =============================================================================
// INSURANCE - Policies and annual cap consumption
// =============================================================================

// InsurancePolicy is one coverage contract held by a patient. A patient
// may hold several at once; discounts are allocated across them in
// coverage order (highest percentage first).
type InsurancePolicy struct {
	ID                 PolicyID
	PatientRef         PatientID
	Carrier            string
	CoveragePercentage decimal.Decimal // 0..100
	MaxAnnualCoverage  decimal.Decimal
	Deductible         decimal.Decimal
	Active             bool
	EffectiveFrom      time.Time
	Expiry             time.Time // zero value = no expiry
}

// CoversAt reports whether the policy can be applied at the given time.
func (p InsurancePolicy) CoversAt(at time.Time) bool {
	if !p.Active {
		return false
	}
	if at.Before(p.EffectiveFrom) {
		return false
	}
	if !p.Expiry.IsZero() && at.After(p.Expiry) {
		return false
	}
	return true
}

// InsuranceUsage records one discount granted against a policy's annual
// cap. Remaining cap is always recomputed from these rows, never cached.
type InsuranceUsage struct {
	ID         string
	PolicyRef  PolicyID
	InvoiceRef InvoiceID
	Year       int
	Amount     decimal.Decimal
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "unpaid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
)

var validInvoiceStatuses = map[InvoiceStatus]bool{
	InvoiceUnpaid:        true,
	InvoicePartiallyPaid: true,
	InvoicePaid:          true,
	InvoiceOverdue:       true,
}

func (s InvoiceStatus) IsValid() bool { return validInvoiceStatuses[s] }

// LineItem is one billed procedure on an invoice. Discount is per line
// and already netted into the invoice subtotal.
type LineItem struct {
	ProcedureRef string
	Description  string
	Quantity     int
	UnitCost     decimal.Decimal
	Discount     decimal.Decimal
}

// Amount returns UnitCost*Quantity - Discount for this line.
func (li LineItem) Amount() decimal.Decimal {
	return li.UnitCost.Mul(decimal.NewFromInt(int64(li.Quantity))).Sub(li.Discount)
}

// Invoice is the billing document for one visit. Derived monetary fields
// are recomputed from line items and the payment ledger, never edited
// independently.
type Invoice struct {
	ID                InvoiceID
	Number            string
	PatientRef        PatientID
	VisitRef          VisitID
	LineItems         []LineItem
	Subtotal          decimal.Decimal
	DiscountTotal     decimal.Decimal
	InsuranceDiscount decimal.Decimal
	TaxRate           decimal.Decimal
	TaxAmount         decimal.Decimal
	TotalAmount       decimal.Decimal
	PaidAmount        decimal.Decimal
	CreditAmount      decimal.Decimal
	Status            InvoiceStatus
	IssuedAt          time.Time
	DueDate           time.Time
}

// Outstanding returns the amount still owed. Never negative.
func (inv Invoice) Outstanding() decimal.Decimal {
	out := inv.TotalAmount.Sub(inv.PaidAmount)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// =============================================================================
// PAYMENTS - The append-only money ledger
// =============================================================================

type PaymentMethod string

const (
	PayCash      PaymentMethod = "cash"
	PayCard      PaymentMethod = "card"
	PayCheck     PaymentMethod = "check"
	PayInsurance PaymentMethod = "insurance"
	PayTransfer  PaymentMethod = "transfer"
)

var validPaymentMethods = map[PaymentMethod]bool{
	PayCash:      true,
	PayCard:      true,
	PayCheck:     true,
	PayInsurance: true,
	PayTransfer:  true,
}

func (m PaymentMethod) IsValid() bool { return validPaymentMethods[m] }

// Payment is one ledger entry against an invoice. Rows are append-only;
// the invoice's paid amount is the sum of its payments by definition.
type Payment struct {
	ID              PaymentID
	InvoiceRef      InvoiceID
	Amount          decimal.Decimal
	Method          PaymentMethod
	ReceivedAt      time.Time
	ReferenceNumber string
	ReceivedBy      StaffID
}

// =============================================================================
// DIRECTORY - Minimal patient/staff rows for references and reminders
// =============================================================================

type Patient struct {
	ID        PatientID
	FirstName string
	LastName  string
	Phone     string
	Email     string
}

func (p Patient) FullName() string { return p.FirstName + " " + p.LastName }

type Staff struct {
	ID   StaffID
	Name string
	Role string
}

// =============================================================================
// AUDIT - Who did what, written in the same transaction as the change
// =============================================================================

type AuditEntry struct {
	ID         string
	At         time.Time
	Actor      StaffID
	Action     string // e.g. "appointment.propose", "invoice.payment"
	EntityKind string
	EntityID   string
	Detail     string
}
