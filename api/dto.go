/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Monetary fields travel as decimal strings with two places ("125.00"),
  never as floats. Timestamps are RFC3339. Policy effective dates are
  plain dates (YYYY-MM-DD).

VALIDATION:
  Validation is done in the engines, not in DTOs. DTOs are pure data
  carriers; handlers only parse formats (dates, decimals) before
  delegating.

SEE ALSO:
  - handlers.go: Uses these types
  - clinic/types.go: The domain entities these mirror
*/
package api

import (
	"time"

	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/clinic"
)

// =============================================================================
// DIRECTORY TYPES
// =============================================================================

// PatientDTO represents a patient in API responses.
type PatientDTO struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// CreatePatientRequest is the request to register a patient.
type CreatePatientRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

// StaffDTO represents a staff member in API responses.
type StaffDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// CreateStaffRequest is the request to register a staff member.
type CreateStaffRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// =============================================================================
// SCHEDULING TYPES
// =============================================================================

// AppointmentDTO represents an appointment in API responses.
type AppointmentDTO struct {
	ID              string `json:"id"`
	PatientID       string `json:"patient_id"`
	StaffID         string `json:"staff_id"`
	Type            string `json:"type"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// ProposeAppointmentRequest is the request to book an appointment.
type ProposeAppointmentRequest struct {
	PatientID       string `json:"patient_id"`
	StaffID         string `json:"staff_id"`
	Type            string `json:"type"`
	Start           string `json:"start"` // RFC3339
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes,omitempty"`
}

// TransitionAppointmentRequest moves an appointment to a new status.
type TransitionAppointmentRequest struct {
	To    string `json:"to"`
	Notes string `json:"notes,omitempty"`
}

// TransitionResultDTO is the outcome of a status transition. Visit is
// set only when the transition completed the appointment.
type TransitionResultDTO struct {
	Appointment AppointmentDTO `json:"appointment"`
	Visit       *VisitDTO      `json:"visit,omitempty"`
}

// VisitDTO represents a completed clinical visit.
type VisitDTO struct {
	ID            string `json:"id"`
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	StaffID       string `json:"staff_id"`
	OccurredAt    string `json:"occurred_at"`
	Notes         string `json:"notes,omitempty"`
}

// =============================================================================
// CHART TYPES
// =============================================================================

// ChartUpdateRequest is one charting batch applied to a visit.
type ChartUpdateRequest struct {
	Teeth []ToothUpdateDTO `json:"teeth"`
}

// ToothUpdateDTO carries the new state for one tooth.
type ToothUpdateDTO struct {
	ToothNumber int                 `json:"tooth_number"`
	Status      string              `json:"status"`
	Notes       string              `json:"notes,omitempty"`
	Procedures  []ProcedureInputDTO `json:"procedures,omitempty"`
}

// ProcedureInputDTO is one procedure performed on a tooth.
type ProcedureInputDTO struct {
	Name  string `json:"name"`
	Date  string `json:"date,omitempty"` // RFC3339, defaults to now
	Cost  string `json:"cost,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// ToothRecordDTO is one charted tooth with its procedure history.
type ToothRecordDTO struct {
	ID          string              `json:"id"`
	VisitID     string              `json:"visit_id"`
	ToothNumber int                 `json:"tooth_number"`
	Status      string              `json:"status"`
	Notes       string              `json:"notes,omitempty"`
	UpdatedAt   string              `json:"updated_at"`
	Procedures  []ToothProcedureDTO `json:"procedures"`
}

// ToothProcedureDTO is one recorded procedure.
type ToothProcedureDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Date  string `json:"date"`
	Cost  string `json:"cost"`
	Notes string `json:"notes,omitempty"`
}

// =============================================================================
// BILLING TYPES
// =============================================================================

// CreateInvoiceRequest generates the invoice for a visit.
type CreateInvoiceRequest struct {
	VisitID   string             `json:"visit_id"`
	TaxRate   string             `json:"tax_rate,omitempty"` // fraction, e.g. "0.08"
	LineItems []LineItemInputDTO `json:"line_items"`
}

// LineItemInputDTO is one billed line on a new invoice.
type LineItemInputDTO struct {
	Procedure   string `json:"procedure"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitCost    string `json:"unit_cost"`
	Discount    string `json:"discount,omitempty"`
}

// InvoiceDTO represents an invoice in API responses. Payments is filled
// only on single-invoice fetches.
type InvoiceDTO struct {
	ID                string        `json:"id"`
	Number            string        `json:"number"`
	PatientID         string        `json:"patient_id"`
	VisitID           string        `json:"visit_id"`
	LineItems         []LineItemDTO `json:"line_items"`
	Subtotal          string        `json:"subtotal"`
	DiscountTotal     string        `json:"discount_total"`
	InsuranceDiscount string        `json:"insurance_discount"`
	TaxRate           string        `json:"tax_rate"`
	TaxAmount         string        `json:"tax_amount"`
	Total             string        `json:"total"`
	Paid              string        `json:"paid"`
	Credit            string        `json:"credit"`
	Outstanding       string        `json:"outstanding"`
	Status            string        `json:"status"`
	IssuedAt          string        `json:"issued_at"`
	DueDate           string        `json:"due_date"`
	Payments          []PaymentDTO  `json:"payments,omitempty"`
}

// LineItemDTO is one line of an invoice.
type LineItemDTO struct {
	Procedure   string `json:"procedure"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitCost    string `json:"unit_cost"`
	Discount    string `json:"discount"`
	Amount      string `json:"amount"`
}

// ApplyPaymentRequest records a payment against an invoice.
type ApplyPaymentRequest struct {
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
}

// PaymentDTO represents a recorded payment.
type PaymentDTO struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoice_id"`
	Amount     string `json:"amount"`
	Method     string `json:"method"`
	ReceivedAt string `json:"received_at"`
	Reference  string `json:"reference,omitempty"`
	ReceivedBy string `json:"received_by"`
}

// MarkOverdueRequest flags an invoice past its due date.
type MarkOverdueRequest struct {
	AsOf string `json:"as_of,omitempty"` // RFC3339, defaults to now
}

// =============================================================================
// INSURANCE TYPES
// =============================================================================

// PolicyDTO represents an insurance policy in API responses.
type PolicyDTO struct {
	ID                 string `json:"id"`
	PatientID          string `json:"patient_id"`
	Carrier            string `json:"carrier"`
	CoveragePercentage string `json:"coverage_percentage"`
	MaxAnnualCoverage  string `json:"max_annual_coverage"`
	Deductible         string `json:"deductible"`
	Active             bool   `json:"active"`
	EffectiveFrom      string `json:"effective_from"`
	Expiry             string `json:"expiry,omitempty"`
}

// AddPolicyRequest attaches a policy to a patient.
type AddPolicyRequest struct {
	Carrier            string `json:"carrier"`
	CoveragePercentage string `json:"coverage_percentage"`
	MaxAnnualCoverage  string `json:"max_annual_coverage"`
	Deductible         string `json:"deductible,omitempty"`
	EffectiveFrom      string `json:"effective_from,omitempty"` // YYYY-MM-DD
	Expiry             string `json:"expiry,omitempty"`         // YYYY-MM-DD
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditEntryDTO is one audit trail row.
type AuditEntryDTO struct {
	ID         string `json:"id"`
	At         string `json:"at"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPatientDTO(p clinic.Patient) PatientDTO {
	return PatientDTO{
		ID:        string(p.ID),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		Email:     p.Email,
	}
}

func toStaffDTO(s clinic.Staff) StaffDTO {
	return StaffDTO{ID: string(s.ID), Name: s.Name, Role: s.Role}
}

func toAppointmentDTO(a clinic.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		PatientID:       string(a.PatientRef),
		StaffID:         string(a.StaffRef),
		Type:            a.TypeRef,
		Start:           a.Range.Start.Format(time.RFC3339),
		End:             a.Range.End().Format(time.RFC3339),
		DurationMinutes: a.Range.DurationMinutes,
		Status:          string(a.Status),
		Notes:           a.Notes,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}
}

func toVisitDTO(v clinic.Visit) VisitDTO {
	return VisitDTO{
		ID:            string(v.ID),
		AppointmentID: string(v.AppointmentRef),
		PatientID:     string(v.PatientRef),
		StaffID:       string(v.StaffRef),
		OccurredAt:    v.OccurredAt.Format(time.RFC3339),
		Notes:         v.Notes,
	}
}

func toToothRecordDTO(rec chart.ToothRecord) ToothRecordDTO {
	procs := make([]ToothProcedureDTO, len(rec.Procedures))
	for i, p := range rec.Procedures {
		procs[i] = ToothProcedureDTO{
			ID:    string(p.ID),
			Name:  p.ProcedureName,
			Date:  p.Date.Format(time.RFC3339),
			Cost:  p.Cost.StringFixed(2),
			Notes: p.Notes,
		}
	}
	return ToothRecordDTO{
		ID:          string(rec.Entry.ID),
		VisitID:     string(rec.Entry.VisitRef),
		ToothNumber: rec.Entry.ToothNumber,
		Status:      string(rec.Entry.Status),
		Notes:       rec.Entry.Notes,
		UpdatedAt:   rec.Entry.UpdatedAt.Format(time.RFC3339),
		Procedures:  procs,
	}
}

func toInvoiceDTO(inv clinic.Invoice) InvoiceDTO {
	lines := make([]LineItemDTO, len(inv.LineItems))
	for i, li := range inv.LineItems {
		lines[i] = LineItemDTO{
			Procedure:   li.ProcedureRef,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitCost:    li.UnitCost.StringFixed(2),
			Discount:    li.Discount.StringFixed(2),
			Amount:      li.Amount().StringFixed(2),
		}
	}
	return InvoiceDTO{
		ID:                string(inv.ID),
		Number:            inv.Number,
		PatientID:         string(inv.PatientRef),
		VisitID:           string(inv.VisitRef),
		LineItems:         lines,
		Subtotal:          inv.Subtotal.StringFixed(2),
		DiscountTotal:     inv.DiscountTotal.StringFixed(2),
		InsuranceDiscount: inv.InsuranceDiscount.StringFixed(2),
		TaxRate:           inv.TaxRate.String(),
		TaxAmount:         inv.TaxAmount.StringFixed(2),
		Total:             inv.TotalAmount.StringFixed(2),
		Paid:              inv.PaidAmount.StringFixed(2),
		Credit:            inv.CreditAmount.StringFixed(2),
		Outstanding:       inv.Outstanding().StringFixed(2),
		Status:            string(inv.Status),
		IssuedAt:          inv.IssuedAt.Format(time.RFC3339),
		DueDate:           inv.DueDate.Format(time.RFC3339),
	}
}

func toPaymentDTO(p clinic.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		InvoiceID:  string(p.InvoiceRef),
		Amount:     p.Amount.StringFixed(2),
		Method:     string(p.Method),
		ReceivedAt: p.ReceivedAt.Format(time.RFC3339),
		Reference:  p.ReferenceNumber,
		ReceivedBy: string(p.ReceivedBy),
	}
}

func toPolicyDTO(p clinic.InsurancePolicy) PolicyDTO {
	dto := PolicyDTO{
		ID:                 string(p.ID),
		PatientID:          string(p.PatientRef),
		Carrier:            p.Carrier,
		CoveragePercentage: p.CoveragePercentage.String(),
		MaxAnnualCoverage:  p.MaxAnnualCoverage.StringFixed(2),
		Deductible:         p.Deductible.StringFixed(2),
		Active:             p.Active,
		EffectiveFrom:      p.EffectiveFrom.Format("2006-01-02"),
	}
	if !p.Expiry.IsZero() {
		dto.Expiry = p.Expiry.Format("2006-01-02")
	}
	return dto
}

func toAuditDTO(e clinic.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		At:         e.At.Format(time.RFC3339),
		Actor:      string(e.Actor),
		Action:     e.Action,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Detail:     e.Detail,
	}
}
