/*
handlers.go - HTTP API handlers for the clinic core

PURPOSE:
  Exposes the scheduling, charting, and billing engines via REST API.
  Handles HTTP request/response, JSON serialization, and delegates all
  domain logic to the engines.

ENDPOINTS:
  Appointments:
    POST   /api/appointments                  Book an appointment
    GET    /api/appointments                  List (staff_id, patient_id, status, from, to)
    GET    /api/appointments/{id}             Get one appointment
    POST   /api/appointments/{id}/transition  Move to a new status

  Visits and charts:
    GET    /api/visits/{id}                   Get one visit
    GET    /api/visits/{id}/chart             Chart snapshot with procedures
    PUT    /api/visits/{id}/chart             Apply a charting batch

  Invoices:
    POST   /api/invoices                      Generate the invoice for a visit
    GET    /api/invoices                      List (patient_id, visit_id, status, due_before)
    GET    /api/invoices/{id}                 Get one invoice, payments embedded
    POST   /api/invoices/{id}/payments        Record a payment
    GET    /api/invoices/{id}/payments        Payment history
    POST   /api/invoices/{id}/overdue         Flag as overdue (as_of in body)

  Directory and insurance:
    POST   /api/patients                      Register a patient
    GET    /api/patients, /api/patients/{id}
    POST   /api/patients/{id}/policies        Attach an insurance policy
    GET    /api/patients/{id}/policies
    POST   /api/staff                         Register a staff member
    GET    /api/staff, /api/staff/{id}

  Audit:
    GET    /api/audit                         Query the trail (actor, action,
                                              entity_kind, entity_id, from, to)

  GET /api/health                             Liveness probe

ACTOR ATTRIBUTION:
  Every mutating endpoint requires the X-Staff-ID header; its value is
  stamped into the audit entries written by the same transaction as the
  change.

ERROR HANDLING:
  Domain errors map to a status and a stable machine code:
  - 400 validation, invalid_tooth_number
  - 404 not_found
  - 409 scheduling_conflict, invalid_transition, overpayment
  - 503 busy (transient contention, safe to retry)
  - 500 internal (cause logged, never echoed to the client)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - sweep.go: Background overdue/reminder runner
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/billing"
	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/schedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    clinic.TxStore
	Schedule *schedule.Engine
	Chart    *chart.Engine
	Billing  *billing.Engine
	Log      zerolog.Logger
}

// NewHandler creates a handler wired to the given engines.
func NewHandler(store clinic.TxStore, sched *schedule.Engine, chartEng *chart.Engine, bill *billing.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		Store:    store,
		Schedule: sched,
		Chart:    chartEng,
		Billing:  bill,
		Log:      log,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// ProposeAppointment books an appointment if the provider is free.
func (h *Handler) ProposeAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req ProposeAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use RFC3339)", err)
		return
	}

	appt, err := h.Schedule.Propose(r.Context(), schedule.ProposeRequest{
		PatientRef:      clinic.PatientID(req.PatientID),
		StaffRef:        clinic.StaffID(req.StaffID),
		TypeRef:         req.Type,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
		Actor:           actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentDTO(*appt))
}

// ListAppointments returns appointments matching the query filters.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAppointmentFilter(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	appts, err := h.Schedule.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AppointmentDTO, len(appts))
	for i, a := range appts {
		dtos[i] = toAppointmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAppointment returns a single appointment.
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id := clinic.AppointmentID(chi.URLParam(r, "id"))

	appt, err := h.Schedule.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// TransitionAppointment moves an appointment through its lifecycle.
// Completing an appointment returns the visit created for it.
func (h *Handler) TransitionAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req TransitionAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	appt, visit, err := h.Schedule.Transition(r.Context(), schedule.TransitionRequest{
		AppointmentID: clinic.AppointmentID(chi.URLParam(r, "id")),
		To:            clinic.AppointmentStatus(req.To),
		Notes:         req.Notes,
		Actor:         actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	result := TransitionResultDTO{Appointment: toAppointmentDTO(*appt)}
	if visit != nil {
		dto := toVisitDTO(*visit)
		result.Visit = &dto
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// VISIT AND CHART HANDLERS
// =============================================================================

// GetVisit returns a single visit.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	visit, err := h.Schedule.GetVisit(r.Context(), clinic.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*visit))
}

// GetChart returns the visit's chart with procedure history.
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	records, err := h.Chart.Snapshot(r.Context(), clinic.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]ToothRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toToothRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateChart applies a charting batch to a visit. The whole batch lands
// or none of it does.
func (h *Handler) UpdateChart(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req ChartUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updates := make([]chart.ToothUpdate, len(req.Teeth))
	for i, tu := range req.Teeth {
		procs := make([]chart.ProcedureInput, len(tu.Procedures))
		for j, p := range tu.Procedures {
			date := time.Now().UTC()
			if p.Date != "" {
				parsed, err := time.Parse(time.RFC3339, p.Date)
				if err != nil {
					writeError(w, http.StatusBadRequest, "Invalid procedure date (use RFC3339)", err)
					return
				}
				date = parsed
			}
			cost, derr := parseDecimal("cost", p.Cost)
			if derr != nil {
				h.writeDomainError(w, derr)
				return
			}
			procs[j] = chart.ProcedureInput{Name: p.Name, Date: date, Cost: cost, Notes: p.Notes}
		}
		updates[i] = chart.ToothUpdate{
			ToothNumber: tu.ToothNumber,
			Status:      clinic.ToothStatus(tu.Status),
			Notes:       tu.Notes,
			Procedures:  procs,
		}
	}

	entries, err := h.Chart.ApplyUpdate(r.Context(), chart.UpdateRequest{
		VisitID: clinic.VisitID(chi.URLParam(r, "id")),
		Updates: updates,
		Actor:   actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]ToothRecordDTO, len(entries))
	for i, e := range entries {
		dtos[i] = ToothRecordDTO{
			ID:          string(e.ID),
			VisitID:     string(e.VisitRef),
			ToothNumber: e.ToothNumber,
			Status:      string(e.Status),
			Notes:       e.Notes,
			UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
			Procedures:  []ToothProcedureDTO{},
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice generates the invoice for a visit.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	taxRate, derr := parseDecimal("tax_rate", req.TaxRate)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}

	items := make([]billing.LineItemInput, len(req.LineItems))
	for i, li := range req.LineItems {
		unitCost, err := parseDecimal("unit_cost", li.UnitCost)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		discount, err := parseDecimal("discount", li.Discount)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		items[i] = billing.LineItemInput{
			ProcedureRef: li.Procedure,
			Description:  li.Description,
			Quantity:     li.Quantity,
			UnitCost:     unitCost,
			Discount:     discount,
		}
	}

	inv, err := h.Billing.GenerateInvoice(r.Context(), billing.GenerateInvoiceRequest{
		VisitID:   clinic.VisitID(req.VisitID),
		LineItems: items,
		TaxRate:   taxRate,
		Actor:     actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// ListInvoices returns invoices matching the query filters.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseInvoiceFilter(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	invoices, err := h.Billing.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns a single invoice with its payments embedded.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := clinic.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Billing.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	payments, err := h.Billing.Payments(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := toInvoiceDTO(*inv)
	dto.Payments = make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dto.Payments[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ApplyPayment records a payment and returns the updated invoice.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, derr := parseDecimal("amount", req.Amount)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}

	inv, err := h.Billing.ApplyPayment(r.Context(), billing.PaymentRequest{
		InvoiceID: clinic.InvoiceID(chi.URLParam(r, "id")),
		Amount:    amount,
		Method:    clinic.PaymentMethod(req.Method),
		Reference: req.Reference,
		Actor:     actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// ListPayments returns the payment history for an invoice.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := clinic.InvoiceID(chi.URLParam(r, "id"))

	if _, err := h.Billing.GetInvoice(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	payments, err := h.Billing.Payments(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkOverdue flags an invoice whose due date has passed.
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req MarkOverdueRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use RFC3339)", err)
			return
		}
		asOf = parsed
	}

	inv, err := h.Billing.MarkOverdue(r.Context(), clinic.InvoiceID(chi.URLParam(r, "id")), asOf, actor)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreatePatient registers a patient.
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		writeError(w, http.StatusBadRequest, "first_name and last_name are required", nil)
		return
	}

	patient := clinic.Patient{
		ID:        clinic.PatientID(clinic.NewID()),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
		Email:     strings.TrimSpace(req.Email),
	}

	err := h.Store.WithTx(r.Context(), func(s clinic.Store) error {
		if err := s.InsertPatient(r.Context(), patient); err != nil {
			return err
		}
		return s.AppendAudit(r.Context(), clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         time.Now().UTC(),
			Actor:      actor,
			Action:     "patient.create",
			EntityKind: "patient",
			EntityID:   string(patient.ID),
		})
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPatientDTO(patient))
}

// ListPatients returns all patients.
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Store.ListPatients(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPatient returns a single patient.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := h.Store.GetPatient(r.Context(), clinic.PatientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*patient))
}

// CreateStaff registers a staff member.
func (h *Handler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req CreateStaffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	staff := clinic.Staff{
		ID:   clinic.StaffID(clinic.NewID()),
		Name: strings.TrimSpace(req.Name),
		Role: strings.TrimSpace(req.Role),
	}

	err := h.Store.WithTx(r.Context(), func(s clinic.Store) error {
		if err := s.InsertStaff(r.Context(), staff); err != nil {
			return err
		}
		return s.AppendAudit(r.Context(), clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         time.Now().UTC(),
			Actor:      actor,
			Action:     "staff.create",
			EntityKind: "staff",
			EntityID:   string(staff.ID),
		})
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toStaffDTO(staff))
}

// ListStaff returns all staff members.
func (h *Handler) ListStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := h.Store.ListStaff(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]StaffDTO, len(staff))
	for i, s := range staff {
		dtos[i] = toStaffDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStaff returns a single staff member.
func (h *Handler) GetStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := h.Store.GetStaff(r.Context(), clinic.StaffID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStaffDTO(*staff))
}

// =============================================================================
// INSURANCE HANDLERS
// =============================================================================

// AddPolicy attaches an insurance policy to a patient.
func (h *Handler) AddPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req AddPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	coverage, derr := parseDecimal("coverage_percentage", req.CoveragePercentage)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}
	maxCoverage, derr := parseDecimal("max_annual_coverage", req.MaxAnnualCoverage)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}
	deductible, derr := parseDecimal("deductible", req.Deductible)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}
	effectiveFrom, derr := parseDate("effective_from", req.EffectiveFrom)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}
	expiry, derr := parseDate("expiry", req.Expiry)
	if derr != nil {
		h.writeDomainError(w, derr)
		return
	}

	policy, err := h.Billing.AddPolicy(r.Context(), billing.PolicyRequest{
		PatientRef:         clinic.PatientID(chi.URLParam(r, "id")),
		Carrier:            req.Carrier,
		CoveragePercentage: coverage,
		MaxAnnualCoverage:  maxCoverage,
		Deductible:         deductible,
		EffectiveFrom:      effectiveFrom,
		Expiry:             expiry,
		Actor:              actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPolicyDTO(*policy))
}

// ListPatientPolicies returns all policies on file for a patient.
func (h *Handler) ListPatientPolicies(w http.ResponseWriter, r *http.Request) {
	id := clinic.PatientID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetPatient(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	policies, err := h.Billing.PoliciesForPatient(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries matching the query filters.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// requireActor reads the X-Staff-ID header and rejects the request when
// it is missing. Mutations are never anonymous.
func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (clinic.StaffID, bool) {
	actor := strings.TrimSpace(r.Header.Get("X-Staff-ID"))
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "X-Staff-ID header is required",
			Code:  "validation",
		})
		return "", false
	}
	return clinic.StaffID(actor), true
}

// writeDomainError maps a domain error to its status and machine code.
// Internal causes are logged and never echoed to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
		writeJSON(w, status, ErrorResponse{Error: "internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case clinic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, clinic.ErrSchedulingConflict):
		return http.StatusConflict, "scheduling_conflict"
	case errors.Is(err, clinic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, clinic.ErrOverpayment):
		return http.StatusConflict, "overpayment"
	case errors.Is(err, clinic.ErrInvalidToothNumber):
		return http.StatusBadRequest, "invalid_tooth_number"
	case errors.Is(err, clinic.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, clinic.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "validation"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// parseDecimal parses a decimal request field. Empty means zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, &clinic.ValidationError{Field: field, Reason: "not a valid decimal amount"}
	}
	return d, nil
}

// parseDate parses a YYYY-MM-DD request field. Empty means the zero time.
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &clinic.ValidationError{Field: field, Reason: "must be a date (YYYY-MM-DD)"}
	}
	return t, nil
}

// parseTimeParam parses an RFC3339 query parameter. Empty means nil.
func parseTimeParam(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &clinic.ValidationError{Field: field, Reason: "must be RFC3339"}
	}
	return &t, nil
}

func parseAppointmentFilter(r *http.Request) (clinic.AppointmentFilter, error) {
	var f clinic.AppointmentFilter

	if v := r.URL.Query().Get("staff_id"); v != "" {
		id := clinic.StaffID(v)
		f.StaffRef = &id
	}
	if v := r.URL.Query().Get("patient_id"); v != "" {
		id := clinic.PatientID(v)
		f.PatientRef = &id
	}
	for _, raw := range splitParam(r.URL.Query().Get("status")) {
		st := clinic.AppointmentStatus(raw)
		if !st.IsValid() {
			return f, &clinic.ValidationError{Field: "status", Reason: "unknown appointment status " + raw}
		}
		f.Statuses = append(f.Statuses, st)
	}

	var err error
	if f.From, err = parseTimeParam("from", r.URL.Query().Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTimeParam("to", r.URL.Query().Get("to")); err != nil {
		return f, err
	}
	return f, nil
}

func parseInvoiceFilter(r *http.Request) (clinic.InvoiceFilter, error) {
	var f clinic.InvoiceFilter

	if v := r.URL.Query().Get("patient_id"); v != "" {
		id := clinic.PatientID(v)
		f.PatientRef = &id
	}
	if v := r.URL.Query().Get("visit_id"); v != "" {
		id := clinic.VisitID(v)
		f.VisitRef = &id
	}
	for _, raw := range splitParam(r.URL.Query().Get("status")) {
		st := clinic.InvoiceStatus(raw)
		if !st.IsValid() {
			return f, &clinic.ValidationError{Field: "status", Reason: "unknown invoice status " + raw}
		}
		f.Statuses = append(f.Statuses, st)
	}

	due, err := parseTimeParam("due_before", r.URL.Query().Get("due_before"))
	if err != nil {
		return f, err
	}
	f.DueBefore = due
	return f, nil
}

func parseAuditFilter(r *http.Request) (clinic.AuditFilter, error) {
	var f clinic.AuditFilter

	if v := r.URL.Query().Get("actor"); v != "" {
		id := clinic.StaffID(v)
		f.Actor = &id
	}
	if v := r.URL.Query().Get("entity_kind"); v != "" {
		f.EntityKind = &v
	}
	if v := r.URL.Query().Get("entity_id"); v != "" {
		f.EntityID = &v
	}
	f.Actions = splitParam(r.URL.Query().Get("action"))

	var err error
	if f.From, err = parseTimeParam("from", r.URL.Query().Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTimeParam("to", r.URL.Query().Get("to")); err != nil {
		return f, err
	}
	return f, nil
}

// splitParam splits a comma-separated query value, dropping empties.
func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
