/*
handlers_test.go - HTTP-level tests for the API handlers

Exercises the full stack (router -> handler -> engine -> sqlite) through
recorded requests:
- Booking and the conflict/validation status mapping
- Completion returning a visit, then charting through the API
- Invoice generation, the payment walk, and overdue flagging
- Actor attribution and the audit read surface
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/enamel/clinic-core/billing"
	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/schedule"
	"github.com/enamel/clinic-core/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

type testAPI struct {
	router  *chi.Mux
	patient clinic.PatientID
	staff   clinic.StaffID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	patient := clinic.Patient{ID: clinic.PatientID(clinic.NewID()), FirstName: "Ana", LastName: "Reyes", Phone: "+15550001111"}
	if err := store.InsertPatient(ctx, patient); err != nil {
		t.Fatalf("Failed to insert patient: %v", err)
	}
	staff := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: "Dr. Held", Role: "dentist"}
	if err := store.InsertStaff(ctx, staff); err != nil {
		t.Fatalf("Failed to insert staff: %v", err)
	}

	h := NewHandler(
		store,
		schedule.NewEngine(store),
		chart.NewEngine(store, chart.SchemeUniversal),
		billing.NewEngine(store, billing.Config{}),
		zerolog.Nop(),
	)
	return &testAPI{router: NewRouter(h), patient: patient.ID, staff: staff.ID}
}

// do performs a recorded request. An empty actor leaves the header off.
func (ta *testAPI) do(method, path, body string, actor clinic.StaffID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Staff-ID", string(actor))
	}
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ta *testAPI) bookAt(t *testing.T, hour, min, duration int) AppointmentDTO {
	t.Helper()
	body := fmt.Sprintf(`{"patient_id":%q,"staff_id":%q,"type":"checkup","start":"2026-03-10T%02d:%02d:00Z","duration_minutes":%d}`,
		ta.patient, ta.staff, hour, min, duration)
	rec := ta.do("POST", "/api/appointments", body, ta.staff)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 booking, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[AppointmentDTO](t, rec)
}

func (ta *testAPI) completeVisit(t *testing.T, apptID string) VisitDTO {
	t.Helper()
	rec := ta.do("POST", "/api/appointments/"+apptID+"/transition", `{"to":"completed"}`, ta.staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 transition, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[TransitionResultDTO](t, rec)
	if result.Visit == nil {
		t.Fatal("Completing an appointment should return a visit")
	}
	return *result.Visit
}

// =============================================================================
// HEALTH AND DIRECTORY
// =============================================================================

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do("GET", "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestCreatePatient_AndFetch(t *testing.T) {
	ta := newTestAPI(t)

	// WHEN registering a patient
	rec := ta.do("POST", "/api/patients", `{"first_name":"Ben","last_name":"Okafor","phone":"+15550002222"}`, ta.staff)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[PatientDTO](t, rec)

	// THEN the patient is fetchable
	rec = ta.do("GET", "/api/patients/"+created.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	got := decode[PatientDTO](t, rec)
	if got.FirstName != "Ben" || got.LastName != "Okafor" {
		t.Errorf("Unexpected patient %+v", got)
	}

	// AND the registration is audited
	rec = ta.do("GET", "/api/audit?action=patient.create&entity_id="+created.ID, "", "")
	entries := decode[[]AuditEntryDTO](t, rec)
	if len(entries) != 1 {
		t.Errorf("Expected 1 audit row, got %d", len(entries))
	}
}

func TestCreatePatient_RequiresNames(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do("POST", "/api/patients", `{"first_name":"","last_name":"Okafor"}`, ta.staff)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestGetPatient_Unknown404(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do("GET", "/api/patients/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Code != "not_found" {
		t.Errorf("Expected code not_found, got %q", resp.Code)
	}
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func TestProposeAppointment_Books(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)
	if appt.Status != "scheduled" {
		t.Errorf("Expected scheduled, got %q", appt.Status)
	}
	if appt.End != "2026-03-10T09:30:00Z" {
		t.Errorf("Expected end 09:30, got %q", appt.End)
	}

	rec := ta.do("GET", "/api/appointments/"+appt.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestProposeAppointment_ConflictMapsTo409(t *testing.T) {
	ta := newTestAPI(t)

	// GIVEN a booked 09:00-09:30
	ta.bookAt(t, 9, 0, 30)

	// WHEN proposing an overlapping 09:15-09:45
	body := fmt.Sprintf(`{"patient_id":%q,"staff_id":%q,"type":"checkup","start":"2026-03-10T09:15:00Z","duration_minutes":30}`,
		ta.patient, ta.staff)
	rec := ta.do("POST", "/api/appointments", body, ta.staff)

	// THEN it maps to 409 with the conflict code
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Code != "scheduling_conflict" {
		t.Errorf("Expected code scheduling_conflict, got %q", resp.Code)
	}

	// AND the adjacent 09:30 slot still books
	ta.bookAt(t, 9, 30, 30)
}

func TestProposeAppointment_RequiresActor(t *testing.T) {
	ta := newTestAPI(t)

	body := fmt.Sprintf(`{"patient_id":%q,"staff_id":%q,"type":"checkup","start":"2026-03-10T09:00:00Z","duration_minutes":30}`,
		ta.patient, ta.staff)
	rec := ta.do("POST", "/api/appointments", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without X-Staff-ID, got %d", rec.Code)
	}
}

func TestProposeAppointment_BadDurationMapsTo400(t *testing.T) {
	ta := newTestAPI(t)

	body := fmt.Sprintf(`{"patient_id":%q,"staff_id":%q,"type":"checkup","start":"2026-03-10T09:00:00Z","duration_minutes":0}`,
		ta.patient, ta.staff)
	rec := ta.do("POST", "/api/appointments", body, ta.staff)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Code != "validation" {
		t.Errorf("Expected code validation, got %q", resp.Code)
	}
}

func TestListAppointments_StatusFilter(t *testing.T) {
	ta := newTestAPI(t)

	booked := ta.bookAt(t, 9, 0, 30)
	ta.bookAt(t, 10, 0, 30)

	rec := ta.do("POST", "/api/appointments/"+booked.ID+"/transition", `{"to":"cancelled"}`, ta.staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ta.do("GET", "/api/appointments?status=scheduled", "", "")
	appts := decode[[]AppointmentDTO](t, rec)
	if len(appts) != 1 {
		t.Errorf("Expected 1 scheduled appointment, got %d", len(appts))
	}

	rec = ta.do("GET", "/api/appointments?status=bogus", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestTransition_InvalidMapsTo409(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)
	ta.completeVisit(t, appt.ID)

	// Completed is terminal
	rec := ta.do("POST", "/api/appointments/"+appt.ID+"/transition", `{"to":"confirmed"}`, ta.staff)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Code != "invalid_transition" {
		t.Errorf("Expected code invalid_transition, got %q", resp.Code)
	}
}

// =============================================================================
// CHARTS
// =============================================================================

func TestChartUpdate_ThroughAPI(t *testing.T) {
	ta := newTestAPI(t)

	// GIVEN a completed visit
	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)

	// WHEN charting a filling on tooth 14
	body := `{"teeth":[{"tooth_number":14,"status":"filled","notes":"MO composite",` +
		`"procedures":[{"name":"Composite filling","cost":"180.00"}]}]}`
	rec := ta.do("PUT", "/api/visits/"+visit.ID+"/chart", body, ta.staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// THEN the snapshot returns the tooth with its procedure
	rec = ta.do("GET", "/api/visits/"+visit.ID+"/chart", "", "")
	records := decode[[]ToothRecordDTO](t, rec)
	if len(records) != 1 {
		t.Fatalf("Expected 1 charted tooth, got %d", len(records))
	}
	if records[0].ToothNumber != 14 || records[0].Status != "filled" {
		t.Errorf("Unexpected record %+v", records[0])
	}
	if len(records[0].Procedures) != 1 || records[0].Procedures[0].Cost != "180.00" {
		t.Errorf("Unexpected procedures %+v", records[0].Procedures)
	}
}

func TestChartUpdate_BadToothMapsTo400(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)

	rec := ta.do("PUT", "/api/visits/"+visit.ID+"/chart",
		`{"teeth":[{"tooth_number":99,"status":"filled"}]}`, ta.staff)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Code != "invalid_tooth_number" {
		t.Errorf("Expected code invalid_tooth_number, got %q", resp.Code)
	}
}

// =============================================================================
// INVOICES AND PAYMENTS
// =============================================================================

func TestInvoiceLifecycle_ThroughAPI(t *testing.T) {
	ta := newTestAPI(t)

	// GIVEN a completed visit
	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)

	// WHEN generating a 100.00 invoice
	body := fmt.Sprintf(`{"visit_id":%q,"line_items":[{"procedure":"D1110","description":"Cleaning","quantity":1,"unit_cost":"100.00"}]}`,
		visit.ID)
	rec := ta.do("POST", "/api/invoices", body, ta.staff)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	inv := decode[InvoiceDTO](t, rec)
	if inv.Total != "100.00" || inv.Status != "unpaid" {
		t.Fatalf("Unexpected invoice %+v", inv)
	}
	if !strings.HasPrefix(inv.Number, "INV-") {
		t.Errorf("Expected INV- number, got %q", inv.Number)
	}

	// THEN payments of 40 and 60 walk unpaid -> partially_paid -> paid
	rec = ta.do("POST", "/api/invoices/"+inv.ID+"/payments", `{"amount":"40.00","method":"cash"}`, ta.staff)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	after := decode[InvoiceDTO](t, rec)
	if after.Status != "partially_paid" || after.Outstanding != "60.00" {
		t.Errorf("After 40: %+v", after)
	}

	rec = ta.do("POST", "/api/invoices/"+inv.ID+"/payments", `{"amount":"60.00","method":"card"}`, ta.staff)
	after = decode[InvoiceDTO](t, rec)
	if after.Status != "paid" || after.Paid != "100.00" {
		t.Errorf("After 60: %+v", after)
	}

	// AND the single fetch embeds both payments
	rec = ta.do("GET", "/api/invoices/"+inv.ID, "", "")
	fetched := decode[InvoiceDTO](t, rec)
	if len(fetched.Payments) != 2 {
		t.Errorf("Expected 2 embedded payments, got %d", len(fetched.Payments))
	}
}

func TestCreateInvoice_UnknownVisit404(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do("POST", "/api/invoices",
		`{"visit_id":"nope","line_items":[{"procedure":"D1110","description":"Cleaning","quantity":1,"unit_cost":"100.00"}]}`,
		ta.staff)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInvoice_BadDecimalMapsTo400(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)

	body := fmt.Sprintf(`{"visit_id":%q,"line_items":[{"procedure":"D1110","description":"Cleaning","quantity":1,"unit_cost":"lots"}]}`,
		visit.ID)
	rec := ta.do("POST", "/api/invoices", body, ta.staff)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMarkOverdue_ThroughAPI(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)

	body := fmt.Sprintf(`{"visit_id":%q,"line_items":[{"procedure":"D1110","description":"Cleaning","quantity":1,"unit_cost":"100.00"}]}`,
		visit.ID)
	inv := decode[InvoiceDTO](t, ta.do("POST", "/api/invoices", body, ta.staff))

	// WHEN flagging well past the due date
	asOf := time.Now().UTC().AddDate(0, 0, 45).Format(time.RFC3339)
	rec := ta.do("POST", "/api/invoices/"+inv.ID+"/overdue", fmt.Sprintf(`{"as_of":%q}`, asOf), ta.staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	flagged := decode[InvoiceDTO](t, rec)
	if flagged.Status != "overdue" {
		t.Errorf("Expected overdue, got %q", flagged.Status)
	}
}

// =============================================================================
// INSURANCE POLICIES
// =============================================================================

func TestAddPolicy_ThroughAPI(t *testing.T) {
	ta := newTestAPI(t)

	// WHEN attaching an 80% policy
	body := `{"carrier":"DeltaCare","coverage_percentage":"80","max_annual_coverage":"1500.00","deductible":"50.00"}`
	rec := ta.do("POST", "/api/patients/"+string(ta.patient)+"/policies", body, ta.staff)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	policy := decode[PolicyDTO](t, rec)
	if policy.Carrier != "DeltaCare" || !policy.Active {
		t.Errorf("Unexpected policy %+v", policy)
	}

	// THEN it lists for the patient
	rec = ta.do("GET", "/api/patients/"+string(ta.patient)+"/policies", "", "")
	policies := decode[[]PolicyDTO](t, rec)
	if len(policies) != 1 {
		t.Errorf("Expected 1 policy, got %d", len(policies))
	}

	// AND a new invoice carries the insurance discount
	appt := ta.bookAt(t, 9, 0, 30)
	visit := ta.completeVisit(t, appt.ID)
	invBody := fmt.Sprintf(`{"visit_id":%q,"line_items":[{"procedure":"D2391","description":"Filling","quantity":1,"unit_cost":"200.00"}]}`,
		visit.ID)
	inv := decode[InvoiceDTO](t, ta.do("POST", "/api/invoices", invBody, ta.staff))
	// 80% of (200 - 50 deductible) = 120
	if inv.InsuranceDiscount != "120.00" {
		t.Errorf("Expected insurance discount 120.00, got %q", inv.InsuranceDiscount)
	}
	if inv.Total != "80.00" {
		t.Errorf("Expected total 80.00, got %q", inv.Total)
	}
}

func TestAddPolicy_BadPercentageMapsTo400(t *testing.T) {
	ta := newTestAPI(t)

	body := `{"carrier":"DeltaCare","coverage_percentage":"140","max_annual_coverage":"1500.00"}`
	rec := ta.do("POST", "/api/patients/"+string(ta.patient)+"/policies", body, ta.staff)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_TracksBookingActor(t *testing.T) {
	ta := newTestAPI(t)

	appt := ta.bookAt(t, 9, 0, 30)

	rec := ta.do("GET", "/api/audit?action=appointment.propose&entity_id="+appt.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	entries := decode[[]AuditEntryDTO](t, rec)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 audit row, got %d", len(entries))
	}
	if entries[0].Actor != string(ta.staff) {
		t.Errorf("Expected actor %s, got %s", ta.staff, entries[0].Actor)
	}
}
