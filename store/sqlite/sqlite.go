/*
Package sqlite provides the SQLite-backed implementation of the clinic
storage interfaces.

PURPOSE:
  Implements the whole clinic.Store surface (scheduling, chart, billing,
  directory, audit) over one embedded database file. This is the only
  place in the module that speaks SQL.

INTERFACES IMPLEMENTED:
  clinic.Store:   every row operation the engines use
  clinic.TxStore: Store plus WithTx

KEY TABLES:
  appointments:       bookings; never deleted, status column carries the
                      lifecycle
  visits:             one row per completed appointment
  chart_entries:      per-visit per-tooth clinical state,
                      UNIQUE(visit_id, tooth_number)
  tooth_procedures:   append-only procedure rows under a chart entry
  invoices:           one per visit (UNIQUE visit_id), derived monetary
                      columns mirror recomputed values
  invoice_line_items: ordered billed lines
  payments:           append-only money ledger backing paid_amount
  insurance_policies: coverage contracts per patient
  insurance_usage:    append-only annual cap consumption per policy
  patients, staff:    minimal directory rows for references/reminders
  audit_log:          append-only trail written inside mutating txs

TRANSACTIONS:
  WithTx begins a transaction, hands the caller a tx-scoped view of the
  full Store, rolls back on error and commits otherwise. All reads inside
  the callback go through the same *sql.Tx, so a conflict check sees the
  transaction's own writes. The callback is re-run up to three times when
  SQLite reports lock contention, then the operation surfaces
  clinic.ErrBusy.

CONCURRENCY:
  A sync.RWMutex serializes writers in-process; SQLite WAL mode keeps
  readers unblocked. The busy_timeout pragma covers cross-process
  contention on the database file.

TIMESTAMPS AND MONEY:
  All datetimes are stored as UTC RFC3339 TEXT truncated to seconds so
  lexicographic comparison in SQL equals chronological comparison. All
  monetary columns are decimal strings, parsed with clinic.MustMoney.

SEE ALSO:
  - clinic/store.go: interface definitions
  - clinic/errors.go: ErrStorage / ErrBusy / ErrNotFound mapping
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/clinic"
)

// maxTxAttempts bounds WithTx retries under lock contention.
const maxTxAttempts = 3

// Store implements clinic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ clinic.TxStore = (*Store)(nil)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every row operation is
// written once and runs either standalone or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a SQLite store at the given path and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staff (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT,
		created_at TEXT NOT NULL
	);

	-- Appointments (never deleted; cancellation is a status)
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		staff_id TEXT NOT NULL REFERENCES staff(id),
		type_ref TEXT,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overlap scans read (staff, window); this is the booking hot path
	CREATE INDEX IF NOT EXISTS idx_appointments_staff_window
		ON appointments(staff_id, start_at, end_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_patient
		ON appointments(patient_id);
	CREATE INDEX IF NOT EXISTS idx_appointments_status
		ON appointments(status);

	-- Visits (one per completed appointment)
	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL UNIQUE REFERENCES appointments(id),
		patient_id TEXT NOT NULL REFERENCES patients(id),
		staff_id TEXT NOT NULL REFERENCES staff(id),
		occurred_at TEXT NOT NULL,
		notes TEXT
	);

	-- Chart entries: one row per tooth per visit
	CREATE TABLE IF NOT EXISTS chart_entries (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL REFERENCES visits(id),
		tooth_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(visit_id, tooth_number)
	);

	CREATE INDEX IF NOT EXISTS idx_chart_entries_visit
		ON chart_entries(visit_id);

	-- Procedures: append-only, corrections add rows
	CREATE TABLE IF NOT EXISTS tooth_procedures (
		id TEXT PRIMARY KEY,
		chart_entry_id TEXT NOT NULL REFERENCES chart_entries(id),
		procedure_name TEXT NOT NULL,
		performed_on TEXT NOT NULL,
		cost TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_procedures_entry
		ON tooth_procedures(chart_entry_id);

	-- Insurance
	CREATE TABLE IF NOT EXISTS insurance_policies (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		carrier TEXT,
		coverage_percentage TEXT NOT NULL,
		max_annual_coverage TEXT NOT NULL,
		deductible TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		effective_from TEXT NOT NULL,
		expiry TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_policies_patient
		ON insurance_policies(patient_id);

	-- Append-only annual cap ledger; remaining cap is recomputed from here
	CREATE TABLE IF NOT EXISTS insurance_usage (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL REFERENCES insurance_policies(id),
		invoice_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_policy_year
		ON insurance_usage(policy_id, year);

	-- Invoices: exactly one per visit
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		visit_id TEXT NOT NULL UNIQUE REFERENCES visits(id),
		subtotal TEXT NOT NULL,
		discount_total TEXT NOT NULL DEFAULT '0',
		insurance_discount TEXT NOT NULL DEFAULT '0',
		tax_rate TEXT NOT NULL DEFAULT '0',
		tax_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'unpaid',
		issued_at TEXT NOT NULL,
		due_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_patient
		ON invoices(patient_id);
	-- The overdue sweep reads (status, due_date)
	CREATE INDEX IF NOT EXISTS idx_invoices_status_due
		ON invoices(status, due_date);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		position INTEGER NOT NULL,
		procedure_ref TEXT,
		description TEXT,
		quantity INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON invoice_line_items(invoice_id);

	-- Payments (append-only ledger; paid_amount is derived from here)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		received_at TEXT NOT NULL,
		reference_number TEXT,
		received_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (clinic.TxStore)
// =============================================================================

// WithTx executes fn inside one transaction. The fn-scoped store routes
// every read and write through the same *sql.Tx, so fn sees its own
// uncommitted writes. On lock contention the whole fn is retried with
// backoff up to maxTxAttempts, then clinic.ErrBusy surfaces.
func (s *Store) WithTx(ctx context.Context, fn func(store clinic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction contended after %d attempts: %w", maxTxAttempts, clinic.ErrBusy)
}

func (s *Store) runTx(ctx context.Context, fn func(store clinic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &clinic.StorageError{Op: "begin transaction", Cause: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &clinic.StorageError{Op: "commit transaction", Cause: err}
	}
	return nil
}

// txStore is the transaction-scoped view of the store. It holds no locks:
// WithTx already owns the writer mutex for the whole transaction.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ clinic.Store = (*txStore)(nil)

// =============================================================================
// SCHEDULING
// =============================================================================

func (s *Store) InsertAppointment(ctx context.Context, a clinic.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertAppointment(ctx, s.db, a)
}

func (ts *txStore) InsertAppointment(ctx context.Context, a clinic.Appointment) error {
	return ts.parent.insertAppointment(ctx, ts.tx, a)
}

func (s *Store) insertAppointment(ctx context.Context, q dbtx, a clinic.Appointment) error {
	query := `
		INSERT INTO appointments
		(id, patient_id, staff_id, type_ref, start_at, end_at, duration_minutes,
		 status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		a.ID, a.PatientRef, a.StaffRef, a.TypeRef,
		fmtTime(a.Range.Start), fmtTime(a.Range.End()), a.Range.DurationMinutes,
		a.Status, nullString(a.Notes), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert appointment", Cause: err}
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAppointment(ctx, s.db, id)
}

func (ts *txStore) GetAppointment(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	return ts.parent.getAppointment(ctx, ts.tx, id)
}

const appointmentColumns = `id, patient_id, staff_id, type_ref, start_at, duration_minutes, status, notes, created_at, updated_at`

func (s *Store) getAppointment(ctx context.Context, q dbtx, id clinic.AppointmentID) (*clinic.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = ?`
	appts, err := s.queryAppointments(ctx, q, query, id)
	if err != nil {
		return nil, err
	}
	if len(appts) == 0 {
		return nil, &clinic.NotFoundError{Kind: "appointment", ID: string(id)}
	}
	return &appts[0], nil
}

func (s *Store) OverlappingAppointments(ctx context.Context, staff clinic.StaffID, r clinic.TimeRange) ([]clinic.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlappingAppointments(ctx, s.db, staff, r)
}

func (ts *txStore) OverlappingAppointments(ctx context.Context, staff clinic.StaffID, r clinic.TimeRange) ([]clinic.Appointment, error) {
	return ts.parent.overlappingAppointments(ctx, ts.tx, staff, r)
}

func (s *Store) overlappingAppointments(ctx context.Context, q dbtx, staff clinic.StaffID, r clinic.TimeRange) ([]clinic.Appointment, error) {
	// Half-open overlap: existing.start < proposed.end AND proposed.start < existing.end.
	// Cancelled rows never block; completed rows are history.
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE staff_id = ?
		  AND status NOT IN (?, ?)
		  AND start_at < ?
		  AND ? < end_at
		ORDER BY start_at ASC
	`
	return s.queryAppointments(ctx, q, query,
		staff, clinic.StatusCancelled, clinic.StatusCompleted,
		fmtTime(r.End()), fmtTime(r.Start))
}

func (s *Store) UpdateAppointmentStatus(ctx context.Context, id clinic.AppointmentID, from, to clinic.AppointmentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAppointmentStatus(ctx, s.db, id, from, to, at)
}

func (ts *txStore) UpdateAppointmentStatus(ctx context.Context, id clinic.AppointmentID, from, to clinic.AppointmentStatus, at time.Time) (bool, error) {
	return ts.parent.updateAppointmentStatus(ctx, ts.tx, id, from, to, at)
}

func (s *Store) updateAppointmentStatus(ctx context.Context, q dbtx, id clinic.AppointmentID, from, to clinic.AppointmentStatus, at time.Time) (bool, error) {
	// Compare-and-set: only moves the row if it is still in the expected
	// status, so a racing transition loses cleanly.
	res, err := q.ExecContext(ctx,
		`UPDATE appointments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, fmtTime(at), id, from,
	)
	if err != nil {
		return false, &clinic.StorageError{Op: "update appointment status", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &clinic.StorageError{Op: "update appointment status", Cause: err}
	}
	return n == 1, nil
}

func (s *Store) ListAppointments(ctx context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAppointments(ctx, s.db, f)
}

func (ts *txStore) ListAppointments(ctx context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	return ts.parent.listAppointments(ctx, ts.tx, f)
}

func (s *Store) listAppointments(ctx context.Context, q dbtx, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	where, args := compileAppointmentFilter(f)
	query := `SELECT ` + appointmentColumns + ` FROM appointments ` + where + ` ORDER BY start_at ASC`
	return s.queryAppointments(ctx, q, query, args...)
}

func (s *Store) queryAppointments(ctx context.Context, q dbtx, query string, args ...any) ([]clinic.Appointment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query appointments", Cause: err}
	}
	defer rows.Close()

	var appts []clinic.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func scanAppointment(rows *sql.Rows) (clinic.Appointment, error) {
	var (
		a        clinic.Appointment
		typeRef  sql.NullString
		startAt  string
		duration int
		notes    sql.NullString
		created  string
		updated  string
	)
	err := rows.Scan(&a.ID, &a.PatientRef, &a.StaffRef, &typeRef,
		&startAt, &duration, &a.Status, &notes, &created, &updated)
	if err != nil {
		return a, &clinic.StorageError{Op: "scan appointment", Cause: err}
	}

	a.TypeRef = typeRef.String
	a.Notes = notes.String
	a.Range = clinic.TimeRange{Start: parseTime(startAt), DurationMinutes: duration}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func (s *Store) InsertVisit(ctx context.Context, v clinic.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertVisit(ctx, s.db, v)
}

func (ts *txStore) InsertVisit(ctx context.Context, v clinic.Visit) error {
	return ts.parent.insertVisit(ctx, ts.tx, v)
}

func (s *Store) insertVisit(ctx context.Context, q dbtx, v clinic.Visit) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO visits (id, appointment_id, patient_id, staff_id, occurred_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.AppointmentRef, v.PatientRef, v.StaffRef, fmtTime(v.OccurredAt), nullString(v.Notes),
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert visit", Cause: err}
	}
	return nil
}

func (s *Store) GetVisit(ctx context.Context, id clinic.VisitID) (*clinic.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getVisit(ctx, s.db, id)
}

func (ts *txStore) GetVisit(ctx context.Context, id clinic.VisitID) (*clinic.Visit, error) {
	return ts.parent.getVisit(ctx, ts.tx, id)
}

func (s *Store) getVisit(ctx context.Context, q dbtx, id clinic.VisitID) (*clinic.Visit, error) {
	var (
		v          clinic.Visit
		occurredAt string
		notes      sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, appointment_id, patient_id, staff_id, occurred_at, notes FROM visits WHERE id = ?`,
		id,
	).Scan(&v.ID, &v.AppointmentRef, &v.PatientRef, &v.StaffRef, &occurredAt, &notes)
	if err == sql.ErrNoRows {
		return nil, &clinic.NotFoundError{Kind: "visit", ID: string(id)}
	}
	if err != nil {
		return nil, &clinic.StorageError{Op: "get visit", Cause: err}
	}
	v.OccurredAt = parseTime(occurredAt)
	v.Notes = notes.String
	return &v, nil
}

// =============================================================================
// DENTAL CHART
// =============================================================================

func (s *Store) UpsertChartEntry(ctx context.Context, e clinic.DentalChartEntry) (clinic.ChartEntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertChartEntry(ctx, s.db, e)
}

func (ts *txStore) UpsertChartEntry(ctx context.Context, e clinic.DentalChartEntry) (clinic.ChartEntryID, error) {
	return ts.parent.upsertChartEntry(ctx, ts.tx, e)
}

func (s *Store) upsertChartEntry(ctx context.Context, q dbtx, e clinic.DentalChartEntry) (clinic.ChartEntryID, error) {
	// Insert-or-update on (visit_id, tooth_number); the original row ID is
	// kept on update so procedure rows stay attached.
	query := `
		INSERT INTO chart_entries (id, visit_id, tooth_number, status, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(visit_id, tooth_number) DO UPDATE SET
			status = excluded.status,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		e.ID, e.VisitRef, e.ToothNumber, e.Status, nullString(e.Notes), fmtTime(e.UpdatedAt),
	)
	if err != nil {
		return "", &clinic.StorageError{Op: "upsert chart entry", Cause: err}
	}

	var id clinic.ChartEntryID
	err = q.QueryRowContext(ctx,
		`SELECT id FROM chart_entries WHERE visit_id = ? AND tooth_number = ?`,
		e.VisitRef, e.ToothNumber,
	).Scan(&id)
	if err != nil {
		return "", &clinic.StorageError{Op: "upsert chart entry", Cause: err}
	}
	return id, nil
}

func (s *Store) AppendToothProcedure(ctx context.Context, p clinic.ToothProcedure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendToothProcedure(ctx, s.db, p)
}

func (ts *txStore) AppendToothProcedure(ctx context.Context, p clinic.ToothProcedure) error {
	return ts.parent.appendToothProcedure(ctx, ts.tx, p)
}

func (s *Store) appendToothProcedure(ctx context.Context, q dbtx, p clinic.ToothProcedure) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tooth_procedures (id, chart_entry_id, procedure_name, performed_on, cost, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChartEntryRef, p.ProcedureName, fmtTime(p.Date), p.Cost.String(),
		nullString(p.Notes), fmtTime(time.Now()),
	)
	if err != nil {
		return &clinic.StorageError{Op: "append tooth procedure", Cause: err}
	}
	return nil
}

func (s *Store) ChartEntriesForVisit(ctx context.Context, visit clinic.VisitID) ([]clinic.DentalChartEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chartEntriesForVisit(ctx, s.db, visit)
}

func (ts *txStore) ChartEntriesForVisit(ctx context.Context, visit clinic.VisitID) ([]clinic.DentalChartEntry, error) {
	return ts.parent.chartEntriesForVisit(ctx, ts.tx, visit)
}

func (s *Store) chartEntriesForVisit(ctx context.Context, q dbtx, visit clinic.VisitID) ([]clinic.DentalChartEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, visit_id, tooth_number, status, notes, updated_at
		 FROM chart_entries WHERE visit_id = ? ORDER BY tooth_number ASC`,
		visit,
	)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query chart entries", Cause: err}
	}
	defer rows.Close()

	var entries []clinic.DentalChartEntry
	for rows.Next() {
		var (
			e       clinic.DentalChartEntry
			notes   sql.NullString
			updated string
		)
		if err := rows.Scan(&e.ID, &e.VisitRef, &e.ToothNumber, &e.Status, &notes, &updated); err != nil {
			return nil, &clinic.StorageError{Op: "scan chart entry", Cause: err}
		}
		e.Notes = notes.String
		e.UpdatedAt = parseTime(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ProceduresForVisit(ctx context.Context, visit clinic.VisitID) ([]clinic.ToothProcedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proceduresForVisit(ctx, s.db, visit)
}

func (ts *txStore) ProceduresForVisit(ctx context.Context, visit clinic.VisitID) ([]clinic.ToothProcedure, error) {
	return ts.parent.proceduresForVisit(ctx, ts.tx, visit)
}

func (s *Store) proceduresForVisit(ctx context.Context, q dbtx, visit clinic.VisitID) ([]clinic.ToothProcedure, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT p.id, p.chart_entry_id, p.procedure_name, p.performed_on, p.cost, p.notes
		 FROM tooth_procedures p
		 JOIN chart_entries e ON e.id = p.chart_entry_id
		 WHERE e.visit_id = ?
		 ORDER BY e.tooth_number ASC, p.created_at ASC`,
		visit,
	)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query procedures", Cause: err}
	}
	defer rows.Close()

	var procs []clinic.ToothProcedure
	for rows.Next() {
		var (
			p           clinic.ToothProcedure
			performedOn string
			cost        string
			notes       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ChartEntryRef, &p.ProcedureName, &performedOn, &cost, &notes); err != nil {
			return nil, &clinic.StorageError{Op: "scan procedure", Cause: err}
		}
		p.Date = parseTime(performedOn)
		p.Cost = clinic.MustMoney(cost)
		p.Notes = notes.String
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// =============================================================================
// BILLING - Invoices and line items
// =============================================================================

func (s *Store) InsertInvoice(ctx context.Context, inv clinic.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertInvoice(ctx, s.db, inv)
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv clinic.Invoice) error {
	return ts.parent.insertInvoice(ctx, ts.tx, inv)
}

func (s *Store) insertInvoice(ctx context.Context, q dbtx, inv clinic.Invoice) error {
	query := `
		INSERT INTO invoices
		(id, number, patient_id, visit_id, subtotal, discount_total, insurance_discount,
		 tax_rate, tax_amount, total_amount, paid_amount, credit_amount, status, issued_at, due_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		inv.ID, inv.Number, inv.PatientRef, inv.VisitRef,
		inv.Subtotal.String(), inv.DiscountTotal.String(), inv.InsuranceDiscount.String(),
		inv.TaxRate.String(), inv.TaxAmount.String(), inv.TotalAmount.String(),
		inv.PaidAmount.String(), inv.CreditAmount.String(), inv.Status,
		fmtTime(inv.IssuedAt), fmtTime(inv.DueDate),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "invoices.visit_id") {
			return &clinic.ValidationError{Field: "visitId", Reason: "invoice already exists for this visit"}
		}
		return &clinic.StorageError{Op: "insert invoice", Cause: err}
	}

	for i, li := range inv.LineItems {
		_, err := q.ExecContext(ctx,
			`INSERT INTO invoice_line_items (invoice_id, position, procedure_ref, description, quantity, unit_cost, discount)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, i, nullString(li.ProcedureRef), nullString(li.Description),
			li.Quantity, li.UnitCost.String(), li.Discount.String(),
		)
		if err != nil {
			return &clinic.StorageError{Op: "insert line item", Cause: err}
		}
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInvoice(ctx, s.db, id)
}

func (ts *txStore) GetInvoice(ctx context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	return ts.parent.getInvoice(ctx, ts.tx, id)
}

const invoiceColumns = `id, number, patient_id, visit_id, subtotal, discount_total, insurance_discount,
	tax_rate, tax_amount, total_amount, paid_amount, credit_amount, status, issued_at, due_date`

func (s *Store) getInvoice(ctx context.Context, q dbtx, id clinic.InvoiceID) (*clinic.Invoice, error) {
	invs, err := s.queryInvoices(ctx, q, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, &clinic.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	inv := invs[0]
	if err := s.loadLineItems(ctx, q, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, f clinic.InvoiceFilter) ([]clinic.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listInvoices(ctx, s.db, f)
}

func (ts *txStore) ListInvoices(ctx context.Context, f clinic.InvoiceFilter) ([]clinic.Invoice, error) {
	return ts.parent.listInvoices(ctx, ts.tx, f)
}

func (s *Store) listInvoices(ctx context.Context, q dbtx, f clinic.InvoiceFilter) ([]clinic.Invoice, error) {
	where, args := compileInvoiceFilter(f)
	return s.queryInvoices(ctx, q, `SELECT `+invoiceColumns+` FROM invoices `+where+` ORDER BY issued_at ASC`, args...)
}

func (s *Store) queryInvoices(ctx context.Context, q dbtx, query string, args ...any) ([]clinic.Invoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query invoices", Cause: err}
	}
	defer rows.Close()

	var invs []clinic.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

func scanInvoice(rows *sql.Rows) (clinic.Invoice, error) {
	var (
		inv                                    clinic.Invoice
		subtotal, discountTotal, insuranceDisc string
		taxRate, taxAmount, total              string
		paid, credit                           string
		issuedAt, dueDate                      string
	)
	err := rows.Scan(&inv.ID, &inv.Number, &inv.PatientRef, &inv.VisitRef,
		&subtotal, &discountTotal, &insuranceDisc,
		&taxRate, &taxAmount, &total, &paid, &credit,
		&inv.Status, &issuedAt, &dueDate)
	if err != nil {
		return inv, &clinic.StorageError{Op: "scan invoice", Cause: err}
	}

	inv.Subtotal = clinic.MustMoney(subtotal)
	inv.DiscountTotal = clinic.MustMoney(discountTotal)
	inv.InsuranceDiscount = clinic.MustMoney(insuranceDisc)
	inv.TaxRate = clinic.MustMoney(taxRate)
	inv.TaxAmount = clinic.MustMoney(taxAmount)
	inv.TotalAmount = clinic.MustMoney(total)
	inv.PaidAmount = clinic.MustMoney(paid)
	inv.CreditAmount = clinic.MustMoney(credit)
	inv.IssuedAt = parseTime(issuedAt)
	inv.DueDate = parseTime(dueDate)
	return inv, nil
}

func (s *Store) loadLineItems(ctx context.Context, q dbtx, inv *clinic.Invoice) error {
	rows, err := q.QueryContext(ctx,
		`SELECT procedure_ref, description, quantity, unit_cost, discount
		 FROM invoice_line_items WHERE invoice_id = ? ORDER BY position ASC`,
		inv.ID,
	)
	if err != nil {
		return &clinic.StorageError{Op: "query line items", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			li                 clinic.LineItem
			procRef, desc      sql.NullString
			unitCost, discount string
		)
		if err := rows.Scan(&procRef, &desc, &li.Quantity, &unitCost, &discount); err != nil {
			return &clinic.StorageError{Op: "scan line item", Cause: err}
		}
		li.ProcedureRef = procRef.String
		li.Description = desc.String
		li.UnitCost = clinic.MustMoney(unitCost)
		li.Discount = clinic.MustMoney(discount)
		inv.LineItems = append(inv.LineItems, li)
	}
	return rows.Err()
}

func (s *Store) UpdateInvoiceDerived(ctx context.Context, id clinic.InvoiceID, paid, credit decimal.Decimal, status clinic.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateInvoiceDerived(ctx, s.db, id, paid, credit, status)
}

func (ts *txStore) UpdateInvoiceDerived(ctx context.Context, id clinic.InvoiceID, paid, credit decimal.Decimal, status clinic.InvoiceStatus) error {
	return ts.parent.updateInvoiceDerived(ctx, ts.tx, id, paid, credit, status)
}

func (s *Store) updateInvoiceDerived(ctx context.Context, q dbtx, id clinic.InvoiceID, paid, credit decimal.Decimal, status clinic.InvoiceStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE invoices SET paid_amount = ?, credit_amount = ?, status = ? WHERE id = ?`,
		paid.String(), credit.String(), status, id,
	)
	if err != nil {
		return &clinic.StorageError{Op: "update invoice", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &clinic.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	return nil
}

// =============================================================================
// BILLING - Payments
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, p clinic.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPayment(ctx, s.db, p)
}

func (ts *txStore) InsertPayment(ctx context.Context, p clinic.Payment) error {
	return ts.parent.insertPayment(ctx, ts.tx, p)
}

func (s *Store) insertPayment(ctx context.Context, q dbtx, p clinic.Payment) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO payments (id, invoice_id, amount, method, received_at, reference_number, received_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InvoiceRef, p.Amount.String(), p.Method, fmtTime(p.ReceivedAt),
		nullString(p.ReferenceNumber), nullString(string(p.ReceivedBy)), fmtTime(time.Now()),
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert payment", Cause: err}
	}
	return nil
}

func (s *Store) PaymentsForInvoice(ctx context.Context, id clinic.InvoiceID) ([]clinic.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentsForInvoice(ctx, s.db, id)
}

func (ts *txStore) PaymentsForInvoice(ctx context.Context, id clinic.InvoiceID) ([]clinic.Payment, error) {
	return ts.parent.paymentsForInvoice(ctx, ts.tx, id)
}

func (s *Store) paymentsForInvoice(ctx context.Context, q dbtx, id clinic.InvoiceID) ([]clinic.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, invoice_id, amount, method, received_at, reference_number, received_by
		 FROM payments WHERE invoice_id = ? ORDER BY received_at ASC, created_at ASC`,
		id,
	)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query payments", Cause: err}
	}
	defer rows.Close()

	var payments []clinic.Payment
	for rows.Next() {
		var (
			p               clinic.Payment
			amount          string
			receivedAt      string
			refNo, received sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.InvoiceRef, &amount, &p.Method, &receivedAt, &refNo, &received); err != nil {
			return nil, &clinic.StorageError{Op: "scan payment", Cause: err}
		}
		p.Amount = clinic.MustMoney(amount)
		p.ReceivedAt = parseTime(receivedAt)
		p.ReferenceNumber = refNo.String
		p.ReceivedBy = clinic.StaffID(received.String)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// BILLING - Insurance policies and cap usage
// =============================================================================

func (s *Store) InsertPolicy(ctx context.Context, p clinic.InsurancePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPolicy(ctx, s.db, p)
}

func (ts *txStore) InsertPolicy(ctx context.Context, p clinic.InsurancePolicy) error {
	return ts.parent.insertPolicy(ctx, ts.tx, p)
}

func (s *Store) insertPolicy(ctx context.Context, q dbtx, p clinic.InsurancePolicy) error {
	var expiry any
	if !p.Expiry.IsZero() {
		expiry = fmtTime(p.Expiry)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO insurance_policies
		 (id, patient_id, carrier, coverage_percentage, max_annual_coverage, deductible, active, effective_from, expiry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PatientRef, nullString(p.Carrier),
		p.CoveragePercentage.String(), p.MaxAnnualCoverage.String(), p.Deductible.String(),
		p.Active, fmtTime(p.EffectiveFrom), expiry,
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert policy", Cause: err}
	}
	return nil
}

func (s *Store) PoliciesForPatient(ctx context.Context, patient clinic.PatientID) ([]clinic.InsurancePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policiesForPatient(ctx, s.db, patient, nil)
}

func (ts *txStore) PoliciesForPatient(ctx context.Context, patient clinic.PatientID) ([]clinic.InsurancePolicy, error) {
	return ts.parent.policiesForPatient(ctx, ts.tx, patient, nil)
}

func (s *Store) ActivePoliciesForPatient(ctx context.Context, patient clinic.PatientID, at time.Time) ([]clinic.InsurancePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policiesForPatient(ctx, s.db, patient, &at)
}

func (ts *txStore) ActivePoliciesForPatient(ctx context.Context, patient clinic.PatientID, at time.Time) ([]clinic.InsurancePolicy, error) {
	return ts.parent.policiesForPatient(ctx, ts.tx, patient, &at)
}

func (s *Store) policiesForPatient(ctx context.Context, q dbtx, patient clinic.PatientID, activeAt *time.Time) ([]clinic.InsurancePolicy, error) {
	query := `
		SELECT id, patient_id, carrier, coverage_percentage, max_annual_coverage, deductible, active, effective_from, expiry
		FROM insurance_policies
		WHERE patient_id = ?`
	args := []any{patient}
	if activeAt != nil {
		query += `
		  AND active = 1
		  AND effective_from <= ?
		  AND (expiry IS NULL OR expiry >= ?)`
		args = append(args, fmtTime(*activeAt), fmtTime(*activeAt))
	}
	query += ` ORDER BY CAST(coverage_percentage AS REAL) DESC, effective_from ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query policies", Cause: err}
	}
	defer rows.Close()

	var policies []clinic.InsurancePolicy
	for rows.Next() {
		var (
			p                      clinic.InsurancePolicy
			carrier, expiry        sql.NullString
			pct, maxAnnual, deduct string
			effectiveFrom          string
		)
		if err := rows.Scan(&p.ID, &p.PatientRef, &carrier, &pct, &maxAnnual, &deduct,
			&p.Active, &effectiveFrom, &expiry); err != nil {
			return nil, &clinic.StorageError{Op: "scan policy", Cause: err}
		}
		p.Carrier = carrier.String
		p.CoveragePercentage = clinic.MustMoney(pct)
		p.MaxAnnualCoverage = clinic.MustMoney(maxAnnual)
		p.Deductible = clinic.MustMoney(deduct)
		p.EffectiveFrom = parseTime(effectiveFrom)
		if expiry.Valid {
			p.Expiry = parseTime(expiry.String)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *Store) AppendInsuranceUsage(ctx context.Context, u clinic.InsuranceUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendInsuranceUsage(ctx, s.db, u)
}

func (ts *txStore) AppendInsuranceUsage(ctx context.Context, u clinic.InsuranceUsage) error {
	return ts.parent.appendInsuranceUsage(ctx, ts.tx, u)
}

func (s *Store) appendInsuranceUsage(ctx context.Context, q dbtx, u clinic.InsuranceUsage) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO insurance_usage (id, policy_id, invoice_id, year, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.PolicyRef, u.InvoiceRef, u.Year, u.Amount.String(), fmtTime(time.Now()),
	)
	if err != nil {
		return &clinic.StorageError{Op: "append insurance usage", Cause: err}
	}
	return nil
}

func (s *Store) UsageTotalForPolicyYear(ctx context.Context, policy clinic.PolicyID, year int) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageTotalForPolicyYear(ctx, s.db, policy, year)
}

func (ts *txStore) UsageTotalForPolicyYear(ctx context.Context, policy clinic.PolicyID, year int) (decimal.Decimal, error) {
	return ts.parent.usageTotalForPolicyYear(ctx, ts.tx, policy, year)
}

func (s *Store) usageTotalForPolicyYear(ctx context.Context, q dbtx, policy clinic.PolicyID, year int) (decimal.Decimal, error) {
	// Summed in Go, not SQL: the amounts are decimal strings and must not
	// pass through floating point.
	rows, err := q.QueryContext(ctx,
		`SELECT amount FROM insurance_usage WHERE policy_id = ? AND year = ?`,
		policy, year,
	)
	if err != nil {
		return decimal.Zero, &clinic.StorageError{Op: "query insurance usage", Cause: err}
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, &clinic.StorageError{Op: "scan insurance usage", Cause: err}
		}
		total = total.Add(clinic.MustMoney(amount))
	}
	return total, rows.Err()
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) InsertPatient(ctx context.Context, p clinic.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPatient(ctx, s.db, p)
}

func (ts *txStore) InsertPatient(ctx context.Context, p clinic.Patient) error {
	return ts.parent.insertPatient(ctx, ts.tx, p)
}

func (s *Store) insertPatient(ctx context.Context, q dbtx, p clinic.Patient) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO patients (id, first_name, last_name, phone, email, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.FirstName, p.LastName, nullString(p.Phone), nullString(p.Email), fmtTime(time.Now()),
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert patient", Cause: err}
	}
	return nil
}

func (s *Store) GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPatient(ctx, s.db, id)
}

func (ts *txStore) GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	return ts.parent.getPatient(ctx, ts.tx, id)
}

func (s *Store) getPatient(ctx context.Context, q dbtx, id clinic.PatientID) (*clinic.Patient, error) {
	var (
		p            clinic.Patient
		phone, email sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, phone, email FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.FirstName, &p.LastName, &phone, &email)
	if err == sql.ErrNoRows {
		return nil, &clinic.NotFoundError{Kind: "patient", ID: string(id)}
	}
	if err != nil {
		return nil, &clinic.StorageError{Op: "get patient", Cause: err}
	}
	p.Phone = phone.String
	p.Email = email.String
	return &p, nil
}

func (s *Store) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPatients(ctx, s.db)
}

func (ts *txStore) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	return ts.parent.listPatients(ctx, ts.tx)
}

func (s *Store) listPatients(ctx context.Context, q dbtx) ([]clinic.Patient, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, first_name, last_name, phone, email FROM patients ORDER BY last_name ASC, first_name ASC`)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query patients", Cause: err}
	}
	defer rows.Close()

	var patients []clinic.Patient
	for rows.Next() {
		var (
			p            clinic.Patient
			phone, email sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &phone, &email); err != nil {
			return nil, &clinic.StorageError{Op: "scan patient", Cause: err}
		}
		p.Phone = phone.String
		p.Email = email.String
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *Store) InsertStaff(ctx context.Context, st clinic.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertStaff(ctx, s.db, st)
}

func (ts *txStore) InsertStaff(ctx context.Context, st clinic.Staff) error {
	return ts.parent.insertStaff(ctx, ts.tx, st)
}

func (s *Store) insertStaff(ctx context.Context, q dbtx, st clinic.Staff) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO staff (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		st.ID, st.Name, nullString(st.Role), fmtTime(time.Now()),
	)
	if err != nil {
		return &clinic.StorageError{Op: "insert staff", Cause: err}
	}
	return nil
}

func (s *Store) GetStaff(ctx context.Context, id clinic.StaffID) (*clinic.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStaff(ctx, s.db, id)
}

func (ts *txStore) GetStaff(ctx context.Context, id clinic.StaffID) (*clinic.Staff, error) {
	return ts.parent.getStaff(ctx, ts.tx, id)
}

func (s *Store) getStaff(ctx context.Context, q dbtx, id clinic.StaffID) (*clinic.Staff, error) {
	var (
		st   clinic.Staff
		role sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, name, role FROM staff WHERE id = ?`, id,
	).Scan(&st.ID, &st.Name, &role)
	if err == sql.ErrNoRows {
		return nil, &clinic.NotFoundError{Kind: "staff", ID: string(id)}
	}
	if err != nil {
		return nil, &clinic.StorageError{Op: "get staff", Cause: err}
	}
	st.Role = role.String
	return &st, nil
}

func (s *Store) ListStaff(ctx context.Context) ([]clinic.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStaff(ctx, s.db)
}

func (ts *txStore) ListStaff(ctx context.Context) ([]clinic.Staff, error) {
	return ts.parent.listStaff(ctx, ts.tx)
}

func (s *Store) listStaff(ctx context.Context, q dbtx) ([]clinic.Staff, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, role FROM staff ORDER BY name ASC`)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query staff", Cause: err}
	}
	defer rows.Close()

	var list []clinic.Staff
	for rows.Next() {
		var (
			st   clinic.Staff
			role sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Name, &role); err != nil {
			return nil, &clinic.StorageError{Op: "scan staff", Cause: err}
		}
		st.Role = role.String
		list = append(list, st)
	}
	return list, rows.Err()
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e clinic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(ctx, s.db, e)
}

func (ts *txStore) AppendAudit(ctx context.Context, e clinic.AuditEntry) error {
	return ts.parent.appendAudit(ctx, ts.tx, e)
}

func (s *Store) appendAudit(ctx context.Context, q dbtx, e clinic.AuditEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, at, actor, action, entity_kind, entity_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, fmtTime(e.At), nullString(string(e.Actor)), e.Action, e.EntityKind, e.EntityID, nullString(e.Detail),
	)
	if err != nil {
		return &clinic.StorageError{Op: "append audit entry", Cause: err}
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f clinic.AuditFilter) ([]clinic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAudit(ctx, s.db, f)
}

func (ts *txStore) QueryAudit(ctx context.Context, f clinic.AuditFilter) ([]clinic.AuditEntry, error) {
	return ts.parent.queryAudit(ctx, ts.tx, f)
}

func (s *Store) queryAudit(ctx context.Context, q dbtx, f clinic.AuditFilter) ([]clinic.AuditEntry, error) {
	where, args := compileAuditFilter(f)
	rows, err := q.QueryContext(ctx,
		`SELECT id, at, actor, action, entity_kind, entity_id, detail FROM audit_log `+where+` ORDER BY at ASC`,
		args...,
	)
	if err != nil {
		return nil, &clinic.StorageError{Op: "query audit log", Cause: err}
	}
	defer rows.Close()

	var entries []clinic.AuditEntry
	for rows.Next() {
		var (
			e             clinic.AuditEntry
			at            string
			actor, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &actor, &e.Action, &e.EntityKind, &e.EntityID, &detail); err != nil {
			return nil, &clinic.StorageError{Op: "scan audit entry", Cause: err}
		}
		e.At = parseTime(at)
		e.Actor = clinic.StaffID(actor.String)
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// FILTER COMPILATION - Typed filters to parameterized WHERE clauses
// =============================================================================

func compileAppointmentFilter(f clinic.AppointmentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.StaffRef != nil {
		conds = append(conds, "staff_id = ?")
		args = append(args, *f.StaffRef)
	}
	if f.PatientRef != nil {
		conds = append(conds, "patient_id = ?")
		args = append(args, *f.PatientRef)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.From != nil {
		conds = append(conds, "start_at >= ?")
		args = append(args, fmtTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "start_at < ?")
		args = append(args, fmtTime(*f.To))
	}
	return whereClause(conds), args
}

func compileInvoiceFilter(f clinic.InvoiceFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PatientRef != nil {
		conds = append(conds, "patient_id = ?")
		args = append(args, *f.PatientRef)
	}
	if f.VisitRef != nil {
		conds = append(conds, "visit_id = ?")
		args = append(args, *f.VisitRef)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.DueBefore != nil {
		conds = append(conds, "due_date < ?")
		args = append(args, fmtTime(*f.DueBefore))
	}
	return whereClause(conds), args
}

func compileAuditFilter(f clinic.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Actor != nil {
		conds = append(conds, "actor = ?")
		args = append(args, *f.Actor)
	}
	if f.EntityKind != nil {
		conds = append(conds, "entity_kind = ?")
		args = append(args, *f.EntityKind)
	}
	if f.EntityID != nil {
		conds = append(conds, "entity_id = ?")
		args = append(args, *f.EntityID)
	}
	if len(f.Actions) > 0 {
		conds = append(conds, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	if f.From != nil {
		conds = append(conds, "at >= ?")
		args = append(args, fmtTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "at < ?")
		args = append(args, fmtTime(*f.To))
	}
	return whereClause(conds), args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// HELPERS
// =============================================================================

// fmtTime stores UTC RFC3339 truncated to seconds so that string order
// equals time order in SQL comparisons.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is busy")
}
