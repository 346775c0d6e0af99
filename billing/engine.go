/*
Package billing computes invoice money and runs the payment lifecycle.

PURPOSE:
  Turns a visit's billed work into an invoice with deterministic totals,
  applies payments against it, and flips invoices to overdue when their
  due date passes.

TOTALS:
  All money is fixed-point decimal; nothing here ever touches floats.

  subtotal          = sum(unitCost x quantity - lineDiscount)
  insuranceDiscount = allocated across the patient's active policies,
                      never exceeding the subtotal (see insurance.go)
  taxAmount         = (subtotal - insuranceDiscount) x taxRate
  totalAmount       = subtotal - insuranceDiscount + taxAmount

  Totals are recomputed from the line items on generation and never
  edited afterwards.

PAYMENTS:
  Payments are an append-only ledger. On every application the paid
  amount is recomputed as the sum of all payment rows for the invoice;
  the cached column is a mirror, never a source. Status follows the
  recomputed amount: paid when covered, partially_paid when some money
  arrived, unpaid otherwise. Overdue is sticky: it clears only by
  reaching paid, not by a partial payment.

OVERPAYMENT:
  Policy-dependent. In strict mode a payment that would exceed the total
  is rejected with an OverpaymentError before any write. Otherwise the
  payment is accepted and the excess is tracked as a credit balance.

ANNUAL CAPS:
  Every insurance grant appends a usage row for (policy, coverage year).
  Remaining cap is always recomputed from those rows, so caps hold across
  any number of invoices.

EXAMPLE:
  engine := billing.NewEngine(store, billing.Config{PaymentTermsDays: 30})

  inv, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
      VisitID: visitID,
      LineItems: []billing.LineItemInput{
          {Description: "crown", Quantity: 1, UnitCost: decimal.NewFromInt(900)},
      },
      TaxRate: decimal.NewFromFloat(0.08),
  })

SEE ALSO:
  - insurance.go: discount allocation across policies
  - clinic/types.go: Invoice, Payment and policy types
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/clinic"
)

// defaultPaymentTermsDays is the net payment window when the config
// leaves it unset.
const defaultPaymentTermsDays = 30

// Config tunes billing policy choices.
type Config struct {
	// StrictOverpayment rejects payments that would exceed the invoice
	// total instead of tracking the excess as credit.
	StrictOverpayment bool

	// PaymentTermsDays sets the due date as issued + N days.
	PaymentTermsDays int
}

// Engine owns invoice generation and the payment lifecycle.
type Engine struct {
	store clinic.TxStore
	cfg   Config
}

// NewEngine creates a billing engine on top of the given store.
func NewEngine(store clinic.TxStore, cfg Config) *Engine {
	if cfg.PaymentTermsDays <= 0 {
		cfg.PaymentTermsDays = defaultPaymentTermsDays
	}
	return &Engine{store: store, cfg: cfg}
}

// =============================================================================
// INVOICE GENERATION
// =============================================================================

// LineItemInput is one billed line of a new invoice.
type LineItemInput struct {
	ProcedureRef string
	Description  string
	Quantity     int
	UnitCost     decimal.Decimal
	Discount     decimal.Decimal
}

// GenerateInvoiceRequest asks for one invoice for one visit.
type GenerateInvoiceRequest struct {
	VisitID   clinic.VisitID
	LineItems []LineItemInput
	// TaxRate is a fraction, e.g. 0.08 for 8%.
	TaxRate decimal.Decimal
	Actor   clinic.StaffID
}

// GenerateInvoice computes totals from the line items, allocates the
// insurance discount across the patient's active policies, and stores the
// invoice together with its cap usage rows in one transaction. A visit
// can be invoiced once; a second attempt fails validation.
func (e *Engine) GenerateInvoice(ctx context.Context, req GenerateInvoiceRequest) (*clinic.Invoice, error) {
	if req.VisitID == "" {
		return nil, &clinic.ValidationError{Field: "visitId", Reason: "must not be empty"}
	}
	if len(req.LineItems) == 0 {
		return nil, &clinic.ValidationError{Field: "lineItems", Reason: "must not be empty"}
	}
	if req.TaxRate.IsNegative() || req.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &clinic.ValidationError{Field: "taxRate", Reason: "must be a fraction between 0 and 1"}
	}

	items := make([]clinic.LineItem, 0, len(req.LineItems))
	subtotal := decimal.Zero
	discountTotal := decimal.Zero
	for i, in := range req.LineItems {
		if in.Quantity <= 0 {
			return nil, &clinic.ValidationError{
				Field:  fmt.Sprintf("lineItems[%d].quantity", i),
				Reason: "must be positive",
			}
		}
		if in.UnitCost.IsNegative() {
			return nil, &clinic.ValidationError{
				Field:  fmt.Sprintf("lineItems[%d].unitCost", i),
				Reason: "must not be negative",
			}
		}
		if in.Discount.IsNegative() {
			return nil, &clinic.ValidationError{
				Field:  fmt.Sprintf("lineItems[%d].discount", i),
				Reason: "must not be negative",
			}
		}
		item := clinic.LineItem{
			ProcedureRef: in.ProcedureRef,
			Description:  in.Description,
			Quantity:     in.Quantity,
			UnitCost:     in.UnitCost,
			Discount:     in.Discount,
		}
		if item.Amount().IsNegative() {
			return nil, &clinic.ValidationError{
				Field:  fmt.Sprintf("lineItems[%d].discount", i),
				Reason: "must not exceed the line amount",
			}
		}
		items = append(items, item)
		subtotal = subtotal.Add(item.Amount())
		discountTotal = discountTotal.Add(in.Discount)
	}

	now := time.Now().UTC()
	year := now.Year()

	var invoice clinic.Invoice
	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		visit, err := tx.GetVisit(ctx, req.VisitID)
		if err != nil {
			return err
		}

		policies, err := tx.ActivePoliciesForPatient(ctx, visit.PatientRef, now)
		if err != nil {
			return err
		}
		usages := make([]PolicyUsage, 0, len(policies))
		for _, p := range policies {
			used, err := tx.UsageTotalForPolicyYear(ctx, p.ID, year)
			if err != nil {
				return err
			}
			usages = append(usages, PolicyUsage{Policy: p, UsedThisYear: used})
		}

		alloc := AllocateInsurance(subtotal, usages)
		tax := clinic.RoundCents(subtotal.Sub(alloc.Total).Mul(req.TaxRate))
		total := subtotal.Sub(alloc.Total).Add(tax)

		invoice = clinic.Invoice{
			ID:                clinic.InvoiceID(clinic.NewID()),
			Number:            newInvoiceNumber(now),
			PatientRef:        visit.PatientRef,
			VisitRef:          visit.ID,
			LineItems:         items,
			Subtotal:          subtotal,
			DiscountTotal:     discountTotal,
			InsuranceDiscount: alloc.Total,
			TaxRate:           req.TaxRate,
			TaxAmount:         tax,
			TotalAmount:       total,
			PaidAmount:        decimal.Zero,
			CreditAmount:      decimal.Zero,
			Status:            clinic.InvoiceUnpaid,
			IssuedAt:          now,
			DueDate:           now.AddDate(0, 0, e.cfg.PaymentTermsDays),
		}
		if err := tx.InsertInvoice(ctx, invoice); err != nil {
			return err
		}

		for _, grant := range alloc.Grants {
			err := tx.AppendInsuranceUsage(ctx, clinic.InsuranceUsage{
				ID:         clinic.NewID(),
				PolicyRef:  grant.Policy.ID,
				InvoiceRef: invoice.ID,
				Year:       year,
				Amount:     grant.Granted,
			})
			if err != nil {
				return err
			}
		}

		return tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         now,
			Actor:      req.Actor,
			Action:     "invoice.generate",
			EntityKind: "invoice",
			EntityID:   string(invoice.ID),
			Detail:     fmt.Sprintf("visit=%s total=%s insurance=%s", visit.ID, total, alloc.Total),
		})
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// newInvoiceNumber builds a human-readable unique invoice number like
// INV-20260310-1A2B3C. The unique column constraint backstops the random
// suffix.
func newInvoiceNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(clinic.NewID(), "-", "")[:6])
	return fmt.Sprintf("INV-%s-%s", at.Format("20060102"), suffix)
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentRequest applies one payment to one invoice.
type PaymentRequest struct {
	InvoiceID clinic.InvoiceID
	Amount    decimal.Decimal
	Method    clinic.PaymentMethod
	Reference string
	Actor     clinic.StaffID
}

// ApplyPayment appends a payment row and recomputes the invoice's paid
// amount from the full payment ledger, never from the cached column. The
// status follows the recomputed amount; overdue stays sticky until the
// invoice is fully covered. In strict mode an overpaying request is
// rejected before any write, otherwise the excess becomes credit.
func (e *Engine) ApplyPayment(ctx context.Context, req PaymentRequest) (*clinic.Invoice, error) {
	if !req.Amount.IsPositive() {
		return nil, &clinic.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !req.Method.IsValid() {
		return nil, &clinic.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown payment method %q", req.Method)}
	}

	now := time.Now().UTC()
	var updated clinic.Invoice

	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		inv, err := tx.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}

		// Recompute from the ledger before judging the new payment.
		existing, err := tx.PaymentsForInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		paidSoFar := decimal.Zero
		for _, p := range existing {
			paidSoFar = paidSoFar.Add(p.Amount)
		}

		newPaid := paidSoFar.Add(req.Amount)
		if e.cfg.StrictOverpayment && newPaid.GreaterThan(inv.TotalAmount) {
			return &clinic.OverpaymentError{
				InvoiceID: inv.ID,
				Attempted: req.Amount,
				Remaining: clinic.FloorZero(inv.TotalAmount.Sub(paidSoFar)),
			}
		}

		payment := clinic.Payment{
			ID:              clinic.PaymentID(clinic.NewID()),
			InvoiceRef:      inv.ID,
			Amount:          req.Amount,
			Method:          req.Method,
			ReceivedAt:      now,
			ReferenceNumber: req.Reference,
			ReceivedBy:      req.Actor,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		credit := clinic.FloorZero(newPaid.Sub(inv.TotalAmount))
		status := nextStatus(inv.Status, newPaid, inv.TotalAmount)
		if err := tx.UpdateInvoiceDerived(ctx, inv.ID, newPaid, credit, status); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         now,
			Actor:      req.Actor,
			Action:     "invoice.payment",
			EntityKind: "invoice",
			EntityID:   string(inv.ID),
			Detail:     fmt.Sprintf("amount=%s method=%s paid=%s status=%s", req.Amount, req.Method, newPaid, status),
		}); err != nil {
			return err
		}

		updated = *inv
		updated.PaidAmount = newPaid
		updated.CreditAmount = credit
		updated.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// nextStatus recomputes invoice status from the paid amount. Overdue is
// cleared only by full coverage.
func nextStatus(current clinic.InvoiceStatus, paid, total decimal.Decimal) clinic.InvoiceStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return clinic.InvoicePaid
	case current == clinic.InvoiceOverdue:
		return clinic.InvoiceOverdue
	case paid.IsPositive():
		return clinic.InvoicePartiallyPaid
	default:
		return clinic.InvoiceUnpaid
	}
}

// =============================================================================
// OVERDUE
// =============================================================================

// MarkOverdue flips one invoice to overdue when its due date has passed
// and it is not fully paid. Safe to re-run: an invoice already overdue,
// already paid or not yet due comes back unchanged.
func (e *Engine) MarkOverdue(ctx context.Context, id clinic.InvoiceID, asOf time.Time, actor clinic.StaffID) (*clinic.Invoice, error) {
	var result clinic.Invoice
	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		result = *inv

		if inv.Status == clinic.InvoicePaid || inv.Status == clinic.InvoiceOverdue {
			return nil
		}
		if !inv.DueDate.Before(asOf) {
			return nil
		}

		if err := tx.UpdateInvoiceDerived(ctx, inv.ID, inv.PaidAmount, inv.CreditAmount, clinic.InvoiceOverdue); err != nil {
			return err
		}
		result.Status = clinic.InvoiceOverdue

		return tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         time.Now().UTC(),
			Actor:      actor,
			Action:     "invoice.overdue",
			EntityKind: "invoice",
			EntityID:   string(inv.ID),
			Detail:     fmt.Sprintf("due=%s asOf=%s", inv.DueDate.Format(time.RFC3339), asOf.Format(time.RFC3339)),
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SweepOverdue marks every invoice whose due date has passed. Returns how
// many invoices changed. Invoked periodically by the job runner; safe to
// overlap with itself because MarkOverdue is idempotent.
func (e *Engine) SweepOverdue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := e.store.ListInvoices(ctx, clinic.InvoiceFilter{
		Statuses:  []clinic.InvoiceStatus{clinic.InvoiceUnpaid, clinic.InvoicePartiallyPaid},
		DueBefore: &asOf,
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, inv := range due {
		updated, err := e.MarkOverdue(ctx, inv.ID, asOf, "")
		if err != nil {
			return changed, err
		}
		if updated.Status == clinic.InvoiceOverdue && inv.Status != clinic.InvoiceOverdue {
			changed++
		}
	}
	return changed, nil
}

// =============================================================================
// POLICIES
// =============================================================================

// PolicyRequest registers one insurance policy for a patient.
type PolicyRequest struct {
	PatientRef         clinic.PatientID
	Carrier            string
	CoveragePercentage decimal.Decimal
	MaxAnnualCoverage  decimal.Decimal
	Deductible         decimal.Decimal
	EffectiveFrom      time.Time
	Expiry             time.Time
	Actor              clinic.StaffID
}

// AddPolicy validates and stores a new active policy.
func (e *Engine) AddPolicy(ctx context.Context, req PolicyRequest) (*clinic.InsurancePolicy, error) {
	if req.PatientRef == "" {
		return nil, &clinic.ValidationError{Field: "patientRef", Reason: "must not be empty"}
	}
	if req.CoveragePercentage.IsNegative() || req.CoveragePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, &clinic.ValidationError{Field: "coveragePercentage", Reason: "must be between 0 and 100"}
	}
	if req.MaxAnnualCoverage.IsNegative() {
		return nil, &clinic.ValidationError{Field: "maxAnnualCoverage", Reason: "must not be negative"}
	}
	if req.Deductible.IsNegative() {
		return nil, &clinic.ValidationError{Field: "deductible", Reason: "must not be negative"}
	}
	if !req.Expiry.IsZero() && req.Expiry.Before(req.EffectiveFrom) {
		return nil, &clinic.ValidationError{Field: "expiry", Reason: "must not precede effectiveFrom"}
	}

	effective := req.EffectiveFrom
	if effective.IsZero() {
		effective = time.Now().UTC()
	}

	policy := clinic.InsurancePolicy{
		ID:                 clinic.PolicyID(clinic.NewID()),
		PatientRef:         req.PatientRef,
		Carrier:            req.Carrier,
		CoveragePercentage: req.CoveragePercentage,
		MaxAnnualCoverage:  req.MaxAnnualCoverage,
		Deductible:         req.Deductible,
		Active:             true,
		EffectiveFrom:      effective,
		Expiry:             req.Expiry,
	}

	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		if _, err := tx.GetPatient(ctx, req.PatientRef); err != nil {
			return err
		}
		if err := tx.InsertPolicy(ctx, policy); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         time.Now().UTC(),
			Actor:      req.Actor,
			Action:     "policy.add",
			EntityKind: "policy",
			EntityID:   string(policy.ID),
			Detail:     fmt.Sprintf("patient=%s coverage=%s%%", req.PatientRef, req.CoveragePercentage),
		})
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetInvoice returns one invoice with its line items.
func (e *Engine) GetInvoice(ctx context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

// ListInvoices returns invoices matching the filter.
func (e *Engine) ListInvoices(ctx context.Context, f clinic.InvoiceFilter) ([]clinic.Invoice, error) {
	return e.store.ListInvoices(ctx, f)
}

// Payments returns the payment ledger for one invoice, oldest first.
func (e *Engine) Payments(ctx context.Context, id clinic.InvoiceID) ([]clinic.Payment, error) {
	return e.store.PaymentsForInvoice(ctx, id)
}

// PoliciesForPatient returns every policy held by a patient.
func (e *Engine) PoliciesForPatient(ctx context.Context, patient clinic.PatientID) ([]clinic.InsurancePolicy, error) {
	return e.store.PoliciesForPatient(ctx, patient)
}
