/*
Package chart applies batched per-tooth updates to a visit's dental chart.

PURPOSE:
  A charting session produces one batch: several teeth, each with a new
  clinical status and zero or more performed procedures. The whole batch
  commits or none of it does; a partially charted visit must never be
  observable.

INVARIANT:
  All-or-nothing. Every upsert and every procedure append for one batch
  runs inside a single transaction. A constraint violation or storage
  failure on the last row rolls back the first row too.

VALIDATION ORDER:
  The batch is validated completely before the first write:
  1. Every tooth number must exist under the configured numbering scheme
     (InvalidToothNumberError, named after the offending tooth).
  2. Every clinical status must be known.
  3. No tooth may appear twice in one batch.
  4. Procedure names must be set and costs must not be negative.
  Only a batch that passes every check touches storage at all.

UPSERT SEMANTICS:
  Chart entries are keyed by (visit, tooth). Re-charting a tooth in a
  later batch updates its status in place but keeps the entry's identity,
  so earlier procedure rows stay attached. Procedures themselves are
  append-only; corrections add rows.

SEE ALSO:
  - numbering.go: tooth numbering schemes
  - schedule: completing an appointment creates the Visit charted here
*/
package chart

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/clinic"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine records chart batches for visits.
type Engine struct {
	store  clinic.TxStore
	scheme NumberingScheme
}

// NewEngine creates a chart engine. An empty scheme defaults to Universal
// numbering.
func NewEngine(store clinic.TxStore, scheme NumberingScheme) *Engine {
	if scheme == "" {
		scheme = SchemeUniversal
	}
	return &Engine{store: store, scheme: scheme}
}

// =============================================================================
// UPDATE REQUESTS
// =============================================================================

// ProcedureInput describes one procedure performed on a tooth.
type ProcedureInput struct {
	Name  string
	Date  time.Time
	Cost  decimal.Decimal
	Notes string
}

// ToothUpdate carries the new clinical state for one tooth plus any
// procedures performed on it during the visit.
type ToothUpdate struct {
	ToothNumber int
	Status      clinic.ToothStatus
	Notes       string
	Procedures  []ProcedureInput
}

// UpdateRequest is one charting batch for one visit.
type UpdateRequest struct {
	VisitID clinic.VisitID
	Updates []ToothUpdate
	Actor   clinic.StaffID
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyUpdate validates the whole batch, then applies every upsert and
// procedure append in one transaction. It returns the chart rows as
// stored. Any failure leaves the visit's chart exactly as it was.
func (e *Engine) ApplyUpdate(ctx context.Context, req UpdateRequest) ([]clinic.DentalChartEntry, error) {
	if req.VisitID == "" {
		return nil, &clinic.ValidationError{Field: "visitId", Reason: "must not be empty"}
	}
	if len(req.Updates) == 0 {
		return nil, &clinic.ValidationError{Field: "updates", Reason: "must not be empty"}
	}
	if err := e.validateBatch(req.Updates); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var stored []clinic.DentalChartEntry

	err := e.store.WithTx(ctx, func(tx clinic.Store) error {
		if _, err := tx.GetVisit(ctx, req.VisitID); err != nil {
			return err
		}

		procedures := 0
		for _, u := range req.Updates {
			entryID, err := tx.UpsertChartEntry(ctx, clinic.DentalChartEntry{
				ID:          clinic.ChartEntryID(clinic.NewID()),
				VisitRef:    req.VisitID,
				ToothNumber: u.ToothNumber,
				Status:      u.Status,
				Notes:       u.Notes,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			for _, p := range u.Procedures {
				err := tx.AppendToothProcedure(ctx, clinic.ToothProcedure{
					ID:            clinic.ProcedureID(clinic.NewID()),
					ChartEntryRef: entryID,
					ProcedureName: p.Name,
					Date:          p.Date,
					Cost:          p.Cost,
					Notes:         p.Notes,
				})
				if err != nil {
					return err
				}
				procedures++
			}
		}

		if err := tx.AppendAudit(ctx, clinic.AuditEntry{
			ID:         clinic.NewID(),
			At:         now,
			Actor:      req.Actor,
			Action:     "chart.update",
			EntityKind: "visit",
			EntityID:   string(req.VisitID),
			Detail:     fmt.Sprintf("teeth=%d procedures=%d", len(req.Updates), procedures),
		}); err != nil {
			return err
		}

		entries, err := tx.ChartEntriesForVisit(ctx, req.VisitID)
		if err != nil {
			return err
		}
		stored = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// validateBatch runs every check before any storage write.
func (e *Engine) validateBatch(updates []ToothUpdate) error {
	seen := make(map[int]bool, len(updates))
	for _, u := range updates {
		if !ValidTooth(e.scheme, u.ToothNumber) {
			return &clinic.InvalidToothNumberError{Tooth: u.ToothNumber, Scheme: string(e.scheme)}
		}
		if !u.Status.IsValid() {
			return &clinic.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("unknown tooth status %q", u.Status),
			}
		}
		if seen[u.ToothNumber] {
			return &clinic.ValidationError{
				Field:  "toothNumber",
				Reason: fmt.Sprintf("tooth %d appears twice in one batch", u.ToothNumber),
			}
		}
		seen[u.ToothNumber] = true

		for _, p := range u.Procedures {
			if p.Name == "" {
				return &clinic.ValidationError{Field: "procedureName", Reason: "must not be empty"}
			}
			if p.Cost.IsNegative() {
				return &clinic.ValidationError{
					Field:  "cost",
					Reason: fmt.Sprintf("must not be negative, got %s", p.Cost),
				}
			}
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ToothRecord is one tooth's chart entry with its procedure history.
type ToothRecord struct {
	Entry      clinic.DentalChartEntry
	Procedures []clinic.ToothProcedure
}

// Snapshot returns the visit's full chart, one record per charted tooth
// in tooth-number order.
func (e *Engine) Snapshot(ctx context.Context, visit clinic.VisitID) ([]ToothRecord, error) {
	if _, err := e.store.GetVisit(ctx, visit); err != nil {
		return nil, err
	}
	entries, err := e.store.ChartEntriesForVisit(ctx, visit)
	if err != nil {
		return nil, err
	}
	procs, err := e.store.ProceduresForVisit(ctx, visit)
	if err != nil {
		return nil, err
	}

	byEntry := make(map[clinic.ChartEntryID][]clinic.ToothProcedure)
	for _, p := range procs {
		byEntry[p.ChartEntryRef] = append(byEntry[p.ChartEntryRef], p)
	}

	records := make([]ToothRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, ToothRecord{
			Entry:      entry,
			Procedures: byEntry[entry.ID],
		})
	}
	return records, nil
}
