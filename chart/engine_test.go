package chart_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

type chartFixture struct {
	store  *sqlite.Store
	engine *chart.Engine
	visit  clinic.VisitID
	staff  clinic.StaffID
}

func newChartFixture(t *testing.T) *chartFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	patient := clinic.Patient{ID: clinic.PatientID(clinic.NewID()), FirstName: "Theo", LastName: "Brandt"}
	require.NoError(t, store.InsertPatient(ctx, patient))
	staff := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: "Dr. Vega", Role: "dentist"}
	require.NoError(t, store.InsertStaff(ctx, staff))

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	appt := clinic.Appointment{
		ID:         clinic.AppointmentID(clinic.NewID()),
		PatientRef: patient.ID,
		StaffRef:   staff.ID,
		Range:      clinic.MustTimeRange(now, 30),
		Status:     clinic.StatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.InsertAppointment(ctx, appt))

	visit := clinic.Visit{
		ID:             clinic.VisitID(clinic.NewID()),
		AppointmentRef: appt.ID,
		PatientRef:     patient.ID,
		StaffRef:       staff.ID,
		OccurredAt:     now,
	}
	require.NoError(t, store.InsertVisit(ctx, visit))

	return &chartFixture{
		store:  store,
		engine: chart.NewEngine(store, chart.SchemeUniversal),
		visit:  visit.ID,
		staff:  staff.ID,
	}
}

func filling(cost int64) chart.ProcedureInput {
	return chart.ProcedureInput{
		Name: "composite filling",
		Date: time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC),
		Cost: decimal.NewFromInt(cost),
	}
}

// =============================================================================
// APPLY
// =============================================================================

func TestApplyUpdate_ChartsTeeth(t *testing.T) {
	fx := newChartFixture(t)
	ctx := context.Background()

	entries, err := fx.engine.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Actor:   fx.staff,
		Updates: []chart.ToothUpdate{
			{ToothNumber: 3, Status: clinic.ToothCaries, Notes: "distal surface"},
			{ToothNumber: 14, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{filling(150)}},
		},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].ToothNumber)
	assert.Equal(t, clinic.ToothCaries, entries[0].Status)
	assert.Equal(t, 14, entries[1].ToothNumber)

	records, err := fx.engine.Snapshot(ctx, fx.visit)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].Procedures)
	require.Len(t, records[1].Procedures, 1)
	assert.Equal(t, "composite filling", records[1].Procedures[0].ProcedureName)
	assert.True(t, records[1].Procedures[0].Cost.Equal(decimal.NewFromInt(150)))
}

func TestApplyUpdate_RechartKeepsEntryIdentity(t *testing.T) {
	fx := newChartFixture(t)
	ctx := context.Background()

	// First batch: tooth 14 diagnosed
	_, err := fx.engine.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Updates: []chart.ToothUpdate{{ToothNumber: 14, Status: clinic.ToothCaries}},
	})
	require.NoError(t, err)

	// Second batch: same tooth treated, procedure appended
	_, err = fx.engine.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Updates: []chart.ToothUpdate{
			{ToothNumber: 14, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{filling(180)}},
		},
	})
	require.NoError(t, err)

	records, err := fx.engine.Snapshot(ctx, fx.visit)
	require.NoError(t, err)
	require.Len(t, records, 1, "recharting must update in place, not duplicate")
	assert.Equal(t, clinic.ToothFilled, records[0].Entry.Status)
	require.Len(t, records[0].Procedures, 1)
}

func TestApplyUpdate_ValidationBeforeAnyWrite(t *testing.T) {
	fx := newChartFixture(t)
	ctx := context.Background()

	// GIVEN a batch whose second tooth is outside the Universal range
	_, err := fx.engine.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Updates: []chart.ToothUpdate{
			{ToothNumber: 5, Status: clinic.ToothHealthy},
			{ToothNumber: 99, Status: clinic.ToothHealthy},
		},
	})

	// THEN the batch fails with the offending tooth named
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrInvalidToothNumber)
	var badTooth *clinic.InvalidToothNumberError
	require.ErrorAs(t, err, &badTooth)
	assert.Equal(t, 99, badTooth.Tooth)

	// AND the valid first tooth was never written
	records, err := fx.engine.Snapshot(ctx, fx.visit)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplyUpdate_RejectsBadBatches(t *testing.T) {
	fx := newChartFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		updates []chart.ToothUpdate
	}{
		{"empty batch", nil},
		{"unknown status", []chart.ToothUpdate{{ToothNumber: 3, Status: "sparkly"}}},
		{"duplicate tooth", []chart.ToothUpdate{
			{ToothNumber: 3, Status: clinic.ToothHealthy},
			{ToothNumber: 3, Status: clinic.ToothCaries},
		}},
		{"nameless procedure", []chart.ToothUpdate{
			{ToothNumber: 3, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{{Cost: decimal.NewFromInt(10)}}},
		}},
		{"negative cost", []chart.ToothUpdate{
			{ToothNumber: 3, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{
				{Name: "filling", Cost: decimal.NewFromInt(-5)},
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.engine.ApplyUpdate(ctx, chart.UpdateRequest{VisitID: fx.visit, Updates: tt.updates})
			assert.ErrorIs(t, err, clinic.ErrValidation)
		})
	}
}

func TestApplyUpdate_UnknownVisit(t *testing.T) {
	fx := newChartFixture(t)

	_, err := fx.engine.ApplyUpdate(context.Background(), chart.UpdateRequest{
		VisitID: "no-such-visit",
		Updates: []chart.ToothUpdate{{ToothNumber: 3, Status: clinic.ToothHealthy}},
	})
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

func TestApplyUpdate_FDIScheme(t *testing.T) {
	fx := newChartFixture(t)
	fdi := chart.NewEngine(fx.store, chart.SchemeFDI)
	ctx := context.Background()

	// 48 is the lower-right wisdom tooth in FDI
	_, err := fdi.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Updates: []chart.ToothUpdate{{ToothNumber: 48, Status: clinic.ToothExtracted}},
	})
	require.NoError(t, err)

	for _, tooth := range []int{9, 49, 19, 0} {
		_, err = fdi.ApplyUpdate(ctx, chart.UpdateRequest{
			VisitID: fx.visit,
			Updates: []chart.ToothUpdate{{ToothNumber: tooth, Status: clinic.ToothHealthy}},
		})
		assert.ErrorIs(t, err, clinic.ErrInvalidToothNumber, "tooth %d", tooth)
	}
}

func TestApplyUpdate_WritesAuditTrail(t *testing.T) {
	fx := newChartFixture(t)

	_, err := fx.engine.ApplyUpdate(context.Background(), chart.UpdateRequest{
		VisitID: fx.visit,
		Actor:   fx.staff,
		Updates: []chart.ToothUpdate{
			{ToothNumber: 8, Status: clinic.ToothCrowned, Procedures: []chart.ProcedureInput{filling(900)}},
		},
	})
	require.NoError(t, err)

	id := string(fx.visit)
	entries, err := fx.store.QueryAudit(context.Background(), clinic.AuditFilter{EntityID: &id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chart.update", entries[0].Action)
	assert.Equal(t, "teeth=1 procedures=1", entries[0].Detail)
}

// =============================================================================
// ATOMICITY
// =============================================================================

// flakyProcedures lets a fixed number of procedure appends through, then
// fails. Used to break the last write of a batch.
type flakyProcedures struct {
	clinic.TxStore
	remaining int
}

func (s *flakyProcedures) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	return s.TxStore.WithTx(ctx, func(tx clinic.Store) error {
		return fn(&flakyProceduresInner{Store: tx, parent: s})
	})
}

type flakyProceduresInner struct {
	clinic.Store
	parent *flakyProcedures
}

func (s *flakyProceduresInner) AppendToothProcedure(ctx context.Context, p clinic.ToothProcedure) error {
	if s.parent.remaining <= 0 {
		return errors.New("simulated storage failure")
	}
	s.parent.remaining--
	return s.Store.AppendToothProcedure(ctx, p)
}

func TestApplyUpdate_FailureOnLastRowRollsBackWholeBatch(t *testing.T) {
	fx := newChartFixture(t)
	ctx := context.Background()

	// GIVEN a store that fails on the third of three procedure appends
	broken := chart.NewEngine(&flakyProcedures{TxStore: fx.store, remaining: 2}, chart.SchemeUniversal)

	_, err := broken.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: fx.visit,
		Updates: []chart.ToothUpdate{
			{ToothNumber: 3, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{filling(100)}},
			{ToothNumber: 4, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{filling(110)}},
			{ToothNumber: 5, Status: clinic.ToothFilled, Procedures: []chart.ProcedureInput{filling(120)}},
		},
	})
	require.Error(t, err)

	// THEN no entry and no procedure from the batch survived
	entries, err := fx.store.ChartEntriesForVisit(ctx, fx.visit)
	require.NoError(t, err)
	assert.Empty(t, entries)

	procs, err := fx.store.ProceduresForVisit(ctx, fx.visit)
	require.NoError(t, err)
	assert.Empty(t, procs)
}
