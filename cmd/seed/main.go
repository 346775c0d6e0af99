/*
main.go - Demo data generator

PURPOSE:
  Populates a clinic database with realistic demo data: staff, insured
  patients, a booked schedule, completed visits with charted teeth, and
  invoices in every payment state. All data flows through the real
  engines, so the seeded database satisfies the same invariants as a
  production one.

USAGE:
  ./seed -db=./clinic.db -patients=25

  Run against the same -db path the server uses, then browse
  /api/appointments and /api/invoices.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/billing"
	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/clinic"
	"github.com/enamel/clinic-core/schedule"
	"github.com/enamel/clinic-core/store/sqlite"
)

// procedureCatalog maps demo procedures to prices and the chart status
// each one leaves behind.
var procedureCatalog = []struct {
	code   string
	name   string
	cost   string
	status clinic.ToothStatus
}{
	{"D2391", "Composite filling", "180.00", clinic.ToothFilled},
	{"D2740", "Porcelain crown", "950.00", clinic.ToothCrowned},
	{"D3310", "Root canal, anterior", "700.00", clinic.ToothRootCanal},
	{"D7140", "Extraction, erupted tooth", "210.00", clinic.ToothExtracted},
}

var visitTypes = []string{"checkup", "cleaning", "filling", "crown", "root_canal", "extraction"}

var carriers = []string{"DeltaCare", "Cigna Dental", "MetLife", "Guardian", "Aetna"}

type seeder struct {
	store     *sqlite.Store
	schedule  *schedule.Engine
	chart     *chart.Engine
	billing   *billing.Engine
	log       zerolog.Logger
	staff     []clinic.Staff
	patients  []clinic.Patient
	frontDesk clinic.StaffID
}

func main() {
	dbPath := flag.String("db", "clinic.db", "SQLite database path")
	patientCount := flag.Int("patients", 25, "number of patients to create")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	log.Info().Str("db", *dbPath).Msg("seed starting")

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	gofakeit.Seed(time.Now().UnixNano())

	s := &seeder{
		store:    store,
		schedule: schedule.NewEngine(store),
		chart:    chart.NewEngine(store, chart.SchemeUniversal),
		billing:  billing.NewEngine(store, billing.Config{}),
		log:      log,
	}

	ctx := context.Background()
	if err := s.seedStaff(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed staff")
	}
	if err := s.seedPatients(ctx, *patientCount); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	if err := s.seedHistory(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed visit history")
	}
	if err := s.seedUpcoming(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed upcoming schedule")
	}

	log.Info().Msg("seed complete")
}

func (s *seeder) seedStaff(ctx context.Context) error {
	roles := []string{"dentist", "dentist", "dentist", "hygienist", "hygienist"}
	for _, role := range roles {
		member := clinic.Staff{
			ID:   clinic.StaffID(clinic.NewID()),
			Name: "Dr. " + gofakeit.LastName(),
			Role: role,
		}
		if role != "dentist" {
			member.Name = gofakeit.Name()
		}
		if err := s.store.InsertStaff(ctx, member); err != nil {
			return err
		}
		s.staff = append(s.staff, member)
	}

	desk := clinic.Staff{ID: clinic.StaffID(clinic.NewID()), Name: gofakeit.Name(), Role: "front_desk"}
	if err := s.store.InsertStaff(ctx, desk); err != nil {
		return err
	}
	s.frontDesk = desk.ID

	s.log.Info().Int("count", len(s.staff)+1).Msg("staff seeded")
	return nil
}

func (s *seeder) seedPatients(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		patient := clinic.Patient{
			ID:        clinic.PatientID(clinic.NewID()),
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
			Phone:     gofakeit.Phone(),
			Email:     gofakeit.Email(),
		}
		if err := s.store.InsertPatient(ctx, patient); err != nil {
			return err
		}
		s.patients = append(s.patients, patient)

		// Roughly 6 in 10 patients carry insurance.
		if gofakeit.Number(1, 10) <= 6 {
			_, err := s.billing.AddPolicy(ctx, billing.PolicyRequest{
				PatientRef:         patient.ID,
				Carrier:            carriers[gofakeit.Number(0, len(carriers)-1)],
				CoveragePercentage: decimal.NewFromInt(int64(gofakeit.Number(5, 8) * 10)),
				MaxAnnualCoverage:  decimal.NewFromInt(int64(gofakeit.Number(10, 20) * 100)),
				Deductible:         decimal.NewFromInt(int64(gofakeit.Number(0, 2) * 25)),
				EffectiveFrom:      time.Now().UTC().AddDate(-1, 0, 0),
				Actor:              s.frontDesk,
			})
			if err != nil {
				return err
			}
		}
	}

	s.log.Info().Int("count", count).Msg("patients seeded")
	return nil
}

// seedHistory books past appointments, completes them, charts the work,
// and bills it. Roughly half the invoices end up paid, a quarter
// partially paid, the rest untouched.
func (s *seeder) seedHistory(ctx context.Context) error {
	visits := 0
	for day := 20; day >= 1; day-- {
		date := time.Now().UTC().AddDate(0, 0, -day)
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}

		for slot := 0; slot < 2; slot++ {
			dentist := s.staff[gofakeit.Number(0, len(s.staff)-1)]
			patient := s.patients[gofakeit.Number(0, len(s.patients)-1)]
			start := time.Date(date.Year(), date.Month(), date.Day(), 9+slot*2, 0, 0, 0, time.UTC)

			appt, err := s.schedule.Propose(ctx, schedule.ProposeRequest{
				PatientRef:      patient.ID,
				StaffRef:        dentist.ID,
				TypeRef:         visitTypes[gofakeit.Number(0, len(visitTypes)-1)],
				Start:           start,
				DurationMinutes: 45,
				Actor:           s.frontDesk,
			})
			if err != nil {
				// A rebooked patient can collide with an existing slot.
				if clinic.IsClientError(err) {
					continue
				}
				return err
			}

			_, visit, err := s.schedule.Transition(ctx, schedule.TransitionRequest{
				AppointmentID: appt.ID,
				To:            clinic.StatusCompleted,
				Actor:         dentist.ID,
			})
			if err != nil {
				return err
			}

			if err := s.chartAndBill(ctx, visit, dentist.ID); err != nil {
				return err
			}
			visits++
		}
	}

	s.log.Info().Int("count", visits).Msg("visit history seeded")
	return nil
}

func (s *seeder) chartAndBill(ctx context.Context, visit *clinic.Visit, dentist clinic.StaffID) error {
	proc := procedureCatalog[gofakeit.Number(0, len(procedureCatalog)-1)]
	tooth := gofakeit.Number(1, 32)

	_, err := s.chart.ApplyUpdate(ctx, chart.UpdateRequest{
		VisitID: visit.ID,
		Updates: []chart.ToothUpdate{{
			ToothNumber: tooth,
			Status:      proc.status,
			Procedures: []chart.ProcedureInput{{
				Name: proc.name,
				Date: visit.OccurredAt,
				Cost: clinic.MustMoney(proc.cost),
			}},
		}},
		Actor: dentist,
	})
	if err != nil {
		return err
	}

	inv, err := s.billing.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		VisitID: visit.ID,
		LineItems: []billing.LineItemInput{
			{ProcedureRef: "D0120", Description: "Periodic exam", Quantity: 1, UnitCost: clinic.MustMoney("85.00")},
			{ProcedureRef: proc.code, Description: proc.name, Quantity: 1, UnitCost: clinic.MustMoney(proc.cost)},
		},
		TaxRate: clinic.MustMoney("0.07"),
		Actor:   dentist,
	})
	if err != nil {
		return err
	}

	methods := []clinic.PaymentMethod{clinic.PayCash, clinic.PayCard, clinic.PayCheck, clinic.PayTransfer}
	switch roll := gofakeit.Number(1, 4); roll {
	case 1, 2: // paid in full
		_, err = s.billing.ApplyPayment(ctx, billing.PaymentRequest{
			InvoiceID: inv.ID,
			Amount:    inv.TotalAmount,
			Method:    methods[gofakeit.Number(0, len(methods)-1)],
			Reference: fmt.Sprintf("SEED-%s", inv.Number),
			Actor:     s.frontDesk,
		})
	case 3: // half paid
		_, err = s.billing.ApplyPayment(ctx, billing.PaymentRequest{
			InvoiceID: inv.ID,
			Amount:    inv.TotalAmount.Div(decimal.NewFromInt(2)).Round(2),
			Method:    methods[gofakeit.Number(0, len(methods)-1)],
			Reference: fmt.Sprintf("SEED-%s", inv.Number),
			Actor:     s.frontDesk,
		})
	}
	return err
}

// seedUpcoming fills the next week of mornings so reminder sweeps have
// something to send.
func (s *seeder) seedUpcoming(ctx context.Context) error {
	booked := 0
	for day := 1; day <= 7; day++ {
		date := time.Now().UTC().AddDate(0, 0, day)
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}

		for i, member := range s.staff {
			patient := s.patients[gofakeit.Number(0, len(s.patients)-1)]
			start := time.Date(date.Year(), date.Month(), date.Day(), 9, i*45, 0, 0, time.UTC)

			_, err := s.schedule.Propose(ctx, schedule.ProposeRequest{
				PatientRef:      patient.ID,
				StaffRef:        member.ID,
				TypeRef:         visitTypes[gofakeit.Number(0, len(visitTypes)-1)],
				Start:           start,
				DurationMinutes: 45,
				Actor:           s.frontDesk,
			})
			if err != nil {
				if clinic.IsClientError(err) {
					continue
				}
				return err
			}
			booked++
		}
	}

	s.log.Info().Int("count", booked).Msg("upcoming schedule seeded")
	return nil
}
