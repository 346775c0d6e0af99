/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic core server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and parse command-line flags
  2. Initialize SQLite store
  3. Wire engines (scheduling, chart, billing) and reminder dispatch
  4. Configure HTTP router and start the sweep runner
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: clinic.db, env DB_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  ENV                   "development" switches to console log output
  STRICT_OVERPAYMENT    "true" rejects payments beyond the invoice total
  PAYMENT_TERMS_DAYS    due date offset for new invoices (default 30)
  TOOTH_SCHEME          "universal" (default) or "fdi"
  OVERDUE_SWEEP_SPEC    cron spec for the overdue sweep (default @hourly)
  REMINDER_SPEC         cron spec for reminders (default "0 9 * * *")
  TWILIO_ACCOUNT_SID    \
  TWILIO_AUTH_TOKEN      > set all three to send real SMS reminders;
  TWILIO_PHONE_NUMBER   /  otherwise reminders are logged only

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep runner, waiting for a running job
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - api/sweep.go: Background runner
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/enamel/clinic-core/api"
	"github.com/enamel/clinic-core/billing"
	"github.com/enamel/clinic-core/chart"
	"github.com/enamel/clinic-core/notify"
	"github.com/enamel/clinic-core/schedule"
	"github.com/enamel/clinic-core/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	// Flags, with env defaults
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "clinic.db"), "SQLite database path")
	flag.Parse()

	log := newLogger()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("failed to initialize database")
	}
	defer store.Close()

	// Engines
	schedEngine := schedule.NewEngine(store)
	chartEngine := chart.NewEngine(store, chart.NumberingScheme(envStr("TOOTH_SCHEME", "")))
	billingEngine := billing.NewEngine(store, billing.Config{
		StrictOverpayment: envStr("STRICT_OVERPAYMENT", "") == "true",
		PaymentTermsDays:  envInt("PAYMENT_TERMS_DAYS", 0),
	})

	// Reminder dispatch: Twilio when configured, log otherwise
	var dispatcher notify.Dispatcher
	twilioDispatcher, err := notify.NewTwilioDispatcher(
		os.Getenv("TWILIO_ACCOUNT_SID"),
		os.Getenv("TWILIO_AUTH_TOKEN"),
		os.Getenv("TWILIO_PHONE_NUMBER"),
	)
	if err != nil {
		log.Info().Msg("twilio not configured, logging reminders instead")
		dispatcher = &notify.LogDispatcher{Log: log}
	} else {
		dispatcher = twilioDispatcher
	}
	reminders := notify.NewReminders(store, dispatcher, log)

	// HTTP surface
	handler := api.NewHandler(store, schedEngine, chartEngine, billingEngine, log)
	router := api.NewRouter(handler)

	// Background sweeps
	runner := api.NewSweepRunner(billingEngine, reminders, log)
	runner.OverdueSpec = envStr("OVERDUE_SWEEP_SPEC", "")
	runner.ReminderSpec = envStr("REMINDER_SPEC", "")
	if err := runner.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweep runner")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", *port).Str("db", *dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	runner.Stop()

	log.Info().Msg("server stopped")
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
