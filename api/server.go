/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLogger: Structured request logging (zerolog)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/appointments/*   Booking and lifecycle
  /api/visits/*         Visits and dental charts
  /api/invoices/*       Invoices and payments
  /api/patients/*       Patient directory + insurance policies
  /api/staff/*          Staff directory
  /api/audit            Audit trail queries
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware. Actor attribution relies on the
  X-Staff-ID header and is trusted as given; front the server with an
  authenticating proxy in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Staff-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Appointment routes
		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.ProposeAppointment)
			r.Get("/", h.ListAppointments)
			r.Get("/{id}", h.GetAppointment)
			r.Post("/{id}/transition", h.TransitionAppointment)
		})

		// Visit and chart routes
		r.Route("/visits", func(r chi.Router) {
			r.Get("/{id}", h.GetVisit)
			r.Get("/{id}/chart", h.GetChart)
			r.Put("/{id}/chart", h.UpdateChart)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/payments", h.ApplyPayment)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/overdue", h.MarkOverdue)
		})

		// Patient routes
		r.Route("/patients", func(r chi.Router) {
			r.Post("/", h.CreatePatient)
			r.Get("/", h.ListPatients)
			r.Get("/{id}", h.GetPatient)
			r.Post("/{id}/policies", h.AddPolicy)
			r.Get("/{id}/policies", h.ListPatientPolicies)
		})

		// Staff routes
		r.Route("/staff", func(r chi.Router) {
			r.Post("/", h.CreateStaff)
			r.Get("/", h.ListStaff)
			r.Get("/{id}", h.GetStaff)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Clinic Core</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Clinic Core API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/appointments">/api/appointments</a> - List appointments</li>
<li><a href="/api/invoices">/api/invoices</a> - List invoices</li>
<li><a href="/api/patients">/api/patients</a> - List patients</li>
<li><a href="/api/staff">/api/staff</a> - List staff</li>
<li><a href="/api/audit">/api/audit</a> - Audit trail</li>
</ul>
</body>
</html>`))
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
