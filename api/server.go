/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for a frontend

ROUTE GROUPS:
  /api/changes/*         Change lifecycle
  /api/resources         Resource read model
  /api/calculations/*    Calculations and decision validation
  /api/decisions         Decision read model
  /api/payment-plans/*   Plans, reconciliation, payment processing
  /api/ledger/*          Accounting ledger
  /api/events            Raw event log
  /api/projections/*     Projection admin
  /healthz               Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
	log "github.com/sirupsen/logrus"
)

// DefaultOrigins are allowed when no CORS origins are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Change routes
		r.Route("/changes", func(r chi.Router) {
			r.Get("/", h.ListChanges)
			r.Post("/", h.CreateChange)
			r.Get("/{id}", h.GetChange)
			r.Post("/{id}/incomes", h.AddIncome)
			r.Post("/{id}/expenses", h.AddExpense)
			r.Post("/{id}/commit", h.CommitChange)
			r.Post("/{id}/push", h.PushChange)
			r.Post("/{id}/cancel", h.CancelChange)
		})

		r.Get("/resources", h.ListResources)

		// Calculation routes
		r.Route("/calculations", func(r chi.Router) {
			r.Get("/", h.ListCalculations)
			r.Get("/latest", h.LatestCalculation)
			r.Post("/{id}/decisions", h.ValidateDecision)
		})

		r.Get("/decisions", h.ListDecisions)

		// Payment plan routes
		r.Route("/payment-plans", func(r chi.Router) {
			r.Get("/", h.ListPaymentPlans)
			r.Post("/reconcile", h.Reconcile)
			r.Post("/{id}/process", h.ProcessPayments)
		})

		// Ledger routes
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", h.GetLedger)
			r.Get("/{month}", h.GetLedgerMonth)
		})

		// Admin routes
		r.Get("/events", h.ListEvents)
		r.Route("/projections", func(r chi.Router) {
			r.Get("/", h.ListProjections)
			r.Post("/{name}/rebuild", h.RebuildProjection)
		})
	})

	return r
}

// requestLogger logs one line per request through logrus.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}
