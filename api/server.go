/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard and kiosk

ROUTE GROUPS:
  /api/organizations/*         Organizations, programs, ledger and queries
  /api/admin/*                 Expiration sweep
  /healthz                     Liveness probe

SECURITY NOTE:
  Only the redemption endpoint is authorized (operator credential).
  Accrual and admin routes are expected behind the internal network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.CreateOrganization)

			r.Route("/{orgID}", func(r chi.Router) {
				r.Get("/program", h.GetProgram)
				r.Put("/program", h.PutProgram)

				r.Post("/accruals", h.Accrue)
				r.Post("/redemptions", h.Redeem)

				r.Get("/clients/{clientID}/balance", h.GetBalance)
				r.Get("/clients/{clientID}/transactions", h.GetClientTransactions)
				r.Get("/transactions", h.GetOrganizationTransactions)
				r.Get("/ranking", h.GetRanking)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep/runs", h.ListSweepRuns)
		})
	})

	return r
}
