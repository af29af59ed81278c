/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route tree. This
  is pure wiring; handler logic lives in handlers.go.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the field client

SECURITY NOTE:
  No authentication middleware. The facade binds to localhost and fronts a
  single operator's client core; it is not an internet-facing service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/{id}", h.GetTenant)
			r.Get("/{id}/payments", h.GetTenantPayments)
			r.Post("/{id}/archive", h.ArchiveTenant)
			r.Post("/{id}/transfer", h.TransferTenant)
			r.Put("/{id}/contact", h.UpdateTenantContact)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/{id}", h.GetAgent)
			r.Get("/{id}/tenants", h.GetAgentTenants)
			r.Post("/{id}/suspend", h.SuspendAgent)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RecordPayment)
			r.Post("/batch", h.RecordBatch)
			r.Get("/batch/progress", h.BatchProgress)
			r.Post("/{id}/verify", h.VerifyPayment)
			r.Post("/{id}/reject", h.RejectPayment)
		})

		r.Route("/undo", func(r chi.Router) {
			r.Get("/pending", h.PendingUndos)
			r.Get("/history", h.UndoHistory)
			r.Post("/{mutationID}", h.Undo)
		})

		r.Post("/validate", h.Validate)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.SaveTemplate)
			r.Get("/{name}", h.GetTemplate)
			r.Delete("/{name}", h.DeleteTemplate)
		})
	})

	return r
}
