package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router serving h's endpoints under /api/v1.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Gateway deletion is rare and destructive: 20 max, refilling one
	// per 500ms (burst of 20, sustained 2/second).
	deleteLimiter := NewAdminRateLimiter(20, 500*time.Millisecond)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/gateways", h.ListGateways)
			r.Post("/gateways/{gateway_id}", h.CreateGateway)
			r.With(deleteLimiter.Middleware).Delete("/gateways/{gateway_id}", h.DeleteGateway)

			r.Route("/gateways/{gateway_id}", func(r chi.Router) {
				r.Use(GatewayContextMiddleware(h.pool))
				r.Post("/sync/push", h.SyncPush)
				r.Get("/sync/pull", h.SyncPull)
				r.Post("/flush", h.FlushGateway)
			})
		})
	})

	return r
}
