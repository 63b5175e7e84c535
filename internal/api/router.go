package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/deep-research/internal/identity"
	"github.com/ashureev/deep-research/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSAllowedOrigins []string
	IsDevelopment      bool
	// RateLimiter throttles each owner across the research endpoints. Nil disables it.
	RateLimiter *middleware.RateLimiter
}

// NewRouter mounts the research API, the WebSocket channel and the health check.
func NewRouter(h *Handler, health *HealthHandler, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(opts.CORSAllowedOrigins))

	health.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(opts.IsDevelopment))
		if opts.RateLimiter != nil {
			r.Use(middleware.RateLimit(opts.RateLimiter, ownerKey))
		}
		h.RegisterRoutes(r)
		r.Get("/ws/research", h.ServeWebSocket)
	})
	return r
}

func ownerKey(r *http.Request) string {
	if owner := identity.OwnerIDFromContext(r.Context()); owner != "" {
		return owner
	}
	return identity.IPFromRequest(r)
}
