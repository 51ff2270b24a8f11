package api

import (
	"net/http"

	mw "github.com/carevista/simvault/internal/api/middleware"
	"github.com/carevista/simvault/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CaptureSnapshot http.HandlerFunc
	ListSnapshots   http.HandlerFunc

	StartSimulation  http.HandlerFunc
	ResetSimulation  http.HandlerFunc
	GetSimulation    http.HandlerFunc
	UpdateSimulation http.HandlerFunc

	AddMember    http.HandlerFunc
	RemoveMember http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/templates/{templateID}/snapshots", orNotImplemented(deps.CaptureSnapshot))
		r.Get("/api/v1/templates/{templateID}/snapshots", orNotImplemented(deps.ListSnapshots))

		r.Post("/api/v1/simulations", orNotImplemented(deps.StartSimulation))
		r.Post("/api/v1/simulations/{simID}/reset", orNotImplemented(deps.ResetSimulation))
		r.Get("/api/v1/simulations/{simID}", orNotImplemented(deps.GetSimulation))
		r.Patch("/api/v1/simulations/{simID}", orNotImplemented(deps.UpdateSimulation))

		r.Post("/api/v1/tenants/{tenantID}/members", orNotImplemented(deps.AddMember))
		r.Delete("/api/v1/tenants/{tenantID}/members/{userID}", orNotImplemented(deps.RemoveMember))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
