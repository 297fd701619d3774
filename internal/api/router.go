package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/riskbatch/internal/api/middleware"
	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	SubmitLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob  http.HandlerFunc
	ListJobs   http.HandlerFunc
	JobStatus  http.HandlerFunc
	JobStream  http.HandlerFunc
	CancelJob  http.HandlerFunc
	QueueStats http.HandlerFunc
	Metrics    http.HandlerFunc

	ListPredictions       http.HandlerFunc
	ListSystemPredictions http.HandlerFunc
	DeletePrediction      http.HandlerFunc
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

		r.With(deps.SubmitLimit.Limit).Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))
		r.Get("/api/v1/jobs/{jobID}/stream", orNotImplemented(deps.JobStream))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))

		r.Get("/api/v1/predictions", orNotImplemented(deps.ListPredictions))
		r.Get("/api/v1/predictions/system", orNotImplemented(deps.ListSystemPredictions))
		r.Delete("/api/v1/predictions/{predictionID}", orNotImplemented(deps.DeletePrediction))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireRole(models.RoleSuperAdmin))

			r.Get("/api/v1/admin/queue", orNotImplemented(deps.QueueStats))
			r.Get("/api/v1/admin/metrics", orNotImplemented(deps.Metrics))
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
