package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/cihealer/internal/api/middleware"
	"github.com/kiranshivaraju/cihealer/internal/api/handler"
	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Handler   *handler.Handler

	HealthHandler http.HandlerFunc
	// MetricsHandler defaults to the Prometheus default registry.
	MetricsHandler http.Handler
}

// NewRouter builds the chi router with the middleware stack and all routes.
// Reads need the read scope, CI ingestion the ingest scope, and every
// human decision the review scope.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	h := deps.Handler
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/failures/{buildID}", h.GetFailure)
			r.Get("/failures/{buildID}/analysis", h.GetAnalysis)
			r.Get("/failures/{buildID}/refinements", h.ListRefinements)
			r.Get("/approvals", h.ListApprovals)
			r.Get("/approvals/stats", h.ApprovalStats)
			r.Get("/fixes/{analysisID}/diff", h.Diff)
			r.Get("/status/active", h.Active)
			r.Get("/status/history", h.History)
			r.Get("/status/stats", h.Stats)
			r.Get("/jobs/{jobID}", h.GetJob)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeIngest))

			r.Post("/failures", h.ReportFailure)
			r.Post("/triggers", h.Trigger)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeReview))

			r.Post("/approvals/{approvalID}/decision", h.Decide)
			r.Post("/failures/{buildID}/feedback", h.SubmitFeedback)
			r.Post("/fixes/{analysisID}/approve", h.ApproveFix)
			r.Post("/fixes/{analysisID}/reject", h.RejectFix)
			r.Post("/fixes/{analysisID}/feedback", h.FixFeedback)
			r.Post("/pipelines/{buildID}/restart", h.Restart)
			r.Post("/pipelines/{buildID}/jira", h.CreateBug)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/admin/keys", h.CreateKey)
			r.Get("/admin/keys", h.ListKeys)
			r.Delete("/admin/keys/{keyID}", h.RevokeKey)
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
