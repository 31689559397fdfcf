package api

import (
	"net/http"

	"github.com/d53dave/cgopt/internal/health"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/observability"
	"github.com/d53dave/cgopt/internal/orchestrator"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Manager        *orchestrator.Manager
	Registry       *model.Registry
	Store          *job.Store
	HealthChecker  *health.Checker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler // serves GET /metrics when set
	APIKey         string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Manager, cfg.Registry, cfg.Store, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /healthz", handler.Healthz)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Model and job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/models", authMiddleware(http.HandlerFunc(handler.LoadModel)))
	mux.Handle("GET /v1/models", authMiddleware(http.HandlerFunc(handler.ListModels)))
	mux.Handle("GET /v1/models/{name}", authMiddleware(http.HandlerFunc(handler.GetModel)))
	mux.Handle("PATCH /v1/models/{name}", authMiddleware(http.HandlerFunc(handler.SetModelField)))
	mux.Handle("DELETE /v1/models/{name}", authMiddleware(http.HandlerFunc(handler.UnloadModel)))
	mux.Handle("POST /v1/models/{name}/dryrun", authMiddleware(http.HandlerFunc(handler.DryRunModel)))

	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.StartJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/results", authMiddleware(http.HandlerFunc(handler.JobResults)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.AbortJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
