package api

import (
	"net/http"
	"time"

	"controlplane/internal/apps"
	"controlplane/internal/engine"
	"controlplane/internal/health"
	"controlplane/internal/job"
	"controlplane/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine          *engine.Engine
	Apps            *apps.Engine
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	StreamKeepalive time.Duration
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.Apps, cfg.HealthChecker, cfg.Metrics, cfg.StreamKeepalive)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no identity required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Everything else runs behind the auth proxy's identity headers
	ident := IdentityMiddleware()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, ident(fn))
	}

	// Job endpoints
	handle("GET /v1/jobs", handler.ListJobs)
	handle("GET /v1/jobs/{jobId}", handler.GetJob)
	handle("GET /v1/jobs/{jobId}/stream", handler.StreamJob)
	handle("POST /v1/jobs/{jobId}/retry", handler.RetryJob)
	handle("POST /v1/jobs/{jobId}/cancel", handler.CancelJob)

	// App endpoints - actions submit jobs, reads go to Docker
	handle("GET /v1/apps", handler.ListApps)
	handle("POST /v1/apps", handler.CreateApp)
	handle("POST /v1/apps/{owner}/{appname}/start", handler.AppAction(job.TypeStart))
	handle("POST /v1/apps/{owner}/{appname}/stop", handler.AppAction(job.TypeStop))
	handle("POST /v1/apps/{owner}/{appname}/deploy", handler.AppAction(job.TypeDeploy))
	handle("DELETE /v1/apps/{owner}/{appname}", handler.DeleteApp)
	handle("PUT /v1/apps/{owner}/{appname}/env", handler.UpdateAppEnv)
	handle("GET /v1/apps/{owner}/{appname}/logs", handler.AppLogs)

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
