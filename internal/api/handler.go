// Package api provides the HTTP API handlers and routing for the control plane.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"controlplane/internal/apperrors"
	"controlplane/internal/apps"
	"controlplane/internal/engine"
	"controlplane/internal/health"
	"controlplane/internal/job"
	"controlplane/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const defaultLogTail = 100

// appNameRe constrains app names to something safe for container names,
// hostnames, and directory names.
var appNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,29}$`)

// Handler contains HTTP handlers for the control-plane API
type Handler struct {
	engine    *engine.Engine
	apps      *apps.Engine
	health    *health.Checker
	metrics   *observability.Metrics
	keepalive time.Duration
}

// NewHandler creates a new API handler
func NewHandler(e *engine.Engine, appEngine *apps.Engine, healthChecker *health.Checker, metrics *observability.Metrics, keepalive time.Duration) *Handler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Handler{
		engine:    e,
		apps:      appEngine,
		health:    healthChecker,
		metrics:   metrics,
		keepalive: keepalive,
	}
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.List(r.Context(), identityFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	j, err := h.engine.Get(r.Context(), identityFrom(r.Context()), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"job": j})
}

// RetryJob handles POST /v1/jobs/{jobId}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	j, err := h.engine.Retry(r.Context(), identityFrom(r.Context()), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"jobId": j.ID, "status": j.Status})
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	if err := h.engine.Cancel(r.Context(), identityFrom(r.Context()), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"jobId": jobID})
}

// CreateApp handles POST /v1/apps - submits a create job.
func (h *Handler) CreateApp(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		AppName string `json:"appname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !appNameRe.MatchString(req.AppName) {
		h.writeError(w, http.StatusBadRequest, "Invalid app name")
		return
	}

	ident := identityFrom(r.Context())
	h.submitAppJob(w, r, ident, ident.User, req.AppName, job.TypeCreate, nil)
}

// AppAction handles POST /v1/apps/{owner}/{appname}/{start|stop|deploy}.
func (h *Handler) AppAction(action job.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, appname := r.PathValue("owner"), r.PathValue("appname")
		h.submitAppJob(w, r, identityFrom(r.Context()), owner, appname, action, nil)
	}
}

// DeleteApp handles DELETE /v1/apps/{owner}/{appname} - submits a delete job.
func (h *Handler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	owner, appname := r.PathValue("owner"), r.PathValue("appname")
	h.submitAppJob(w, r, identityFrom(r.Context()), owner, appname, job.TypeDelete, nil)
}

// UpdateAppEnv handles PUT /v1/apps/{owner}/{appname}/env - submits an
// env-restart job carrying the new environment.
func (h *Handler) UpdateAppEnv(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		Env map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	owner, appname := r.PathValue("owner"), r.PathValue("appname")
	extra := map[string]string{"env": envFileContent(req.Env)}
	h.submitAppJob(w, r, identityFrom(r.Context()), owner, appname, job.TypeEnvRestart, extra)
}

// submitAppJob authorizes the caller against the target app's owner and
// submits the job. Responds 202 with the job id; progress is observed
// through the job endpoints.
func (h *Handler) submitAppJob(w http.ResponseWriter, r *http.Request, ident job.Identity, owner, appname string, typ job.Type, extra map[string]string) {
	if ident.User == "" {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !ident.CanAccess(owner) {
		h.writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	meta := map[string]string{"appname": appname}
	for k, v := range extra {
		meta[k] = v
	}

	j, err := h.engine.Submit(r.Context(), job.Identity{User: owner, Role: ident.Role}, typ, meta)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusAccepted, map[string]any{"jobId": j.ID, "status": j.Status})
}

// ListApps handles GET /v1/apps - the caller's apps, every app for admins.
func (h *Handler) ListApps(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	if ident.User == "" {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	owner := ident.User
	if ident.Elevated() {
		owner = ""
	}

	list, err := h.apps.List(r.Context(), owner)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"apps": list})
}

// AppLogs handles GET /v1/apps/{owner}/{appname}/logs - recent container
// output, one-shot. Live job progress uses the job stream instead.
func (h *Handler) AppLogs(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	owner, appname := r.PathValue("owner"), r.PathValue("appname")
	if ident.User == "" {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !ident.CanAccess(owner) {
		h.writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			h.writeError(w, http.StatusBadRequest, "Invalid tail parameter")
			return
		}
		tail = n
	}

	lines, err := h.apps.Logs(r.Context(), owner, appname, tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeOK(w, http.StatusOK, map[string]any{"lines": lines})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (Docker, job store) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// envFileContent renders an env map as sorted KEY=VALUE lines.
func envFileContent(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out string
	for _, k := range keys {
		out += fmt.Sprintf("%s=%s\n", k, env[k])
	}
	return out
}

// writeJSON writes a raw JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeOK writes a success envelope
func (h *Handler) writeOK(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, map[string]any{"ok": true, "data": data})
}

// writeError writes a failure envelope
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
