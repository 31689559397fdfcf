// Package api provides the HTTP control surface: model management, job
// lifecycle and result retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/health"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/orchestrator"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxResultsWait caps the long-poll window of the results endpoint.
const maxResultsWait = time.Minute

// Handler contains the HTTP handlers for the control API.
type Handler struct {
	manager  *orchestrator.Manager
	registry *model.Registry
	store    *job.Store
	health   *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(manager *orchestrator.Manager, registry *model.Registry, store *job.Store, healthChecker *health.Checker) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		store:    store,
		health:   healthChecker,
	}
}

// LoadModel handles POST /v1/models. The body is a model spec document,
// YAML or JSON.
func (h *Handler) LoadModel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	spec, err := model.ParseSpec(data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	m, err := h.registry.Load(spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, m)
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"models": h.registry.List()})
}

// GetModel handles GET /v1/models/{name}
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.registry.Get(r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// SetModelField handles PATCH /v1/models/{name}. The body names one field
// and the value to set it to; submitted jobs keep their snapshot.
func (h *Handler) SetModelField(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Field == "" {
		h.handleError(w, r, apperrors.Validation("field", "field is required"))
		return
	}
	if req.Value == nil {
		h.handleError(w, r, apperrors.Validation("value", "value is required"))
		return
	}

	name := r.PathValue("name")
	if err := h.registry.Set(name, req.Field, fmt.Sprint(req.Value)); err != nil {
		h.handleError(w, r, err)
		return
	}

	m, err := h.registry.Get(name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// UnloadModel handles DELETE /v1/models/{name}
func (h *Handler) UnloadModel(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Unload(r.PathValue("name")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DryRunModel handles POST /v1/models/{name}/dryrun. Resolves and builds
// the model's bundle without provisioning or deploying anything.
func (h *Handler) DryRunModel(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.DryRun(r.Context(), r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// StartJob handles POST /v1/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	j, err := h.manager.Submit(r.Context(), sub)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   h.store.List(),
		"active": h.store.Active(),
	})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// ResultsResponse is the payload of the results endpoint: the snapshot
// suffix after the caller's cursor plus the cursor to resume from.
type ResultsResponse struct {
	JobID   string               `json:"jobId"`
	Status  job.Status           `json:"status"`
	Results []job.ResultSnapshot `json:"results"`
	LastSeq uint64               `json:"lastSeq"`
}

// JobResults handles GET /v1/jobs/{jobId}/results?after=N&wait=30s.
// Without wait it returns the current suffix immediately. With wait it
// long-polls: the response is sent as soon as a snapshot newer than the
// cursor lands or the job settles, or with an empty suffix when the window
// closes first. A terminal job with nothing unseen always returns
// immediately.
func (h *Handler) JobResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var (
		rows   []job.ResultSnapshot
		status job.Status
	)
	if wait <= 0 {
		rows, status, err = h.store.Results(jobID, after)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		rows, status, err = h.store.AwaitResults(ctx, jobID, after)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			// Wait window closed with no news; an empty suffix is a
			// normal long-poll outcome, not an error.
			err = nil
			rows = nil
		}
	}
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		h.handleError(w, r, err)
		return
	}

	lastSeq := after
	if len(rows) > 0 {
		lastSeq = rows[len(rows)-1].Seq
	}
	if rows == nil {
		rows = []job.ResultSnapshot{}
	}
	h.writeJSON(w, http.StatusOK, ResultsResponse{
		JobID:   jobID,
		Status:  status,
		Results: rows,
		LastSeq: lastSeq,
	})
}

// AbortJob handles DELETE /v1/jobs/{jobId}. Abort is asynchronous: the
// response carries the row as of the request, the terminal state lands
// once the driver observes the cancellation.
func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.manager.Abort(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, j)
}

// Healthz handles GET /healthz - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the provisioning backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
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

func parseAfter(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Validation("after", fmt.Sprintf("after must be a non-negative integer, got %q", raw))
	}
	return after, nil
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperrors.Validation("wait", fmt.Sprintf("wait must be a duration like 30s, got %q", raw))
	}
	if wait > maxResultsWait {
		wait = maxResultsWait
	}
	return wait, nil
}
