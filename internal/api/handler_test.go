package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/d53dave/cgopt/internal/anneal"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/health"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/orchestrator"
	"github.com/d53dave/cgopt/internal/testutil"
)

const benchSpecJSON = `{
  "name": "bench",
  "target": {"type": "ackley-target", "dimensions": 2},
  "strategy": {"type": "classic-sa", "initial_temp": 1.0, "min_temp": 0.5, "cooling": 0.5, "iters_per_temp": 5},
  "dimensions": 2
}`

const benchSpecYAML = `name: bench
target:
  type: ackley-target
  dimensions: 2
strategy:
  type: classic-sa
  initial_temp: 1.0
  min_temp: 0.5
  cooling: 0.5
  iters_per_temp: 5
dimensions: 2
`

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Healthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoBackend(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil), // no provisioning backend
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_StartJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()

	handler.StartJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_ModelLifecycle(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)

	w := rt.do(http.MethodPost, "/v1/models", benchSpecJSON)
	if w.Code != http.StatusCreated {
		t.Fatalf("load: expected status %d, got %d (%s)", http.StatusCreated, w.Code, w.Body)
	}

	w = rt.do(http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"bench"`) {
		t.Errorf("list: expected bench in %s", w.Body)
	}

	w = rt.do(http.MethodGet, "/v1/models/bench", "")
	if w.Code != http.StatusOK {
		t.Errorf("get: expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = rt.do(http.MethodPatch, "/v1/models/bench", `{"field": "dimensions", "value": 4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set: expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body)
	}
	var updated model.ManagedModel
	json.NewDecoder(w.Body).Decode(&updated)
	if updated.Spec.Dimensions != 4 {
		t.Errorf("set: Dimensions = %d, want 4", updated.Spec.Dimensions)
	}

	w = rt.do(http.MethodPost, "/v1/models/bench/dryrun", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dryrun: expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body)
	}
	var report orchestrator.DryRunReport
	json.NewDecoder(w.Body).Decode(&report)
	if report.Digest == "" {
		t.Error("dryrun: expected a bundle digest")
	}

	w = rt.do(http.MethodDelete, "/v1/models/bench", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("unload: expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = rt.do(http.MethodGet, "/v1/models/bench", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after unload: expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_LoadModelYAML(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/models", strings.NewReader(benchSpecYAML))
	req.Header.Set("Content-Type", "application/yaml")
	w := httptest.NewRecorder()
	rt.handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d (%s)", http.StatusCreated, w.Code, w.Body)
	}
}

func TestRouter_LoadModelRejections(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)

	w := rt.do(http.MethodPost, "/v1/models", `{"name": "bench"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("incomplete spec: expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if w := rt.do(http.MethodPost, "/v1/models", benchSpecJSON); w.Code != http.StatusCreated {
		t.Fatalf("load: expected status %d, got %d", http.StatusCreated, w.Code)
	}
	w = rt.do(http.MethodPost, "/v1/models", benchSpecJSON)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected status %d, got %d", http.StatusConflict, w.Code)
	}

	w = rt.do(http.MethodPatch, "/v1/models/ghost", `{"field": "dimensions", "value": 2}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("set unknown: expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_JobLifecycle(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)
	rt.loadBench(t)

	w := rt.do(http.MethodPost, "/v1/jobs", `{"model": "bench"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: expected status %d, got %d (%s)", http.StatusAccepted, w.Code, w.Body)
	}
	var started job.Job
	json.NewDecoder(w.Body).Decode(&started)
	if started.ID == "" {
		t.Fatal("start: expected a job id")
	}

	testutil.MustWaitFor(t, func() bool {
		var j job.Job
		resp := rt.do(http.MethodGet, "/v1/jobs/"+started.ID, "")
		json.NewDecoder(resp.Body).Decode(&j)
		return j.Status == job.StatusCompleted
	})

	w = rt.do(http.MethodGet, "/v1/jobs", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), started.ID) {
		t.Errorf("list: expected %s in %s", started.ID, w.Body)
	}

	w = rt.do(http.MethodGet, "/v1/jobs/"+started.ID+"/results", "")
	if w.Code != http.StatusOK {
		t.Fatalf("results: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var results ResultsResponse
	json.NewDecoder(w.Body).Decode(&results)
	if len(results.Results) == 0 || results.LastSeq == 0 {
		t.Errorf("results: expected snapshots, got %+v", results)
	}

	// Cursor past the end returns an empty suffix.
	w = rt.do(http.MethodGet, fmt.Sprintf("/v1/jobs/%s/results?after=%d", started.ID, results.LastSeq), "")
	var suffix ResultsResponse
	json.NewDecoder(w.Body).Decode(&suffix)
	if len(suffix.Results) != 0 || suffix.LastSeq != results.LastSeq {
		t.Errorf("suffix = %+v, want empty at cursor %d", suffix, results.LastSeq)
	}

	// Aborting a settled job is a conflict.
	w = rt.do(http.MethodDelete, "/v1/jobs/"+started.ID, "")
	if w.Code != http.StatusConflict {
		t.Errorf("abort terminal: expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestRouter_AbortRunningJob(t *testing.T) {
	t.Parallel()
	rt := newTestRouterWith(t, &runningDeployer{})
	rt.loadBench(t)

	w := rt.do(http.MethodPost, "/v1/jobs", `{"model": "bench"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	var started job.Job
	json.NewDecoder(w.Body).Decode(&started)

	// Long poll with a short window on a job that never produces results:
	// the window closes with an empty suffix, not an error.
	w = rt.do(http.MethodGet, "/v1/jobs/"+started.ID+"/results?wait=50ms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("long poll: expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body)
	}
	var empty ResultsResponse
	json.NewDecoder(w.Body).Decode(&empty)
	if len(empty.Results) != 0 {
		t.Errorf("long poll: expected empty suffix, got %+v", empty.Results)
	}

	w = rt.do(http.MethodDelete, "/v1/jobs/"+started.ID, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("abort: expected status %d, got %d (%s)", http.StatusAccepted, w.Code, w.Body)
	}

	testutil.MustWaitFor(t, func() bool {
		var j job.Job
		resp := rt.do(http.MethodGet, "/v1/jobs/"+started.ID, "")
		json.NewDecoder(resp.Body).Decode(&j)
		return j.Status == job.StatusAborted
	})
}

func TestRouter_StartJobUnresolvedPair(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)

	orphan := strings.ReplaceAll(benchSpecJSON, "ackley-target", "rastrigin-target")
	orphan = strings.ReplaceAll(orphan, `"bench"`, `"orphan"`)
	if w := rt.do(http.MethodPost, "/v1/models", orphan); w.Code != http.StatusCreated {
		t.Fatalf("load: expected status %d, got %d (%s)", http.StatusCreated, w.Code, w.Body)
	}

	w := rt.do(http.MethodPost, "/v1/jobs", `{"model": "orphan"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("start: expected status %d, got %d (%s)", http.StatusUnprocessableEntity, w.Code, w.Body)
	}
}

func TestRouter_UnknownResources(t *testing.T) {
	t.Parallel()
	rt := newTestRouter(t)

	for _, path := range []string{"/v1/jobs/ghost", "/v1/jobs/ghost/results", "/v1/models/ghost"} {
		if w := rt.do(http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected status %d, got %d", path, http.StatusNotFound, w.Code)
		}
	}

	w := rt.do(http.MethodGet, "/v1/jobs/ghost/results?after=banana", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor: expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	w = rt.do(http.MethodGet, "/v1/jobs/ghost/results?wait=banana", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad wait: expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	rt := newTestRouterKeyed(t, "secret-key")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-key", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			rt.handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}

	// Probes stay open.
	if w := rt.do(http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRouter_MetricsRoute(t *testing.T) {
	t.Parallel()

	stub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	rt := newTestRouterConfigured(t, "", stub, nil)

	w := rt.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("metrics: got %d %q", w.Code, w.Body)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		want        int
	}{
		{"json", "application/json", http.StatusOK},
		{"json with charset", "application/json; charset=utf-8", http.StatusOK},
		{"yaml", "application/yaml", http.StatusOK},
		{"text yaml", "text/yaml", http.StatusOK},
		{"empty", "", http.StatusOK},
		{"plain text", "text/plain", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			handler := ContentTypeMiddleware()(inner)

			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMiddleware_ContentType_GetExempt(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

// --- helpers ---

type testRouter struct {
	handler http.Handler
	apiKey  string
}

func (rt *testRouter) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if rt.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+rt.apiKey)
	}
	w := httptest.NewRecorder()
	rt.handler.ServeHTTP(w, req)
	return w
}

func (rt *testRouter) loadBench(t *testing.T) {
	t.Helper()
	if w := rt.do(http.MethodPost, "/v1/models", benchSpecJSON); w.Code != http.StatusCreated {
		t.Fatalf("load bench: expected status %d, got %d (%s)", http.StatusCreated, w.Code, w.Body)
	}
}

func newTestRouter(t *testing.T) *testRouter {
	return newTestRouterConfigured(t, "", nil, nil)
}

func newTestRouterWith(t *testing.T, deployer gateway.DeploymentGateway) *testRouter {
	return newTestRouterConfigured(t, "", nil, deployer)
}

func newTestRouterKeyed(t *testing.T, apiKey string) *testRouter {
	return newTestRouterConfigured(t, apiKey, nil, nil)
}

// newTestRouterConfigured wires the full router over a real manager with
// in-memory gateways. Jobs complete with one result unless a deployer is
// supplied.
func newTestRouterConfigured(t *testing.T, apiKey string, metricsHandler http.Handler, deployer gateway.DeploymentGateway) *testRouter {
	t.Helper()

	if deployer == nil {
		deployer = &instantDeployer{}
	}

	catalog := model.NewCatalog()
	anneal.Register(catalog)
	registry := model.NewRegistry()
	resolver := artifact.NewResolver()
	resolver.Register("ackley-target", "classic-sa", artifact.Ref{
		Name:        "bench-builtin",
		Runner:      artifact.RunnerBuiltin,
		TargetTag:   "ackley-target",
		StrategyTag: "classic-sa",
	})
	store := job.NewStore()

	manager, err := orchestrator.NewManager(orchestrator.Config{
		Store:        store,
		Registry:     registry,
		Catalog:      catalog,
		Resolver:     resolver,
		Provisioning: &instantProvisioner{},
		Deployment:   deployer,
		WorkDir:      t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(ctx)
	})

	handler := NewRouter(RouterConfig{
		Manager:        manager,
		Registry:       registry,
		Store:          store,
		HealthChecker:  health.NewChecker(manager),
		MetricsHandler: metricsHandler,
		APIKey:         apiKey,
	})
	return &testRouter{handler: handler, apiKey: apiKey}
}

type instantProvisioner struct{}

var _ gateway.ProvisioningGateway = (*instantProvisioner)(nil)

func (p *instantProvisioner) Acquire(ctx context.Context, spec gateway.ResourceSpec) (gateway.ResourceHandle, error) {
	return gateway.ResourceHandle{ID: "res-" + spec.JobID, JobID: spec.JobID, Provider: "fake"}, nil
}

func (p *instantProvisioner) Release(ctx context.Context, handle gateway.ResourceHandle) error {
	return nil
}

func (p *instantProvisioner) Ready(ctx context.Context) error { return nil }
func (p *instantProvisioner) Close() error                    { return nil }

// instantDeployer completes every run on the first poll with one result.
type instantDeployer struct{}

var _ gateway.DeploymentGateway = (*instantDeployer)(nil)

func (d *instantDeployer) Deploy(ctx context.Context, handle gateway.ResourceHandle, bundle *artifact.Bundle) (gateway.RunHandle, error) {
	return gateway.RunHandle{Resource: handle, RunID: "run-" + handle.JobID}, nil
}

func (d *instantDeployer) Poll(ctx context.Context, run gateway.RunHandle, afterSeq uint64) (gateway.PollResult, error) {
	if afterSeq >= 1 {
		return gateway.PollResult{State: gateway.RunStateCompleted, LastSeq: 1}, nil
	}
	return gateway.PollResult{
		State:   gateway.RunStateCompleted,
		Results: []model.Candidate{{State: []float64{0, 0}, Energy: 0.25, Iteration: 1}},
		LastSeq: 1,
	}, nil
}

func (d *instantDeployer) Terminate(ctx context.Context, run gateway.RunHandle) error { return nil }

// runningDeployer keeps its run in the running state without ever
// producing a result.
type runningDeployer struct{}

var _ gateway.DeploymentGateway = (*runningDeployer)(nil)

func (d *runningDeployer) Deploy(ctx context.Context, handle gateway.ResourceHandle, bundle *artifact.Bundle) (gateway.RunHandle, error) {
	return gateway.RunHandle{Resource: handle, RunID: "run-" + handle.JobID}, nil
}

func (d *runningDeployer) Poll(ctx context.Context, run gateway.RunHandle, afterSeq uint64) (gateway.PollResult, error) {
	return gateway.PollResult{State: gateway.RunStateRunning}, nil
}

func (d *runningDeployer) Terminate(ctx context.Context, run gateway.RunHandle) error { return nil }
