//go:build e2e

// Package e2e exercises the service over real HTTP. The API server, the
// orchestrator and the per-job agents all run in-process: provisioning
// starts a genuine agent listener per job, so deploys, polls and teardown
// cross the wire exactly as they would against Docker or EC2.
//
// Run with: go test -tags=e2e ./e2e/
// Point E2E_API_URL at a running service to test an external deployment.
package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d53dave/cgopt/internal/agent"
	"github.com/d53dave/cgopt/internal/anneal"
	"github.com/d53dave/cgopt/internal/api"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/dispatcher"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/gateway/agentclient"
	"github.com/d53dave/cgopt/internal/health"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/orchestrator"
	"github.com/d53dave/cgopt/internal/testutil"
	"github.com/d53dave/cgopt/pkg/backoff"
)

// localProvisioner is a provisioning gateway that starts a real agent
// server per acquired resource, on a loopback listener. Deployment then
// goes through the normal agent HTTP protocol.
type localProvisioner struct {
	catalog *model.Catalog
	root    string

	mu     sync.Mutex
	agents map[string]*httptest.Server
}

func newLocalProvisioner(tb testing.TB, catalog *model.Catalog) *localProvisioner {
	return &localProvisioner{
		catalog: catalog,
		root:    tb.TempDir(),
		agents:  make(map[string]*httptest.Server),
	}
}

func (p *localProvisioner) Acquire(ctx context.Context, spec gateway.ResourceSpec) (gateway.ResourceHandle, error) {
	srv := agent.NewServer(&agent.Config{
		JobID:        spec.JobID,
		Token:        spec.Token,
		WorkDir:      filepath.Join(p.root, spec.JobID),
		DrainTimeout: time.Second,
		SolveTimeout: time.Minute,
	}, p.catalog)
	ts := httptest.NewServer(srv.Routes())

	handle := gateway.ResourceHandle{
		ID:         "local-" + spec.JobID,
		JobID:      spec.JobID,
		Provider:   "local",
		Endpoint:   ts.URL,
		Token:      spec.Token,
		AcquiredAt: time.Now(),
	}

	p.mu.Lock()
	p.agents[handle.ID] = ts
	p.mu.Unlock()
	return handle, nil
}

func (p *localProvisioner) Release(ctx context.Context, handle gateway.ResourceHandle) error {
	p.mu.Lock()
	ts := p.agents[handle.ID]
	delete(p.agents, handle.ID)
	p.mu.Unlock()
	if ts != nil {
		ts.Close()
	}
	return nil
}

func (p *localProvisioner) Ready(ctx context.Context) error { return nil }

func (p *localProvisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ts := range p.agents {
		ts.Close()
		delete(p.agents, id)
	}
	return nil
}

// active returns the number of agents whose resources have not been
// released yet.
func (p *localProvisioner) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// createTestServer wires a full service stack and serves it from an
// httptest listener.
func createTestServer(tb testing.TB, apiKey string) (string, *localProvisioner, func()) {
	tb.Helper()

	catalog := model.NewCatalog()
	anneal.Register(catalog)

	resolver := artifact.NewResolver()
	anneal.RegisterArtifacts(resolver)

	registry := model.NewRegistry()
	store := job.NewStore()
	prov := newLocalProvisioner(tb, catalog)

	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  1000,
		Workers:     10,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	manager, err := orchestrator.NewManager(orchestrator.Config{
		Store:        store,
		Registry:     registry,
		Catalog:      catalog,
		Resolver:     resolver,
		Provisioning: prov,
		Deployment: agentclient.New(agentclient.Config{
			RequestTimeout: 10 * time.Second,
			DeployBackoff:  &backoff.Config{Initial: 20 * time.Millisecond, Max: 200 * time.Millisecond},
		}),
		Dispatcher:   eventDispatcher,
		WorkDir:      tb.TempDir(),
		PollInterval: 25 * time.Millisecond,
	})
	if err != nil {
		tb.Fatalf("Failed to create manager: %v", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Manager:       manager,
		Registry:      registry,
		Store:         store,
		HealthChecker: health.NewChecker(manager),
		APIKey:        apiKey,
	})
	server := httptest.NewServer(router)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		manager.Close(ctx)
		eventDispatcher.Close(context.Background())
		server.Close()
	}

	return server.URL, prov, cleanup
}

// getTestURL returns the API base URL: E2E_API_URL if set, otherwise a
// fresh in-process stack.
func getTestURL(tb testing.TB) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return url, func() {}
	}
	url, _, cleanup := createTestServer(tb, "")
	return url, cleanup
}

// modelYAML returns a spec for the builtin Ackley benchmark. The fast
// variant converges within a handful of temperature levels; the slow one
// runs long enough for an abort to land mid-solve.
func modelYAML(name string, slow bool) string {
	strategy := `
  initial_temp: 1.0
  min_temp: 0.1
  cooling: 0.5
  iters_per_temp: 10`
	if slow {
		strategy = `
  initial_temp: 100.0
  min_temp: 0.000001
  cooling: 0.99995
  iters_per_temp: 500`
	}
	return fmt.Sprintf(`name: %s
target:
  type: ackley-target
  dimensions: 2
strategy:
  type: classic-sa%s
dimensions: 2
`, name, strategy)
}

func doRequest(tb testing.TB, client *http.Client, method, url, contentType string, body []byte) (*http.Response, []byte) {
	tb.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		tb.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		tb.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tb.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

func loadModel(tb testing.TB, client *http.Client, base, name string, slow bool) {
	tb.Helper()

	resp, data := doRequest(tb, client, http.MethodPost, base+"/v1/models", "application/yaml", []byte(modelYAML(name, slow)))
	if resp.StatusCode != http.StatusCreated {
		tb.Fatalf("Load model: status = %d, body %s", resp.StatusCode, data)
	}
}

func startJob(tb testing.TB, client *http.Client, base string, sub job.Submission) job.Job {
	tb.Helper()

	body, _ := json.Marshal(sub)
	resp, data := doRequest(tb, client, http.MethodPost, base+"/v1/jobs", "application/json", body)
	if resp.StatusCode != http.StatusAccepted {
		tb.Fatalf("Start job: status = %d, body %s", resp.StatusCode, data)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		tb.Fatalf("Failed to decode job: %v", err)
	}
	return j
}

func getJob(tb testing.TB, client *http.Client, base, id string) job.Job {
	tb.Helper()

	resp, data := doRequest(tb, client, http.MethodGet, base+"/v1/jobs/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		tb.Fatalf("Get job: status = %d, body %s", resp.StatusCode, data)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		tb.Fatalf("Failed to decode job: %v", err)
	}
	return j
}

func TestReadyz(t *testing.T) {
	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, data := doRequest(t, client, http.MethodGet, base+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: status = %d, body %s", resp.StatusCode, data)
	}

	var ready struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("Failed to decode readyz body: %v", err)
	}
	if ready.Status != "healthy" {
		t.Errorf("readyz status = %q, want %q", ready.Status, "healthy")
	}
}

func TestModelLifecycle(t *testing.T) {
	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	name := fmt.Sprintf("lifecycle-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, false)

	// The loaded model shows up in the listing.
	resp, data := doRequest(t, client, http.MethodGet, base+"/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List models: status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), name) {
		t.Errorf("model list does not contain %q: %s", name, data)
	}

	// Patch one field and read it back.
	patch, _ := json.Marshal(map[string]any{"field": "dimensions", "value": 7})
	resp, data = doRequest(t, client, http.MethodPatch, base+"/v1/models/"+name, "application/json", patch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Patch model: status = %d, body %s", resp.StatusCode, data)
	}

	var managed struct {
		Spec model.Spec `json:"spec"`
	}
	if err := json.Unmarshal(data, &managed); err != nil {
		t.Fatalf("Failed to decode model: %v", err)
	}
	if managed.Spec.Dimensions != 7 {
		t.Errorf("dimensions after patch = %d, want 7", managed.Spec.Dimensions)
	}

	// Unload and verify it is gone.
	resp, _ = doRequest(t, client, http.MethodDelete, base+"/v1/models/"+name, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Unload model: status = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, client, http.MethodGet, base+"/v1/models/"+name, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Get unloaded model: status = %d, want 404", resp.StatusCode)
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 30 * time.Second}
	name := fmt.Sprintf("complete-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, false)

	j := startJob(t, client, base, job.Submission{ModelName: name, Seed: 42})
	if j.ID == "" {
		t.Fatal("expected a generated job id")
	}
	if j.Status.Terminal() {
		t.Fatalf("job born terminal: %v", j.Status)
	}

	// Follow results through the long-poll cursor until the job finishes.
	var (
		after uint64
		rows  []job.ResultSnapshot
		final job.Status
	)
	deadline := time.Now().Add(60 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish in time (status %v, %d rows)", j.ID, final, len(rows))
		}

		url := fmt.Sprintf("%s/v1/jobs/%s/results?after=%d&wait=2s", base, j.ID, after)
		resp, data := doRequest(t, client, http.MethodGet, url, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Results: status = %d, body %s", resp.StatusCode, data)
		}

		var page struct {
			Status  job.Status           `json:"status"`
			Results []job.ResultSnapshot `json:"results"`
			LastSeq uint64               `json:"lastSeq"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("Failed to decode results: %v", err)
		}

		rows = append(rows, page.Results...)
		if page.LastSeq > after {
			after = page.LastSeq
		}
		final = page.Status
		if final.Terminal() && len(page.Results) == 0 {
			break
		}
	}

	if final != job.StatusCompleted {
		t.Fatalf("status = %v, want %v", final, job.StatusCompleted)
	}
	if len(rows) == 0 {
		t.Fatal("expected at least one result snapshot")
	}
	for i, r := range rows {
		if r.Seq != uint64(i+1) {
			t.Errorf("rows[%d].Seq = %d, want %d: seqs must be dense", i, r.Seq, i+1)
		}
	}
	if !rows[len(rows)-1].Final {
		t.Error("expected the last row to carry the final flag")
	}
	if best, first := rows[len(rows)-1].Candidate.Energy, rows[0].Candidate.Energy; best > first {
		t.Errorf("final energy %g worse than initial %g", best, first)
	}

	got := getJob(t, client, base, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %v, want completed", got.Status)
	}
	if got.FinishedAt.IsZero() {
		t.Error("expected FinishedAt to be stamped")
	}
	if got.LastSeq != after {
		t.Errorf("job LastSeq = %d, want %d", got.LastSeq, after)
	}
}

func TestDryRunBuildsBundle(t *testing.T) {
	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	name := fmt.Sprintf("dryrun-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, false)

	resp, data := doRequest(t, client, http.MethodPost, base+"/v1/models/"+name+"/dryrun", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Dryrun: status = %d, body %s", resp.StatusCode, data)
	}

	var report orchestrator.DryRunReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if len(report.Digest) != 64 {
		t.Errorf("digest %q is not a sha256 hex string", report.Digest)
	}
	if report.Size <= 0 {
		t.Errorf("bundle size = %d, want > 0", report.Size)
	}
	for _, want := range []string{artifact.ManifestFile, artifact.ModelFile} {
		found := false
		for _, f := range report.Files {
			if f == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("bundle files %v missing %s", report.Files, want)
		}
	}
}

func TestAbortReleasesResources(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("abort test needs in-process provisioner state")
	}

	base, prov, cleanup := createTestServer(t, "")
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	name := fmt.Sprintf("abort-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, true)

	j := startJob(t, client, base, job.Submission{ModelName: name})

	// Wait until the solve is actually running so the abort lands mid-run.
	testutil.MustWaitFor(t, func() bool {
		return getJob(t, client, base, j.ID).Status == job.StatusRunning
	}, testutil.WithTimeout(30*time.Second))

	resp, data := doRequest(t, client, http.MethodDelete, base+"/v1/jobs/"+j.ID, "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Abort: status = %d, body %s", resp.StatusCode, data)
	}

	testutil.MustWaitFor(t, func() bool {
		return getJob(t, client, base, j.ID).Status.Terminal()
	}, testutil.WithTimeout(30*time.Second))

	if got := getJob(t, client, base, j.ID); got.Status != job.StatusAborted {
		t.Errorf("status = %v, want %v", got.Status, job.StatusAborted)
	}

	// Teardown must release the provisioned agent.
	testutil.MustWaitFor(t, func() bool { return prov.active() == 0 },
		testutil.WithTimeout(30*time.Second))

	// Aborting again conflicts.
	resp, _ = doRequest(t, client, http.MethodDelete, base+"/v1/jobs/"+j.ID, "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second abort: status = %d, want 409", resp.StatusCode)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	const key = "e2e-test-key"

	base, _, cleanup := createTestServer(t, key)
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}

	// Probes stay open.
	resp, _ := doRequest(t, client, http.MethodGet, base+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz without key: status = %d, want 200", resp.StatusCode)
	}

	// API routes require the bearer key.
	resp, _ = doRequest(t, client, http.MethodGet, base+"/v1/jobs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", resp2.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp3, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", resp3.StatusCode)
	}
}

func TestCallbackDelivery(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("callback test needs the in-process dispatcher")
	}

	const signingKey = "webhook-secret"

	var (
		mu     sync.Mutex
		events []map[string]any
		sigs   []string
		bodies [][]byte
	)
	var eventCount atomic.Int64

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var event map[string]any
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		events = append(events, event)
		sigs = append(sigs, r.Header.Get("X-Signature-256"))
		bodies = append(bodies, body)
		mu.Unlock()
		eventCount.Add(1)

		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	base, _, cleanup := createTestServer(t, "")
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	name := fmt.Sprintf("callback-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, false)

	j := startJob(t, client, base, job.Submission{
		ModelName: name,
		Callback:  &job.Callback{URL: callbackServer.URL, Key: signingKey},
	})

	testutil.MustWaitFor(t, func() bool {
		return getJob(t, client, base, j.ID).Status.Terminal()
	}, testutil.WithTimeout(60*time.Second))

	// At minimum: the pipeline status transitions plus one results batch.
	testutil.MustWaitForCount(t, &eventCount, 3, testutil.WithTimeout(30*time.Second))

	mu.Lock()
	defer mu.Unlock()

	var transitions []string
	haveResults := false
	for _, event := range events {
		switch event["type"] {
		case job.EventTypeStatus:
			if data, ok := event["data"].(map[string]any); ok {
				if to, ok := data["to"].(string); ok {
					transitions = append(transitions, to)
				}
			}
		case job.EventTypeResults:
			haveResults = true
		}
	}
	if !haveResults {
		t.Error("no results event received")
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != string(job.StatusCompleted) {
		t.Errorf("status transitions %v do not end in completed", transitions)
	}

	// Every delivery is signed over its exact payload bytes.
	for i, sig := range sigs {
		if !strings.HasPrefix(sig, "sha256=") {
			t.Fatalf("delivery %d signature %q missing sha256= prefix", i, sig)
		}
		mac := hmac.New(sha256.New, []byte(signingKey))
		mac.Write(bodies[i])
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if sig != want {
			t.Errorf("delivery %d signature mismatch", i)
		}
	}
}

func TestInvalidRequests(t *testing.T) {
	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, _ := doRequest(t, client, http.MethodPost, base+"/v1/jobs", "application/json",
		[]byte(`{"model":"no-such-model"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown model: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doRequest(t, client, http.MethodPost, base+"/v1/models", "application/yaml",
		[]byte("strategy: {type: classic-sa}\n"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("spec without name: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doRequest(t, client, http.MethodGet, base+"/v1/jobs/does-not-exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doRequest(t, client, http.MethodGet, base+"/v1/jobs/does-not-exist/results", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job results: status = %d, want 404", resp.StatusCode)
	}
}

func TestConcurrentJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent test in short mode")
	}

	base, cleanup := getTestURL(t)
	defer cleanup()

	client := &http.Client{Timeout: 30 * time.Second}
	name := fmt.Sprintf("concurrent-%d", time.Now().UnixNano())
	loadModel(t, client, base, name, false)

	const numJobs = 5

	// Submissions run off the test goroutine, so record failures instead of
	// calling Fatal.
	var wg sync.WaitGroup
	ids := make([]string, numJobs)
	errs := make([]error, numJobs)
	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := job.Submission{
				ID:        fmt.Sprintf("%s-%d", name, n),
				ModelName: name,
				Seed:      int64(n + 1),
			}
			body, _ := json.Marshal(sub)
			resp, err := client.Post(base+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				errs[n] = err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				errs[n] = fmt.Errorf("status %d", resp.StatusCode)
				return
			}
			var j job.Job
			if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
				errs[n] = err
				return
			}
			ids[n] = j.ID
		}(i)
	}
	wg.Wait()

	for n, err := range errs {
		if err != nil {
			t.Fatalf("job %d submission failed: %v", n, err)
		}
	}

	for _, id := range ids {
		testutil.MustWaitFor(t, func() bool {
			return getJob(t, client, base, id).Status.Terminal()
		}, testutil.WithTimeout(60*time.Second))

		got := getJob(t, client, base, id)
		if got.Status != job.StatusCompleted {
			t.Errorf("job %s status = %v (error %q), want completed", id, got.Status, got.Error)
		}
		if got.LastSeq == 0 {
			t.Errorf("job %s has no results", id)
		}
	}
}
