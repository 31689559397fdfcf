// Package orchestrator drives jobs through their lifecycle: resolve the
// model's variant pair to a deployable artifact, provision capacity, deploy
// the bundle, poll the remote run for result snapshots, and settle the job
// in a terminal state. Each submitted job gets exactly one driver
// goroutine; the job table enforces that invariant and stays the single
// source of truth for status and results.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/dispatcher"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/observability"
	"github.com/d53dave/cgopt/pkg/backoff"
	"github.com/d53dave/cgopt/pkg/cloudevent"
)

// Config holds the manager's collaborators and tuning knobs.
type Config struct {
	Store        *job.Store
	Registry     *model.Registry
	Catalog      *model.Catalog
	Resolver     *artifact.Resolver
	Provisioning gateway.ProvisioningGateway
	Deployment   gateway.DeploymentGateway

	Dispatcher dispatcher.Dispatcher  // webhook dispatcher (optional)
	Metrics    *observability.Metrics // metrics recorder (optional)

	Source           string          // event source identifier (default "cgopt/service")
	WorkDir          string          // bundle staging root (default os.TempDir())
	PollInterval     time.Duration   // remote poll cadence (default 2s)
	MaxPollFailures  int             // consecutive poll failures before the job fails (default 5)
	PollBackoff      *backoff.Config // retry backoff between failed polls (nil = package defaults)
	ProvisionTimeout time.Duration   // budget for Acquire (default 5m)
	DeployTimeout    time.Duration   // budget for Deploy (default 2m)
	TeardownTimeout  time.Duration   // budget for Terminate+Release (default 30s)
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "cgopt/service"
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 5
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 5 * time.Minute
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = 2 * time.Minute
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	return c
}

// Manager owns the driver goroutines. One driver per live job; drivers
// deregister themselves when their job settles.
type Manager struct {
	cfg Config

	store    *job.Store
	registry *model.Registry
	catalog  *model.Catalog
	resolver *artifact.Resolver
	prov     gateway.ProvisioningGateway
	deploy   gateway.DeploymentGateway

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager. Store, registry, catalog, resolver and both
// gateways are required.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("job store is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("model registry is required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("variant catalog is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("artifact resolver is required")
	case cfg.Provisioning == nil:
		return nil, fmt.Errorf("provisioning gateway is required")
	case cfg.Deployment == nil:
		return nil, fmt.Errorf("deployment gateway is required")
	}

	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		resolver: cfg.Resolver,
		prov:     cfg.Provisioning,
		deploy:   cfg.Deployment,
		drivers:  make(map[string]*driver),
	}, nil
}

// Submit validates the submission, snapshots the named model, checks the
// variant pair resolves, inserts the Pending row and spawns the driver. A
// submission whose pair has no registered artifact is rejected without
// creating a row.
func (m *Manager) Submit(ctx context.Context, sub job.Submission) (job.Job, error) {
	mm, err := m.registry.Get(sub.ModelName)
	if err != nil {
		return job.Job{}, err
	}
	return m.submit(ctx, sub, mm.Spec)
}

// submit runs the common path for Submit and retries, with the model spec
// snapshot already chosen.
func (m *Manager) submit(ctx context.Context, sub job.Submission, spec model.Spec) (job.Job, error) {
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		return job.Job{}, err
	}

	// Resolution is checked before any state exists so an unresolvable
	// pair never occupies a job id.
	if _, err := m.resolver.Resolve(spec.TargetTag(), spec.StrategyTag()); err != nil {
		return job.Job{}, err
	}

	j := job.Job{
		ID:        sub.ID,
		ModelName: sub.ModelName,
		Model:     spec.Clone(),
		Seed:      sub.Seed,
		Meta:      sub.Meta,
		Callback:  sub.Callback,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return job.Job{}, apperrors.Conflict("job", sub.ID, "service is shutting down")
	}
	if err := m.store.Create(j); err != nil {
		m.mu.Unlock()
		return job.Job{}, err
	}

	driverCtx, cancel := context.WithCancel(context.Background())
	d := &driver{m: m, jobID: j.ID, cancel: cancel}
	m.drivers[j.ID] = d
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.removeDriver(j.ID)
		defer cancel()
		d.drive(driverCtx, j)
	}()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordJobSubmitted(ctx, j.ModelName)
	}
	slog.Info("Job submitted", "jobId", j.ID, "model", j.ModelName, "seed", j.Seed)

	created, err := m.store.Get(j.ID)
	if err != nil {
		return j, nil
	}
	return created, nil
}

// Start submits a job for a loaded model. When the argument names a
// terminal job instead, the job is retried: a fresh id is submitted from
// the original's model snapshot and seed. Starting the id of a live job is
// a conflict.
func (m *Manager) Start(ctx context.Context, nameOrID string) (job.Job, error) {
	if mm, err := m.registry.Get(nameOrID); err == nil {
		return m.submit(ctx, job.Submission{ModelName: nameOrID}, mm.Spec)
	}

	prev, err := m.store.Get(nameOrID)
	if err != nil {
		return job.Job{}, apperrors.NotFound("model or job", nameOrID)
	}
	if !prev.Status.Terminal() {
		return job.Job{}, apperrors.JobActive(prev.ID)
	}

	// Retry reuses the snapshot and seed so the rerun is reproducible,
	// under a fresh id: job ids are never reused.
	sub := job.Submission{
		ModelName: prev.ModelName,
		Seed:      prev.Seed,
		Meta:      prev.Meta,
		Callback:  prev.Callback,
	}
	return m.submit(ctx, sub, prev.Model)
}

// StartBatch submits one job per loaded model. Failures are collected per
// model, not fail-fast: a model that cannot start never blocks the rest of
// the batch.
func (m *Manager) StartBatch(ctx context.Context) ([]job.Job, map[string]error) {
	models := m.registry.List()

	started := make([]job.Job, 0, len(models))
	failures := make(map[string]error)
	for _, mm := range models {
		j, err := m.submit(ctx, job.Submission{ModelName: mm.Spec.Name}, mm.Spec)
		if err != nil {
			failures[mm.Spec.Name] = err
			continue
		}
		started = append(started, j)
	}

	slog.Info("Batch submitted", "models", len(models), "started", len(started), "failed", len(failures))
	return started, failures
}

// Abort requests abort of a live job. The driver observes the cancellation
// at its next suspension point, tears the remote side down best-effort and
// settles the row as Aborted. Aborting a terminal job is a conflict;
// terminal states never revert.
func (m *Manager) Abort(ctx context.Context, id string) (job.Job, error) {
	j, err := m.store.Get(id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status.Terminal() {
		return job.Job{}, apperrors.Conflict("job", id, fmt.Sprintf("job %s is already %s", id, j.Status))
	}

	m.mu.Lock()
	d, ok := m.drivers[id]
	m.mu.Unlock()

	if ok {
		d.cancel()
		slog.Info("Abort requested", "jobId", id, "status", j.Status)
		return j, nil
	}

	// No driver left: the row was live when read but nobody is driving
	// it. Settle it directly; the store rejects this if a terminal edge
	// won in the meantime.
	aborted, err := m.store.SetStatus(id, job.StatusAborted, fmt.Errorf("abort requested"))
	if err != nil {
		return job.Job{}, err
	}
	m.emitStatus(aborted, j.Status, job.StatusAborted, "abort requested")
	return aborted, nil
}

// DryRunReport is what a dry run learned: the resolved artifact and the
// bundle that a real submission would deploy.
type DryRunReport struct {
	Model    string       `json:"model"`
	Artifact artifact.Ref `json:"artifact"`
	Digest   string       `json:"digest"`
	Size     int64        `json:"size"`
	Files    []string     `json:"files"`
}

// DryRun resolves and validates a model (by name, or the snapshot of an
// existing job id) and builds its bundle in a scratch directory. Gateways
// are never touched; the scratch directory is removed before returning.
func (m *Manager) DryRun(ctx context.Context, nameOrID string) (DryRunReport, error) {
	var spec model.Spec
	if mm, err := m.registry.Get(nameOrID); err == nil {
		spec = mm.Spec
	} else {
		j, jobErr := m.store.Get(nameOrID)
		if jobErr != nil {
			return DryRunReport{}, apperrors.NotFound("model or job", nameOrID)
		}
		spec = j.Model
	}

	if err := spec.Validate(); err != nil {
		return DryRunReport{}, err
	}

	ref, err := m.resolver.Resolve(spec.TargetTag(), spec.StrategyTag())
	if err != nil {
		return DryRunReport{}, err
	}

	// Builtin artifacts execute on this build's catalog; check the
	// variants actually instantiate with the spec's options.
	if ref.Runner == artifact.RunnerBuiltin {
		if _, err := m.catalog.DecodeTarget(spec.Target); err != nil {
			return DryRunReport{}, err
		}
		if _, err := m.catalog.DecodeStrategy(spec.Strategy); err != nil {
			return DryRunReport{}, err
		}
	}

	dir, err := os.MkdirTemp(m.cfg.WorkDir, "cgopt-dryrun-*")
	if err != nil {
		return DryRunReport{}, apperrors.Internal("orchestrator.dryrunDir", err)
	}
	defer os.RemoveAll(dir)

	manifest := artifact.Manifest{
		Job:       "dryrun",
		Artifact:  ref,
		Model:     spec.Clone(),
		Run:       spec.RunConfig(1),
		CreatedAt: time.Now().UTC(),
	}
	bundle, err := artifact.Build(ctx, dir, manifest)
	if err != nil {
		return DryRunReport{}, apperrors.Internal("orchestrator.dryrunBundle", err)
	}

	return DryRunReport{
		Model:    spec.Name,
		Artifact: ref,
		Digest:   bundle.Digest,
		Size:     bundle.Size,
		Files:    bundle.Files,
	}, nil
}

// Ready checks the provisioning backend.
func (m *Manager) Ready(ctx context.Context) error {
	return m.prov.Ready(ctx)
}

// Active returns the number of live drivers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drivers)
}

// Close cancels every driver and waits for them to settle their jobs,
// bounded by ctx. New submissions are rejected from the first call on.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, d := range m.drivers {
		d.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drivers still settling: %w", ctx.Err())
	}
}

func (m *Manager) removeDriver(id string) {
	m.mu.Lock()
	delete(m.drivers, id)
	m.mu.Unlock()
}

// emitStatus dispatches the status-change webhook for jobs that asked for
// one. Dispatch errors are logged, never propagated: webhooks are
// best-effort.
func (m *Manager) emitStatus(j job.Job, from, to job.Status, cause string) {
	m.dispatch(j, func(b *job.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildStatusEvent(from, to, cause)
	})
}

// emitResults dispatches the results-appended webhook.
func (m *Manager) emitResults(j job.Job, appended []job.ResultSnapshot) {
	m.dispatch(j, func(b *job.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildResultsEvent(appended)
	})
}

func (m *Manager) dispatch(j job.Job, build func(*job.EventBuilder) *cloudevent.CloudEvent) {
	if m.cfg.Dispatcher == nil || j.Callback == nil || j.Callback.URL == "" {
		return
	}

	event := build(job.NewEventBuilder(j.ID, m.cfg.Source, j.Meta))
	if !job.FilteredEvents(event.Type, j.Callback.Events) {
		return
	}

	if err := m.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: j.Callback.URL,
		SigningKey:  j.Callback.Key,
	}); err != nil {
		slog.Warn("Failed to dispatch event", "jobId", j.ID, "type", event.Type, "error", err)
	}
}
