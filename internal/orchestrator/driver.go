package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/pkg/backoff"
)

var errAbortRequested = errors.New("abort requested")

// driver walks one job through its phases. It is the only goroutine that
// writes the job's non-terminal transitions; Abort reaches it through
// context cancellation, which the driver translates into the Aborted
// terminal state at its next suspension point.
type driver struct {
	m      *Manager
	jobID  string
	cancel context.CancelFunc
}

func (d *driver) drive(ctx context.Context, j job.Job) {
	slog.Info("Driver started", "jobId", j.ID, "model", j.ModelName)

	var (
		res     gateway.ResourceHandle
		haveRes bool
		run     gateway.RunHandle
		haveRun bool
	)
	// Teardown runs exactly once, on every exit path, with whatever
	// remote state exists by then.
	defer func() { d.teardown(res, haveRes, run, haveRun) }()

	if d.aborted(ctx, job.StatusPending) {
		return
	}

	// Resolving: pin the variant pair to an artifact and build the bundle.
	cur, ok := d.advance(job.StatusPending, job.StatusResolving)
	if !ok {
		return
	}
	phaseStart := time.Now()
	bundle, cleanup, err := d.prepare(ctx, cur)
	if err != nil {
		d.failOrAbort(ctx, job.StatusResolving, err)
		return
	}
	defer cleanup()
	d.phaseDone(job.StatusResolving, phaseStart)

	// Provisioning: acquire capacity that can host the artifact's runner.
	if _, ok = d.advance(job.StatusResolving, job.StatusProvisioning); !ok {
		return
	}
	phaseStart = time.Now()
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, d.m.cfg.ProvisionTimeout)
	res, err = d.m.prov.Acquire(acquireCtx, gateway.ResourceSpec{
		JobID:  j.ID,
		Runner: bundle.Manifest.Artifact.Runner,
		Token:  gateway.NewToken(),
		Labels: j.Meta,
	})
	cancelAcquire()
	if err != nil {
		d.failOrAbort(ctx, job.StatusProvisioning, err)
		return
	}
	haveRes = true
	d.phaseDone(job.StatusProvisioning, phaseStart)
	slog.Info("Resource acquired", "jobId", j.ID, "resource", res.ID, "endpoint", res.Endpoint)

	// Deploying: ship the bundle and start the remote run.
	if _, ok = d.advance(job.StatusProvisioning, job.StatusDeploying); !ok {
		return
	}
	phaseStart = time.Now()
	deployCtx, cancelDeploy := context.WithTimeout(ctx, d.m.cfg.DeployTimeout)
	run, err = d.m.deploy.Deploy(deployCtx, res, bundle)
	cancelDeploy()
	if err != nil {
		d.failOrAbort(ctx, job.StatusDeploying, err)
		return
	}
	haveRun = true
	d.phaseDone(job.StatusDeploying, phaseStart)
	slog.Info("Run deployed", "jobId", j.ID, "runId", run.RunID)

	// Running: stream result snapshots until the remote run settles.
	cur, ok = d.advance(job.StatusDeploying, job.StatusRunning)
	if !ok {
		return
	}
	phaseStart = time.Now()
	poll, err := d.watch(ctx, cur, run)
	if err != nil {
		d.failOrAbort(ctx, job.StatusRunning, err)
		return
	}
	d.phaseDone(job.StatusRunning, phaseStart)

	if poll.State == gateway.RunStateFailed {
		msg := poll.Message
		if msg == "" {
			msg = "remote run failed"
		}
		d.settle(job.StatusRunning, job.StatusFailed, errors.New(msg))
		return
	}
	d.settle(job.StatusRunning, job.StatusCompleted, nil)
}

// prepare resolves the job's variant pair, records the artifact on the row
// and builds the bundle in a private staging directory. The returned
// cleanup removes the directory.
func (d *driver) prepare(ctx context.Context, j job.Job) (*artifact.Bundle, func(), error) {
	ref, err := d.m.resolver.Resolve(j.Model.TargetTag(), j.Model.StrategyTag())
	if err != nil {
		return nil, nil, err
	}
	if err := d.m.store.SetArtifact(d.jobID, ref); err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp(d.m.cfg.WorkDir, "cgopt-job-*")
	if err != nil {
		return nil, nil, apperrors.Internal("driver.stageDir", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	bundle, err := artifact.Build(ctx, dir, artifact.Manifest{
		Job:       j.ID,
		Artifact:  ref,
		Model:     j.Model,
		Run:       j.Model.RunConfig(j.Seed),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		cleanup()
		return nil, nil, apperrors.Internal("driver.buildBundle", err)
	}

	slog.Debug("Bundle built", "jobId", j.ID, "artifact", ref.Name, "digest", bundle.Digest, "size", bundle.Size)
	return bundle, cleanup, nil
}

// watch polls the remote run and appends each batch of new snapshots to the
// job's result log. The first poll happens immediately, then every
// PollInterval. Transient poll errors are retried with backoff; the job
// fails after MaxPollFailures in a row.
func (d *driver) watch(ctx context.Context, j job.Job, run gateway.RunHandle) (gateway.PollResult, error) {
	var (
		cursor   uint64
		failures int
	)
	ticker := time.NewTicker(d.m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		poll, err := d.m.deploy.Poll(ctx, run, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return gateway.PollResult{}, ctx.Err()
			}
			failures++
			d.recordPoll(false)
			if failures >= d.m.cfg.MaxPollFailures {
				return gateway.PollResult{}, apperrors.Deployment("run.poll",
					fmt.Errorf("%d consecutive poll failures: %w", failures, err))
			}
			slog.Warn("Poll failed", "jobId", d.jobID, "runId", run.RunID, "attempt", failures, "error", err)
			if err := backoff.Sleep(ctx, failures, d.m.cfg.PollBackoff); err != nil {
				return gateway.PollResult{}, err
			}
			continue
		}
		failures = 0
		d.recordPoll(true)

		if len(poll.Results) > 0 {
			final := poll.State == gateway.RunStateCompleted
			appended, err := d.m.store.AppendResults(d.jobID, poll.Results, final)
			if err != nil {
				return gateway.PollResult{}, err
			}
			cursor = poll.LastSeq
			d.m.emitResults(j, appended)
			if d.m.cfg.Metrics != nil {
				d.m.cfg.Metrics.RecordResultsAppended(context.Background(), j.ModelName, len(appended))
			}
			slog.Debug("Results appended", "jobId", d.jobID, "count", len(appended), "cursor", cursor)
		}

		if poll.State.Finished() {
			return poll, nil
		}

		select {
		case <-ctx.Done():
			return gateway.PollResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// teardown terminates the remote run and releases the resource, in that
// order, under its own deadline: the driver context is usually already
// cancelled when teardown runs. Both calls are idempotent on the gateway
// side; failures are logged and swallowed.
func (d *driver) teardown(res gateway.ResourceHandle, haveRes bool, run gateway.RunHandle, haveRun bool) {
	if !haveRes && !haveRun {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.m.cfg.TeardownTimeout)
	defer cancel()

	if haveRun {
		if err := d.m.deploy.Terminate(ctx, run); err != nil {
			slog.Warn("Failed to terminate run", "jobId", d.jobID, "runId", run.RunID, "error", err)
		}
	}
	if haveRes {
		if err := d.m.prov.Release(ctx, res); err != nil {
			slog.Warn("Failed to release resource", "jobId", d.jobID, "resource", res.ID, "error", err)
		}
	}
}

// advance records a forward transition and emits the status event. False
// means another writer settled the job first; the driver stops without
// touching the row again.
func (d *driver) advance(from, to job.Status) (job.Job, bool) {
	j, err := d.m.store.SetStatus(d.jobID, to, nil)
	if err != nil {
		slog.Warn("Job settled elsewhere", "jobId", d.jobID, "from", from, "to", to, "error", err)
		return job.Job{}, false
	}
	d.m.emitStatus(j, from, to, "")
	return j, true
}

// settle writes a terminal status. The store rejects the write when a
// different terminal edge won the race; terminal states never revert.
func (d *driver) settle(from, to job.Status, cause error) {
	j, err := d.m.store.SetStatus(d.jobID, to, cause)
	if err != nil {
		slog.Warn("Job settled elsewhere", "jobId", d.jobID, "to", to, "error", err)
		return
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	d.m.emitStatus(j, from, to, msg)
	if d.m.cfg.Metrics != nil {
		d.m.cfg.Metrics.RecordJobCompleted(context.Background(), j.ModelName, string(to),
			j.FinishedAt.Sub(j.CreatedAt).Seconds())
	}

	switch to {
	case job.StatusCompleted:
		slog.Info("Job completed", "jobId", d.jobID, "results", j.LastSeq, "duration", j.FinishedAt.Sub(j.CreatedAt))
	case job.StatusAborted:
		slog.Info("Job aborted", "jobId", d.jobID)
	default:
		slog.Warn("Job failed", "jobId", d.jobID, "error", msg)
	}
}

// aborted settles the job as Aborted when the driver's context has been
// cancelled. Called at phase boundaries so an abort lands before the next
// remote call rather than mid-flight.
func (d *driver) aborted(ctx context.Context, from job.Status) bool {
	if ctx.Err() == nil {
		return false
	}
	d.settle(from, job.StatusAborted, errAbortRequested)
	return true
}

// failOrAbort settles a phase error: driver cancellation becomes Aborted,
// anything else Failed.
func (d *driver) failOrAbort(ctx context.Context, from job.Status, err error) {
	if ctx.Err() != nil {
		d.settle(from, job.StatusAborted, errAbortRequested)
		return
	}
	d.settle(from, job.StatusFailed, err)
}

func (d *driver) recordPoll(success bool) {
	if d.m.cfg.Metrics == nil {
		return
	}
	d.m.cfg.Metrics.RecordPollCycle(context.Background(), success)
}

func (d *driver) phaseDone(phase job.Status, since time.Time) {
	if d.m.cfg.Metrics == nil {
		return
	}
	d.m.cfg.Metrics.RecordPhaseDuration(context.Background(), string(phase), time.Since(since).Seconds())
}
