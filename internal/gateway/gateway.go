// Package gateway defines the seams between the orchestrator and the
// compute fabric. Provisioning acquires raw capacity for a job; deployment
// places a bundle on acquired capacity and tracks the remote run.
//
// Implementations are process-local clients for a provider backend (Docker
// daemon, EC2 API, remote agent). They hold no job state: the job table
// stays the source of truth, gateways only translate its lifecycle into
// provider calls. All blocking calls take a context and honor
// cancellation.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/model"
)

// ResourceSpec describes the capacity one job needs.
type ResourceSpec struct {
	JobID  string
	Runner string            // runner the resource must host; RunnerBuiltin uses the provider default
	Token  string            // per-job agent auth token
	Labels map[string]string // extra provider tags/labels
}

// ResourceHandle identifies acquired capacity and how to reach the agent
// running on it.
type ResourceHandle struct {
	ID         string // provider resource id (container id, instance id)
	JobID      string
	Provider   string
	Endpoint   string // agent base URL, e.g. http://127.0.0.1:32768
	Token      string
	AcquiredAt time.Time
}

// RunHandle identifies a deployment placed on a resource.
type RunHandle struct {
	Resource ResourceHandle
	RunID    string
}

// RunState is the remote run's coarse phase as reported by polls.
type RunState string

// Remote run states.
const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Finished reports whether the remote run is over.
func (s RunState) Finished() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// PollResult is one incremental observation of a remote run.
type PollResult struct {
	State   RunState
	Results []model.Candidate // snapshots with remote seq greater than the poll cursor
	LastSeq uint64            // remote cursor after this batch
	Message string            // failure detail when State is failed
}

// ProvisioningGateway acquires and releases compute capacity.
type ProvisioningGateway interface {
	// Acquire provisions capacity per spec and waits until the resource is
	// up. Cancelling ctx abandons the attempt; partially created provider
	// state is cleaned up before Acquire returns.
	Acquire(ctx context.Context, spec ResourceSpec) (ResourceHandle, error)

	// Release tears the resource down. Idempotent: releasing a handle twice,
	// or a resource that is already gone, returns nil.
	Release(ctx context.Context, handle ResourceHandle) error

	// Ready checks that the provider backend is reachable.
	Ready(ctx context.Context) error

	// Close releases the provider client. Acquired resources are not
	// touched.
	Close() error
}

// DeploymentGateway places bundles on acquired resources and tracks the
// runs they start.
type DeploymentGateway interface {
	// Deploy uploads the bundle to the resource's agent and starts the run.
	Deploy(ctx context.Context, handle ResourceHandle, bundle *artifact.Bundle) (RunHandle, error)

	// Poll reports the run state plus the result snapshots with remote seq
	// greater than afterSeq. It returns promptly; it never waits for new
	// results to arrive.
	Poll(ctx context.Context, run RunHandle, afterSeq uint64) (PollResult, error)

	// Terminate stops the remote run. Idempotent: terminating a finished or
	// unknown run returns nil.
	Terminate(ctx context.Context, run RunHandle) error
}

const tokenBytes = 16

// NewToken returns a fresh 32-character hex agent auth token.
func NewToken() string {
	b := make([]byte, tokenBytes)
	rand.Read(b) // crypto/rand.Read cannot fail
	return hex.EncodeToString(b)
}
