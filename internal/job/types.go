// Package job defines the authoritative job table: lifecycle states with
// their legal transitions, an append-only result log with strictly
// increasing sequence numbers, and channel-based blocking retrieval.
package job

import (
	"slices"
	"time"

	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/model"
)

// Status is a job lifecycle state.
type Status string

// Lifecycle states. A job moves forward through the pipeline states and
// finishes in exactly one terminal state.
const (
	StatusPending      Status = "pending"
	StatusResolving    Status = "resolving"
	StatusProvisioning Status = "provisioning"
	StatusDeploying    Status = "deploying"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// transitions lists the legal outgoing edges per state. Terminal states have
// none.
var transitions = map[Status][]Status{
	StatusPending:      {StatusResolving, StatusFailed, StatusAborted},
	StatusResolving:    {StatusProvisioning, StatusFailed, StatusAborted},
	StatusProvisioning: {StatusDeploying, StatusFailed, StatusAborted},
	StatusDeploying:    {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusAborted},
}

// Terminal reports whether the state has no outgoing edges.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// CanTransition reports whether the edge s -> to is legal.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// ResultSnapshot is one cached partial or final result. Seq is assigned by
// the store and strictly increases per job.
type ResultSnapshot struct {
	Seq       uint64          `json:"seq"`
	JobID     string          `json:"jobId"`
	Candidate model.Candidate `json:"candidate"`
	Final     bool            `json:"final,omitempty"`
	At        time.Time       `json:"at"`
}

// Callback configures webhook delivery for a job's lifecycle events.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Submission is a request to start a job for a loaded model.
type Submission struct {
	ID        string            `json:"id,omitempty"` // generated when empty
	ModelName string            `json:"model"`
	Seed      int64             `json:"seed,omitempty"` // randomized when zero
	Meta      map[string]string `json:"meta,omitempty"`
	Callback  *Callback         `json:"callback,omitempty"`
}

// Job is one row of the job table. Model is the spec snapshot taken at
// submission; later registry mutations do not affect it. Results live in
// the store's log, reachable through the row's LastSeq cursor.
type Job struct {
	ID         string            `json:"id"`
	ModelName  string            `json:"model"`
	Model      model.Spec        `json:"spec"`
	Artifact   artifact.Ref      `json:"artifact"`
	Seed       int64             `json:"seed"`
	Meta       map[string]string `json:"meta,omitempty"`
	Callback   *Callback         `json:"-"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	LastSeq    uint64            `json:"lastSeq"`
}
