package agent

import (
	"time"

	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/model"
)

// Wire types for the agent HTTP surface. The service-side deployment
// gateway decodes into the same structs, so a field change here is a
// protocol change for every deployed agent.

// RunAccepted is the body returned when a deployed bundle is accepted.
type RunAccepted struct {
	RunID string `json:"runId"`
	JobID string `json:"jobId"`
}

// ResultRow is one solver snapshot with its agent-assigned seq. Seqs are
// dense per run, starting at 1, and never reused.
type ResultRow struct {
	Seq       uint64          `json:"seq"`
	Candidate model.Candidate `json:"candidate"`
	Final     bool            `json:"final"`
	At        time.Time       `json:"at"`
}

// RunStatus reports a run's state plus the rows newer than the poll cursor.
type RunStatus struct {
	RunID   string           `json:"runId"`
	JobID   string           `json:"jobId"`
	State   gateway.RunState `json:"state"`
	Results []ResultRow      `json:"results,omitempty"`
	LastSeq uint64           `json:"lastSeq"`
	Message string           `json:"message,omitempty"`
}

// BundleDigestHeader carries the expected sha256 of the uploaded archive.
// The agent rejects deployments whose recomputed digest does not match.
const BundleDigestHeader = "X-Bundle-Digest"
