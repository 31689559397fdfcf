package agent

import (
	"context"
	"sync"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/model"
)

// run holds the runtime state for a single accepted deployment. Rows are
// append-only; holders of a snapshot slice never see later writes.
type run struct {
	mu      sync.Mutex
	id      string
	jobID   string
	state   gateway.RunState
	rows    []ResultRow
	nextSeq uint64
	message string
	dir     string // unpacked bundle directory, removed on terminate
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRun(id, jobID, dir string, cancel context.CancelFunc) *run {
	return &run{
		id:      id,
		jobID:   jobID,
		state:   gateway.RunStatePending,
		nextSeq: 1,
		dir:     dir,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// append records one solver snapshot and assigns its seq.
func (r *run) append(c model.Candidate, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rows = append(r.rows, ResultRow{
		Seq:       r.nextSeq,
		Candidate: c,
		Final:     final,
		At:        time.Now().UTC(),
	})
	r.nextSeq++
}

// markRunning moves the run from pending to running. No-op once finished.
func (r *run) markRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Finished() {
		r.state = gateway.RunStateRunning
	}
}

// finish settles the run's terminal state and closes done. Idempotent.
func (r *run) finish(state gateway.RunState, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Finished() {
		return
	}
	r.state = state
	r.message = message
	close(r.done)
}

// status snapshots the run with the rows whose seq exceeds afterSeq.
func (r *run) status(afterSeq uint64) RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var suffix []ResultRow
	for _, row := range r.rows {
		if row.Seq > afterSeq {
			suffix = append(suffix, row)
		}
	}

	return RunStatus{
		RunID:   r.id,
		JobID:   r.jobID,
		State:   r.state,
		Results: suffix,
		LastSeq: r.nextSeq - 1,
		Message: r.message,
	}
}

func (r *run) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Finished()
}

// runRepo manages runs with thread-safe access. The agent hosts one job, so
// at most one run is live at a time, but finished runs stay retrievable
// until terminated so late polls can still drain results.
type runRepo struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRunRepo() *runRepo {
	return &runRepo{runs: make(map[string]*run)}
}

// insert adds a new run. Fails if another run is still unfinished.
func (r *runRepo) insert(rn *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.runs {
		if !existing.finished() {
			return apperrors.Conflict("run", existing.id, "another run is still active")
		}
	}
	r.runs[rn.id] = rn
	return nil
}

// get retrieves a run by id.
func (r *runRepo) get(id string) (*run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runs[id]
	return rn, ok
}

// remove deletes a run from the repo. Returns the run if it existed.
func (r *runRepo) remove(id string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, ok := r.runs[id]
	if ok {
		delete(r.runs, id)
	}
	return rn, ok
}

// list returns all runs.
func (r *runRepo) list() []*run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, rn)
	}
	return out
}
