package job

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/model"
)

// entry holds one job's row, result log and wakeup channel. The entry mutex
// is the per-job lock; the store mutex only guards the map. Lock order is
// always store before entry.
type entry struct {
	mu        sync.Mutex
	job       Job
	results   []ResultSnapshot
	nextSeq   uint64
	broadcast chan struct{}
}

// wake closes the current broadcast channel and installs a fresh one.
// Must be called with the entry lock held. Readers blocked on the old
// channel observe the close and re-check their condition.
func (e *entry) wake() {
	close(e.broadcast)
	e.broadcast = make(chan struct{})
}

// Store is the authoritative table of jobs. Rows are never deleted: ids stay
// unique for the process lifetime and terminal jobs remain queryable.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewStore creates an empty job table.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

// Create inserts a new Pending row. Reusing a live id fails with JobActive,
// reusing a terminal one with DuplicateID.
func (s *Store) Create(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[j.ID]; ok {
		existing.mu.Lock()
		terminal := existing.job.Status.Terminal()
		existing.mu.Unlock()
		if terminal {
			return apperrors.DuplicateID(j.ID)
		}
		return apperrors.JobActive(j.ID)
	}

	j.Status = StatusPending
	j.LastSeq = 0
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	s.jobs[j.ID] = &entry{
		job:       j,
		nextSeq:   1,
		broadcast: make(chan struct{}),
	}
	return nil
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return e, nil
}

func cloneJob(j Job) Job {
	j.Model = j.Model.Clone()
	j.Meta = maps.Clone(j.Meta)
	if j.Callback != nil {
		cb := *j.Callback
		j.Callback = &cb
	}
	return j
}

// Get returns a copy of the job row.
func (s *Store) Get(id string) (Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneJob(e.job), nil
}

// List returns copies of all rows, oldest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, cloneJob(e.job))
		e.mu.Unlock()
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Active returns the number of jobs not yet in a terminal state.
func (s *Store) Active() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	active := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.job.Status.Terminal() {
			active++
		}
		e.mu.Unlock()
	}
	return active
}

// SetStatus moves a job along a legal edge and returns the updated row.
// Illegal edges are rejected with a conflict, which also settles races
// between an abort and a concurrent completion: whichever terminal edge
// commits first wins. Terminal transitions stamp FinishedAt, record the
// cause and wake blocked readers.
func (s *Store) SetStatus(id string, to Status, cause error) (Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.job.Status
	if !from.CanTransition(to) {
		return Job{}, apperrors.Conflict("job", id, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	e.job.Status = to
	switch {
	case to == StatusResolving:
		e.job.StartedAt = time.Now().UTC()
	case to.Terminal():
		e.job.FinishedAt = time.Now().UTC()
		if cause != nil {
			e.job.Error = cause.Error()
		}
		e.wake()
	}

	return cloneJob(e.job), nil
}

// SetArtifact records the resolved artifact ref on the row.
func (s *Store) SetArtifact(id string, ref artifact.Ref) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.Artifact = ref
	return nil
}

// AppendResults stamps the candidates with the next sequence numbers,
// appends them to the job's result log and wakes blocked readers. The last
// candidate of a final batch is marked Final. Appending to a terminal job
// is rejected.
func (s *Store) AppendResults(id string, candidates []model.Candidate, final bool) ([]ResultSnapshot, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return nil, apperrors.Conflict("job", id, "job already finished")
	}

	now := time.Now().UTC()
	appended := make([]ResultSnapshot, 0, len(candidates))
	for i, c := range candidates {
		appended = append(appended, ResultSnapshot{
			Seq:       e.nextSeq,
			JobID:     id,
			Candidate: c,
			Final:     final && i == len(candidates)-1,
			At:        now,
		})
		e.nextSeq++
	}

	e.results = append(e.results, appended...)
	e.job.LastSeq = e.nextSeq - 1
	e.wake()

	return slices.Clone(appended), nil
}

// Results returns the snapshots with seq greater than afterSeq plus the
// job's current status, without blocking.
func (s *Store) Results(id string, afterSeq uint64) ([]ResultSnapshot, Status, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return suffixLocked(e, afterSeq), e.job.Status, nil
}

// suffixLocked must be called with the entry lock held.
func suffixLocked(e *entry, afterSeq uint64) []ResultSnapshot {
	idx := sort.Search(len(e.results), func(i int) bool { return e.results[i].Seq > afterSeq })
	if idx == len(e.results) {
		return nil
	}
	return slices.Clone(e.results[idx:])
}

// AwaitResults blocks until the job has snapshots with seq greater than
// afterSeq, the job is in a terminal state, or ctx is done. A terminal job
// with nothing unseen returns immediately with an empty suffix. Readers are
// woken only by appends and terminal transitions; there is no polling.
func (s *Store) AwaitResults(ctx context.Context, id string, afterSeq uint64) ([]ResultSnapshot, Status, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, "", err
	}

	for {
		e.mu.Lock()
		suffix := suffixLocked(e, afterSeq)
		status := e.job.Status
		bc := e.broadcast
		e.mu.Unlock()

		if len(suffix) > 0 || status.Terminal() {
			return suffix, status, nil
		}

		select {
		case <-ctx.Done():
			return nil, status, ctx.Err()
		case <-bc:
		}
	}
}

// AwaitTerminal blocks until the job reaches a terminal state or ctx is
// done, and returns the row as last observed.
func (s *Store) AwaitTerminal(ctx context.Context, id string) (Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return Job{}, err
	}

	for {
		e.mu.Lock()
		j := cloneJob(e.job)
		bc := e.broadcast
		e.mu.Unlock()

		if j.Status.Terminal() {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-bc:
		}
	}
}

// lastSeqs snapshots every job's result cursor.
func (s *Store) lastSeqs() map[string]uint64 {
	s.mu.RLock()
	entries := make(map[string]*entry, len(s.jobs))
	for id, e := range s.jobs {
		entries[id] = e
	}
	s.mu.RUnlock()

	seqs := make(map[string]uint64, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		seqs[id] = e.job.LastSeq
		e.mu.Unlock()
	}
	return seqs
}
