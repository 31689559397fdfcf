package job

import (
	"context"
	"sync"
)

// Subscriber is one consumer's view of the result streams. Each subscriber
// keeps its own per-job watermark, so independent consumers at different
// positions each receive exactly the suffix they have not seen. A
// Subscriber is safe for concurrent use, but it models a single consumer:
// concurrent Next calls for the same job may deliver overlapping suffixes.
type Subscriber struct {
	store *Store

	mu    sync.Mutex
	marks map[string]uint64
}

// NewSubscriber returns a subscriber starting at watermark zero for every
// job.
func (s *Store) NewSubscriber() *Subscriber {
	return &Subscriber{store: s, marks: make(map[string]uint64)}
}

// Fetch returns the job's unseen snapshots without blocking and advances
// the watermark past them.
func (sub *Subscriber) Fetch(id string) ([]ResultSnapshot, Status, error) {
	suffix, status, err := sub.store.Results(id, sub.Watermark(id))
	if err != nil {
		return nil, status, err
	}
	sub.advance(id, suffix)
	return suffix, status, nil
}

// Next blocks until the job has snapshots the subscriber has not seen, the
// job is in a terminal state, or ctx is done. The watermark advances only
// when snapshots are delivered.
func (sub *Subscriber) Next(ctx context.Context, id string) ([]ResultSnapshot, Status, error) {
	suffix, status, err := sub.store.AwaitResults(ctx, id, sub.Watermark(id))
	if err != nil {
		return nil, status, err
	}
	sub.advance(id, suffix)
	return suffix, status, nil
}

// HasNewFor reports whether the job has snapshots past the subscriber's
// watermark.
func (sub *Subscriber) HasNewFor(id string) bool {
	j, err := sub.store.Get(id)
	if err != nil {
		return false
	}
	return j.LastSeq > sub.Watermark(id)
}

// HasNew reports whether any job has snapshots past the subscriber's
// watermark.
func (sub *Subscriber) HasNew() bool {
	seqs := sub.store.lastSeqs()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for id, last := range seqs {
		if last > sub.marks[id] {
			return true
		}
	}
	return false
}

// Watermark returns the seq of the last snapshot delivered for the job.
func (sub *Subscriber) Watermark(id string) uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.marks[id]
}

func (sub *Subscriber) advance(id string, delivered []ResultSnapshot) {
	if len(delivered) == 0 {
		return
	}
	last := delivered[len(delivered)-1].Seq

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if last > sub.marks[id] {
		sub.marks[id] = last
	}
}
