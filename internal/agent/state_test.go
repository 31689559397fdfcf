package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/model"
)

func TestRunRepo_SingleActiveRun(t *testing.T) {
	t.Parallel()

	repo := newRunRepo()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newRun("run-1", "job-1", "", cancel)
	if err := repo.insert(first); err != nil {
		t.Fatalf("insert() error = %v", err)
	}

	second := newRun("run-2", "job-1", "", cancel)
	err := repo.insert(second)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("insert() while active error = %v, want ErrConflict", err)
	}

	// A finished run no longer blocks new deployments.
	first.finish(gateway.RunStateCompleted, "")
	if err := repo.insert(second); err != nil {
		t.Errorf("insert() after finish error = %v", err)
	}
}

func TestRun_AppendAssignsDenseSeqs(t *testing.T) {
	t.Parallel()

	rn := newRun("run-1", "job-1", "", nil)
	for i := 0; i < 3; i++ {
		rn.append(model.Candidate{Energy: float64(-i)}, false)
	}

	status := rn.status(0)
	if len(status.Results) != 3 {
		t.Fatalf("status(0) returned %d rows, want 3", len(status.Results))
	}
	for i, row := range status.Results {
		if row.Seq != uint64(i+1) {
			t.Errorf("row %d seq = %d, want %d", i, row.Seq, i+1)
		}
	}
	if status.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", status.LastSeq)
	}

	suffix := rn.status(2)
	if len(suffix.Results) != 1 || suffix.Results[0].Seq != 3 {
		t.Errorf("status(2) = %+v, want only seq 3", suffix.Results)
	}

	beyond := rn.status(10)
	if len(beyond.Results) != 0 {
		t.Errorf("status(10) returned %d rows, want 0", len(beyond.Results))
	}
	if beyond.LastSeq != 3 {
		t.Errorf("status(10).LastSeq = %d, want 3", beyond.LastSeq)
	}
}

func TestRun_FinishIsIdempotent(t *testing.T) {
	t.Parallel()

	rn := newRun("run-1", "job-1", "", nil)
	rn.finish(gateway.RunStateFailed, "first cause")
	rn.finish(gateway.RunStateCompleted, "second cause")

	status := rn.status(0)
	if status.State != gateway.RunStateFailed {
		t.Errorf("state = %q, want %q", status.State, gateway.RunStateFailed)
	}
	if status.Message != "first cause" {
		t.Errorf("message = %q, want first cause", status.Message)
	}

	select {
	case <-rn.done:
	default:
		t.Error("done channel not closed after finish")
	}
}

func TestRunRepo_RemoveReturnsRun(t *testing.T) {
	t.Parallel()

	repo := newRunRepo()
	rn := newRun("run-1", "job-1", "/tmp/run-1", nil)
	if err := repo.insert(rn); err != nil {
		t.Fatalf("insert() error = %v", err)
	}

	got, ok := repo.remove("run-1")
	if !ok || got.dir != "/tmp/run-1" {
		t.Errorf("remove() = (%+v, %v), want inserted run", got, ok)
	}

	if _, ok := repo.remove("run-1"); ok {
		t.Error("remove() second call reported the run as present")
	}
	if _, ok := repo.get("run-1"); ok {
		t.Error("get() after remove reported the run as present")
	}
}
