package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyPlan(t *testing.T) {
	dir := t.TempDir()

	plan := []Step{
		&Write{ID: "w1", In: "hello", Out: "stage/greeting.txt"},
		&Read{ID: "r1", In: "stage/greeting.txt", Depends: "w1"},
	}

	results, err := ApplyPlan(context.Background(), dir, plan)
	if err != nil {
		t.Fatalf("ApplyPlan() error = %v", err)
	}

	if results["r1"].Content != "hello" {
		t.Errorf("Read content = %v, want hello", results["r1"].Content)
	}
}

func TestApplyPlan_StopsOnFailure(t *testing.T) {
	dir := t.TempDir()

	plan := []Step{
		&Read{ID: "r1", In: "missing.txt"},
		&Write{ID: "w1", In: "never", Out: "stage/never.txt", Depends: "r1"},
	}

	_, err := ApplyPlan(context.Background(), dir, plan)
	if err == nil {
		t.Fatal("Expected error from failing step")
	}

	if _, statErr := os.Stat(filepath.Join(dir, "stage", "never.txt")); !os.IsNotExist(statErr) {
		t.Error("Steps after a failure should not run")
	}
}

func TestApplyPlan_RejectsInvalidPlan(t *testing.T) {
	dir := t.TempDir()

	plan := []Step{
		&Write{ID: "w1", In: "x", Out: "../escape.txt"},
	}

	if _, err := ApplyPlan(context.Background(), dir, plan); err == nil {
		t.Fatal("Expected validation error")
	}

	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("Invalid plan must not touch the filesystem")
	}
}

func TestApplyPlan_CancelledContext(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := []Step{
		&Write{ID: "w1", In: "x", Out: "stage/file.txt"},
	}

	if _, err := ApplyPlan(ctx, dir, plan); err == nil {
		t.Fatal("Expected error from cancelled context")
	}
}
