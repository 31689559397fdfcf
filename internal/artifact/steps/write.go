package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Write writes inline content to a file, creating parent directories as
// needed.
type Write struct {
	ID      string `json:"id"`
	In      string `json:"in"`  // Content to write
	Out     string `json:"out"` // Path to write to
	Depends string `json:"depends,omitempty"`
}

func (s *Write) StepID() string    { return s.ID }
func (s *Write) StepType() string  { return "write" }
func (s *Write) DependsOn() string { return s.Depends }

// Apply writes inline content to a file.
func (s *Write) Apply(ctx context.Context, baseDir string) *Result {
	destPath := filepath.Join(baseDir, s.Out)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to create directory: %w", err)}
	}

	if err := os.WriteFile(destPath, []byte(s.In), 0o644); err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to write file: %w", err)}
	}

	slog.Debug("Wrote file", "bytes", len(s.In), "path", destPath)
	return &Result{Status: "success"}
}
