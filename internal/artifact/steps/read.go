package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Read reads file contents and surfaces them through the step result.
type Read struct {
	ID      string `json:"id"`
	In      string `json:"in"` // Path to read from
	Depends string `json:"depends,omitempty"`
}

func (s *Read) StepID() string    { return s.ID }
func (s *Read) StepType() string  { return "read" }
func (s *Read) DependsOn() string { return s.Depends }

// Apply reads the file. Valid JSON is surfaced decoded, everything else as a
// string.
func (s *Read) Apply(ctx context.Context, baseDir string) *Result {
	srcPath := filepath.Join(baseDir, s.In)

	content, err := os.ReadFile(srcPath)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to read file: %w", err)}
	}

	var decoded any
	if err := json.Unmarshal(content, &decoded); err == nil {
		return &Result{Status: "success", Content: decoded}
	}

	return &Result{Status: "success", Content: string(content)}
}
