package steps

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// List collects the file names under a path. Content is a sorted []string of
// paths relative to the source, so listings are stable across runs.
type List struct {
	ID        string   `json:"id"`
	In        string   `json:"in"`                  // File or directory to list
	Recursive *bool    `json:"recursive,omitempty"` // Default: true
	Excludes  []string `json:"excludes,omitempty"`  // Glob patterns to exclude
	Depends   string   `json:"depends,omitempty"`
}

func (s *List) StepID() string    { return s.ID }
func (s *List) StepType() string  { return "list" }
func (s *List) DependsOn() string { return s.Depends }

// Apply lists files under the source path.
func (s *List) Apply(ctx context.Context, baseDir string) *Result {
	srcPath := filepath.Join(baseDir, s.In)
	recursive := s.Recursive == nil || *s.Recursive

	info, err := os.Stat(srcPath)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to stat path: %w", err)}
	}

	if !info.IsDir() {
		name := filepath.Base(srcPath)
		if excluded(name, s.Excludes) {
			return &Result{Status: "success", Content: []string{}}
		}
		return &Result{Status: "success", Content: []string{name}}
	}

	var files []string

	if recursive {
		err = filepath.WalkDir(srcPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			relPath, err := filepath.Rel(srcPath, path)
			if err != nil {
				return err
			}
			if relPath == "." {
				return nil
			}

			if excluded(relPath, s.Excludes) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if !d.IsDir() {
				files = append(files, relPath)
			}
			return nil
		})
		if err != nil {
			return &Result{Status: "failed", Error: fmt.Errorf("failed to walk directory: %w", err)}
		}
	} else {
		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return &Result{Status: "failed", Error: fmt.Errorf("failed to read directory: %w", err)}
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !excluded(entry.Name(), s.Excludes) {
				files = append(files, entry.Name())
			}
		}
	}

	slices.Sort(files)
	return &Result{Status: "success", Content: files}
}

// excluded reports whether the path, its base name, or any parent directory
// matches one of the glob patterns.
func excluded(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
		if strings.HasPrefix(path, pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
