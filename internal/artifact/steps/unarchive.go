package steps

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Unarchive extracts a tar.gz archive into a directory.
type Unarchive struct {
	ID      string `json:"id"`
	In      string `json:"in"`  // Source archive path
	Out     string `json:"out"` // Destination directory
	Depends string `json:"depends,omitempty"`
}

func (s *Unarchive) StepID() string    { return s.ID }
func (s *Unarchive) StepType() string  { return "unarchive" }
func (s *Unarchive) DependsOn() string { return s.Depends }

// Apply extracts the archive. Entries that would escape the destination
// directory are rejected.
func (s *Unarchive) Apply(ctx context.Context, baseDir string) *Result {
	srcPath := filepath.Join(baseDir, s.In)
	destDir := filepath.Join(baseDir, s.Out)

	file, err := os.Open(srcPath)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to open archive: %w", err)}
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to create gzip reader: %w", err)}
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &Result{Status: "failed", Error: fmt.Errorf("failed to read tar header: %w", err)}
		}

		cleanName := filepath.Clean(header.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return &Result{Status: "failed", Error: fmt.Errorf("invalid path in archive: %s", header.Name)}
		}

		targetPath := filepath.Join(destDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode).Perm()); err != nil {
				return &Result{Status: "failed", Error: fmt.Errorf("failed to create directory: %w", err)}
			}

		case tar.TypeReg:
			if err := extractFile(tarReader, targetPath, os.FileMode(header.Mode).Perm()); err != nil {
				return &Result{Status: "failed", Error: err}
			}

		default:
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
		}
	}

	slog.Debug("Extracted archive", "src", srcPath, "dest", destDir)
	return &Result{Status: "success"}
}

func extractFile(r io.Reader, targetPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("failed to extract file: %w", err)
	}

	return outFile.Close()
}
