package steps

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Archive packs a file or directory into a tar.gz archive.
type Archive struct {
	ID      string `json:"id"`
	In      string `json:"in"`     // Source file or directory
	Out     string `json:"out"`    // Destination archive path
	Format  string `json:"format"` // Archive format (must be "tar.gz")
	Depends string `json:"depends,omitempty"`
}

func (s *Archive) StepID() string    { return s.ID }
func (s *Archive) StepType() string  { return "archive" }
func (s *Archive) DependsOn() string { return s.Depends }

// Apply packs the source into a tar.gz archive. Close errors on the writers
// are reported because they cover the final gzip flush.
func (s *Archive) Apply(ctx context.Context, baseDir string) *Result {
	if s.Format != "tar.gz" {
		return &Result{Status: "failed", Error: fmt.Errorf("unsupported archive format: %s (supported: tar.gz)", s.Format)}
	}

	srcPath := filepath.Join(baseDir, s.In)
	destPath := filepath.Join(baseDir, s.Out)

	info, err := os.Stat(srcPath)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to stat source: %w", err)}
	}

	outFile, err := os.Create(destPath)
	if err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to create archive file: %w", err)}
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	if info.IsDir() {
		err = packTree(tarWriter, srcPath)
	} else {
		err = packFile(tarWriter, srcPath, filepath.Base(srcPath), info)
	}
	if err != nil {
		tarWriter.Close()
		gzWriter.Close()
		return &Result{Status: "failed", Error: err}
	}

	if err := tarWriter.Close(); err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to finalize tar stream: %w", err)}
	}
	if err := gzWriter.Close(); err != nil {
		return &Result{Status: "failed", Error: fmt.Errorf("failed to finalize gzip stream: %w", err)}
	}

	return &Result{Status: "success"}
}

func packTree(tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", relPath, err)
		}

		if d.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header: %w", err)
			}
			header.Name = relPath
			return tw.WriteHeader(header)
		}

		return packFile(tw, path, relPath, info)
	})
}

func packFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}

	return nil
}
