// Package agent implements the remote execution agent. One agent runs per
// provisioned resource and hosts the solver runs for a single job: it
// accepts a deployed bundle over HTTP, instantiates the target/strategy
// pair from its variant catalog, drives the run, and serves incremental
// result polls until the service tears it down.
package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/model"
)

// ReadyFile is the marker file written once the agent's listener is bound.
// Instance supervisors health-check it via `cgopt-agent -check-ready`.
const ReadyFile = ".ready"

// maxBundleSize limits uploaded archives to 64MB.
const maxBundleSize = 64 << 20

// Server is the agent's HTTP surface plus the run lifecycle behind it.
type Server struct {
	cfg  *Config
	runs *runRepo
	exec *executor
}

// NewServer creates an agent server solving through the given catalog.
func NewServer(cfg *Config, catalog *model.Catalog) *Server {
	return &Server{
		cfg:  cfg,
		runs: newRunRepo(),
		exec: &executor{catalog: catalog},
	}
}

// Routes builds the agent's route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Liveness - no auth so supervisors can probe without the token
	mux.HandleFunc("GET /healthz", s.handleHealth)

	auth := s.authMiddleware()
	mux.Handle("POST /v1/runs", auth(http.HandlerFunc(s.handleDeploy)))
	mux.Handle("GET /v1/runs/{runId}", auth(http.HandlerFunc(s.handlePoll)))
	mux.Handle("DELETE /v1/runs/{runId}", auth(http.HandlerFunc(s.handleTerminate)))

	return mux
}

// Run binds the listener, writes the ready marker, and serves until ctx is
// cancelled. On shutdown it cancels live runs and drains in-flight requests
// within the configured drain timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	markerPath := filepath.Join(s.cfg.WorkDir, ReadyFile)
	if err := os.WriteFile(markerPath, []byte{}, 0o644); err != nil {
		listener.Close()
		return fmt.Errorf("failed to write ready marker: %w", err)
	}

	srv := &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	slog.Info("Agent listening", "addr", listener.Addr().String(), "jobId", s.cfg.JobID)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Agent shutting down")
	for _, rn := range s.runs.list() {
		if rn.cancel != nil {
			rn.cancel()
		}
	}
	os.Remove(markerPath)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// CheckReady checks if the ready marker file exists. Used by supervisor
// health checks to determine when the agent accepts deployments.
func CheckReady(workDir string) bool {
	_, err := os.Stat(filepath.Join(workDir, ReadyFile))
	return err == nil
}

// handleDeploy accepts a bundle archive, unpacks it, and starts the run.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleSize)

	runID := uuid.New().String()
	runDir := filepath.Join(s.cfg.WorkDir, "run-"+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.handleError(w, r, apperrors.Internal("agent.createRunDir", err))
		return
	}

	archivePath := filepath.Join(runDir, artifact.ArchiveFile)
	if err := receiveArchive(archivePath, r.Body); err != nil {
		os.RemoveAll(runDir)
		s.handleError(w, r, apperrors.Validation("bundle", "failed to read bundle archive: "+err.Error()))
		return
	}

	if digest := r.Header.Get(BundleDigestHeader); digest != "" {
		if err := artifact.VerifyDigest(archivePath, digest); err != nil {
			os.RemoveAll(runDir)
			s.handleError(w, r, apperrors.Validation("bundle", err.Error()))
			return
		}
	}

	manifest, err := artifact.Unpack(r.Context(), runDir, artifact.ArchiveFile, "bundle")
	if err != nil {
		os.RemoveAll(runDir)
		s.handleError(w, r, apperrors.Validation("bundle", "failed to unpack bundle: "+err.Error()))
		return
	}

	if s.cfg.JobID != "" && manifest.Job != s.cfg.JobID {
		os.RemoveAll(runDir)
		s.handleError(w, r, apperrors.Validation("job",
			fmt.Sprintf("bundle is for job %s, this agent hosts %s", manifest.Job, s.cfg.JobID)))
		return
	}

	solveCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SolveTimeout)
	rn := newRun(runID, manifest.Job, runDir, cancel)

	if err := s.runs.insert(rn); err != nil {
		cancel()
		os.RemoveAll(runDir)
		s.handleError(w, r, err)
		return
	}

	if err := s.exec.launch(solveCtx, rn, manifest); err != nil {
		cancel()
		s.runs.remove(runID)
		os.RemoveAll(runDir)
		s.handleError(w, r, err)
		return
	}

	slog.Info("Deployment accepted", "runId", runID, "jobId", manifest.Job,
		"target", manifest.Artifact.TargetTag, "strategy", manifest.Artifact.StrategyTag)

	s.writeJSON(w, http.StatusCreated, RunAccepted{RunID: runID, JobID: manifest.Job})
}

// handlePoll reports run state plus the rows newer than the after cursor.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	rn, ok := s.runs.get(runID)
	if !ok {
		s.handleError(w, r, apperrors.NotFound("run", runID))
		return
	}

	var afterSeq uint64
	if after := r.URL.Query().Get("after"); after != "" {
		v, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			s.handleError(w, r, apperrors.Validation("after", "after must be a non-negative integer"))
			return
		}
		afterSeq = v
	}

	s.writeJSON(w, http.StatusOK, rn.status(afterSeq))
}

// handleTerminate cancels the run and discards its working directory.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	rn, ok := s.runs.remove(runID)
	if !ok {
		s.handleError(w, r, apperrors.NotFound("run", runID))
		return
	}

	if rn.cancel != nil {
		rn.cancel()
	}

	// Wait briefly for the solver goroutine so the directory is not
	// removed under it.
	select {
	case <-rn.done:
	case <-time.After(5 * time.Second):
	}

	if rn.dir != "" {
		os.RemoveAll(rn.dir)
	}

	slog.Info("Run terminated", "runId", runID, "jobId", rn.jobID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "jobId": s.cfg.JobID})
}

// authMiddleware validates the per-job bearer token. If no token is
// configured, authentication is disabled.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.Token == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Token)) != 1 {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func receiveArchive(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(f, body)
	closeErr := f.Close()

	var maxErr *http.MaxBytesError
	if errors.As(copyErr, &maxErr) {
		return fmt.Errorf("bundle exceeds %d bytes", maxErr.Limit)
	}
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
