// Package agentclient implements the deployment gateway over the agent's
// HTTP API. It is the service-side half of the agent wire protocol: upload
// the bundle archive, poll for result rows past a cursor, terminate.
//
// Freshly provisioned resources need time before the agent listens, so
// Deploy retries transport failures with exponential backoff until the
// caller's context expires. Polls are not retried here; the driver owns the
// poll failure budget.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/d53dave/cgopt/internal/agent"
	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/pkg/backoff"
)

// Config holds configuration for the agent client.
type Config struct {
	RequestTimeout time.Duration   // per-request budget (default 30s)
	DeployBackoff  *backoff.Config // retry pacing while the agent boots
}

// Gateway talks to per-job agents. Safe for concurrent use; endpoints and
// tokens travel in the resource handles, so one client serves every job.
type Gateway struct {
	client        *http.Client
	deployBackoff *backoff.Config
}

// New creates an agent client gateway.
func New(cfg Config) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		client:        &http.Client{Timeout: timeout},
		deployBackoff: cfg.DeployBackoff,
	}
}

// Deploy uploads the bundle archive to the resource's agent and starts the
// run. Transport errors are retried with backoff until ctx expires, because
// the agent may still be starting when the resource is first reachable.
func (g *Gateway) Deploy(ctx context.Context, handle gateway.ResourceHandle, bundle *artifact.Bundle) (gateway.RunHandle, error) {
	data, err := os.ReadFile(bundle.Path)
	if err != nil {
		return gateway.RunHandle{}, apperrors.Deployment("agent.readBundle", err)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		accepted, err := g.postBundle(ctx, handle, data, bundle.Digest)
		if err == nil {
			return gateway.RunHandle{Resource: handle, RunID: accepted.RunID}, nil
		}
		if !isTransport(err) {
			return gateway.RunHandle{}, apperrors.Deployment("agent.deploy", err)
		}

		lastErr = err
		slog.Debug("Agent not reachable yet, retrying deploy",
			"jobId", handle.JobID, "endpoint", handle.Endpoint, "attempt", attempt, "error", err)
		if err := backoff.Sleep(ctx, attempt, g.deployBackoff); err != nil {
			return gateway.RunHandle{}, apperrors.Deployment("agent.deploy", fmt.Errorf("%w (last: %v)", err, lastErr))
		}
	}
}

// Poll reports the remote run state plus the result rows newer than
// afterSeq, in seq order.
func (g *Gateway) Poll(ctx context.Context, run gateway.RunHandle, afterSeq uint64) (gateway.PollResult, error) {
	endpoint := fmt.Sprintf("%s/v1/runs/%s?after=%d", run.Resource.Endpoint, url.PathEscape(run.RunID), afterSeq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gateway.PollResult{}, apperrors.Deployment("agent.poll", err)
	}
	g.authorize(req, run.Resource)

	resp, err := g.client.Do(req)
	if err != nil {
		return gateway.PollResult{}, apperrors.Deployment("agent.poll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gateway.PollResult{}, apperrors.Deployment("agent.poll",
			fmt.Errorf("agent returned %d: %s", resp.StatusCode, readErrorBody(resp.Body)))
	}

	var status agent.RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return gateway.PollResult{}, apperrors.Deployment("agent.poll", err)
	}

	result := gateway.PollResult{
		State:   status.State,
		LastSeq: status.LastSeq,
		Message: status.Message,
	}
	for _, row := range status.Results {
		result.Results = append(result.Results, row.Candidate)
	}
	return result, nil
}

// Terminate stops the remote run. A run the agent no longer knows about is
// treated as already terminated.
func (g *Gateway) Terminate(ctx context.Context, run gateway.RunHandle) error {
	endpoint := fmt.Sprintf("%s/v1/runs/%s", run.Resource.Endpoint, url.PathEscape(run.RunID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return apperrors.Deployment("agent.terminate", err)
	}
	g.authorize(req, run.Resource)

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.Deployment("agent.terminate", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return apperrors.Deployment("agent.terminate",
			fmt.Errorf("agent returned %d: %s", resp.StatusCode, readErrorBody(resp.Body)))
	}
}

func (g *Gateway) postBundle(ctx context.Context, handle gateway.ResourceHandle, data []byte, digest string) (agent.RunAccepted, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.Endpoint+"/v1/runs", bytes.NewReader(data))
	if err != nil {
		return agent.RunAccepted{}, err
	}
	g.authorize(req, handle)
	req.Header.Set("Content-Type", "application/gzip")
	if digest != "" {
		req.Header.Set(agent.BundleDigestHeader, digest)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return agent.RunAccepted{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return agent.RunAccepted{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var accepted agent.RunAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return agent.RunAccepted{}, err
	}
	return accepted, nil
}

func (g *Gateway) authorize(req *http.Request, handle gateway.ResourceHandle) {
	if handle.Token != "" {
		req.Header.Set("Authorization", "Bearer "+handle.Token)
	}
}

// isTransport reports whether the error happened before an HTTP response
// arrived. Only those failures can mean "agent still booting".
func isTransport(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "no error detail"
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(bytes.TrimSpace(body))
}

// Verify Gateway implements gateway.DeploymentGateway
var _ gateway.DeploymentGateway = (*Gateway)(nil)
