// Package docker implements gateway.ProvisioningGateway on the local Docker
// daemon. Each acquired resource is one agent container with the agent port
// published on an ephemeral host port, standing in for a cloud instance.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/gateway"
)

// Config holds configuration for the Docker provisioner.
type Config struct {
	Image        string            // agent image for the builtin runner
	RunnerImages map[string]string // extra runner -> image mappings
	AgentPort    int               // port the agent listens on inside the container (default 8900)
	HostIP       string            // host interface to publish on (default 127.0.0.1)
	ExtraHosts   []string          // extra /etc/hosts entries for agent containers
	StartTimeout time.Duration     // budget for the container to come up (default 30s)
}

// Gateway provisions agent containers on the host Docker daemon.
type Gateway struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

var _ gateway.ProvisioningGateway = (*Gateway)(nil)

// New creates a Docker provisioner from the environment's daemon settings.
func New(cfg Config) (*Gateway, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("agent image is required")
	}
	if cfg.AgentPort <= 0 {
		cfg.AgentPort = 8900
	}
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Gateway{
		client: dockerClient,
		cfg:    cfg,
		logger: slog.With("component", "gateway.docker"),
	}, nil
}

func (g *Gateway) imageFor(runner string) (string, error) {
	if runner == "" || runner == artifact.RunnerBuiltin {
		return g.cfg.Image, nil
	}
	if img, ok := g.cfg.RunnerImages[runner]; ok {
		return img, nil
	}
	return "", fmt.Errorf("no image configured for runner %q", runner)
}

// Acquire starts one agent container and waits until it is running with its
// port published.
func (g *Gateway) Acquire(ctx context.Context, spec gateway.ResourceSpec) (gateway.ResourceHandle, error) {
	img, err := g.imageFor(spec.Runner)
	if err != nil {
		return gateway.ResourceHandle{}, apperrors.Provisioning("docker.resolveImage", err)
	}

	if err := g.pullImageIfNeeded(ctx, img); err != nil {
		return gateway.ResourceHandle{}, apperrors.Provisioning("docker.imagePull", err)
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", g.cfg.AgentPort))

	labels := map[string]string{
		"job.id":     spec.JobID,
		"managed-by": "cgopt",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image: img,
		Env: []string{
			fmt.Sprintf("AGENT_PORT=%d", g.cfg.AgentPort),
			fmt.Sprintf("AGENT_TOKEN=%s", spec.Token),
			fmt.Sprintf("JOB_ID=%s", spec.JobID),
		},
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: g.cfg.HostIP, HostPort: "0"}},
		},
		ExtraHosts: g.cfg.ExtraHosts,
	}

	containerName := fmt.Sprintf("cgopt-%s-agent", spec.JobID)
	resp, err := g.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return gateway.ResourceHandle{}, apperrors.Provisioning("docker.containerCreate", err)
	}

	if err := g.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		g.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return gateway.ResourceHandle{}, apperrors.Provisioning("docker.containerStart", err)
	}

	hostPort, err := g.waitPublished(ctx, resp.ID, agentPort)
	if err != nil {
		g.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return gateway.ResourceHandle{}, apperrors.Provisioning("docker.waitRunning", err)
	}

	handle := gateway.ResourceHandle{
		ID:         resp.ID,
		JobID:      spec.JobID,
		Provider:   "docker",
		Endpoint:   fmt.Sprintf("http://%s:%s", g.cfg.HostIP, hostPort),
		Token:      spec.Token,
		AcquiredAt: time.Now().UTC(),
	}
	g.logger.Info("Agent container started", "jobId", spec.JobID, "containerId", resp.ID, "endpoint", handle.Endpoint)
	return handle, nil
}

// waitPublished polls the container until it is running and its agent port
// has a host binding, or the start budget runs out.
func (g *Gateway) waitPublished(ctx context.Context, containerID string, port nat.Port) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := g.client.ContainerInspect(waitCtx, containerID)
		if err != nil {
			return "", err
		}
		if inspect.State != nil && inspect.State.Status == "exited" {
			return "", fmt.Errorf("agent container exited with code %d", inspect.State.ExitCode)
		}
		if inspect.State != nil && inspect.State.Running {
			if bindings := inspect.NetworkSettings.Ports[port]; len(bindings) > 0 && bindings[0].HostPort != "" {
				return bindings[0].HostPort, nil
			}
		}

		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("agent container not up after %s: %w", g.cfg.StartTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Release stops and removes the agent container. A container that is
// already gone is not an error.
func (g *Gateway) Release(ctx context.Context, handle gateway.ResourceHandle) error {
	if handle.ID == "" {
		return nil
	}

	stopTimeout := 10
	_ = g.client.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &stopTimeout})

	err := g.client.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return apperrors.Provisioning("docker.containerRemove", err)
	}
	g.logger.Debug("Agent container released", "jobId", handle.JobID, "containerId", handle.ID)
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (g *Gateway) Ready(ctx context.Context) error {
	_, err := g.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Running agent containers are not
// touched.
func (g *Gateway) Close() error {
	return g.client.Close()
}

func (g *Gateway) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := g.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := g.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (g *Gateway) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	_ = g.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
