package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/d53dave/cgopt/internal/anneal"
	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/config"
	"github.com/d53dave/cgopt/internal/dispatcher"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/gateway/agentclient"
	"github.com/d53dave/cgopt/internal/gateway/docker"
	"github.com/d53dave/cgopt/internal/gateway/ec2"
	"github.com/d53dave/cgopt/internal/health"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/observability"
	"github.com/d53dave/cgopt/internal/orchestrator"
)

// app is the assembled service: every subcommand builds one and picks the
// pieces it needs.
type app struct {
	cfg            *config.ServiceConfig
	store          *job.Store
	registry       *model.Registry
	manager        *orchestrator.Manager
	dispatcher     dispatcher.Dispatcher
	metrics        *observability.Metrics
	metricsHandler http.Handler
	health         *health.Checker
}

// buildApp wires the full object graph from environment configuration.
func buildApp(ctx context.Context) (*app, error) {
	cfg := config.LoadServiceConfig()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics setup: %w", err)
	}

	eventDispatcher := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)

	catalog := model.NewCatalog()
	anneal.Register(catalog)

	resolver := artifact.NewResolver()
	anneal.RegisterArtifacts(resolver)

	registry := model.NewRegistry()
	store := job.NewStore()

	prov, err := newProvisioner(ctx, cfg)
	if err != nil {
		return nil, err
	}

	manager, err := orchestrator.NewManager(orchestrator.Config{
		Store:            store,
		Registry:         registry,
		Catalog:          catalog,
		Resolver:         resolver,
		Provisioning:     prov,
		Deployment:       agentclient.New(agentclient.Config{}),
		Dispatcher:       eventDispatcher,
		Metrics:          metrics,
		PollInterval:     cfg.PollInterval,
		MaxPollFailures:  cfg.MaxPollFailures,
		ProvisionTimeout: cfg.ProvisionTimeout,
		DeployTimeout:    cfg.DeployTimeout,
		TeardownTimeout:  cfg.TeardownTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:            cfg,
		store:          store,
		registry:       registry,
		manager:        manager,
		dispatcher:     eventDispatcher,
		metrics:        metrics,
		metricsHandler: metricsHandler,
		health:         health.NewChecker(manager),
	}, nil
}

// newProvisioner selects the compute provider from configuration.
func newProvisioner(ctx context.Context, cfg *config.ServiceConfig) (gateway.ProvisioningGateway, error) {
	switch cfg.Provider {
	case "docker":
		return docker.New(docker.Config{
			Image:     cfg.AgentImage,
			AgentPort: cfg.AgentPort,
		})
	case "ec2":
		return ec2.New(ctx, ec2.Config{
			Region:         cfg.EC2.Region,
			ImageID:        cfg.EC2.ImageID,
			InstanceType:   cfg.EC2.InstanceType,
			KeyName:        cfg.EC2.KeyName,
			AgentBinaryURL: cfg.EC2.AgentBinaryURL,
			SubnetID:       cfg.EC2.SubnetID,
			VpcID:          cfg.EC2.VpcID,
			AllowedCIDR:    cfg.EC2.AllowedCIDR,
			UsePublicIP:    cfg.EC2.UsePublicIP,
			AgentPort:      cfg.AgentPort,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want docker or ec2)", cfg.Provider)
	}
}

// close tears the app down in dependency order: drivers settle first so
// their final events still reach the dispatcher before it drains.
func (a *app) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.manager.Close(ctx); err != nil {
		slog.Warn("Manager shutdown incomplete", "error", err)
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown incomplete", "error", err)
	}
}
