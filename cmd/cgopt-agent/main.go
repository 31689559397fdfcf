// cgopt-agent is the per-job execution agent. It runs on provisioned
// compute (container or instance), accepts one bundle over HTTP, executes
// the solve and serves incremental results until the orchestrator tears it
// down.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/d53dave/cgopt/internal/agent"
	"github.com/d53dave/cgopt/internal/anneal"
	"github.com/d53dave/cgopt/internal/config"
	"github.com/d53dave/cgopt/internal/model"
)

func main() {
	// Readiness probe mode for container health checks: exit 0 once the
	// server has written its marker file.
	if len(os.Args) > 1 && os.Args[1] == "-check-ready" {
		if agent.CheckReady(config.GetEnv("AGENT_WORKDIR", "/tmp/cgopt-agent")) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := agent.LoadConfigFromEnv()

	if cfg.JobID == "" {
		return errors.New("JOB_ID environment variable is required")
	}

	catalog := model.NewCatalog()
	anneal.Register(catalog)

	server := agent.NewServer(cfg, catalog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	return server.Run(ctx)
}
