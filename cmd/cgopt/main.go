// cgopt runs distributed simulated annealing jobs: as a long-lived
// orchestration service (serve), as a one-shot batch runner (run), or
// through an interactive console (shell).
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	// CLI subcommands write their human-readable output to stdout, so the
	// log stream goes to stderr. serve switches it over to stdout.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "cgopt",
		Short:         "Distributed simulated annealing job orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newDryrunCmd(), newShellCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
