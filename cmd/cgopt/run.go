package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
)

// runFile is the YAML batch definition: the model spec files to load and
// run. Relative paths resolve against the run file's directory.
type runFile struct {
	Models []string `yaml:"models"`
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
)

// newRunCmd runs a batch: every model listed in the run file is loaded and
// submitted, results stream to stdout, and the command exits non-zero if
// any job failed to load, start or complete.
func newRunCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <run-file.yaml>",
		Short: "Run every model listed in a batch file and wait for results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall batch budget (0 waits indefinitely)")
	return cmd
}

func runBatch(ctx context.Context, path string, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read run file: %w", err)
	}
	var rf runFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse run file: %w", err)
	}
	if len(rf.Models) == 0 {
		return fmt.Errorf("run file %s lists no models", path)
	}

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(30 * time.Second)

	// Load everything first, collecting failures instead of stopping at
	// the first bad spec: the rest of the batch still runs.
	failures := make(map[string]error)
	base := filepath.Dir(path)
	for _, specPath := range rf.Models {
		if !filepath.IsAbs(specPath) {
			specPath = filepath.Join(base, specPath)
		}
		spec, err := model.LoadSpecFile(specPath)
		if err != nil {
			failures[specPath] = err
			continue
		}
		if _, err := app.registry.Load(spec); err != nil {
			failures[spec.Name] = err
		}
	}

	started, startFailures := app.manager.StartBatch(ctx)
	for name, err := range startFailures {
		failures[name] = err
	}
	if len(started) == 0 {
		printFailures(failures)
		return fmt.Errorf("no jobs started")
	}
	fmt.Printf("Started %d job(s)\n", len(started))

	// One watcher per job streams new-result counts until terminal.
	sub := app.store.NewSubscriber()
	var printMu sync.Mutex
	var wg sync.WaitGroup
	for _, j := range started {
		wg.Add(1)
		go func(id, name string) {
			defer wg.Done()
			for {
				rows, status, err := sub.Next(ctx, id)
				if err != nil {
					return
				}
				if len(rows) > 0 {
					printMu.Lock()
					fmt.Printf("  %-20s %d new result(s), best energy %g\n", name, len(rows), bestEnergy(rows))
					printMu.Unlock()
				}
				if status.Terminal() {
					return
				}
			}
		}(j.ID, j.ModelName)
	}
	wg.Wait()

	if ctx.Err() != nil {
		fmt.Println(warnColor("Batch interrupted, aborting live jobs"))
	}
	// Settle before summarizing so interrupted jobs read as aborted, not
	// running. Close is idempotent; the deferred call becomes a no-op.
	app.close(30 * time.Second)

	failed := printSummary(app.store, started)
	printFailures(failures)

	if bad := failed + len(failures); bad > 0 {
		return fmt.Errorf("%d of %d model(s) did not complete", bad, len(rf.Models))
	}
	return nil
}

// printSummary prints one line per job and returns how many did not
// complete.
func printSummary(store *job.Store, started []job.Job) int {
	fmt.Println("\nBatch summary:")
	failed := 0
	for _, s := range started {
		j, err := store.Get(s.ID)
		if err != nil {
			j = s
		}

		switch j.Status {
		case job.StatusCompleted:
			line := fmt.Sprintf("%-20s %-10s %d result(s)", j.ModelName, j.Status, j.LastSeq)
			if rows, _, err := store.Results(j.ID, 0); err == nil && len(rows) > 0 {
				line += fmt.Sprintf(", best energy %g", bestEnergy(rows))
			}
			fmt.Printf("  %s  %s  job %s\n", okColor("ok  "), line, j.ID)
		case job.StatusFailed:
			failed++
			fmt.Printf("  %s  %-20s %-10s %s  job %s\n", failColor("FAIL"), j.ModelName, j.Status, j.Error, j.ID)
		default:
			failed++
			fmt.Printf("  %s  %-20s %-10s job %s\n", warnColor("STOP"), j.ModelName, j.Status, j.ID)
		}
	}
	return failed
}

func printFailures(failures map[string]error) {
	if len(failures) == 0 {
		return
	}
	fmt.Println("\nNot started:")
	for name, err := range failures {
		fmt.Printf("  %s  %-20s %v\n", failColor("FAIL"), name, err)
	}
}

// bestEnergy returns the lowest energy in rows, preferring the run's final
// candidate when present.
func bestEnergy(rows []job.ResultSnapshot) float64 {
	best := rows[0].Candidate.Energy
	for _, r := range rows {
		if r.Final {
			return r.Candidate.Energy
		}
		if r.Candidate.Energy < best {
			best = r.Candidate.Energy
		}
	}
	return best
}
