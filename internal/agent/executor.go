package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/gateway"
	"github.com/d53dave/cgopt/internal/model"
)

// executor instantiates the variant pair named by a manifest and drives the
// strategy to completion, appending every emitted snapshot to the run.
type executor struct {
	catalog *model.Catalog
}

// launch validates the manifest against the catalog and starts the solve in
// a goroutine. Decode errors are returned synchronously so the deploy call
// can reject a bundle the agent cannot execute.
func (e *executor) launch(ctx context.Context, rn *run, m *artifact.Manifest) error {
	target, err := e.catalog.DecodeTarget(m.Model.Target)
	if err != nil {
		return err
	}
	strategy, err := e.catalog.DecodeStrategy(m.Model.Strategy)
	if err != nil {
		return err
	}

	go e.solve(ctx, rn, target, strategy, m.Run)
	return nil
}

func (e *executor) solve(ctx context.Context, rn *run, target model.Target, strategy model.Strategy, cfg model.RunConfig) {
	logger := slog.With("runId", rn.id, "jobId", rn.jobID,
		"target", target.Tag(), "strategy", strategy.Tag())
	logger.Info("Run starting", "seed", cfg.Seed, "dimensions", cfg.Dimensions)

	rn.markRunning()
	started := time.Now()

	emitted := 0
	best, err := strategy.Solve(ctx, target, cfg, func(c model.Candidate) {
		rn.append(c, false)
		emitted++
	})

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		rn.finish(gateway.RunStateFailed, "run cancelled")
		logger.Warn("Run cancelled", "emitted", emitted)

	case err != nil:
		rn.finish(gateway.RunStateFailed, err.Error())
		logger.Error("Run failed", "error", err, "emitted", emitted)

	default:
		// The best candidate is appended once more as the final row so
		// pollers always see a terminal snapshot, even for strategies
		// that never improved past their first emit.
		rn.append(best, true)
		rn.finish(gateway.RunStateCompleted, "")
		logger.Info("Run completed",
			"energy", fmt.Sprintf("%.6g", best.Energy),
			"iterations", best.Iteration,
			"emitted", emitted+1,
			"elapsed", time.Since(started).Round(time.Millisecond))
	}
}
