package artifact

import (
	"context"
	"fmt"
	"log/slog"
)

// ApplyPlan validates the plan and applies its steps in order. The composer
// is responsible for sequencing; ValidatePlan rejects forward dependency
// references. Results are keyed by step id. On failure the results gathered
// so far are returned alongside the error.
func ApplyPlan(ctx context.Context, baseDir string, plan []Step) (map[string]*Result, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	results := make(map[string]*Result, len(plan))
	for _, step := range plan {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := step.Apply(ctx, baseDir)
		results[step.StepID()] = result
		if result.Error != nil {
			return results, fmt.Errorf("step %s (%s): %w", step.StepID(), step.StepType(), result.Error)
		}

		slog.Debug("Applied bundle step", "id", step.StepID(), "type", step.StepType())
	}

	return results, nil
}
