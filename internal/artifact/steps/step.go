// Package steps contains the file operations used to assemble and unpack
// run bundles. Each step works relative to a base directory so plans can be
// staged anywhere, including throwaway dry-run directories.
package steps

import "context"

// Step is a single operation in a bundle plan.
type Step interface {
	StepID() string
	StepType() string
	DependsOn() string
	Apply(ctx context.Context, baseDir string) *Result
}

// Result represents the outcome of applying a step.
type Result struct {
	Status  string
	Content any // For read/list steps - content surfaced to the caller
	Error   error
}
