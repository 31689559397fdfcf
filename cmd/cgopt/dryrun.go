package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/d53dave/cgopt/internal/model"
)

// newDryrunCmd validates a model spec end to end: variant resolution and
// bundle build, without touching any compute provider.
func newDryrunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dryrun <model-spec.yaml>",
		Short: "Resolve and validate a model without provisioning anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dryrun(cmd.Context(), args[0])
		},
	}
}

func dryrun(ctx context.Context, path string) error {
	spec, err := model.LoadSpecFile(path)
	if err != nil {
		return err
	}

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(5 * time.Second)

	if _, err := app.registry.Load(spec); err != nil {
		return err
	}
	report, err := app.manager.DryRun(ctx, spec.Name)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s resolves to artifact %s (runner %s)\n",
		okColor("ok"), report.Model, report.Artifact.Name, report.Artifact.Runner)
	fmt.Printf("    bundle: %d bytes, digest %s\n", report.Size, report.Digest)
	for _, f := range report.Files {
		fmt.Printf("    - %s\n", f)
	}
	return nil
}
