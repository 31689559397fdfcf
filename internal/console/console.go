// Package console maps the interactive command surface onto the manager
// and its collaborators: get, load, set, start, abort, dryrun, batch, plus
// the jobs/models listings. Handlers return a success flag and a short
// human-readable message with the structured payload alongside, so the
// same surface serves the interactive shell and one-shot CLI subcommands
// without either formatting for the other.
package console

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/job"
	"github.com/d53dave/cgopt/internal/model"
	"github.com/d53dave/cgopt/internal/orchestrator"
)

// Response is the outcome of one console command.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

// Console exposes the command surface over a manager, registry and job
// table.
type Console struct {
	manager  *orchestrator.Manager
	registry *model.Registry
	store    *job.Store
}

// New creates a console.
func New(manager *orchestrator.Manager, registry *model.Registry, store *job.Store) *Console {
	return &Console{manager: manager, registry: registry, store: store}
}

// Dispatch routes one parsed command line. Unknown commands and missing
// arguments come back as failed responses with a usage hint, never as
// errors: the shell prints the message either way.
func (c *Console) Dispatch(ctx context.Context, command string, args []string) Response {
	switch command {
	case "get":
		if len(args) != 1 {
			return usage("get <jobId>")
		}
		return c.Get(args[0])
	case "load":
		if len(args) < 2 {
			return usage("load <model> <spec | @file>")
		}
		return c.Load(args[0], strings.Join(args[1:], " "))
	case "set":
		if len(args) != 3 {
			return usage("set <model> <field> <value>")
		}
		return c.Set(args[0], args[1], args[2])
	case "start":
		if len(args) != 1 {
			return usage("start <model | jobId>")
		}
		return c.Start(ctx, args[0])
	case "abort":
		if len(args) != 1 {
			return usage("abort <jobId>")
		}
		return c.Abort(ctx, args[0])
	case "dryrun":
		if len(args) != 1 {
			return usage("dryrun <model | jobId>")
		}
		return c.DryRun(ctx, args[0])
	case "batch":
		if len(args) != 0 {
			return usage("batch")
		}
		return c.Batch(ctx)
	case "jobs":
		return c.Jobs()
	case "models":
		return c.Models()
	default:
		return Response{Message: fmt.Sprintf("unknown command %q (commands: get, load, set, start, abort, dryrun, batch, jobs, models)", command)}
	}
}

// JobResults is the Get payload: the job row plus everything its run has
// reported so far.
type JobResults struct {
	Job     job.Job              `json:"job"`
	Results []job.ResultSnapshot `json:"results"`
}

// Get returns the job's current results without blocking.
func (c *Console) Get(id string) Response {
	j, err := c.store.Get(id)
	if err != nil {
		return fail(err)
	}
	rows, status, err := c.store.Results(id, 0)
	if err != nil {
		return fail(err)
	}

	msg := fmt.Sprintf("job %s is %s with %d result(s)", id, status, len(rows))
	if best, ok := bestEnergy(rows); ok {
		msg += fmt.Sprintf(", best energy %g", best)
	}
	return Response{OK: true, Message: msg, Payload: JobResults{Job: j, Results: rows}}
}

// Load parses the spec document (inline YAML/JSON, or @path to read a
// file) and loads it under the given name. A document may omit its name;
// when it carries one it must match the argument.
func (c *Console) Load(name, document string) Response {
	data := []byte(document)
	if path, ok := strings.CutPrefix(document, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return fail(apperrors.Validation("spec", fmt.Sprintf("read model spec: %v", err)))
		}
		data = b
	}

	var spec model.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fail(apperrors.Validation("spec", fmt.Sprintf("malformed model spec: %v", err)))
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name {
		return fail(apperrors.Validation("name", fmt.Sprintf("spec names model %q, command names %q", spec.Name, name)))
	}

	m, err := c.registry.Load(spec)
	if err != nil {
		return fail(err)
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("model %s loaded (%s / %s)", name, m.Spec.TargetTag(), m.Spec.StrategyTag()),
		Payload: m,
	}
}

// Set mutates one field of a loaded model. Jobs already submitted keep
// their snapshot; only future submissions see the change.
func (c *Console) Set(name, field, value string) Response {
	if err := c.registry.Set(name, field, value); err != nil {
		return fail(err)
	}
	m, err := c.registry.Get(name)
	if err != nil {
		return fail(err)
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("model %s: %s = %s", name, field, value),
		Payload: m,
	}
}

// Start submits a job for a loaded model, or retries a terminal job id.
func (c *Console) Start(ctx context.Context, nameOrID string) Response {
	j, err := c.manager.Start(ctx, nameOrID)
	if err != nil {
		return fail(err)
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("job %s started for model %s", j.ID, j.ModelName),
		Payload: j,
	}
}

// Abort requests abort of a live job.
func (c *Console) Abort(ctx context.Context, id string) Response {
	j, err := c.manager.Abort(ctx, id)
	if err != nil {
		return fail(err)
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("abort of job %s requested (was %s)", id, j.Status),
		Payload: j,
	}
}

// DryRun resolves and validates without touching the compute fabric.
func (c *Console) DryRun(ctx context.Context, nameOrID string) Response {
	report, err := c.manager.DryRun(ctx, nameOrID)
	if err != nil {
		return fail(err)
	}
	return Response{
		OK: true,
		Message: fmt.Sprintf("model %s resolves to artifact %s (digest %.12s, %d file(s), %d bytes)",
			report.Model, report.Artifact.Name, report.Digest, len(report.Files), report.Size),
		Payload: report,
	}
}

// BatchReport is the Batch payload.
type BatchReport struct {
	Started  []job.Job         `json:"started"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Batch submits one job per loaded model. The response is OK when every
// model started; per-model failures are reported without stopping the rest.
func (c *Console) Batch(ctx context.Context) Response {
	started, failures := c.manager.StartBatch(ctx)

	report := BatchReport{Started: started}
	if len(failures) > 0 {
		report.Failures = make(map[string]string, len(failures))
		for name, err := range failures {
			report.Failures[name] = err.Error()
		}
	}

	total := len(started) + len(failures)
	if total == 0 {
		return Response{Message: "no models loaded", Payload: report}
	}
	return Response{
		OK:      len(failures) == 0,
		Message: fmt.Sprintf("started %d of %d model(s)", len(started), total),
		Payload: report,
	}
}

// Jobs lists every job row.
func (c *Console) Jobs() Response {
	jobs := c.store.List()
	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d job(s), %d active", len(jobs), c.store.Active()),
		Payload: jobs,
	}
}

// Models lists the loaded models.
func (c *Console) Models() Response {
	models := c.registry.List()
	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d model(s) loaded", len(models)),
		Payload: models,
	}
}

func fail(err error) Response {
	return Response{Message: err.Error()}
}

func usage(u string) Response {
	return Response{Message: "usage: " + u}
}

func bestEnergy(rows []job.ResultSnapshot) (float64, bool) {
	if len(rows) == 0 {
		return 0, false
	}
	best := rows[0].Candidate.Energy
	for _, r := range rows[1:] {
		if r.Candidate.Energy < best {
			best = r.Candidate.Energy
		}
	}
	return best, true
}
