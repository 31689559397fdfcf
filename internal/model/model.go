// Package model defines optimization models: the Target and Strategy
// capability interfaces, the declarative Spec loaded from YAML or JSON,
// the variant Catalog that decodes specs into concrete instances, and the
// Registry of loaded models.
package model

import (
	"context"
	"math/rand"
	"strings"
	"unicode"
)

// Precision declares the numeric width the remote kernel should use for
// state vectors. Carried as metadata into the bundle manifest; the engine
// itself always works in float64.
type Precision string

// Supported precisions.
const (
	PrecisionFloat32 Precision = "float32"
	PrecisionFloat64 Precision = "float64"
)

// Distribution selects how randomized state components are drawn.
type Distribution string

// Supported distributions.
const (
	DistributionUniform Distribution = "uniform"
	DistributionNormal  Distribution = "normal"
)

// Candidate is one observed solution: a state vector and its energy.
type Candidate struct {
	State     []float64 `json:"state"`
	Energy    float64   `json:"energy"`
	Iteration uint64    `json:"iteration"`
}

// Target is a problem instance. It owns the search space: initial state,
// neighbor generation, and the objective function. Implementations carry a
// stable type tag so they can be selected by name across process boundaries.
type Target interface {
	// Tag returns the canonical type tag identifying this variant.
	Tag() string

	// Dimensions returns the size of the state vector.
	Dimensions() int

	// InitialState draws a starting state.
	InitialState(rng *rand.Rand) []float64

	// Neighbor derives a new state from the current one. temp is the
	// current annealing temperature, normalized to (0, 1] of the initial.
	Neighbor(rng *rand.Rand, state []float64, temp float64) []float64

	// Evaluate returns the energy of a state. Lower is better.
	Evaluate(state []float64) float64
}

// RunConfig carries the run-level knobs a Strategy receives, assembled from
// a model spec snapshot.
type RunConfig struct {
	Seed         int64              `json:"seed"`
	Dimensions   int                `json:"dimensions"`
	Precision    Precision          `json:"precision"`
	Distribution Distribution       `json:"distribution"`
	Globals      map[string]float64 `json:"globals,omitempty"`
	Params       map[string]float64 `json:"params,omitempty"`
}

// Strategy is an optimization algorithm applied to a Target.
type Strategy interface {
	// Tag returns the canonical type tag identifying this variant.
	Tag() string

	// Solve searches until its stopping criterion is met or ctx is
	// cancelled, calling emit for each improving candidate. It returns the
	// best candidate found. A cancelled ctx is not an error if at least
	// one candidate was found.
	Solve(ctx context.Context, target Target, run RunConfig, emit func(Candidate)) (Candidate, error)
}

// CanonicalTag normalizes a type tag into its canonical form: lower-case
// kebab-case with separator runs collapsed. The same logical type may
// arrive spelled differently (CamelCase from config authors, snake_case
// from generated specs, qualified names from foreign tooling); artifact
// lookups miss unless every spelling maps to one canonical string.
//
//	CanonicalTag("AckleyTarget")  == "ackley-target"
//	CanonicalTag("classic_sa")    == "classic-sa"
//	CanonicalTag("csa::ClassicSA") == "csa-classic-sa"
func CanonicalTag(tag string) string {
	var b strings.Builder
	b.Grow(len(tag) + 4)

	runes := []rune(strings.TrimSpace(tag))
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			boundary := false
			if i > 0 {
				prev := runes[i-1]
				if unicode.IsLower(prev) || unicode.IsDigit(prev) {
					boundary = true
				} else if unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
					// End of an acronym run, e.g. the S in "HTTPServer".
					boundary = true
				}
			}
			if boundary {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '_' || r == ':' || r == '.' || r == '/' || unicode.IsSpace(r):
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}

	// Collapse separator runs and trim.
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '-' })
	return strings.Join(parts, "-")
}
