// Package anneal provides the reference optimization variants: benchmark
// targets and a classic simulated annealing strategy. They give local mode,
// dryrun and end-to-end tests something real to execute; production models
// register their own variants the same way.
package anneal

import (
	"context"
	"math"
	"math/rand"
	"slices"

	"github.com/d53dave/cgopt/internal/artifact"
	"github.com/d53dave/cgopt/internal/model"
)

// Register adds all reference variants to a catalog.
func Register(c *model.Catalog) {
	c.RegisterTarget("ackley-target", func() model.Target { return &Ackley{} })
	c.RegisterTarget("rastrigin-target", func() model.Target { return &Rastrigin{} })
	c.RegisterStrategy("classic-sa", func() model.Strategy { return &ClassicSA{} })
}

// RegisterArtifacts maps every reference pair to the builtin runner so any
// agent can execute it from its compiled-in catalog.
func RegisterArtifacts(r *artifact.Resolver) {
	for _, target := range []string{"ackley-target", "rastrigin-target"} {
		r.Register(target, "classic-sa", artifact.Ref{Runner: artifact.RunnerBuiltin})
	}
}

// ClassicSA is geometric-cooling simulated annealing with Metropolis
// acceptance. Tuning comes from the variant options first, then the model's
// params map, then defaults.
type ClassicSA struct {
	InitialTemp  float64 `json:"initial_temp"`
	MinTemp      float64 `json:"min_temp"`
	Cooling      float64 `json:"cooling"`
	ItersPerTemp int     `json:"iters_per_temp"`
}

// Tag implements model.Strategy.
func (s *ClassicSA) Tag() string { return "classic-sa" }

// Solve implements model.Strategy. It emits each improving candidate and
// returns the best one found. Cancellation stops the search and returns the
// best so far without error once at least one candidate exists.
func (s *ClassicSA) Solve(ctx context.Context, target model.Target, run model.RunConfig, emit func(model.Candidate)) (model.Candidate, error) {
	initialTemp := s.param(s.InitialTemp, run.Params, "initial_temp", 10.0)
	minTemp := s.param(s.MinTemp, run.Params, "min_temp", 1e-3)
	cooling := s.param(s.Cooling, run.Params, "cooling", 0.95)
	itersPerTemp := s.ItersPerTemp
	if itersPerTemp <= 0 {
		if v, ok := run.Params["iters_per_temp"]; ok && v >= 1 {
			itersPerTemp = int(v)
		} else {
			itersPerTemp = 100
		}
	}
	if cooling <= 0 || cooling >= 1 {
		cooling = 0.95
	}

	rng := rand.New(rand.NewSource(run.Seed))

	state := target.InitialState(rng)
	energy := target.Evaluate(state)
	best := model.Candidate{State: slices.Clone(state), Energy: energy}
	emit(best)

	var iter uint64
	for temp := initialTemp; temp > minTemp; temp *= cooling {
		for i := 0; i < itersPerTemp; i++ {
			select {
			case <-ctx.Done():
				return best, nil
			default:
			}

			iter++
			next := target.Neighbor(rng, state, temp/initialTemp)
			nextEnergy := target.Evaluate(next)

			if s.accept(nextEnergy-energy, temp, rng) {
				state = next
				energy = nextEnergy
				if energy < best.Energy {
					best = model.Candidate{State: slices.Clone(state), Energy: energy, Iteration: iter}
					emit(best)
				}
			}
		}
	}

	return best, nil
}

// accept applies the Metropolis criterion.
func (s *ClassicSA) accept(delta, temp float64, rng *rand.Rand) bool {
	if delta <= 0 {
		return true
	}
	return rng.Float64() < math.Exp(-delta/temp)
}

func (s *ClassicSA) param(explicit float64, params map[string]float64, key string, def float64) float64 {
	if explicit > 0 {
		return explicit
	}
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}
