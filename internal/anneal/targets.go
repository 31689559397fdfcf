package anneal

import (
	"math"
	"math/rand"
)

// Ackley is the Ackley benchmark function. Global minimum 0 at the origin.
// Default domain is [-5, 5] per dimension.
type Ackley struct {
	Dims  int     `json:"dimensions"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	A     float64 `json:"a"`
	B     float64 `json:"b"`
	C     float64 `json:"c"`
}

// Tag implements model.Target.
func (t *Ackley) Tag() string { return "ackley-target" }

// Dimensions implements model.Target.
func (t *Ackley) Dimensions() int { return t.Dims }

// InitialState draws a uniform state within the domain.
func (t *Ackley) InitialState(rng *rand.Rand) []float64 {
	lower, upper := t.bounds()
	return uniformState(rng, t.Dims, lower, upper)
}

// Neighbor perturbs the state with gaussian steps scaled by temperature.
func (t *Ackley) Neighbor(rng *rand.Rand, state []float64, temp float64) []float64 {
	lower, upper := t.bounds()
	return gaussianNeighbor(rng, state, lower, upper, temp)
}

// Evaluate implements model.Target.
func (t *Ackley) Evaluate(state []float64) float64 {
	a, b, c := t.A, t.B, t.C
	if a == 0 {
		a = 20
	}
	if b == 0 {
		b = 0.2
	}
	if c == 0 {
		c = 2 * math.Pi
	}

	n := float64(len(state))
	var sumSq, sumCos float64
	for _, x := range state {
		sumSq += x * x
		sumCos += math.Cos(c * x)
	}
	return -a*math.Exp(-b*math.Sqrt(sumSq/n)) - math.Exp(sumCos/n) + a + math.E
}

func (t *Ackley) bounds() (float64, float64) {
	if t.Lower == 0 && t.Upper == 0 {
		return -5, 5
	}
	return t.Lower, t.Upper
}

// Rastrigin is the Rastrigin benchmark function. Global minimum 0 at the
// origin, domain [-5.12, 5.12] per dimension.
type Rastrigin struct {
	Dims int `json:"dimensions"`
}

// Tag implements model.Target.
func (t *Rastrigin) Tag() string { return "rastrigin-target" }

// Dimensions implements model.Target.
func (t *Rastrigin) Dimensions() int { return t.Dims }

// InitialState draws a uniform state within the domain.
func (t *Rastrigin) InitialState(rng *rand.Rand) []float64 {
	return uniformState(rng, t.Dims, -5.12, 5.12)
}

// Neighbor perturbs the state with gaussian steps scaled by temperature.
func (t *Rastrigin) Neighbor(rng *rand.Rand, state []float64, temp float64) []float64 {
	return gaussianNeighbor(rng, state, -5.12, 5.12, temp)
}

// Evaluate implements model.Target.
func (t *Rastrigin) Evaluate(state []float64) float64 {
	sum := 10 * float64(len(state))
	for _, x := range state {
		sum += x*x - 10*math.Cos(2*math.Pi*x)
	}
	return sum
}

func uniformState(rng *rand.Rand, dims int, lower, upper float64) []float64 {
	if dims <= 0 {
		dims = 1
	}
	state := make([]float64, dims)
	for i := range state {
		state[i] = lower + rng.Float64()*(upper-lower)
	}
	return state
}

// gaussianNeighbor steps each component by a gaussian whose scale shrinks
// with temperature, clamped to the domain. A small floor keeps refinement
// moving at low temperatures.
func gaussianNeighbor(rng *rand.Rand, state []float64, lower, upper, temp float64) []float64 {
	span := upper - lower
	scale := span * (0.1*temp + 0.005)

	next := make([]float64, len(state))
	for i, x := range state {
		v := x + rng.NormFloat64()*scale
		next[i] = math.Max(lower, math.Min(upper, v))
	}
	return next
}
