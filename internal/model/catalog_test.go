package model

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/d53dave/cgopt/internal/apperrors"
)

type stubTarget struct {
	Dims  int     `json:"dimensions"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

func (t *stubTarget) Tag() string     { return "stub-target" }
func (t *stubTarget) Dimensions() int { return t.Dims }

func (t *stubTarget) InitialState(rng *rand.Rand) []float64 {
	return make([]float64, t.Dims)
}

func (t *stubTarget) Neighbor(rng *rand.Rand, state []float64, temp float64) []float64 {
	next := make([]float64, len(state))
	copy(next, state)
	return next
}

func (t *stubTarget) Evaluate(state []float64) float64 { return 0 }

type stubStrategy struct {
	InitialTemp float64 `json:"initial_temp"`
}

func (s *stubStrategy) Tag() string { return "stub-strategy" }

func (s *stubStrategy) Solve(ctx context.Context, target Target, run RunConfig, emit func(Candidate)) (Candidate, error) {
	c := Candidate{State: target.InitialState(rand.New(rand.NewSource(run.Seed)))}
	emit(c)
	return c, nil
}

func newStubCatalog() *Catalog {
	c := NewCatalog()
	c.RegisterTarget("stub-target", func() Target { return &stubTarget{} })
	c.RegisterStrategy("stub-strategy", func() Strategy { return &stubStrategy{} })
	return c
}

func TestCatalogDecodeTarget(t *testing.T) {
	t.Parallel()
	c := newStubCatalog()

	target, err := c.DecodeTarget(VariantSpec{
		"type":       "StubTarget",
		"dimensions": 4,
		"lower":      -5.0,
		"upper":      5.0,
	})
	if err != nil {
		t.Fatalf("DecodeTarget returned error: %v", err)
	}

	stub, ok := target.(*stubTarget)
	if !ok {
		t.Fatalf("expected *stubTarget, got %T", target)
	}
	if stub.Dims != 4 {
		t.Errorf("expected 4 dimensions, got %d", stub.Dims)
	}
	if stub.Lower != -5.0 || stub.Upper != 5.0 {
		t.Errorf("expected bounds [-5, 5], got [%v, %v]", stub.Lower, stub.Upper)
	}
}

func TestCatalogDecodeStrategy(t *testing.T) {
	t.Parallel()
	c := newStubCatalog()

	strategy, err := c.DecodeStrategy(VariantSpec{
		"type":         "stub_strategy",
		"initial_temp": 500.0,
	})
	if err != nil {
		t.Fatalf("DecodeStrategy returned error: %v", err)
	}

	stub, ok := strategy.(*stubStrategy)
	if !ok {
		t.Fatalf("expected *stubStrategy, got %T", strategy)
	}
	if stub.InitialTemp != 500.0 {
		t.Errorf("expected initial temp 500, got %v", stub.InitialTemp)
	}
}

func TestCatalogDecodeUnregistered(t *testing.T) {
	t.Parallel()
	c := newStubCatalog()

	if _, err := c.DecodeTarget(VariantSpec{"type": "no-such-target"}); !errors.Is(err, apperrors.ErrUnresolvedType) {
		t.Errorf("expected ErrUnresolvedType for unknown target, got %v", err)
	}
	if _, err := c.DecodeStrategy(VariantSpec{"type": "no-such-strategy"}); !errors.Is(err, apperrors.ErrUnresolvedType) {
		t.Errorf("expected ErrUnresolvedType for unknown strategy, got %v", err)
	}
}

func TestCatalogDecodeMissingType(t *testing.T) {
	t.Parallel()
	c := newStubCatalog()

	if _, err := c.DecodeTarget(VariantSpec{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for missing target type, got %v", err)
	}
	if _, err := c.DecodeStrategy(VariantSpec{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for missing strategy type, got %v", err)
	}
}

func TestCatalogHasAndTags(t *testing.T) {
	t.Parallel()
	c := newStubCatalog()

	// Lookup is canonical: any spelling of a registered tag matches.
	if !c.HasTarget("StubTarget") {
		t.Error("expected HasTarget to match CamelCase spelling")
	}
	if !c.HasStrategy("stub_strategy") {
		t.Error("expected HasStrategy to match snake_case spelling")
	}
	if c.HasTarget("unknown") {
		t.Error("expected HasTarget to be false for unregistered tag")
	}

	if tags := c.TargetTags(); len(tags) != 1 || tags[0] != "stub-target" {
		t.Errorf("unexpected target tags: %v", tags)
	}
	if tags := c.StrategyTags(); len(tags) != 1 || tags[0] != "stub-strategy" {
		t.Errorf("unexpected strategy tags: %v", tags)
	}
}
