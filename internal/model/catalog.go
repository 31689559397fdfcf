package model

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/d53dave/cgopt/internal/apperrors"
)

// Catalog holds the registered Target and Strategy variants, keyed by
// canonical tag. Variants register a factory returning a zero-value
// instance; decoding unmarshals the variant spec into that instance so
// each variant defines its own option fields.
//
// A Catalog is constructed explicitly and passed to whatever needs to
// instantiate variants (dryrun, the execution agent, tests). There is no
// package-level default.
type Catalog struct {
	mu         sync.RWMutex
	targets    map[string]func() Target
	strategies map[string]func() Strategy
}

// NewCatalog creates an empty variant catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		targets:    make(map[string]func() Target),
		strategies: make(map[string]func() Strategy),
	}
}

// RegisterTarget registers a target variant factory under its canonical tag.
// The factory must return instances whose Tag() matches the registration.
func (c *Catalog) RegisterTarget(tag string, factory func() Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[CanonicalTag(tag)] = factory
}

// RegisterStrategy registers a strategy variant factory under its canonical tag.
func (c *Catalog) RegisterStrategy(tag string, factory func() Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[CanonicalTag(tag)] = factory
}

// HasTarget reports whether a target variant is registered for the tag.
func (c *Catalog) HasTarget(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.targets[CanonicalTag(tag)]
	return ok
}

// HasStrategy reports whether a strategy variant is registered for the tag.
func (c *Catalog) HasStrategy(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.strategies[CanonicalTag(tag)]
	return ok
}

// TargetTags returns the canonical tags of all registered target variants.
func (c *Catalog) TargetTags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]string, 0, len(c.targets))
	for tag := range c.targets {
		tags = append(tags, tag)
	}
	return tags
}

// StrategyTags returns the canonical tags of all registered strategy variants.
func (c *Catalog) StrategyTags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]string, 0, len(c.strategies))
	for tag := range c.strategies {
		tags = append(tags, tag)
	}
	return tags
}

// DecodeTarget instantiates the target variant named by the spec's type tag
// and unmarshals the spec's options into it.
func (c *Catalog) DecodeTarget(spec VariantSpec) (Target, error) {
	tag := CanonicalTag(spec.Type())
	if tag == "" {
		return nil, apperrors.Validation("target.type", "target type is required")
	}

	c.mu.RLock()
	factory, ok := c.targets[tag]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.UnresolvedType(tag, "")
	}

	target := factory()
	if err := decodeVariant(spec, target); err != nil {
		return nil, apperrors.Validation("target", fmt.Sprintf("invalid %s options: %v", tag, err))
	}
	return target, nil
}

// DecodeStrategy instantiates the strategy variant named by the spec's type
// tag and unmarshals the spec's options into it.
func (c *Catalog) DecodeStrategy(spec VariantSpec) (Strategy, error) {
	tag := CanonicalTag(spec.Type())
	if tag == "" {
		return nil, apperrors.Validation("strategy.type", "strategy type is required")
	}

	c.mu.RLock()
	factory, ok := c.strategies[tag]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.UnresolvedType("", tag)
	}

	strategy := factory()
	if err := decodeVariant(spec, strategy); err != nil {
		return nil, apperrors.Validation("strategy", fmt.Sprintf("invalid %s options: %v", tag, err))
	}
	return strategy, nil
}

// decodeVariant unmarshals the spec map into the concrete variant through a
// JSON round trip, so variants declare their options as ordinary struct
// fields with json tags.
func decodeVariant(spec VariantSpec, into any) error {
	data, err := json.Marshal(map[string]any(spec))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}
