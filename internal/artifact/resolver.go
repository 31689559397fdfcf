package artifact

import (
	"fmt"
	"slices"
	"sync"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/model"
)

// Ref identifies the deployable artifact for a resolved (target, strategy)
// pair: which runner executes the pair and which extra payload files the
// bundle must carry.
type Ref struct {
	Name        string   `json:"name"`
	Runner      string   `json:"runner"`
	TargetTag   string   `json:"target"`
	StrategyTag string   `json:"strategy"`
	Requires    []string `json:"requires,omitempty"`
}

// RunnerBuiltin is the runner id for pairs the agent executes from its
// compiled-in variant catalog.
const RunnerBuiltin = "builtin"

type pairKey struct {
	target   string
	strategy string
}

// Resolver maps canonical (target, strategy) tag pairs to artifact refs.
// Resolution is pure: a pair always yields the same ref until the catalog
// changes, and resolving never mutates the catalog.
type Resolver struct {
	mu   sync.RWMutex
	refs map[pairKey]Ref
}

// NewResolver returns an empty resolver catalog.
func NewResolver() *Resolver {
	return &Resolver{refs: make(map[pairKey]Ref)}
}

// Register maps a (target, strategy) pair to a ref. Tags are canonicalized
// first, so any spelling of the pair routes to the same entry. Later
// registrations replace earlier ones.
func (r *Resolver) Register(targetTag, strategyTag string, ref Ref) {
	key := pairKey{target: model.CanonicalTag(targetTag), strategy: model.CanonicalTag(strategyTag)}

	ref.TargetTag = key.target
	ref.StrategyTag = key.strategy
	if ref.Name == "" {
		ref.Name = key.target + "+" + key.strategy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[key] = ref
}

// Resolve returns the ref registered for the canonical form of the pair.
func (r *Resolver) Resolve(targetTag, strategyTag string) (Ref, error) {
	key := pairKey{target: model.CanonicalTag(targetTag), strategy: model.CanonicalTag(strategyTag)}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.refs[key]
	if !ok {
		return Ref{}, apperrors.UnresolvedType(key.target, key.strategy)
	}
	return ref, nil
}

// Pairs returns the registered canonical pairs, sorted, for diagnostics.
func (r *Resolver) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make([]string, 0, len(r.refs))
	for key := range r.refs {
		pairs = append(pairs, fmt.Sprintf("(%s, %s)", key.target, key.strategy))
	}
	slices.Sort(pairs)
	return pairs
}
