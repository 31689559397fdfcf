package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/d53dave/cgopt/internal/apperrors"
)

// ManagedModel is a loaded model held by the Registry.
type ManagedModel struct {
	Spec     Spec
	LoadedAt time.Time
}

// Registry holds loaded models by name.
//
// Loading over an existing name is rejected; replacing a model is an
// explicit Unload followed by Load. Mutation goes through Set under a
// per-model lock, and jobs snapshot a model's spec at submission, so a
// Set racing a submission can never change a run mid-flight.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*registryEntry
}

type registryEntry struct {
	mu    sync.Mutex
	model ManagedModel
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*registryEntry),
	}
}

// Load validates the spec and stores it under its name.
func (r *Registry) Load(spec Spec) (ManagedModel, error) {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return ManagedModel{}, err
	}

	m := ManagedModel{
		Spec:     spec.Clone(),
		LoadedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[spec.Name]; exists {
		return ManagedModel{}, apperrors.DuplicateName(spec.Name)
	}
	r.models[spec.Name] = &registryEntry{model: m}

	return m, nil
}

// Get returns a deep copy of the named model.
func (r *Registry) Get(name string) (ManagedModel, error) {
	entry, err := r.entry(name)
	if err != nil {
		return ManagedModel{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	m := entry.model
	m.Spec = entry.model.Spec.Clone()
	return m, nil
}

// Unload removes the named model. Jobs already submitted from it are
// unaffected; they hold their own spec snapshot.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[name]; !exists {
		return apperrors.NotFound("model", name)
	}
	delete(r.models, name)
	return nil
}

// List returns deep copies of all loaded models, sorted by name.
func (r *Registry) List() []ManagedModel {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.models))
	for _, entry := range r.models {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	models := make([]ManagedModel, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		m := entry.model
		m.Spec = entry.model.Spec.Clone()
		entry.mu.Unlock()
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Spec.Name < models[j].Spec.Name })
	return models
}

// Set mutates one field of a loaded model. Supported fields: dimensions,
// precision, distribution, globals.<key>, params.<key>, target.<key>,
// strategy.<key>. Variant type tags are immutable; changing a model's type
// pair requires Unload and Load. The mutation is validated against the full
// spec before it is committed, so a rejected Set leaves the model unchanged.
func (r *Registry) Set(name, field, value string) error {
	entry, err := r.entry(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.model.Spec.Clone()
	if err := applyField(&next, field, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	entry.model.Spec = next
	return nil
}

func (r *Registry) entry(name string) (*registryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.models[name]
	if !exists {
		return nil, apperrors.NotFound("model", name)
	}
	return entry, nil
}

func applyField(spec *Spec, field, value string) error {
	switch {
	case field == "dimensions":
		n, err := strconv.Atoi(value)
		if err != nil {
			return apperrors.Validation("dimensions", fmt.Sprintf("dimensions must be an integer, got %q", value))
		}
		spec.Dimensions = n

	case field == "precision":
		spec.Precision = Precision(value)

	case field == "distribution":
		spec.Distribution = Distribution(value)

	case strings.HasPrefix(field, "globals."):
		key := strings.TrimPrefix(field, "globals.")
		f, err := parseNumber(field, value)
		if err != nil {
			return err
		}
		if spec.Globals == nil {
			spec.Globals = make(map[string]float64)
		}
		spec.Globals[key] = f

	case strings.HasPrefix(field, "params."):
		key := strings.TrimPrefix(field, "params.")
		f, err := parseNumber(field, value)
		if err != nil {
			return err
		}
		if spec.Params == nil {
			spec.Params = make(map[string]float64)
		}
		spec.Params[key] = f

	case strings.HasPrefix(field, "target."):
		return setVariantOption(&spec.Target, "target", strings.TrimPrefix(field, "target."), value)

	case strings.HasPrefix(field, "strategy."):
		return setVariantOption(&spec.Strategy, "strategy", strings.TrimPrefix(field, "strategy."), value)

	default:
		return apperrors.Validation("field", fmt.Sprintf("unknown field %q", field))
	}
	return nil
}

func setVariantOption(v *VariantSpec, section, key, value string) error {
	if key == "type" {
		return apperrors.Validation(section+".type", "variant type is immutable; unload and load the model to change it")
	}
	if *v == nil {
		*v = make(VariantSpec)
	}
	(*v)[key] = parseOption(value)
	return nil
}

// parseOption keeps variant options JSON-shaped: numbers and booleans when
// they parse, strings otherwise.
func parseOption(value string) any {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func parseNumber(field, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, apperrors.Validation(field, fmt.Sprintf("%s must be numeric, got %q", field, value))
	}
	return f, nil
}
