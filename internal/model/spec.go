package model

import (
	"fmt"
	"maps"
	"os"
	"regexp"

	"github.com/d53dave/cgopt/internal/apperrors"
	"gopkg.in/yaml.v3"
)

// Validation limits
const (
	maxModelNameLength = 64
	maxTagLength       = 128
	maxDimensions      = 8192
	maxMapEntries      = 64
	maxMapKeyLength    = 64
)

// modelNamePattern allows alphanumeric, hyphens, and underscores
var modelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// VariantSpec selects a registered variant by its "type" tag and carries
// the variant's own options alongside it. Decoded structurally so each
// variant can define its own fields.
type VariantSpec map[string]any

// Type returns the raw (non-canonical) type tag, or "" if absent.
func (v VariantSpec) Type() string {
	t, _ := v["type"].(string)
	return t
}

// WithDefault returns a copy of the spec with key set to value unless the
// spec already carries that key.
func (v VariantSpec) WithDefault(key string, value any) VariantSpec {
	if _, ok := v[key]; ok {
		return v
	}
	out := make(VariantSpec, len(v)+1)
	maps.Copy(out, v)
	out[key] = value
	return out
}

// clone returns a deep copy. Variant options are scalars in practice, so a
// shallow copy of the map is sufficient isolation for Set/snapshot rules.
func (v VariantSpec) clone() VariantSpec {
	if v == nil {
		return nil
	}
	out := make(VariantSpec, len(v))
	maps.Copy(out, v)
	return out
}

// Spec is the declarative definition of a model: which target and strategy
// variants to instantiate and the static configuration they run under.
type Spec struct {
	Name         string             `yaml:"name" json:"name"`
	Target       VariantSpec        `yaml:"target" json:"target"`
	Strategy     VariantSpec        `yaml:"strategy" json:"strategy"`
	Dimensions   int                `yaml:"dimensions" json:"dimensions"`
	Precision    Precision          `yaml:"precision" json:"precision"`
	Distribution Distribution       `yaml:"distribution" json:"distribution"`
	Globals      map[string]float64 `yaml:"globals" json:"globals,omitempty"`
	Params       map[string]float64 `yaml:"params" json:"params,omitempty"`
}

// TargetTag returns the canonical tag of the target variant.
func (s Spec) TargetTag() string {
	return CanonicalTag(s.Target.Type())
}

// StrategyTag returns the canonical tag of the strategy variant.
func (s Spec) StrategyTag() string {
	return CanonicalTag(s.Strategy.Type())
}

// Clone returns a deep copy of the spec. Jobs snapshot the spec at
// submission so later Set calls cannot change a run mid-flight.
func (s Spec) Clone() Spec {
	out := s
	out.Target = s.Target.clone()
	out.Strategy = s.Strategy.clone()
	out.Globals = maps.Clone(s.Globals)
	out.Params = maps.Clone(s.Params)
	return out
}

// RunConfig assembles the run-level configuration a Strategy receives.
func (s Spec) RunConfig(seed int64) RunConfig {
	return RunConfig{
		Seed:         seed,
		Dimensions:   s.Dimensions,
		Precision:    s.Precision,
		Distribution: s.Distribution,
		Globals:      maps.Clone(s.Globals),
		Params:       maps.Clone(s.Params),
	}
}

// ApplyDefaults fills unset fields with defaults.
func (s *Spec) ApplyDefaults() {
	if s.Precision == "" {
		s.Precision = PrecisionFloat32
	}
	if s.Distribution == "" {
		s.Distribution = DistributionUniform
	}
	if s.Dimensions <= 0 {
		s.Dimensions = 1
	}
}

// Validate checks a spec. Does not modify it; callers apply defaults first.
func (s Spec) Validate() error {
	if s.Name == "" {
		return apperrors.Validation("name", "model name is required")
	}
	if len(s.Name) > maxModelNameLength {
		return apperrors.Validation("name", fmt.Sprintf("model name exceeds maximum length of %d", maxModelNameLength))
	}
	if !modelNamePattern.MatchString(s.Name) {
		return apperrors.Validation("name", "model name must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	if s.Target.Type() == "" {
		return apperrors.Validation("target.type", "target type is required")
	}
	if len(s.Target.Type()) > maxTagLength {
		return apperrors.Validation("target.type", fmt.Sprintf("target type exceeds maximum length of %d", maxTagLength))
	}
	if s.Strategy.Type() == "" {
		return apperrors.Validation("strategy.type", "strategy type is required")
	}
	if len(s.Strategy.Type()) > maxTagLength {
		return apperrors.Validation("strategy.type", fmt.Sprintf("strategy type exceeds maximum length of %d", maxTagLength))
	}

	if s.Dimensions <= 0 {
		return apperrors.Validation("dimensions", "dimensions must be positive")
	}
	if s.Dimensions > maxDimensions {
		return apperrors.Validation("dimensions", fmt.Sprintf("dimensions exceed maximum of %d", maxDimensions))
	}

	switch s.Precision {
	case PrecisionFloat32, PrecisionFloat64:
	default:
		return apperrors.Validation("precision", fmt.Sprintf("precision must be %q or %q", PrecisionFloat32, PrecisionFloat64))
	}

	switch s.Distribution {
	case DistributionUniform, DistributionNormal:
	default:
		return apperrors.Validation("distribution", fmt.Sprintf("distribution must be %q or %q", DistributionUniform, DistributionNormal))
	}

	if err := validateMap("globals", s.Globals); err != nil {
		return err
	}
	if err := validateMap("params", s.Params); err != nil {
		return err
	}

	return nil
}

func validateMap(field string, m map[string]float64) error {
	if len(m) > maxMapEntries {
		return apperrors.Validation(field, fmt.Sprintf("%s exceed maximum of %d entries", field, maxMapEntries))
	}
	for k := range m {
		if k == "" {
			return apperrors.Validation(field, fmt.Sprintf("%s keys must not be empty", field))
		}
		if len(k) > maxMapKeyLength {
			return apperrors.Validation(field, fmt.Sprintf("%s key exceeds maximum length of %d", field, maxMapKeyLength))
		}
	}
	return nil
}

// LoadSpecFile reads a model spec from a YAML file, applies defaults, and
// validates it.
func LoadSpecFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read model spec: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes a YAML (or JSON, which YAML subsumes) model spec,
// applies defaults, and validates it.
func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, apperrors.Validation("spec", fmt.Sprintf("malformed model spec: %v", err))
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
