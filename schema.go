package twinsentry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"gopkg.in/yaml.v3"
)

// A Range is an inclusive interval of metric values.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within r, bounds included.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// A MetricSpec declares one metric of a kind: the values the ingestion boundary
// accepts at all, and the ranges used to classify health.
//
// Classification is best-first: a value inside Normal is HEALTHY, else inside
// Warning is DEGRADED, else inside Critical is CRITICAL. Values outside every
// declared range are CRITICAL when any threshold is declared, and HEALTHY when
// the metric has no thresholds at all.
type MetricSpec struct {
	Valid    *Range `yaml:"valid,omitempty"`
	Normal   *Range `yaml:"normal,omitempty"`
	Warning  *Range `yaml:"warning,omitempty"`
	Critical *Range `yaml:"critical,omitempty"`
}

// Classify returns the health classification of a single value.
func (m MetricSpec) Classify(v float64) Health {
	switch {
	case m.Normal != nil && m.Normal.Contains(v):
		return HealthHealthy
	case m.Warning != nil && m.Warning.Contains(v):
		return HealthDegraded
	case m.Critical != nil && m.Critical.Contains(v):
		return HealthCritical
	case m.Normal != nil || m.Warning != nil || m.Critical != nil:
		return HealthCritical
	default:
		return HealthHealthy
	}
}

func (m MetricSpec) validate() error {
	for name, r := range map[string]*Range{"valid": m.Valid, "normal": m.Normal, "warning": m.Warning, "critical": m.Critical} {
		if r == nil {
			continue
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max {
			return fmt.Errorf("%s range [%v, %v] is empty", name, r.Min, r.Max)
		}
	}
	return nil
}

// A KindSchema is the typed metric schema of one twin kind. Strict schemas
// reject payloads carrying undeclared metrics.
type KindSchema struct {
	Strict  bool                  `yaml:"strict"`
	Metrics map[string]MetricSpec `yaml:"metrics"`
}

// Schemas maps twin kinds to their schema. Kinds without a schema (including
// the "unknown" kind of auto-registered twins) accept any numeric metric and
// always classify HEALTHY.
type Schemas map[string]KindSchema

// Validate checks every declared range.
func (s Schemas) Validate() error {
	kinds := make([]string, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var errs []error
	for _, kind := range kinds {
		for metric, spec := range s[kind].Metrics {
			if err := spec.validate(); err != nil {
				errs = append(errs, fmt.Errorf("kind %q: metric %q: %w", kind, metric, err))
			}
		}
	}
	return errors.Join(errs...)
}

// lookup returns the spec of a metric, whether the metric is declared, and
// whether the kind is strict.
func (s Schemas) lookup(kind, metric string) (spec MetricSpec, declared, strict bool) {
	ks, ok := s[kind]
	if !ok {
		return MetricSpec{}, false, false
	}
	spec, declared = ks.Metrics[metric]
	return spec, declared, ks.Strict
}

// classify returns the worst classification across all readings.
func (s Schemas) classify(kind string, state map[string]Reading) Health {
	worst := HealthHealthy
	for metric, r := range state {
		spec, declared, _ := s.lookup(kind, metric)
		if !declared {
			continue
		}
		if h := spec.Classify(r.Value); severer(h, worst) {
			worst = h
		}
	}
	return worst
}

// severer orders the classification outcomes: CRITICAL > DEGRADED > HEALTHY.
func severer(a, b Health) bool {
	rank := func(h Health) int {
		switch h {
		case HealthCritical:
			return 2
		case HealthDegraded:
			return 1
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}

// LoadSchemas decodes kind schemas from YAML. The document has a single
// top-level "kinds" mapping:
//
//	kinds:
//	  sensor:
//	    strict: true
//	    metrics:
//	      temperature:
//	        valid: {min: -40, max: 125}
//	        normal: {min: 15, max: 30}
//	        warning: {min: 5, max: 40}
//
// Unknown keys are rejected.
func LoadSchemas(r io.Reader) (Schemas, error) {
	var doc struct {
		Kinds Schemas `yaml:"kinds"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := doc.Kinds.Validate(); err != nil {
		return nil, err
	}
	return doc.Kinds, nil
}
