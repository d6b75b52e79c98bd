package twinsentry

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A Rule is one independent detection rule. Rules see the same Input and never
// depend on each other's output, so their order does not matter.
type Rule interface {
	ID() string
	Evaluate(in *Input) []AnomalyEvent
}

// Input is everything a Rule may look at. It is assembled by the Detector and
// must be treated as read-only.
type Input struct {
	// Twin is the snapshot after the sample was applied; its State is the twin's
	// full current sample.
	Twin Twin
	// Sample holds the metrics applied by this update only.
	Sample Sample
	// Baselines are the twin's profiles as they were before this sample.
	Baselines  map[string]Profile
	MinSamples int64
	Epsilon    float64
	Patterns   PatternConfig
	// Bursts are the timestamps of recent bursts of the beacon metric, oldest
	// first, including this sample when it was a burst.
	Bursts []time.Time
	// PayloadSizes are recent values of the payload-size metric, oldest first.
	PayloadSizes []float64
}

// mature returns the baseline of metric if it exists and is mature.
func (in *Input) mature(metric string) (Profile, bool) {
	p, ok := in.Baselines[metric]
	if !ok || !p.Mature(in.MinSamples) {
		return Profile{}, false
	}
	return p, true
}

// Detector compares samples against baselines. Apart from bounded per-twin
// windows used by the pattern rules, it keeps no state and performs no I/O.
type Detector struct {
	baselines *Modeler
	epsilon   float64
	patterns  PatternConfig
	rules     []Rule
	now       func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	bursts []time.Time
	sizes  []float64
}

// DefaultRules returns the per-metric deviation rule and every pattern rule.
func DefaultRules() []Rule {
	return []Rule{
		DeviationRule{},
		SpikeRule{},
		FloodRule{},
		BeaconRule{},
		EntropyRule{},
	}
}

// NewDetector returns a Detector reading baselines from m. A nil clock defaults
// to time.Now and nil rules to DefaultRules.
func NewDetector(m *Modeler, epsilon float64, patterns PatternConfig, rules []Rule, clock func() time.Time) *Detector {
	if clock == nil {
		clock = time.Now
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Detector{
		baselines: m,
		epsilon:   epsilon,
		patterns:  patterns,
		rules:     rules,
		now:       clock,
		windows:   make(map[string]*window),
	}
}

// Evaluate runs every rule against a sample of twin t and returns the events
// that fired, possibly several (e.g. one per metric plus a pattern). Baselines
// must not yet include the sample.
func (d *Detector) Evaluate(t Twin, s Sample) []AnomalyEvent {
	in := &Input{
		Twin:       t,
		Sample:     s,
		Baselines:  d.baselines.Profiles(t.ID),
		MinSamples: d.baselines.MinSamples(),
		Epsilon:    d.epsilon,
		Patterns:   d.patterns,
	}
	in.Bursts, in.PayloadSizes = d.advance(in)

	var events []AnomalyEvent
	now := d.now()
	for _, r := range d.rules {
		for _, ev := range r.Evaluate(in) {
			ev.ID = uuid.NewString()
			ev.TwinID = t.ID
			ev.RuleID = r.ID()
			ev.DetectedAt = now
			events = append(events, ev)
		}
	}
	return events
}

// advance appends the sample to the twin's windows and returns copies.
func (d *Detector) advance(in *Input) ([]time.Time, []float64) {
	cfg := d.patterns
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windows[in.Twin.ID]
	if w == nil {
		w = &window{}
		d.windows[in.Twin.ID] = w
	}

	if v, ok := in.Sample.Metrics[cfg.BeaconMetric]; ok {
		if p, ok := in.mature(cfg.BeaconMetric); ok && v >= p.Mean+cfg.BeaconBurstScore*math.Max(p.StdDev(), d.epsilon) {
			w.bursts = appendBounded(w.bursts, in.Sample.Timestamp, cfg.BeaconWindow+1)
		}
	}
	if v, ok := in.Sample.Metrics[cfg.PayloadSizeMetric]; ok {
		w.sizes = appendBounded(w.sizes, v, cfg.EntropyWindow)
	}
	return append([]time.Time(nil), w.bursts...), append([]float64(nil), w.sizes...)
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0], s[len(s)-limit:]...)
	}
	return s
}

// Forget drops the windows of a twin.
func (d *Detector) Forget(twinID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, twinID)
}

// Rule identifiers.
const (
	RuleDeviation = "metric.deviation"
	RuleSpike     = "pattern.spike"
	RuleFlood     = "pattern.connection_flood"
	RuleBeacon    = "pattern.beacon"
	RuleEntropy   = "pattern.entropy"
)

// DeviationRule scores every metric of the sample against its mature baseline:
// score = |value - mean| / max(stddev, epsilon), banded by ScoreSeverity.
type DeviationRule struct{}

func (DeviationRule) ID() string { return RuleDeviation }

func (DeviationRule) Evaluate(in *Input) []AnomalyEvent {
	names := make([]string, 0, len(in.Sample.Metrics))
	for name := range in.Sample.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []AnomalyEvent
	for _, name := range names {
		p, ok := in.mature(name)
		if !ok {
			continue
		}
		v := in.Sample.Metrics[name]
		score := p.Score(v, in.Epsilon)
		sev, ok := ScoreSeverity(score)
		if !ok {
			continue
		}
		events = append(events, AnomalyEvent{
			Metric:   name,
			Observed: v,
			Score:    score,
			Severity: sev,
		})
	}
	return events
}
