package twinsentry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// A Profile is the streaming statistical baseline of one metric of one twin.
//
// Mean and variance follow Welford's online algorithm; M2 is the running sum of
// squared differences from the mean. EWMA tracks drift with the modeler's decay
// factor. Profiles are values: a Profile handed out by the Modeler is a copy.
type Profile struct {
	Metric     string    `json:"metric"`
	Count      int64     `json:"count"`
	Mean       float64   `json:"mean"`
	M2         float64   `json:"m2"`
	EWMA       float64   `json:"ewma"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	P95        Quantile  `json:"p95"`
	LastUpdate time.Time `json:"last_baseline_update"`
}

// Variance returns the sample variance, or zero for fewer than two
// observations.
func (p Profile) Variance() float64 {
	if p.Count < 2 {
		return 0
	}
	return p.M2 / float64(p.Count-1)
}

// StdDev returns the sample standard deviation.
func (p Profile) StdDev() float64 { return math.Sqrt(p.Variance()) }

// Mature reports whether the profile holds enough observations for its
// variance to be meaningful.
func (p Profile) Mature(minSamples int64) bool { return p.Count >= minSamples }

// Score returns the deviation of v from the baseline in standard deviations.
// The standard deviation is floored at epsilon so near-constant metrics do not
// divide by zero.
func (p Profile) Score(v, epsilon float64) float64 {
	return math.Abs(v-p.Mean) / math.Max(p.StdDev(), epsilon)
}

func (p *Profile) observe(v, alpha float64, ts time.Time) {
	if p.Count == 0 {
		p.EWMA, p.Min, p.Max = v, v, v
	} else {
		p.EWMA = alpha*v + (1-alpha)*p.EWMA
		p.Min = math.Min(p.Min, v)
		p.Max = math.Max(p.Max, v)
	}
	p.Count++
	delta := v - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (v - p.Mean)
	p.P95.Observe(v)
	p.LastUpdate = ts
}

// Modeler maintains baselines per (twin, metric). Profiles are created lazily
// on the first observation and only removed by Reset or Discard. A discarded
// twin never holds baselines again: later observations of it are ignored.
//
// The Modeler does not decide when to learn: callers observe only samples of
// HEALTHY twins, so anomalous periods never train the baseline.
type Modeler struct {
	alpha      float64
	minSamples int64

	mu      sync.RWMutex
	twins   map[string]*profileSet
	retired map[string]struct{} // discarded twins
}

type profileSet struct {
	mu sync.Mutex
	m  map[string]*Profile
}

// NewModeler returns a Modeler with EWMA decay alpha whose profiles mature
// after minSamples observations.
func NewModeler(alpha float64, minSamples int) *Modeler {
	return &Modeler{
		alpha:      alpha,
		minSamples: int64(minSamples),
		twins:      make(map[string]*profileSet),
		retired:    make(map[string]struct{}),
	}
}

// MinSamples returns the maturity threshold.
func (m *Modeler) MinSamples() int64 { return m.minSamples }

func (m *Modeler) set(twinID string, create bool) *profileSet {
	m.mu.RLock()
	ps := m.twins[twinID]
	m.mu.RUnlock()
	if ps != nil || !create {
		return ps
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retired[twinID]; ok {
		return nil
	}
	if ps = m.twins[twinID]; ps == nil {
		ps = &profileSet{m: make(map[string]*Profile)}
		m.twins[twinID] = ps
	}
	return ps
}

// Observe adds a value to the baseline of (twinID, metric) and returns the
// updated profile. Observations of discarded twins return a zero Profile.
func (m *Modeler) Observe(twinID, metric string, v float64, ts time.Time) Profile {
	ps := m.set(twinID, true)
	if ps == nil {
		return Profile{}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.m[metric]
	if !ok {
		p = &Profile{Metric: metric, P95: NewQuantile(0.95)}
		ps.m[metric] = p
	}
	p.observe(v, m.alpha, ts)
	return *p
}

// Profile returns a copy of the baseline of (twinID, metric).
func (m *Modeler) Profile(twinID, metric string) (Profile, bool) {
	ps := m.set(twinID, false)
	if ps == nil {
		return Profile{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.m[metric]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Profiles returns copies of every baseline of a twin.
func (m *Modeler) Profiles(twinID string) map[string]Profile {
	ps := m.set(twinID, false)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[string]Profile, len(ps.m))
	for name, p := range ps.m {
		out[name] = *p
	}
	return out
}

// IsMature reports whether the baseline of (twinID, metric) has at least
// MinSamples observations.
func (m *Modeler) IsMature(twinID, metric string) bool {
	p, ok := m.Profile(twinID, metric)
	return ok && p.Mature(m.minSamples)
}

// Reset drops the named baselines of a twin, or all of them when no metric is
// named. It is the operator's manual reset.
func (m *Modeler) Reset(twinID string, metrics ...string) {
	ps := m.set(twinID, false)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(metrics) == 0 {
		clear(ps.m)
		return
	}
	for _, name := range metrics {
		delete(ps.m, name)
	}
}

// Discard forgets every baseline of a twin for good.
func (m *Modeler) Discard(twinID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.twins, twinID)
	m.retired[twinID] = struct{}{}
}

// Restore replaces the baselines of a twin, typically from a checkpoint.
func (m *Modeler) Restore(twinID string, profiles []Profile) {
	ps := &profileSet{m: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		p := p
		ps.m[p.Metric] = &p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retired[twinID]; ok {
		return
	}
	m.twins[twinID] = ps
}

// Twins returns the ids of twins holding baselines, sorted.
func (m *Modeler) Twins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.twins))
	for id := range m.twins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
