package twinsentry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// UnknownKind is the kind of auto-registered twins.
const UnknownKind = "unknown"

// Store is the authoritative registry of digital twins. It owns every twin
// record; callers only ever receive snapshots.
//
// Access is exclusive per twin: an index lock guards the registry itself and
// is held only to find or insert entries, while each twin carries its own
// mutex. Unrelated twins therefore update in parallel and no update ever
// interleaves with another update of the same twin.
//
// The Store performs no I/O.
type Store struct {
	machine      *StateMachine
	autoRegister bool
	now          func() time.Time

	mu    sync.RWMutex
	twins map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	twin Twin
}

// NewStore returns an empty Store. When autoRegister is set, updates for
// unknown twins register them with UnknownKind; otherwise they fail with
// ErrUnknownTwin. A nil clock defaults to time.Now.
func NewStore(machine *StateMachine, autoRegister bool, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		machine:      machine,
		autoRegister: autoRegister,
		now:          clock,
		twins:        make(map[string]*entry),
	}
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.twins[id]
}

// getOrCreate returns the entry of id, creating it if absent. It reports
// whether the entry was created by this call.
func (s *Store) getOrCreate(id, kind string, md Metadata) (*entry, bool) {
	if e := s.lookup(id); e != nil {
		return e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have won the race between the two locks.
	if e, ok := s.twins[id]; ok {
		return e, false
	}
	if kind == "" {
		kind = UnknownKind
	}
	e := &entry{twin: Twin{
		ID:        id,
		Kind:      kind,
		Lifecycle: LifecyclePending,
		Health:    HealthOffline,
		Metadata:  md.clone(),
		CreatedAt: s.now(),
	}}
	// Registration completes immediately; PENDING is never observable outside.
	e.twin.Lifecycle = LifecycleActive
	s.twins[id] = e
	return e, true
}

// Register creates a twin, or returns the existing one unchanged. Registration
// of a decommissioned id fails with ErrTwinDecommissioned since ids are never
// reused.
func (s *Store) Register(id, kind string, md Metadata) (Twin, error) {
	if id == "" {
		return Twin{}, errors.New("register: empty twin id")
	}
	e, _ := s.getOrCreate(id, kind, md)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.twin.Lifecycle == LifecycleDecommissioned {
		return e.twin.clone(), ErrTwinDecommissioned
	}
	return e.twin.clone(), nil
}

// An Update is the outcome of Store.ApplyUpdate.
type Update struct {
	// Twin is the snapshot after the update, whether or not it was accepted.
	Twin Twin
	// Accepted is set when at least one metric was applied; only then was the
	// version incremented.
	Accepted bool
	// Applied, Stale and Duplicate partition the sample's metrics (sorted).
	// Stale metrics carried a timestamp older than the stored reading and were
	// ignored. Duplicates repeated the stored reading exactly.
	Applied   []string
	Stale     []string
	Duplicate []string
	// Registered is set when the update auto-registered the twin.
	Registered bool
	// Gap counts samples missing before this one, per producer sequence numbers.
	Gap uint64
	// OfflineFor is how long the twin had been silent when this sample revived it
	// from OFFLINE; zero otherwise.
	OfflineFor time.Duration
	// Transitions lists the health changes caused by the update.
	Transitions []TransitionRecord
}

// ApplyUpdate merges a sample into the twin's state using last-write-wins per
// metric: a metric is applied when the sample timestamp is not older than the
// metric's stored reading. Re-applying an identical reading is a no-op, so
// duplicate deliveries leave the twin unchanged.
//
// It fails with ErrUnknownTwin, ErrTwinSuspended or ErrTwinDecommissioned.
// Stale metrics are not an error; they are reported in Update.Stale.
func (s *Store) ApplyUpdate(id string, sample Sample) (Update, error) {
	var u Update
	e := s.lookup(id)
	if e == nil {
		if !s.autoRegister {
			return u, ErrUnknownTwin
		}
		e, u.Registered = s.getOrCreate(id, UnknownKind, Metadata{})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t := &e.twin
	switch t.Lifecycle {
	case LifecycleDecommissioned:
		return u, ErrTwinDecommissioned
	case LifecycleSuspended:
		return u, ErrTwinSuspended
	}
	t.MessageCount++

	names := make([]string, 0, len(sample.Metrics))
	for name := range sample.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := sample.Metrics[name]
		r, ok := t.State[name]
		switch {
		case ok && sample.Timestamp.Before(r.Updated):
			u.Stale = append(u.Stale, name)
		case ok && sample.Timestamp.Equal(r.Updated) && r.Value == v:
			u.Duplicate = append(u.Duplicate, name)
		default:
			u.Applied = append(u.Applied, name)
		}
	}

	if len(u.Applied) > 0 {
		now := s.now()
		if t.State == nil {
			t.State = make(map[string]Reading, len(u.Applied))
		}
		for _, name := range u.Applied {
			t.State[name] = Reading{Value: sample.Metrics[name], Updated: sample.Timestamp}
		}
		t.Version++
		u.Accepted = true

		if sample.Sequence > 0 {
			if t.LastSequence > 0 && sample.Sequence > t.LastSequence+1 {
				u.Gap = sample.Sequence - t.LastSequence - 1
				t.LostSamples += int64(u.Gap)
			}
			if sample.Sequence > t.LastSequence {
				t.LastSequence = sample.Sequence
			}
		}
		if t.Health == HealthOffline && !t.LastSeen.IsZero() {
			u.OfflineFor = now.Sub(t.LastSeen)
		}
		t.LastSeen = now
		u.Transitions = s.machine.OnSample(t, now)
	}
	u.Twin = t.clone()
	return u, nil
}

// Get returns a snapshot of the twin, or ErrNotFound. Decommissioned twins are
// still returned.
func (s *Store) Get(id string) (Twin, error) {
	e := s.lookup(id)
	if e == nil {
		return Twin{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.twin.clone(), nil
}

// KindOf implements KindResolver.
func (s *Store) KindOf(id string) (string, bool) {
	e := s.lookup(id)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.twin.Kind, true
}

// entries returns all entries ordered by twin id.
func (s *Store) entries() []*entry {
	s.mu.RLock()
	ids := make([]string, 0, len(s.twins))
	for id := range s.twins {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e := s.lookup(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// List returns snapshots of the twins matching f, ordered by id.
func (s *Store) List(f Filter) []Twin {
	var out []Twin
	skipped := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		match := f.match(&e.twin)
		var t Twin
		if match {
			t = e.twin.clone()
		}
		e.mu.Unlock()
		if !match {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// with runs fn on the twin of id under its lock. It fails with ErrNotFound, and
// with ErrTwinDecommissioned when the twin is decommissioned.
func (s *Store) with(id string, fn func(t *Twin) []TransitionRecord) ([]TransitionRecord, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.twin.Lifecycle == LifecycleDecommissioned {
		return nil, ErrTwinDecommissioned
	}
	return fn(&e.twin), nil
}

// Suspend moves an active twin to SUSPENDED. Samples of suspended twins are
// rejected with ErrTwinSuspended.
func (s *Store) Suspend(id string) error {
	_, err := s.with(id, func(t *Twin) []TransitionRecord {
		t.Lifecycle = LifecycleSuspended
		return nil
	})
	return err
}

// Resume moves a suspended twin back to ACTIVE.
func (s *Store) Resume(id string) error {
	_, err := s.with(id, func(t *Twin) []TransitionRecord {
		t.Lifecycle = LifecycleActive
		return nil
	})
	return err
}

// Decommission retires the twin for good. It is idempotent.
func (s *Store) Decommission(id string) ([]TransitionRecord, error) {
	recs, err := s.with(id, func(t *Twin) []TransitionRecord {
		t.Lifecycle = LifecycleDecommissioned
		return s.machine.OnDecommission(t, s.now())
	})
	if errors.Is(err, ErrTwinDecommissioned) {
		return nil, nil
	}
	return recs, err
}

// SetMaintenance enters or exits MAINTENANCE.
func (s *Store) SetMaintenance(id string, on bool) ([]TransitionRecord, error) {
	return s.with(id, func(t *Twin) []TransitionRecord {
		return s.machine.OnMaintenance(t, on, s.now())
	})
}

// ReportStatus applies a device status report. Status reports never register
// twins.
func (s *Store) ReportStatus(r StatusReport) ([]TransitionRecord, error) {
	recs, err := s.with(r.TwinID, func(t *Twin) []TransitionRecord {
		return s.machine.OnStatus(t, r.State, s.now())
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnknownTwin
	}
	return recs, err
}

// RecordError counts a rejected message against a registered twin.
func (s *Store) RecordError(id string) {
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		e.twin.ErrorCount++
		e.mu.Unlock()
	}
}

// Sweep moves every twin silent for longer than timeout to OFFLINE. Twins that
// never accepted a sample, twins in MAINTENANCE, and decommissioned twins are
// left alone. Each twin is locked only while it is inspected.
func (s *Store) Sweep(now time.Time, timeout time.Duration) []TransitionRecord {
	var recs []TransitionRecord
	for _, e := range s.entries() {
		e.mu.Lock()
		t := &e.twin
		switch {
		case t.LastSeen.IsZero(), t.Health == HealthOffline, t.Health == HealthMaintenance, t.Health.Terminal():
		case now.Sub(t.LastSeen) > timeout:
			recs = append(recs, s.machine.OnTimeout(t, now)...)
		}
		e.mu.Unlock()
	}
	return recs
}

// Restore inserts or replaces a twin from a checkpoint.
func (s *Store) Restore(t Twin) {
	e := &entry{twin: t.clone()}
	s.mu.Lock()
	s.twins[t.ID] = e
	s.mu.Unlock()
}

// HealthCounts returns the number of twins per health state.
func (s *Store) HealthCounts() map[Health]int {
	counts := make(map[Health]int)
	for _, e := range s.entries() {
		e.mu.Lock()
		counts[e.twin.Health]++
		e.mu.Unlock()
	}
	return counts
}
