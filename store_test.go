package twinsentry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// fakeClock is a manually advanced clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleAt(id string, sec int64, metrics map[string]float64) Sample {
	return Sample{TwinID: id, Timestamp: time.Unix(sec, 0).UTC(), Metrics: metrics}
}

func TestRegister(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewStateMachine(nil), true, clock.Now)
	md := Metadata{Location: "hall 3", Tags: []string{"press"}}

	got, err := s.Register("press-7", "press", md)
	if err != nil {
		t.Fatal(err)
	}
	want := Twin{
		ID:        "press-7",
		Kind:      "press",
		Lifecycle: LifecycleActive,
		Health:    HealthOffline,
		Metadata:  md,
		CreatedAt: clock.Now(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Register mismatch (-want +got):\n%s", diff)
	}

	// Registering again returns the existing twin unchanged.
	again, err := s.Register("press-7", "other-kind", Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("second Register mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Register("", "press", md); err == nil {
		t.Error("Register with an empty id succeeded")
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	sample := sampleAt("press-7", 100, map[string]float64{"temperature": 21, "pressure": 3})

	first, err := s.ApplyUpdate("press-7", sample)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Accepted || !first.Registered || first.Twin.Version != 1 {
		t.Fatalf("first update = %+v; want accepted, registered, version 1", first)
	}

	second, err := s.ApplyUpdate("press-7", sample)
	if err != nil {
		t.Fatal(err)
	}
	if second.Accepted || second.Twin.Version != 1 {
		t.Errorf("duplicate update accepted=%v version=%d; want a no-op at version 1", second.Accepted, second.Twin.Version)
	}
	if diff := cmp.Diff([]string{"pressure", "temperature"}, second.Duplicate); diff != "" {
		t.Errorf("duplicates mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first.Twin.State, second.Twin.State); diff != "" {
		t.Errorf("state changed on duplicate (-want +got):\n%s", diff)
	}
}

func TestApplyUpdateLastWriteWins(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	if _, err := s.ApplyUpdate("p", sampleAt("p", 100, map[string]float64{"a": 1, "b": 1})); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 200, map[string]float64{"b": 2})); err != nil {
		t.Fatal(err)
	}

	// Older than b's reading but newer than a's: a applies, b is stale.
	u, err := s.ApplyUpdate("p", sampleAt("p", 150, map[string]float64{"a": 5, "b": 9}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a"}, u.Applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, u.Stale); diff != "" {
		t.Errorf("stale mismatch (-want +got):\n%s", diff)
	}
	want := map[string]Reading{
		"a": {Value: 5, Updated: time.Unix(150, 0).UTC()},
		"b": {Value: 2, Updated: time.Unix(200, 0).UTC()},
	}
	if diff := cmp.Diff(want, u.Twin.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if u.Twin.Version != 3 {
		t.Errorf("version = %d; want 3", u.Twin.Version)
	}

	// Entirely stale: rejected without a version bump.
	u, err = s.ApplyUpdate("p", sampleAt("p", 50, map[string]float64{"a": 7}))
	if err != nil {
		t.Fatal(err)
	}
	if u.Accepted || u.Twin.Version != 3 {
		t.Errorf("stale update accepted=%v version=%d; want rejected at version 3", u.Accepted, u.Twin.Version)
	}

	// Equal timestamp with a different value wins.
	u, err = s.ApplyUpdate("p", sampleAt("p", 200, map[string]float64{"b": 4}))
	if err != nil {
		t.Fatal(err)
	}
	if !u.Accepted || u.Twin.State["b"].Value != 4 || u.Twin.Version != 4 {
		t.Errorf("equal-timestamp update = %+v; want b=4 at version 4", u)
	}
}

func TestApplyUpdateVersionMonotonicConcurrent(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	const writers, updates = 8, 50

	var wg sync.WaitGroup
	versions := make([][]uint64, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range updates {
				metric := fmt.Sprintf("m%d", w)
				u, err := s.ApplyUpdate("shared", sampleAt("shared", int64(i+1), map[string]float64{metric: float64(i)}))
				if err != nil {
					t.Error(err)
					return
				}
				versions[w] = append(versions[w], u.Twin.Version)
			}
		}()
	}
	wg.Wait()

	for w, vs := range versions {
		for i := 1; i < len(vs); i++ {
			if vs[i] <= vs[i-1] {
				t.Errorf("writer %d observed version %d after %d", w, vs[i], vs[i-1])
			}
		}
	}
	twin, err := s.Get("shared")
	if err != nil {
		t.Fatal(err)
	}
	if twin.Version != writers*updates {
		t.Errorf("final version = %d; want %d", twin.Version, writers*updates)
	}
}

func TestApplyUpdateSequenceGap(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	for _, seq := range []uint64{1, 2, 5, 6, 10} {
		sample := sampleAt("p", int64(seq), map[string]float64{"a": float64(seq)})
		sample.Sequence = seq
		if _, err := s.ApplyUpdate("p", sample); err != nil {
			t.Fatal(err)
		}
	}
	twin, _ := s.Get("p")
	if twin.LostSamples != 5 || twin.LastSequence != 10 {
		t.Errorf("lost=%d last=%d; want lost=5 last=10", twin.LostSamples, twin.LastSequence)
	}
}

func TestApplyUpdateWithoutAutoRegister(t *testing.T) {
	s := NewStore(NewStateMachine(nil), false, newFakeClock().Now)
	if _, err := s.ApplyUpdate("p", sampleAt("p", 1, map[string]float64{"a": 1})); !errors.Is(err, ErrUnknownTwin) {
		t.Errorf("ApplyUpdate of an unknown twin = %v; want ErrUnknownTwin", err)
	}
	if _, err := s.Register("p", "pump", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 1, map[string]float64{"a": 1})); err != nil {
		t.Errorf("ApplyUpdate of a registered twin: %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	if _, err := s.ApplyUpdate("p", sampleAt("p", 1, map[string]float64{"a": 1})); err != nil {
		t.Fatal(err)
	}

	if err := s.Suspend("p"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 2, map[string]float64{"a": 2})); !errors.Is(err, ErrTwinSuspended) {
		t.Errorf("ApplyUpdate of a suspended twin = %v; want ErrTwinSuspended", err)
	}
	if err := s.Resume("p"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 2, map[string]float64{"a": 2})); err != nil {
		t.Errorf("ApplyUpdate of a resumed twin: %v", err)
	}

	recs, err := s.Decommission("p")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].To != HealthDecommissioned {
		t.Errorf("Decommission records = %v; want one transition to DECOMMISSIONED", recs)
	}
	if recs, err := s.Decommission("p"); err != nil || len(recs) != 0 {
		t.Errorf("second Decommission = %v, %v; want an idempotent no-op", recs, err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 3, map[string]float64{"a": 3})); !errors.Is(err, ErrTwinDecommissioned) {
		t.Errorf("ApplyUpdate of a decommissioned twin = %v; want ErrTwinDecommissioned", err)
	}
	if _, err := s.Register("p", "pump", Metadata{}); !errors.Is(err, ErrTwinDecommissioned) {
		t.Errorf("Register of a decommissioned id = %v; want ErrTwinDecommissioned", err)
	}
	if _, err := s.SetMaintenance("p", true); !errors.Is(err, ErrTwinDecommissioned) {
		t.Errorf("SetMaintenance of a decommissioned twin = %v; want ErrTwinDecommissioned", err)
	}

	twin, err := s.Get("p")
	if err != nil {
		t.Fatal(err)
	}
	if twin.Lifecycle != LifecycleDecommissioned || twin.Health != HealthDecommissioned {
		t.Errorf("decommissioned twin = %v/%v", twin.Lifecycle, twin.Health)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v; want ErrNotFound", err)
	}
	if err := s.Suspend("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Suspend(missing) = %v; want ErrNotFound", err)
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewStateMachine(nil), true, clock.Now)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.ApplyUpdate(id, sampleAt(id, 1, map[string]float64{"v": 1})); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Register("never-seen", "", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetMaintenance("c", true); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if _, err := s.ApplyUpdate("b", sampleAt("b", 2, map[string]float64{"v": 2})); err != nil {
		t.Fatal(err)
	}
	clock.Advance(45 * time.Second)

	got := s.Sweep(clock.Now(), time.Minute)
	want := []TransitionRecord{
		{TwinID: "a", From: HealthHealthy, To: HealthOffline, Reason: ReasonLivenessTimeout, Timestamp: clock.Now()},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("Sweep mismatch (-want +got):\n%s", diff)
	}

	// An offline twin is not swept again, and comes back on its next sample.
	if got := s.Sweep(clock.Now(), time.Minute); len(got) != 0 {
		t.Errorf("second Sweep = %v; want nothing", got)
	}
	u, err := s.ApplyUpdate("a", sampleAt("a", 3, map[string]float64{"v": 3}))
	if err != nil {
		t.Fatal(err)
	}
	if u.OfflineFor != 75*time.Second {
		t.Errorf("OfflineFor = %v; want 75s", u.OfflineFor)
	}
	if u.Twin.Health != HealthHealthy {
		t.Errorf("health after revival = %v; want HEALTHY", u.Twin.Health)
	}
}

func TestList(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	for _, tw := range []struct{ id, kind string }{{"d", "pump"}, {"a", "pump"}, {"c", "valve"}, {"b", "pump"}} {
		if _, err := s.Register(tw.id, tw.kind, Metadata{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ApplyUpdate("b", sampleAt("b", 1, map[string]float64{"v": 1})); err != nil {
		t.Fatal(err)
	}

	ids := func(twins []Twin) []string {
		var out []string
		for _, tw := range twins {
			out = append(out, tw.ID)
		}
		return out
	}
	healthy := HealthHealthy
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c", "d"}},
		{"kind", Filter{Kind: "pump"}, []string{"a", "b", "d"}},
		{"health", Filter{Health: &healthy}, []string{"b"}},
		{"page", Filter{Kind: "pump", Offset: 1, Limit: 1}, []string{"b"}},
		{"past the end", Filter{Offset: 10}, nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ids(s.List(tt.filter)), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("%s: List mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore(NewStateMachine(nil), true, newFakeClock().Now)
	if _, err := s.Register("p", "pump", Metadata{Tags: []string{"x"}, Custom: map[string]string{"k": "v"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate("p", sampleAt("p", 1, map[string]float64{"v": 1})); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Get("p")
	snap.State["v"] = Reading{Value: 99}
	snap.Metadata.Tags[0] = "mutated"
	snap.Metadata.Custom["k"] = "mutated"

	fresh, _ := s.Get("p")
	if fresh.State["v"].Value != 1 || fresh.Metadata.Tags[0] != "x" || fresh.Metadata.Custom["k"] != "v" {
		t.Errorf("mutating a snapshot changed the store: %+v", fresh)
	}
}
