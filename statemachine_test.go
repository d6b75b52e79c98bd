package twinsentry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ignoreIDs ignores the random identifiers of records and events.
var ignoreIDs = cmp.Options{
	cmpopts.IgnoreFields(TransitionRecord{}, "ID"),
	cmpopts.IgnoreFields(AnomalyEvent{}, "ID"),
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Health
		want     bool
	}{
		{HealthOffline, HealthInitializing, true},
		{HealthOffline, HealthHealthy, false},
		{HealthInitializing, HealthHealthy, true},
		{HealthInitializing, HealthCritical, true},
		{HealthHealthy, HealthDegraded, true},
		{HealthHealthy, HealthCritical, true},
		{HealthCritical, HealthHealthy, true},
		{HealthHealthy, HealthHealthy, false},
		{HealthHealthy, HealthInitializing, false},
		{HealthHealthy, HealthOffline, true},
		{HealthDegraded, HealthError, true},
		{HealthError, HealthHealthy, false},
		{HealthError, HealthInitializing, true},
		{HealthCritical, HealthMaintenance, true},
		{HealthMaintenance, HealthHealthy, false},
		{HealthMaintenance, HealthOffline, false},
		{HealthMaintenance, HealthInitializing, true},
		{HealthMaintenance, HealthDecommissioned, true},
		{HealthDecommissioned, HealthOffline, false},
		{HealthDecommissioned, HealthInitializing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v; want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

var sensorSchemas = Schemas{
	"sensor": {Metrics: map[string]MetricSpec{
		"temperature": {Normal: &Range{Min: 15, Max: 30}, Warning: &Range{Min: 5, Max: 40}},
	}},
}

func TestOnSampleFirstSample(t *testing.T) {
	m := NewStateMachine(sensorSchemas)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	twin := &Twin{ID: "s1", Kind: "sensor", Health: HealthOffline, State: map[string]Reading{"temperature": {Value: 35}}}

	got := m.OnSample(twin, at)
	want := []TransitionRecord{
		{TwinID: "s1", From: HealthOffline, To: HealthInitializing, Reason: ReasonFirstSample, Timestamp: at},
		{TwinID: "s1", From: HealthInitializing, To: HealthDegraded, Reason: ReasonClassified, Timestamp: at},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("OnSample mismatch (-want +got):\n%s", diff)
	}
	if twin.Health != HealthDegraded {
		t.Errorf("health = %v; want DEGRADED", twin.Health)
	}

	// Same classification again: no transition is recorded.
	if got := m.OnSample(twin, at); len(got) != 0 {
		t.Errorf("OnSample without change = %v; want no records", got)
	}

	twin.State["temperature"] = Reading{Value: 20}
	got = m.OnSample(twin, at)
	want = []TransitionRecord{
		{TwinID: "s1", From: HealthDegraded, To: HealthHealthy, Reason: ReasonClassified, Timestamp: at},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("OnSample mismatch (-want +got):\n%s", diff)
	}
}

func TestOnSampleKeepsErrorAndMaintenance(t *testing.T) {
	m := NewStateMachine(sensorSchemas)
	for _, h := range []Health{HealthError, HealthMaintenance, HealthDecommissioned} {
		twin := &Twin{ID: "s1", Kind: "sensor", Health: h, State: map[string]Reading{"temperature": {Value: 20}}}
		if got := m.OnSample(twin, time.Now()); len(got) != 0 || twin.Health != h {
			t.Errorf("OnSample in %v moved to %v with %v", h, twin.Health, got)
		}
	}
}

func TestMaintenance(t *testing.T) {
	m := NewStateMachine(nil)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	twin := &Twin{ID: "s1", Health: HealthHealthy}

	// Exiting when not in maintenance is a no-op.
	if got := m.OnMaintenance(twin, false, at); len(got) != 0 {
		t.Errorf("OnMaintenance(off) outside maintenance = %v", got)
	}
	got := m.OnMaintenance(twin, true, at)
	got = append(got, m.OnTimeout(twin, at)...)         // ignored in maintenance
	got = append(got, m.OnStatus(twin, "error", at)...) // ignored in maintenance
	got = append(got, m.OnMaintenance(twin, false, at)...)
	want := []TransitionRecord{
		{TwinID: "s1", From: HealthHealthy, To: HealthMaintenance, Reason: ReasonMaintenanceOn, Timestamp: at},
		{TwinID: "s1", From: HealthMaintenance, To: HealthInitializing, Reason: ReasonMaintenanceOff, Timestamp: at},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("maintenance mismatch (-want +got):\n%s", diff)
	}
}

func TestOnStatus(t *testing.T) {
	m := NewStateMachine(nil)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	twin := &Twin{ID: "s1", Health: HealthHealthy, State: map[string]Reading{"t": {Value: 1}}}

	var got []TransitionRecord
	got = append(got, m.OnStatus(twin, StatusOK, at)...) // informational
	got = append(got, m.OnStatus(twin, StatusError, at)...)
	got = append(got, m.OnStatus(twin, "rebooting", at)...)
	got = append(got, m.OnStatus(twin, StatusOnline, at)...)
	got = append(got, m.OnSample(twin, at)...)
	want := []TransitionRecord{
		{TwinID: "s1", From: HealthHealthy, To: HealthError, Reason: ReasonDeviceError, Timestamp: at},
		{TwinID: "s1", From: HealthError, To: HealthInitializing, Reason: ReasonDeviceRecovered, Timestamp: at},
		{TwinID: "s1", From: HealthInitializing, To: HealthHealthy, Reason: ReasonClassified, Timestamp: at},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestDecommissionIsTerminal(t *testing.T) {
	m := NewStateMachine(nil)
	at := time.Now()
	twin := &Twin{ID: "s1", Health: HealthCritical}
	if got := m.OnDecommission(twin, at); len(got) != 1 || twin.Health != HealthDecommissioned {
		t.Fatalf("OnDecommission = %v, health %v", got, twin.Health)
	}
	var got []TransitionRecord
	got = append(got, m.OnTimeout(twin, at)...)
	got = append(got, m.OnMaintenance(twin, true, at)...)
	got = append(got, m.OnStatus(twin, StatusError, at)...)
	got = append(got, m.OnDecommission(twin, at)...)
	if len(got) != 0 {
		t.Errorf("transitions out of DECOMMISSIONED: %v", got)
	}
}

func TestAcceptsCommands(t *testing.T) {
	var got []Health
	for h := HealthOffline; h <= HealthDecommissioned; h++ {
		if h.AcceptsCommands() {
			got = append(got, h)
		}
	}
	want := []Health{HealthHealthy, HealthDegraded, HealthMaintenance}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("command eligible states mismatch (-want +got):\n%s", diff)
	}
}
