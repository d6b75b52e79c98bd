/*
Package sinktest provides a suite of tests designed to assess journal
implementations (e.g. in-memory, neo4j, timescale).

The tests append records through the [twinsentry.Journal] interface and read
them back through a [Reader] to check that journals keep every record exactly
once, in order, and per twin.

Call sinktest.RunJournal in its own test to invoke the test-suite:

	func TestJournal(t *testing.T) {
		journal := NewJournal(db) // Create the journal under test on a fresh store.
		// Pass the journal as both the twinsentry.Journal and the Reader
		// implementation.
		sinktest.RunJournal(t, journal, journal)
	}

The suite is sequential and assumes the underlying store starts empty. Journal
implementations are encouraged to perform additional tests specific to their
store.
*/
package sinktest

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/twinsentry"
)

// A Reader reads back what a Journal appended. Results are ordered by time, then
// by record ID.
type Reader interface {
	Transitions(ctx context.Context, twinID string) ([]twinsentry.TransitionRecord, error)
	Anomalies(ctx context.Context, twinID string) ([]twinsentry.AnomalyEvent, error)
}

// Journal timestamps are whole seconds so that stores with coarser time
// precision than Go's compare equal.
var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func transition(id, twinID string, from, to twinsentry.Health, reason string, sec int) twinsentry.TransitionRecord {
	return twinsentry.TransitionRecord{
		ID:        id,
		TwinID:    twinID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: epoch.Add(time.Duration(sec) * time.Second),
	}
}

func anomaly(id, twinID, ruleID, metric string, sev twinsentry.Severity, sec int) twinsentry.AnomalyEvent {
	return twinsentry.AnomalyEvent{
		ID:         id,
		TwinID:     twinID,
		RuleID:     ruleID,
		Metric:     metric,
		Observed:   1100.5,
		Score:      7.25,
		Severity:   sev,
		DetectedAt: epoch.Add(time.Duration(sec) * time.Second),
	}
}

var (
	firstSample = transition("a0000000-0000-4000-8000-000000000001", "gw-1", twinsentry.HealthOffline, twinsentry.HealthInitializing, twinsentry.ReasonFirstSample, 0)
	classified  = transition("a0000000-0000-4000-8000-000000000002", "gw-1", twinsentry.HealthInitializing, twinsentry.HealthHealthy, twinsentry.ReasonClassified, 0)
	deviceError = transition("a0000000-0000-4000-8000-000000000003", "gw-1", twinsentry.HealthHealthy, twinsentry.HealthError, twinsentry.ReasonDeviceError, 30)
	otherTwin   = transition("a0000000-0000-4000-8000-000000000004", "gw-2", twinsentry.HealthOffline, twinsentry.HealthInitializing, twinsentry.ReasonFirstSample, 10)

	deviation = anomaly("b0000000-0000-4000-8000-000000000001", "gw-1", twinsentry.RuleDeviation, "packet_rate", twinsentry.SeverityHigh, 20)
	spike     = anomaly("b0000000-0000-4000-8000-000000000002", "gw-1", twinsentry.RuleSpike, twinsentry.MultiMetric, twinsentry.SeverityCritical, 20)
)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// Records appended by the case, in order.
	transitions []twinsentry.TransitionRecord
	anomalies   []twinsentry.AnomalyEvent
	// The complete journal of each listed twin as expected after the case,
	// accounting for every previous case.
	wantTransitions map[string][]twinsentry.TransitionRecord
	wantAnomalies   map[string][]twinsentry.AnomalyEvent
}

var cases = []testCase{
	{
		name:            "empty-journal",
		location:        locateSource(),
		wantTransitions: map[string][]twinsentry.TransitionRecord{"gw-1": nil},
		wantAnomalies:   map[string][]twinsentry.AnomalyEvent{"gw-1": nil},
	},
	{
		name:            "single-transition",
		location:        locateSource(),
		transitions:     []twinsentry.TransitionRecord{firstSample},
		wantTransitions: map[string][]twinsentry.TransitionRecord{"gw-1": {firstSample}},
	},
	{
		name:            "batch-of-transitions",
		location:        locateSource(),
		transitions:     []twinsentry.TransitionRecord{classified, deviceError},
		wantTransitions: map[string][]twinsentry.TransitionRecord{"gw-1": {firstSample, classified, deviceError}},
	},
	{
		name:            "redelivered-transitions",
		location:        locateSource(),
		transitions:     []twinsentry.TransitionRecord{classified, deviceError},
		wantTransitions: map[string][]twinsentry.TransitionRecord{"gw-1": {firstSample, classified, deviceError}},
	},
	{
		name:        "transitions-of-another-twin",
		location:    locateSource(),
		transitions: []twinsentry.TransitionRecord{otherTwin},
		wantTransitions: map[string][]twinsentry.TransitionRecord{
			"gw-1": {firstSample, classified, deviceError},
			"gw-2": {otherTwin},
		},
	},
	{
		name:          "anomalies",
		location:      locateSource(),
		anomalies:     []twinsentry.AnomalyEvent{deviation, spike},
		wantAnomalies: map[string][]twinsentry.AnomalyEvent{"gw-1": {deviation, spike}, "gw-2": nil},
	},
	{
		name:          "redelivered-anomaly",
		location:      locateSource(),
		anomalies:     []twinsentry.AnomalyEvent{spike},
		wantAnomalies: map[string][]twinsentry.AnomalyEvent{"gw-1": {deviation, spike}},
	},
	{
		name:            "unknown-twin",
		location:        locateSource(),
		wantTransitions: map[string][]twinsentry.TransitionRecord{"nobody": nil},
		wantAnomalies:   map[string][]twinsentry.AnomalyEvent{"nobody": nil},
	},
}

// RunJournal executes a sequence of test cases on a journal, appending through
// journal and verifying through reader.
//
// The test cases run in strict sequence because each case's expectations
// include the records appended by the previous ones, the way a journal
// accumulates records over the lifetime of an engine.
func RunJournal(t *testing.T, journal twinsentry.Journal, reader Reader) {
	t.Helper()
	ctx := context.Background()

	// Stores differ in how they represent empty results and time zones.
	opts := cmp.Options{cmpopts.EquateEmpty(), cmpopts.EquateApproxTime(0)}

	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := journal.AppendTransitions(ctx, c.transitions); err != nil {
			t.Fatalf("AppendTransitions(%v) failed: %v", c.name, err)
		}
		if err := journal.AppendAnomalies(ctx, c.anomalies); err != nil {
			t.Fatalf("AppendAnomalies(%v) failed: %v", c.name, err)
		}

		for twinID, want := range c.wantTransitions {
			got, err := reader.Transitions(ctx, twinID)
			if err != nil {
				t.Fatalf("Transitions(%v) of %v failed: %v", twinID, c.name, err)
			}
			if diff := cmp.Diff(want, got, opts); diff != "" {
				t.Errorf("Transitions(%v) of %v mismatch (-want +got):\n%s", twinID, c.name, diff)
			}
		}
		for twinID, want := range c.wantAnomalies {
			got, err := reader.Anomalies(ctx, twinID)
			if err != nil {
				t.Fatalf("Anomalies(%v) of %v failed: %v", twinID, c.name, err)
			}
			if diff := cmp.Diff(want, got, opts); diff != "" {
				t.Errorf("Anomalies(%v) of %v mismatch (-want +got):\n%s", twinID, c.name, diff)
			}
		}
	}
}

// Call this function to set the location of every test-case in the source file.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
