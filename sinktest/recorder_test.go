package sinktest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/twinsentry"
	"github.com/go-digitaltwin/twinsentry/sinktest"
)

func TestRecorderJournal(t *testing.T) {
	var r sinktest.Recorder
	sinktest.RunJournal(t, &r, &r)
}

func TestRecorderFailWith(t *testing.T) {
	var r sinktest.Recorder
	ctx := context.Background()
	boom := errors.New("boom")

	r.FailWith(boom)
	if err := r.SendAlerts(ctx, []twinsentry.AlertRecord{{TwinID: "a"}}); !errors.Is(err, boom) {
		t.Errorf("SendAlerts = %v; want %v", err, boom)
	}
	if _, err := r.LoadCheckpoint(ctx); !errors.Is(err, boom) {
		t.Errorf("LoadCheckpoint = %v; want %v", err, boom)
	}
	r.FailWith(nil)
	if err := r.SendAlerts(ctx, []twinsentry.AlertRecord{{TwinID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]twinsentry.AlertRecord{{TwinID: "b"}}, r.Alerts()); diff != "" {
		t.Errorf("Alerts mismatch (-want +got):\n%s", diff)
	}
}

// TestEngine drives an engine end to end with a Recorder standing in for every
// external store.
func TestEngine(t *testing.T) {
	var r sinktest.Recorder
	e, err := twinsentry.NewEngine(twinsentry.Config{},
		twinsentry.WithAlertSink(&r),
		twinsentry.WithJournal(&r),
		twinsentry.WithCheckpointStore(&r),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	messages := []struct{ topic, payload string }{
		{"plant/line-1/press-7/telemetry", `{"device_id": "press-7", "timestamp": 1700000000, "temperature": 41}`},
		{"plant/line-1/press-7/status", `{"device_id": "press-7", "timestamp": 1700000001, "state": "error"}`},
		{"plant/line-1/press-7/status", `{"device_id": "press-7", "timestamp": 1700000002, "state": "online"}`},
	}
	for _, m := range messages {
		if err := e.Ingest(ctx, m.topic, []byte(m.payload), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().StatusReports < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the status reports")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	records, err := r.Transitions(context.Background(), "press-7")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, rec := range records {
		got = append(got, rec.From.String()+">"+rec.To.String())
	}
	// Transitions caused by one message share a timestamp, so only the set is
	// stable.
	want := []string{"OFFLINE>INITIALIZING", "INITIALIZING>HEALTHY", "HEALTHY>ERROR", "ERROR>INITIALIZING"}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("journaled transitions mismatch (-want +got):\n%s", diff)
	}
	if r.Saves() != 1 {
		t.Errorf("checkpoints saved = %d; want 1 at shutdown", r.Saves())
	}
}
