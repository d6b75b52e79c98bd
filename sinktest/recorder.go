package sinktest

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/go-digitaltwin/twinsentry"
)

// Recorder is an in-memory AlertSink, Journal and CheckpointStore. It keeps
// everything it is given, so tests can assert on what an engine emitted.
// Journal records are deduplicated by ID, like durable journals do.
//
// The zero value is ready for use. A Recorder is safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	err         error
	alerts      [][]twinsentry.AlertRecord
	transitions map[string]twinsentry.TransitionRecord
	anomalies   map[string]twinsentry.AnomalyEvent
	checkpoint  twinsentry.Checkpoint
	saves       int
}

// FailWith makes every following call fail with err, until called with nil.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) SendAlerts(_ context.Context, records []twinsentry.AlertRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, slices.Clone(records))
	return nil
}

// Batches returns every batch of alerts received so far, in order.
func (r *Recorder) Batches() [][]twinsentry.AlertRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.alerts)
}

// Alerts returns every alert received so far, flattened.
func (r *Recorder) Alerts() []twinsentry.AlertRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []twinsentry.AlertRecord
	for _, batch := range r.alerts {
		out = append(out, batch...)
	}
	return out
}

func (r *Recorder) AppendTransitions(_ context.Context, records []twinsentry.TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.transitions == nil {
		r.transitions = make(map[string]twinsentry.TransitionRecord)
	}
	for _, rec := range records {
		if _, ok := r.transitions[rec.ID]; !ok {
			r.transitions[rec.ID] = rec
		}
	}
	return nil
}

func (r *Recorder) AppendAnomalies(_ context.Context, events []twinsentry.AnomalyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.anomalies == nil {
		r.anomalies = make(map[string]twinsentry.AnomalyEvent)
	}
	for _, ev := range events {
		if _, ok := r.anomalies[ev.ID]; !ok {
			r.anomalies[ev.ID] = ev
		}
	}
	return nil
}

// Transitions implements Reader.
func (r *Recorder) Transitions(_ context.Context, twinID string) ([]twinsentry.TransitionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []twinsentry.TransitionRecord
	for _, rec := range r.transitions {
		if rec.TwinID == twinID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b twinsentry.TransitionRecord) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Anomalies implements Reader.
func (r *Recorder) Anomalies(_ context.Context, twinID string) ([]twinsentry.AnomalyEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []twinsentry.AnomalyEvent
	for _, ev := range r.anomalies {
		if ev.TwinID == twinID {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b twinsentry.AnomalyEvent) int {
		return cmp.Or(a.DetectedAt.Compare(b.DetectedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (r *Recorder) SaveCheckpoint(_ context.Context, cp twinsentry.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.checkpoint = cp
	r.saves++
	return nil
}

func (r *Recorder) LoadCheckpoint(context.Context) (twinsentry.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return twinsentry.Checkpoint{}, r.err
	}
	return r.checkpoint, nil
}

// Saves returns how many checkpoints were saved.
func (r *Recorder) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

var (
	_ twinsentry.AlertSink       = (*Recorder)(nil)
	_ twinsentry.Journal         = (*Recorder)(nil)
	_ twinsentry.CheckpointStore = (*Recorder)(nil)
	_ Reader                     = (*Recorder)(nil)
)
