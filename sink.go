package twinsentry

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// An AlertSink receives dispatched alert records. SendAlerts is called with one
// record for urgent alerts and with batches on periodic flushes. Failed calls
// are retried by the Dispatcher, so implementations should be idempotent where
// they can.
type AlertSink interface {
	SendAlerts(ctx context.Context, records []AlertRecord) error
}

// A Journal receives the append-only streams of transition records and anomaly
// events. The engine never reads them back. Records carry unique IDs so that
// implementations can deduplicate redelivered batches.
type Journal interface {
	AppendTransitions(ctx context.Context, records []TransitionRecord) error
	AppendAnomalies(ctx context.Context, events []AnomalyEvent) error
}

// A Checkpoint captures the in-memory state an engine needs to resume after a
// restart: twin snapshots and baselines.
type Checkpoint struct {
	TakenAt   time.Time            `json:"taken_at"`
	Twins     []Twin               `json:"twins"`
	Baselines map[string][]Profile `json:"baselines"`
}

// A CheckpointStore persists checkpoints. LoadCheckpoint returns an empty
// Checkpoint when nothing was saved yet.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context) (Checkpoint, error)
}

// Sinks returns an AlertSink that hands every batch to each of sinks
// concurrently. It fails if any of them fails. A Dispatcher given the combined
// sink delivers to, retries and breaks each member on its own.
func Sinks(sinks ...AlertSink) AlertSink { return multiSink(sinks) }

type multiSink []AlertSink

func (m multiSink) SendAlerts(ctx context.Context, records []AlertRecord) error {
	return fanOut(len(m), func(i int) error { return m[i].SendAlerts(ctx, records) })
}

// Journals returns a Journal appending to each of journals concurrently.
func Journals(journals ...Journal) Journal { return multiJournal(journals) }

type multiJournal []Journal

func (m multiJournal) AppendTransitions(ctx context.Context, records []TransitionRecord) error {
	return fanOut(len(m), func(i int) error { return m[i].AppendTransitions(ctx, records) })
}

func (m multiJournal) AppendAnomalies(ctx context.Context, events []AnomalyEvent) error {
	return fanOut(len(m), func(i int) error { return m[i].AppendAnomalies(ctx, events) })
}

// fanOut calls f for 0..n-1 concurrently and joins every error returned.
func fanOut(n int, f func(i int) error) error {
	errs := make([]error, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			errs[i] = f(i)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// discard is used when no sink or journal is configured.
type discard struct{}

func (discard) SendAlerts(context.Context, []AlertRecord) error              { return nil }
func (discard) AppendTransitions(context.Context, []TransitionRecord) error { return nil }
func (discard) AppendAnomalies(context.Context, []AnomalyEvent) error       { return nil }
