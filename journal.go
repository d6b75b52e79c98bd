package twinsentry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
)

// journalEntry carries either transitions or anomalies to the journal writer.
type journalEntry struct {
	transitions []TransitionRecord
	anomalies   []AnomalyEvent
}

// journalWriter appends records to a Journal off the processing path. Workers
// hand entries over without blocking; a single goroutine batches them by size
// and by time. Entries that do not fit the queue are dropped and counted.
type journalWriter struct {
	journal   Journal
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan journalEntry
	done   chan struct{}

	dropped atomic.Uint64
}

func newJournalWriter(j Journal, cfg Config) *journalWriter {
	if j == nil {
		j = discard{}
	}
	return &journalWriter{
		journal:   j,
		batchSize: cfg.JournalBatchSize,
		interval:  cfg.JournalFlushInterval,
		queue:     make(chan journalEntry, cfg.JournalQueueSize),
		done:      make(chan struct{}),
	}
}

func (w *journalWriter) appendTransitions(recs []TransitionRecord) {
	if len(recs) > 0 {
		w.push(journalEntry{transitions: recs})
	}
}

func (w *journalWriter) appendAnomalies(events []AnomalyEvent) {
	if len(events) > 0 {
		w.push(journalEntry{anomalies: events})
	}
}

func (w *journalWriter) push(e journalEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(uint64(len(e.transitions) + len(e.anomalies)))
		return
	}
	select {
	case w.queue <- e:
	default:
		w.dropped.Add(uint64(len(e.transitions) + len(e.anomalies)))
	}
}

// run drains the queue until it is closed. Appends use ctx, which should not
// be cancelled before close returns.
func (w *journalWriter) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var transitions []TransitionRecord
	var anomalies []AnomalyEvent
	flush := func() {
		if len(transitions) > 0 {
			if err := w.journal.AppendTransitions(ctx, transitions); err != nil {
				component.Logger(ctx).Error("Couldn't journal transitions", slog.Any("error", err), slog.Int("records", len(transitions)))
				measureJournalFailure(ctx, "transitions")
			}
			transitions = nil
		}
		if len(anomalies) > 0 {
			if err := w.journal.AppendAnomalies(ctx, anomalies); err != nil {
				component.Logger(ctx).Error("Couldn't journal anomalies", slog.Any("error", err), slog.Int("events", len(anomalies)))
				measureJournalFailure(ctx, "anomalies")
			}
			anomalies = nil
		}
	}

	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			transitions = append(transitions, e.transitions...)
			anomalies = append(anomalies, e.anomalies...)
			if len(transitions)+len(anomalies) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// close stops accepting entries and waits for the queue to drain, or for ctx.
func (w *journalWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
