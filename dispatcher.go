package twinsentry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
	"golang.org/x/sync/errgroup"
)

// Dispatcher deduplicates anomaly events and routes them to an AlertSink.
//
// Events are keyed by (twin, rule), and additionally by metric for
// RuleDeviation, which every metric shares. The first event of a key opens a
// suppression window; further events within the window are merged into it,
// incrementing its occurrence count, instead of being re-emitted. HIGH and
// CRITICAL events are emitted as soon as they open a window, or raise it above
// the severity it last emitted.
// LOW and MEDIUM events wait for the next Flush. When a window closes with
// merged occurrences not yet reported, a summary record carrying the total
// occurrence count is emitted.
//
// Dispatch never blocks: emitted records go to a bounded delivery queue drained
// by a single goroutine that retries failed deliveries with bounded exponential
// backoff behind a circuit breaker. The sinks combined by Sinks are delivered
// to independently, each with its own retries and breaker, so a failing sink
// never causes duplicates in the others. Records that cannot be queued or
// delivered are dropped and counted.
type Dispatcher struct {
	targets []target
	window  time.Duration
	retry   RetryPolicy
	now     func() time.Time

	mu      sync.Mutex
	entries map[alertKey]*alertEntry
	closed  bool
	out     chan []AlertRecord

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	suppressed atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

// A target is one sink and the breaker guarding it.
type target struct {
	sink    AlertSink
	breaker *breaker
}

type alertKey struct {
	twinID string
	ruleID string
	metric string
}

func keyOf(ev AnomalyEvent) alertKey {
	k := alertKey{twinID: ev.TwinID, ruleID: ev.RuleID}
	if ev.RuleID == RuleDeviation {
		k.metric = ev.Metric
	}
	return k
}

type alertEntry struct {
	opened     time.Time
	count      int
	emitted  int      // occurrence count at the last emission
	sent     Severity // highest severity emitted so far
	severity Severity
	last       AnomalyEvent
}

func (e *alertEntry) merge(ev AnomalyEvent) {
	e.count++
	e.last = ev
	e.severity = max(e.severity, ev.Severity)
}

func (e *alertEntry) record() AlertRecord {
	return AlertRecord{
		TwinID:          e.last.TwinID,
		RuleID:          e.last.RuleID,
		Severity:        e.severity,
		DeviationScore:  e.last.Score,
		ObservedValue:   e.last.Observed,
		Metric:          e.last.Metric,
		DetectedAt:      e.last.DetectedAt,
		OccurrenceCount: e.count,
	}
}

// NewDispatcher returns a Dispatcher delivering to sink, configured by the
// suppression, delivery, retry and breaker settings of cfg. A nil clock
// defaults to time.Now.
func NewDispatcher(sink AlertSink, cfg Config, clock func() time.Time) *Dispatcher {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	sinks := []AlertSink{sink}
	switch s := sink.(type) {
	case nil:
		sinks = []AlertSink{discard{}}
	case multiSink:
		if len(s) > 0 {
			sinks = s
		} else {
			sinks = []AlertSink{discard{}}
		}
	}
	targets := make([]target, len(sinks))
	for i, s := range sinks {
		targets[i] = target{sink: s, breaker: newBreaker(cfg.Breaker, clock)}
	}
	return &Dispatcher{
		targets: targets,
		window:  cfg.SuppressionWindow,
		retry:   cfg.Retry,
		now:     clock,
		entries: make(map[alertKey]*alertEntry),
		out:     make(chan []AlertRecord, cfg.DeliveryQueueSize),
		done:    make(chan struct{}),
	}
}

// Dispatch accepts an event for deduplication and routing.
func (d *Dispatcher) Dispatch(ev AnomalyEvent) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	key := keyOf(ev)
	e := d.entries[key]
	if e != nil && now.Sub(e.opened) >= d.window {
		d.retire(e)
		e = nil
	}
	if e == nil {
		e = &alertEntry{opened: now}
		d.entries[key] = e
	} else {
		d.suppressed.Add(1)
	}
	e.merge(ev)

	if ev.Severity.urgent() && ev.Severity > e.sent {
		e.sent = ev.Severity
		e.emitted = e.count
		d.enqueue([]AlertRecord{e.record()})
	}
}

// retire emits the summary of a closing window if it merged unreported
// occurrences. The caller holds d.mu.
func (d *Dispatcher) retire(e *alertEntry) {
	if e.count > e.emitted {
		e.emitted = e.count
		d.enqueue([]AlertRecord{e.record()})
	}
}

// enqueue hands records to the delivery goroutine without blocking. The caller
// holds d.mu.
func (d *Dispatcher) enqueue(records []AlertRecord) {
	select {
	case d.out <- records:
	default:
		d.dropped.Add(uint64(len(records)))
	}
}

// Flush emits, as one batch, every window that has not been reported yet and
// the summaries of windows that have closed.
func (d *Dispatcher) Flush() { d.flush(false) }

func (d *Dispatcher) flush(all bool) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var batch []AlertRecord
	for key, e := range d.entries {
		expired := all || now.Sub(e.opened) >= d.window
		if e.count > e.emitted && (expired || e.emitted == 0) {
			e.emitted = e.count
			batch = append(batch, e.record())
		}
		if expired {
			delete(d.entries, key)
		}
	}
	if len(batch) == 0 {
		return
	}
	slices.SortFunc(batch, func(a, b AlertRecord) int {
		return cmp.Or(
			a.DetectedAt.Compare(b.DetectedAt),
			cmp.Compare(a.TwinID, b.TwinID),
			cmp.Compare(a.RuleID, b.RuleID),
			cmp.Compare(a.Metric, b.Metric),
		)
	})
	d.enqueue(batch)
}

// Start launches the delivery goroutine. Deliveries use a context detached
// from ctx's cancellation so that pending alerts can still drain during
// shutdown; Close bounds that drain.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(d.done)
		for records := range d.out {
			d.deliver(ctx, records)
		}
	}()
}

// Close flushes every open window, stops accepting events and waits for the
// delivery queue to drain. If ctx expires first, in-flight retries are
// abandoned and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.flush(true)
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.out)
	}
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// deliver sends one batch to every target concurrently. Records count as
// delivered when every target accepted them.
func (d *Dispatcher) deliver(ctx context.Context, records []AlertRecord) {
	var g errgroup.Group
	for _, t := range d.targets {
		g.Go(func() error { return d.deliverTo(ctx, t, records) })
	}
	if err := g.Wait(); err != nil {
		d.failed.Add(uint64(len(records)))
		measureDelivery(ctx, "failed", len(records))
		return
	}
	d.delivered.Add(uint64(len(records)))
	measureDelivery(ctx, "delivered", len(records))
}

// deliverTo sends one batch to t, retrying per the retry policy. Records are
// logged as dropped when the policy is exhausted.
func (d *Dispatcher) deliverTo(ctx context.Context, t target, records []AlertRecord) error {
	logger := component.Logger(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retry.BaseDelay
	policy.MaxInterval = d.retry.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempt := func() error {
		if !t.breaker.allow() {
			return ErrCircuitOpen
		}
		err := t.sink.SendAlerts(ctx, records)
		t.breaker.record(err == nil)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Couldn't deliver alerts, retrying...",
			slog.Any("error", err),
			slog.Duration("wait", wait),
			slog.Int("alerts", len(records)),
		)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.retry.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(attempt, b, notify)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%w: %w", ErrAlertDeliveryFailed, err)
	for _, r := range records {
		logger.Error("Alert dropped",
			slog.Any("error", err),
			slog.String("twin", r.TwinID),
			slog.String("rule", r.RuleID),
			slog.String("severity", r.Severity.String()),
			slog.Int("occurrences", r.OccurrenceCount),
		)
	}
	return err
}

// DispatcherStats counts alert records by outcome.
type DispatcherStats struct {
	Suppressed uint64 // events merged into an open window
	Delivered  uint64
	Failed     uint64 // dropped after the retry policy was exhausted
	Dropped    uint64 // dropped because the delivery queue was full or closed
	Open       int    // open suppression windows
	Breaker    string
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	open := len(d.entries)
	d.mu.Unlock()
	return DispatcherStats{
		Suppressed: d.suppressed.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Open:       open,
		Breaker:    d.worstBreaker().String(),
	}
}

// worstBreaker returns the most restrictive state among the targets' breakers.
func (d *Dispatcher) worstBreaker() breakerState {
	rank := map[breakerState]int{breakerClosed: 0, breakerHalfOpen: 1, breakerOpen: 2}
	worst := breakerClosed
	for _, t := range d.targets {
		if s := t.breaker.current(); rank[s] > rank[worst] {
			worst = s
		}
	}
	return worst
}
