package twinsentry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Engine wires the pipeline together:
//
//	Ingest -> queue -> partitioner -> workers -> Store -> Detector -> Dispatcher
//	                                                   \-> Modeler (HEALTHY only)
//
// Messages enter a single bounded queue. A partitioner routes each message to
// the worker owning its twin (hash of the twin id), so updates of one twin are
// applied in arrival order while different twins proceed in parallel. Every
// health transition and anomaly event is appended to the Journal in the
// background; anomalies are also handed to the Dispatcher.
//
// The query and command methods are safe to call at any time, including
// concurrently with Run.
type Engine struct {
	cfg         Config
	now         func() time.Time
	router      *Router
	store       *Store
	machine     *StateMachine
	baselines   *Modeler
	detector    *Detector
	dispatcher  *Dispatcher
	journal     *journalWriter
	checkpoints CheckpointStore

	sink  AlertSink
	j     Journal
	rules []Rule

	started atomic.Bool
	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	queue  chan envelope

	overflowLog rate.Sometimes
	counters    counters
}

type envelope struct {
	topic       string
	payload     []byte
	deliveredAt time.Time
}

// routed is an envelope whose topic was already parsed by the partitioner.
type routed struct {
	envelope
	topic Topic
}

// An Option customises an Engine.
type Option func(*Engine)

// WithAlertSink sets the destination of dispatched alerts. Without it alerts
// are dropped after deduplication.
func WithAlertSink(s AlertSink) Option { return func(e *Engine) { e.sink = s } }

// WithJournal sets the destination of transition records and anomaly events.
func WithJournal(j Journal) Option { return func(e *Engine) { e.j = j } }

// WithCheckpointStore enables Checkpoint and Restore.
func WithCheckpointStore(s CheckpointStore) Option { return func(e *Engine) { e.checkpoints = s } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRules replaces DefaultRules.
func WithRules(rules ...Rule) Option { return func(e *Engine) { e.rules = rules } }

// NewEngine validates cfg and assembles an Engine. The engine accepts messages
// right away, but they are only processed once Run (or Exec) starts.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:         cfg,
		now:         time.Now,
		queue:       make(chan envelope, cfg.QueueSize),
		overflowLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.machine = NewStateMachine(cfg.Schemas)
	e.store = NewStore(e.machine, !cfg.DisableAutoRegister, e.now)
	e.router = NewRouter(cfg.Schemas, cfg.TopicFilter, e.store)
	e.baselines = NewModeler(cfg.Alpha, cfg.MinSamples)
	e.detector = NewDetector(e.baselines, cfg.Epsilon, cfg.Patterns, e.rules, e.now)
	e.dispatcher = NewDispatcher(e.sink, cfg, e.now)
	e.journal = newJournalWriter(e.j, cfg)
	return e, nil
}

// Ingest enqueues one inbound message without blocking. It fails with
// ErrIngestionOverflow when the queue is full, and with ErrEngineClosed once
// shutdown has begun. Input errors are not reported here: they are counted and
// logged when a worker handles the message.
func (e *Engine) Ingest(ctx context.Context, topic string, payload []byte, deliveredAt time.Time) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.counters.received.Add(1)
	select {
	case e.queue <- envelope{topic: topic, payload: payload, deliveredAt: deliveredAt}:
		return nil
	default:
		e.counters.overflow.Add(1)
		measureDrop(ctx, "overflow")
		e.overflowLog.Do(func() {
			component.Logger(ctx).Warn("Ingestion queue is full, shedding messages",
				slog.Int("queue-size", cap(e.queue)),
				slog.Uint64("overflow-total", e.counters.overflow.Load()),
			)
		})
		return ErrIngestionOverflow
	}
}

// Run processes messages until ctx is cancelled, then shuts down gracefully:
// it stops accepting messages, drains the queue, flushes pending alerts and
// journal entries, and takes a final checkpoint. The drain is bounded by
// Config.ShutdownTimeout. An engine runs once; later calls return
// ErrEngineStarted.
func (e *Engine) Run(ctx context.Context) error {
	return e.run(ctx, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	})
}

// Exec implements component.Procedure. The engine runs until the component's
// context is done and drains within its grace period.
func (e *Engine) Exec(l *component.L) {
	err := e.run(l.Context(), func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(l.GraceContext(), e.cfg.ShutdownTimeout)
	})
	if err != nil {
		l.Fatal(fmt.Errorf("engine shutdown: %w", err))
	}
}

func (e *Engine) run(ctx context.Context, grace func() (context.Context, context.CancelFunc)) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}
	logger := component.Logger(ctx)
	// Background work outlives ctx so that the drain can complete after it is
	// cancelled; it keeps ctx's values, such as the logger.
	bg, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	e.dispatcher.Start(bg)
	go e.journal.run(bg)

	partitions := make([]chan routed, e.cfg.Workers)
	for i := range partitions {
		partitions[i] = make(chan routed, e.cfg.WorkerQueueSize)
	}
	var g errgroup.Group
	g.Go(func() error {
		defer func() {
			for _, p := range partitions {
				close(p)
			}
		}()
		for env := range e.queue {
			t, err := e.router.ParseTopic(env.topic)
			if err != nil {
				e.reject(bg, "", err)
				continue
			}
			partitions[partition(t.TwinID, len(partitions))] <- routed{envelope: env, topic: t}
		}
		return nil
	})
	for _, p := range partitions {
		g.Go(func() error {
			for msg := range p {
				e.handle(bg, msg)
			}
			return nil
		})
	}

	var timers sync.WaitGroup
	timers.Add(1)
	go func() {
		defer timers.Done()
		e.tick(ctx)
	}()
	logger.Info("Engine started", slog.Int("workers", e.cfg.Workers), slog.Int("queue-size", e.cfg.QueueSize))

	<-ctx.Done()
	timers.Wait()
	logger.Info("Engine stopping, draining queued messages...", slog.Int("queued", len(e.queue)))

	e.mu.Lock()
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	_ = g.Wait()

	drain, cancel := grace()
	defer cancel()
	var errs []error
	if err := e.dispatcher.Close(drain); err != nil {
		errs = append(errs, fmt.Errorf("flush alerts: %w", err))
	}
	if err := e.journal.close(drain); err != nil {
		errs = append(errs, fmt.Errorf("flush journal: %w", err))
	}
	if e.checkpoints != nil {
		if err := e.Checkpoint(drain); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("Engine stopped")
	return errors.Join(errs...)
}

// partition maps a twin id onto one of n workers.
func partition(twinID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(twinID))
	return int(h.Sum32() % uint32(n))
}

// tick runs the periodic liveness sweep, alert flush and checkpoint until ctx
// is done.
func (e *Engine) tick(ctx context.Context) {
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(e.cfg.FlushInterval)
	defer flush.Stop()

	var checkpoint <-chan time.Time
	if e.checkpoints != nil && e.cfg.CheckpointInterval > 0 {
		t := time.NewTicker(e.cfg.CheckpointInterval)
		defer t.Stop()
		checkpoint = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			e.Sweep(ctx)
		case <-flush.C:
			e.dispatcher.Flush()
		case <-checkpoint:
			if err := e.Checkpoint(ctx); err != nil {
				component.Logger(ctx).Error("Couldn't take checkpoint", slog.Any("error", err))
			}
		}
	}
}

// Sweep moves twins silent for longer than the liveness timeout to OFFLINE.
// Run calls it periodically; it is exported for callers driving the engine
// with their own clock.
func (e *Engine) Sweep(ctx context.Context) {
	recs := e.store.Sweep(e.now(), e.cfg.LivenessTimeout)
	for _, r := range recs {
		component.Logger(ctx).Info("Twin went offline", slog.String("twin", r.TwinID), slog.String("from", r.From.String()))
	}
	e.transitioned(ctx, recs)
}

// FlushAlerts emits pending LOW and MEDIUM alerts now instead of waiting for
// the flush interval.
func (e *Engine) FlushAlerts() { e.dispatcher.Flush() }

func (e *Engine) handle(ctx context.Context, msg routed) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.handle", trace.WithAttributes(
		attribute.String("twin.id", msg.topic.TwinID),
		attribute.String("message.class", msg.topic.Class.String()),
	))
	defer span.End()
	defer func() {
		var lag time.Duration
		if !msg.deliveredAt.IsZero() {
			lag = start.Sub(msg.deliveredAt)
		}
		measureProcessing(ctx, msg.topic.Class, lag, time.Since(start))
	}()

	m, err := e.router.Decode(msg.topic, msg.payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.reject(ctx, msg.topic.TwinID, err)
		return
	}
	switch {
	case m.Sample != nil:
		if err := e.process(ctx, *m.Sample); err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	case m.Status != nil:
		if err := e.status(ctx, *m.Status); err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	default:
		e.counters.acks.Add(1)
		component.Logger(ctx).Debug("Command acknowledged", slog.String("twin", msg.topic.TwinID))
	}
}

// reject counts and logs a dropped message. Input errors never stop the
// pipeline.
func (e *Engine) reject(ctx context.Context, twinID string, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrMalformedTopic):
		reason = "malformed_topic"
		e.counters.malformedTopic.Add(1)
	case errors.Is(err, ErrInvalidPayload):
		reason = "invalid_payload"
		e.counters.invalidPayload.Add(1)
		e.store.RecordError(twinID)
	case errors.Is(err, ErrUnknownTwin):
		reason = "unknown_twin"
		e.counters.unknownTwin.Add(1)
	case errors.Is(err, ErrTwinSuspended):
		reason = "suspended"
		e.counters.rejected.Add(1)
	case errors.Is(err, ErrTwinDecommissioned):
		reason = "decommissioned"
		e.counters.rejected.Add(1)
	default:
		reason = "other"
		e.counters.rejected.Add(1)
	}
	measureDrop(ctx, reason)
	component.Logger(ctx).Debug("Message dropped",
		slog.String("reason", reason),
		slog.String("twin", twinID),
		slog.Any("error", err),
	)
}

// process applies a telemetry sample and runs detection and training on it.
func (e *Engine) process(ctx context.Context, s Sample) error {
	u, err := e.store.ApplyUpdate(s.TwinID, s)
	if err != nil {
		e.reject(ctx, s.TwinID, err)
		return err
	}
	logger := component.Logger(ctx).With(slog.String("twin", s.TwinID))
	measureUpdate(ctx, u)

	if u.Registered {
		logger.Info("Twin auto-registered", slog.String("kind", u.Twin.Kind))
	}
	if len(u.Stale) > 0 {
		e.counters.stale.Add(uint64(len(u.Stale)))
		logger.Debug("Ignored stale metric updates", slog.Any("metrics", u.Stale), slog.Time("sample-time", s.Timestamp))
	}
	if len(u.Duplicate) > 0 {
		e.counters.duplicates.Add(uint64(len(u.Duplicate)))
	}
	if u.Gap > 0 {
		logger.Warn("Sequence gap detected, samples were lost", slog.Uint64("lost", u.Gap), slog.Uint64("sequence", s.Sequence))
	}
	e.transitioned(ctx, u.Transitions)
	if !u.Accepted {
		return nil
	}
	e.counters.accepted.Add(1)

	if after := e.cfg.StaleBaselineAfter; after > 0 && u.OfflineFor > after {
		e.baselines.Reset(s.TwinID)
		e.detector.Forget(s.TwinID)
		logger.Info("Baselines discarded after a long offline period", slog.Duration("offline-for", u.OfflineFor))
	}

	applied := s.only(u.Applied)
	var events []AnomalyEvent
	if u.Twin.Health.detects() {
		events = e.detector.Evaluate(u.Twin, applied)
	}

	// Baselines learn only from healthy twins, and never from the readings that
	// were just flagged.
	if u.Twin.Health == HealthHealthy {
		flagged := make(map[string]bool, len(events))
		for _, ev := range events {
			flagged[ev.Metric] = true
		}
		for _, name := range u.Applied {
			if !flagged[name] {
				e.baselines.Observe(s.TwinID, name, s.Metrics[name], s.Timestamp)
			}
		}
	}

	if len(events) == 0 {
		return nil
	}
	e.counters.anomalies.Add(uint64(len(events)))
	measureAnomalies(ctx, events)
	e.journal.appendAnomalies(events)
	for _, ev := range events {
		logger.Info("Anomaly detected",
			slog.String("rule", ev.RuleID),
			slog.String("metric", ev.Metric),
			slog.String("severity", ev.Severity.String()),
			slog.Float64("score", ev.Score),
		)
		e.dispatcher.Dispatch(ev)
	}
	return nil
}

func (e *Engine) status(ctx context.Context, r StatusReport) error {
	recs, err := e.store.ReportStatus(r)
	if err != nil {
		e.reject(ctx, r.TwinID, err)
		return err
	}
	e.counters.statusReports.Add(1)
	e.transitioned(ctx, recs)
	return nil
}

func (e *Engine) transitioned(ctx context.Context, recs []TransitionRecord) {
	if len(recs) == 0 {
		return
	}
	measureTransitions(ctx, recs)
	e.journal.appendTransitions(recs)
}

// GetTwin returns a snapshot of the twin, or ErrNotFound.
func (e *Engine) GetTwin(id string) (Twin, error) { return e.store.Get(id) }

// ListTwins returns snapshots of the twins matching f, ordered by id.
func (e *Engine) ListTwins(f Filter) []Twin { return e.store.List(f) }

// RegisterTwin registers a twin ahead of its first sample. It is idempotent.
func (e *Engine) RegisterTwin(id, kind string, md Metadata) (Twin, error) {
	return e.store.Register(id, kind, md)
}

// SetMaintenance enters or exits MAINTENANCE. Detection is paused while a
// twin is in maintenance.
func (e *Engine) SetMaintenance(ctx context.Context, id string, on bool) error {
	recs, err := e.store.SetMaintenance(id, on)
	if err != nil {
		return fmt.Errorf("set maintenance of %q: %w", id, err)
	}
	e.transitioned(ctx, recs)
	return nil
}

// DecommissionTwin retires the twin for good and discards its baselines. It
// is idempotent.
func (e *Engine) DecommissionTwin(ctx context.Context, id string) error {
	recs, err := e.store.Decommission(id)
	if err != nil {
		return fmt.Errorf("decommission %q: %w", id, err)
	}
	e.baselines.Discard(id)
	e.detector.Forget(id)
	e.transitioned(ctx, recs)
	return nil
}

// SuspendTwin stops accepting samples for the twin until ResumeTwin.
func (e *Engine) SuspendTwin(id string) error {
	if err := e.store.Suspend(id); err != nil {
		return fmt.Errorf("suspend %q: %w", id, err)
	}
	return nil
}

// ResumeTwin resumes a suspended twin.
func (e *Engine) ResumeTwin(id string) error {
	if err := e.store.Resume(id); err != nil {
		return fmt.Errorf("resume %q: %w", id, err)
	}
	return nil
}

// Baselines returns snapshots of the twin's baseline profiles by metric.
func (e *Engine) Baselines(id string) (map[string]Profile, error) {
	if _, err := e.store.Get(id); err != nil {
		return nil, err
	}
	return e.baselines.Profiles(id), nil
}

// ResetBaselines discards the named baselines of a twin, or all of them when
// no metric is given. Detection for those metrics stays suppressed until they
// mature again.
func (e *Engine) ResetBaselines(id string, metrics ...string) error {
	if _, err := e.store.Get(id); err != nil {
		return err
	}
	e.baselines.Reset(id, metrics...)
	if len(metrics) == 0 {
		e.detector.Forget(id)
	}
	return nil
}

// Checkpoint saves every twin and baseline to the configured CheckpointStore.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.checkpoints == nil {
		return nil
	}
	cp := Checkpoint{
		TakenAt:   e.now(),
		Twins:     e.store.List(Filter{}),
		Baselines: make(map[string][]Profile),
	}
	for _, id := range e.baselines.Twins() {
		profiles := e.baselines.Profiles(id)
		list := make([]Profile, 0, len(profiles))
		for _, p := range profiles {
			list = append(list, p)
		}
		slices.SortFunc(list, func(a, b Profile) int { return cmp.Compare(a.Metric, b.Metric) })
		cp.Baselines[id] = list
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	component.Logger(ctx).Debug("Checkpoint saved", slog.Int("twins", len(cp.Twins)))
	return nil
}

// Restore loads the last checkpoint from the configured CheckpointStore. It
// should be called before Run.
func (e *Engine) Restore(ctx context.Context) error {
	if e.checkpoints == nil {
		return nil
	}
	cp, err := e.checkpoints.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	for _, t := range cp.Twins {
		e.store.Restore(t)
	}
	for id, profiles := range cp.Baselines {
		e.baselines.Restore(id, profiles)
	}
	component.Logger(ctx).Info("Checkpoint restored",
		slog.Int("twins", len(cp.Twins)),
		slog.Time("taken-at", cp.TakenAt),
	)
	return nil
}
