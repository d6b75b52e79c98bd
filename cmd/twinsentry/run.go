package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielorbach/go-component"
	_ "github.com/lib/pq"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/twinsentry"
	"github.com/go-digitaltwin/twinsentry/badgerstore"
	"github.com/go-digitaltwin/twinsentry/neo4jsink"
	"github.com/go-digitaltwin/twinsentry/promstats"
	"github.com/go-digitaltwin/twinsentry/timescale"
)

// resources tracks what run opened, to release it in reverse order.
type resources struct {
	closers []func(context.Context) error

	alerts      []twinsentry.AlertSink
	journals    []twinsentry.Journal
	checkpoints twinsentry.CheckpointStore
}

func (r *resources) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

func (r *resources) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			component.Logger(ctx).Error("Failed to release resource", slog.Any("error", err))
		}
	}
}

// openJournals connects to the configured journal stores. With bootstrap set,
// it also creates their databases, constraints and tables.
func (r *resources) openJournals(ctx context.Context, s settings, bootstrap bool) error {
	logger := component.Logger(ctx)

	if s.Neo4j.URL != "" {
		auth := neo4j.NoAuth()
		if s.Neo4j.Username != "" {
			auth = neo4j.BasicAuth(s.Neo4j.Username, s.Neo4j.Password, "")
		}
		driver, err := neo4j.NewDriverWithContext(s.Neo4j.URL, auth)
		if err != nil {
			return fmt.Errorf("open neo4j driver: %w", err)
		}
		r.onClose(driver.Close)
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("connect to neo4j: %w", err)
		}
		if bootstrap {
			if err := neo4jsink.BootstrapDatabase(ctx, driver, s.Neo4j.Database); err != nil {
				return fmt.Errorf("bootstrap neo4j: %w", err)
			}
		}
		r.journals = append(r.journals, neo4jsink.NewJournal(driver, s.Neo4j.Database))
		logger.Info("Journaling to neo4j", slog.String("neo4j.database", s.Neo4j.Database))
	}

	if s.Timescale.DSN != "" {
		db, err := sql.Open("postgres", s.Timescale.DSN)
		if err != nil {
			return fmt.Errorf("open timescale: %w", err)
		}
		r.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect to timescale: %w", err)
		}
		var opts []timescale.Option
		if s.Timescale.Hypertables {
			opts = append(opts, timescale.WithHypertables())
		}
		sink := timescale.New(db, opts...)
		if bootstrap {
			if err := sink.Migrate(ctx); err != nil {
				return fmt.Errorf("bootstrap timescale: %w", err)
			}
		}
		r.journals = append(r.journals, sink)
		r.alerts = append(r.alerts, sink)
		logger.Info("Journaling to timescale")
	}
	return nil
}

func (r *resources) openAlerts(ctx context.Context, s settings) error {
	if s.AlertsURL == "" {
		return nil
	}
	topic, err := pubsub.OpenTopic(ctx, s.AlertsURL)
	if err != nil {
		return fmt.Errorf("open alerts topic: %w", err)
	}
	r.onClose(topic.Shutdown)
	r.alerts = append(r.alerts, twinsentry.NewTopicSink(topic))
	return nil
}

func (r *resources) openCheckpoints(s settings) error {
	if s.CheckpointDir == "" {
		return nil
	}
	store, err := badgerstore.Open(s.CheckpointDir)
	if err != nil {
		return err
	}
	r.onClose(func(context.Context) error { return store.Close() })
	r.checkpoints = store
	return nil
}

func (r *resources) engineOptions() []twinsentry.Option {
	var opts []twinsentry.Option
	if len(r.alerts) > 0 {
		opts = append(opts, twinsentry.WithAlertSink(twinsentry.Sinks(r.alerts...)))
	}
	if len(r.journals) > 0 {
		opts = append(opts, twinsentry.WithJournal(twinsentry.Journals(r.journals...)))
	}
	if r.checkpoints != nil {
		opts = append(opts, twinsentry.WithCheckpointStore(r.checkpoints))
	}
	return opts
}

// run wires the engine to its transports and stores, and runs it until ctx is
// done.
func run(ctx context.Context, s settings) (err error) {
	logger := component.Logger(ctx)
	if s.TelemetryURL == "" {
		return errors.New("no telemetry source: set --telemetry-url")
	}

	r := &resources{}
	defer r.close(ctx)

	if s.Trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		r.onClose(shutdown)
	}

	cfg := s.Engine
	if s.SchemasFile != "" {
		if cfg.Schemas, err = loadSchemas(s.SchemasFile); err != nil {
			return err
		}
	}
	if err := r.openJournals(ctx, s, false); err != nil {
		return err
	}
	if err := r.openAlerts(ctx, s); err != nil {
		return err
	}
	if err := r.openCheckpoints(s); err != nil {
		return err
	}

	engine, err := twinsentry.NewEngine(cfg, r.engineOptions()...)
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	sub, err := pubsub.OpenSubscription(ctx, s.TelemetryURL)
	if err != nil {
		return fmt.Errorf("open telemetry subscription: %w", err)
	}
	r.onClose(sub.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return engine.Consume(gctx, sub) })
	if s.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, s.MetricsAddr, engine) })
	}
	logger.Info("Consuming telemetry", slog.String("telemetry-url", s.TelemetryURL))
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, engine *twinsentry.Engine) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promstats.NewCollector(engine),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	component.Logger(ctx).Info("Serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
