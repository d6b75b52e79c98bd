package twinsentry

import (
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
)

// Default pubsub names linked by Component.
const (
	TelemetryInterest = "twinsentry.telemetry"
	AlertsAspect      = "twinsentry.alerts"
)

// Options configures Component. It is passed as the options argument of the
// descriptor's bootstrap.
type Options struct {
	Config Config
	// Journal and Checkpoints are optional.
	Journal     Journal
	Checkpoints CheckpointStore
}

// Component describes a twinsentry deployment: it consumes device messages
// from TelemetryInterest and publishes alert records on AlertsAspect.
var Component = component.Descriptor{
	Name: "twinsentry",
	Doc:  "Maintains digital twins of devices from their telemetry and raises alerts on behavioral anomalies.",
	Bootstrap: func(l *component.L, target component.Linker, options any) error {
		logger := component.Logger(l.Context())
		opts, ok := options.(*Options)
		if !ok || opts == nil {
			opts = &Options{}
		}

		logger.Debug("Opening aspect topic...", slog.String("topic-name", AlertsAspect))
		alerts, err := target.LinkAspect(l.GraceContext(), AlertsAspect)
		if err != nil {
			return fmt.Errorf("open aspect %q: %w", AlertsAspect, err)
		}
		l.CleanupContext(alerts.Shutdown)
		logger.Info("Aspect topic opened successfully")

		engine, err := NewEngine(opts.Config,
			WithAlertSink(NewTopicSink(alerts)),
			WithJournal(opts.Journal),
			WithCheckpointStore(opts.Checkpoints),
		)
		if err != nil {
			return err
		}
		if err := engine.Restore(l.GraceContext()); err != nil {
			return err
		}

		logger.Debug("Opening interest subscription...", slog.String("topic-name", TelemetryInterest))
		telemetry, err := target.LinkInterest(l.GraceContext(), TelemetryInterest)
		if err != nil {
			return fmt.Errorf("open interest %q: %w", TelemetryInterest, err)
		}
		l.CleanupBackground(telemetry.Shutdown)
		logger.Info("Interest subscription opened successfully")

		l.Fork("engine", engine)
		l.Fork("feed", engine.Feed(telemetry))
		return nil
	},
	Aspects:   []string{AlertsAspect},
	Interests: []string{TelemetryInterest},
}
