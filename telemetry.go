package twinsentry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsentry")
var meter = otel.Meter("github.com/go-digitaltwin/twinsentry")

const (
	// Attribute keys shared by the engine's instruments. Keeping their cardinality
	// bounded matters: twin ids are deliberately never used as attributes.
	attrReason   = "reason"
	attrClass    = "class"
	attrHealth   = "health"
	attrRule     = "rule"
	attrSeverity = "severity"
	attrOutcome  = "outcome"
	attrStream   = "stream"
)

var (
	// messagesDropped counts inbound messages that were not applied, by reason
	// (overflow, malformed_topic, invalid_payload, unknown_twin, suspended,
	// decommissioned).
	messagesDropped metric.Int64Counter
	// samplesAccepted counts telemetry samples that changed a twin.
	samplesAccepted metric.Int64Counter
	// staleMetrics counts metric readings ignored by last-write-wins.
	staleMetrics metric.Int64Counter
	// ingestionLag measures the time between the broker delivering a message and
	// a worker picking it up.
	ingestionLag metric.Float64Histogram
	// processingDuration measures how long a worker spent on one message, by
	// message class.
	processingDuration metric.Float64Histogram
	// healthTransitions counts health transitions by target state.
	healthTransitions metric.Int64Counter
	// anomaliesDetected counts anomaly events by rule and severity.
	anomaliesDetected metric.Int64Counter
	// alertDeliveries counts alert records leaving the dispatcher, by outcome.
	alertDeliveries metric.Int64Counter
	// journalFailures counts journal batches that could not be appended, by
	// stream (transitions or anomalies).
	journalFailures metric.Int64Counter
)

func init() {
	var err error
	messagesDropped, err = meter.Int64Counter(
		"twinsentry.messages.dropped",
		metric.WithDescription("The number of inbound messages that were not applied to any twin."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.messages.dropped' instrument")
	}

	samplesAccepted, err = meter.Int64Counter(
		"twinsentry.samples.accepted",
		metric.WithDescription("The number of telemetry samples that changed a twin."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.samples.accepted' instrument")
	}

	staleMetrics, err = meter.Int64Counter(
		"twinsentry.metrics.stale",
		metric.WithDescription("The number of metric readings ignored because a newer reading was already applied."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.metrics.stale' instrument")
	}

	ingestionLag, err = meter.Float64Histogram(
		"twinsentry.ingestion.lag",
		metric.WithDescription("The time between receiving a message and a worker starting to process it."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.ingestion.lag' instrument")
	}

	processingDuration, err = meter.Float64Histogram(
		"twinsentry.processing.duration",
		metric.WithDescription("The duration of processing a single inbound message, including detection and dispatch."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.processing.duration' instrument")
	}

	healthTransitions, err = meter.Int64Counter(
		"twinsentry.health.transitions",
		metric.WithDescription("The number of health transitions, by target state."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.health.transitions' instrument")
	}

	anomaliesDetected, err = meter.Int64Counter(
		"twinsentry.anomalies.detected",
		metric.WithDescription("The number of anomaly events raised, by rule and severity."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.anomalies.detected' instrument")
	}

	alertDeliveries, err = meter.Int64Counter(
		"twinsentry.alerts.deliveries",
		metric.WithDescription("The number of alert records handed to the alert sink, by outcome."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.alerts.deliveries' instrument")
	}

	journalFailures, err = meter.Int64Counter(
		"twinsentry.journal.failures",
		metric.WithDescription("The number of journal batches that could not be appended."),
	)
	if err != nil {
		panic("twinsentry: failed to init 'twinsentry.journal.failures' instrument")
	}
}

// milliseconds converts with floating-point division for higher precision than
// the Milliseconds method.
func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func measureDrop(ctx context.Context, reason string) {
	attrs := attribute.NewSet(attribute.String(attrReason, reason))
	messagesDropped.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

// measureProcessing records how long a message waited in the queues and how
// long it took to process.
func measureProcessing(ctx context.Context, class MessageClass, lag, took time.Duration) {
	attrs := attribute.NewSet(attribute.String(attrClass, class.String()))
	if lag > 0 {
		ingestionLag.Record(ctx, milliseconds(lag))
	}
	processingDuration.Record(ctx, milliseconds(took), metric.WithAttributeSet(attrs))
}

func measureUpdate(ctx context.Context, u Update) {
	if u.Accepted {
		samplesAccepted.Add(ctx, 1)
	}
	if n := len(u.Stale); n > 0 {
		staleMetrics.Add(ctx, int64(n))
	}
	measureTransitions(ctx, u.Transitions)
}

func measureTransitions(ctx context.Context, recs []TransitionRecord) {
	for _, r := range recs {
		attrs := attribute.NewSet(attribute.String(attrHealth, r.To.String()))
		healthTransitions.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureAnomalies(ctx context.Context, events []AnomalyEvent) {
	for _, ev := range events {
		attrs := attribute.NewSet(
			attribute.String(attrRule, ev.RuleID),
			attribute.String(attrSeverity, ev.Severity.String()),
		)
		anomaliesDetected.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureDelivery(ctx context.Context, outcome string, n int) {
	attrs := attribute.NewSet(attribute.String(attrOutcome, outcome))
	alertDeliveries.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}

func measureJournalFailure(ctx context.Context, stream string) {
	attrs := attribute.NewSet(attribute.String(attrStream, stream))
	journalFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
