package neo4jsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsentry"
)

// Journal appends the transition records and anomaly events of an engine to a
// Neo4j graph:
//
//	(:Twin {id, health, health_at})-[:TRANSITIONED]->(:Transition {id, from, to, reason, timestamp})
//	(:Twin)-[:RAISED]->(:Anomaly {id, metric, observed_value, deviation_score, severity, detected_at})-[:MATCHED]->(:Rule {id})
//
// Records are merged by id, so redelivered batches leave the graph unchanged.
// Each batch is written in its own transaction and applies atomically. Twin
// nodes also carry the latest health journaled for them, which makes the graph
// queryable for the current fleet state without the engine.
//
// Run BootstrapDatabase on the database before using a Journal.
type Journal struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.
}

// NewJournal returns a Journal writing to the given database.
func NewJournal(driver neo4j.DriverWithContext, database string) *Journal {
	return &Journal{driver: driver, database: database}
}

// AppendTransitions implements twinsentry.Journal.
func (j *Journal) AppendTransitions(ctx context.Context, records []twinsentry.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = map[string]any{
			"id":        r.ID,
			"twin_id":   r.TwinID,
			"from":      r.From.String(),
			"to":        r.To.String(),
			"reason":    r.Reason,
			"timestamp": r.Timestamp,
		}
	}
	// The twin's health is only moved forward in time, so that batches
	// redelivered out of order do not roll it back.
	const query = `
		UNWIND $rows AS r
		MERGE (t:Twin {id: r.twin_id})
		MERGE (x:Transition {id: r.id})
		ON CREATE SET x.from = r.from, x.to = r.to, x.reason = r.reason, x.timestamp = r.timestamp
		MERGE (t)-[:TRANSITIONED]->(x)
		FOREACH (_ IN CASE WHEN t.health_at IS NULL OR t.health_at <= x.timestamp THEN [1] ELSE [] END |
			SET t.health = x.to, t.health_at = x.timestamp
		)
		RETURN count(x) AS written
	`
	return j.write(ctx, "transitions", query, rows)
}

// AppendAnomalies implements twinsentry.Journal.
func (j *Journal) AppendAnomalies(ctx context.Context, events []twinsentry.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(events))
	for i, e := range events {
		rows[i] = map[string]any{
			"id":              e.ID,
			"twin_id":         e.TwinID,
			"rule_id":         e.RuleID,
			"metric":          e.Metric,
			"observed_value":  e.Observed,
			"deviation_score": e.Score,
			"severity":        e.Severity.String(),
			"detected_at":     e.DetectedAt,
		}
	}
	const query = `
		UNWIND $rows AS e
		MERGE (t:Twin {id: e.twin_id})
		MERGE (a:Anomaly {id: e.id})
		ON CREATE SET
			a.metric = e.metric,
			a.observed_value = e.observed_value,
			a.deviation_score = e.deviation_score,
			a.severity = e.severity,
			a.detected_at = e.detected_at
		MERGE (r:Rule {id: e.rule_id})
		MERGE (t)-[:RAISED]->(a)
		MERGE (a)-[:MATCHED]->(r)
		RETURN count(a) AS written
	`
	return j.write(ctx, "anomalies", query, rows)
}

// write runs an UNWIND query over rows in a single write transaction. The query
// must return the number of rows it wrote as "written".
//
// It panics when the query result does not have the expected shape, which
// means the query was modified without the code reading its result.
func (j *Journal) write(ctx context.Context, stream, query string, rows []map[string]any) error {
	ctx, span := tracer.Start(ctx, "Journal.write", trace.WithAttributes(
		attribute.String("neo4j.database", j.database),
		streamKey.String(stream),
		attribute.Int("journal.records", len(rows)),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("neo4j.database", j.database))

	// A new session for every batch keeps session-specific failures from leaking
	// into the next batch.
	s := j.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: j.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", slog.Any("error", err), slog.String("mode", "write"))
		}
	}()

	// Managed transactions are retried by the driver on transient failures such
	// as deadlocks between concurrent MERGEs.
	written, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{"rows": rows})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		return getRecordProperty[int64](record, "written")
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		span.SetStatus(codes.Error, err.Error())
		return err
	case errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}):
		logger.Error("A Cypher query was modified without care", slog.Any("error", err))
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("neo4j execute: %w", err)
	}

	if n := written.(int64); n != int64(len(rows)) {
		err := fmt.Errorf("wrote %d of %d %s", n, len(rows), stream)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	recordsWritten.Add(ctx, int64(len(rows)), metric.WithAttributes(
		attribute.String("neo4j.database", j.database),
		streamKey.String(stream),
	))
	return nil
}

// Transitions returns the journaled transitions of a twin, oldest first.
func (j *Journal) Transitions(ctx context.Context, twinID string) ([]twinsentry.TransitionRecord, error) {
	const query = `
		MATCH (:Twin {id: $twin})-[:TRANSITIONED]->(x:Transition)
		RETURN x.id AS id, x.from AS from, x.to AS to, x.reason AS reason, x.timestamp AS timestamp
		ORDER BY x.timestamp, x.id
	`
	records, err := j.read(ctx, query, twinID)
	if err != nil {
		return nil, err
	}
	out := make([]twinsentry.TransitionRecord, 0, len(records))
	for _, rec := range records {
		r := twinsentry.TransitionRecord{TwinID: twinID}
		var from, to string
		var errs []error
		r.ID, err = getRecordProperty[string](rec, "id")
		errs = append(errs, err)
		from, err = getRecordProperty[string](rec, "from")
		errs = append(errs, err)
		to, err = getRecordProperty[string](rec, "to")
		errs = append(errs, err)
		r.Reason, err = getRecordProperty[string](rec, "reason")
		errs = append(errs, err)
		r.Timestamp, err = getRecordProperty[time.Time](rec, "timestamp")
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("transition of %q: %w", twinID, err)
		}
		if r.From, err = twinsentry.ParseHealth(from); err != nil {
			return nil, fmt.Errorf("transition %v: %w", r.ID, err)
		}
		if r.To, err = twinsentry.ParseHealth(to); err != nil {
			return nil, fmt.Errorf("transition %v: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Anomalies returns the journaled anomaly events of a twin, oldest first.
func (j *Journal) Anomalies(ctx context.Context, twinID string) ([]twinsentry.AnomalyEvent, error) {
	const query = `
		MATCH (:Twin {id: $twin})-[:RAISED]->(a:Anomaly)-[:MATCHED]->(r:Rule)
		RETURN a.id AS id, r.id AS rule_id, a.metric AS metric, a.observed_value AS observed_value,
			a.deviation_score AS deviation_score, a.severity AS severity, a.detected_at AS detected_at
		ORDER BY a.detected_at, a.id
	`
	records, err := j.read(ctx, query, twinID)
	if err != nil {
		return nil, err
	}
	out := make([]twinsentry.AnomalyEvent, 0, len(records))
	for _, rec := range records {
		e := twinsentry.AnomalyEvent{TwinID: twinID}
		var severity string
		var errs []error
		e.ID, err = getRecordProperty[string](rec, "id")
		errs = append(errs, err)
		e.RuleID, err = getRecordProperty[string](rec, "rule_id")
		errs = append(errs, err)
		e.Metric, err = getRecordProperty[string](rec, "metric")
		errs = append(errs, err)
		e.Observed, err = getRecordProperty[float64](rec, "observed_value")
		errs = append(errs, err)
		e.Score, err = getRecordProperty[float64](rec, "deviation_score")
		errs = append(errs, err)
		severity, err = getRecordProperty[string](rec, "severity")
		errs = append(errs, err)
		e.DetectedAt, err = getRecordProperty[time.Time](rec, "detected_at")
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("anomaly of %q: %w", twinID, err)
		}
		if err := e.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, fmt.Errorf("anomaly %v: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Health returns the latest health journaled for a twin, and false if nothing
// was journaled for it.
func (j *Journal) Health(ctx context.Context, twinID string) (twinsentry.Health, bool, error) {
	records, err := j.read(ctx, `MATCH (t:Twin {id: $twin}) WHERE t.health IS NOT NULL RETURN t.health AS health`, twinID)
	if err != nil || len(records) == 0 {
		return 0, false, err
	}
	s, err := getRecordProperty[string](records[0], "health")
	if err != nil {
		return 0, false, fmt.Errorf("health of %q: %w", twinID, err)
	}
	h, err := twinsentry.ParseHealth(s)
	if err != nil {
		return 0, false, fmt.Errorf("health of %q: %w", twinID, err)
	}
	return h, true, nil
}

func (j *Journal) read(ctx context.Context, query, twinID string) ([]*neo4j.Record, error) {
	ctx, span := tracer.Start(ctx, "Journal.read", trace.WithAttributes(
		attribute.String("neo4j.database", j.database),
		attribute.String("twin.id", twinID),
	))
	defer span.End()

	s := j.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: j.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", slog.Any("error", err), slog.String("mode", "read"))
		}
	}()

	records, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{"twin": twinID})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		return result.Collect(ctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("neo4j execute: %w", err)
	}
	return records.([]*neo4j.Record), nil
}

var _ twinsentry.Journal = (*Journal)(nil)
