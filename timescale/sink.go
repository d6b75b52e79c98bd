// Package timescale journals transition records, anomaly events and alert
// records into PostgreSQL tables, optionally converted to TimescaleDB
// hypertables.
//
// Journal records are inserted with ON CONFLICT DO NOTHING on their ID, so
// redelivered batches are harmless. Alert records have no identity and are
// appended as they come.
package timescale

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/twinsentry"
)

// Tables written by a Sink.
const (
	TableTransitions = "twin_transitions"
	TableAnomalies   = "anomaly_events"
	TableAlerts      = "alert_records"
)

// Postgres caps a statement at 65535 bind parameters.
const maxRowsPerStatement = 1000

// Sink is a twinsentry.Journal and twinsentry.AlertSink over a database/sql
// handle. Open the handle with the "postgres" driver of github.com/lib/pq.
type Sink struct {
	db          *sql.DB
	hypertables bool
}

// An Option configures a Sink.
type Option func(*Sink)

// WithHypertables makes Migrate convert every table into a TimescaleDB
// hypertable partitioned by its time column. The database must have the
// timescaledb extension installed.
func WithHypertables() Option { return func(s *Sink) { s.hypertables = true } }

// New returns a Sink writing through db. Call Migrate before the first write.
func New(db *sql.DB, opts ...Option) *Sink {
	s := &Sink{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hypertables require the partitioning column in every unique index, hence the
// composite primary keys.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + TableTransitions + ` (
		id TEXT NOT NULL,
		twin_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (id, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS twin_transitions_twin_id_idx ON ` + TableTransitions + ` (twin_id, ts)`,
	`CREATE TABLE IF NOT EXISTS ` + TableAnomalies + ` (
		id TEXT NOT NULL,
		twin_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		observed_value DOUBLE PRECISION NOT NULL,
		deviation_score DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (id, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS anomaly_events_twin_id_idx ON ` + TableAnomalies + ` (twin_id, ts)`,
	`CREATE TABLE IF NOT EXISTS ` + TableAlerts + ` (
		twin_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		deviation_score DOUBLE PRECISION NOT NULL,
		observed_value DOUBLE PRECISION NOT NULL,
		metric TEXT NOT NULL,
		occurrence_count INTEGER NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables of the sink if they do not exist yet.
func (s *Sink) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if !s.hypertables {
		return nil
	}
	for _, table := range []string{TableTransitions, TableAnomalies, TableAlerts} {
		_, err := s.db.ExecContext(ctx, `SELECT create_hypertable($1, 'ts', if_not_exists => TRUE)`, table)
		if err != nil {
			return fmt.Errorf("create hypertable %v: %w", table, err)
		}
	}
	return nil
}

// AppendTransitions implements twinsentry.Journal.
func (s *Sink) AppendTransitions(ctx context.Context, records []twinsentry.TransitionRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.ID, r.TwinID, r.From.String(), r.To.String(), r.Reason, r.Timestamp}
	}
	return s.insert(ctx, TableTransitions,
		[]string{"id", "twin_id", "from_state", "to_state", "reason", "ts"},
		" ON CONFLICT (id, ts) DO NOTHING", rows)
}

// AppendAnomalies implements twinsentry.Journal.
func (s *Sink) AppendAnomalies(ctx context.Context, events []twinsentry.AnomalyEvent) error {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ID, e.TwinID, e.RuleID, e.Metric, e.Observed, e.Score, e.Severity.String(), e.DetectedAt}
	}
	return s.insert(ctx, TableAnomalies,
		[]string{"id", "twin_id", "rule_id", "metric", "observed_value", "deviation_score", "severity", "ts"},
		" ON CONFLICT (id, ts) DO NOTHING", rows)
}

// SendAlerts implements twinsentry.AlertSink.
func (s *Sink) SendAlerts(ctx context.Context, records []twinsentry.AlertRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.TwinID, r.RuleID, r.Severity.String(), r.DeviationScore, r.ObservedValue, r.Metric, r.OccurrenceCount, r.DetectedAt}
	}
	return s.insert(ctx, TableAlerts,
		[]string{"twin_id", "rule_id", "severity", "deviation_score", "observed_value", "metric", "occurrence_count", "ts"},
		"", rows)
}

// insert writes rows with multi-row INSERT statements inside one transaction,
// so that a batch is either fully written or not at all.
func (s *Sink) insert(ctx context.Context, table string, columns []string, suffix string, rows [][]any) (err error) {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for chunk := range slices.Chunk(rows, maxRowsPerStatement) {
		query, args := insertStatement(table, columns, suffix, chunk)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %v: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	component.Logger(ctx).Debug("Rows written",
		slog.String("table", table),
		slog.Int("rows", len(rows)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func insertStatement(table string, columns []string, suffix string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for j := range row {
			if j > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteString(")")
		args = append(args, row...)
	}
	b.WriteString(suffix)
	return b.String(), args
}

// Transitions returns the journaled transitions of a twin, oldest first.
func (s *Sink) Transitions(ctx context.Context, twinID string) ([]twinsentry.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_state, to_state, reason, ts FROM `+TableTransitions+
		` WHERE twin_id = $1 ORDER BY ts, id`, twinID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []twinsentry.TransitionRecord
	for rows.Next() {
		r := twinsentry.TransitionRecord{TwinID: twinID}
		var from, to string
		if err := rows.Scan(&r.ID, &from, &to, &r.Reason, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if r.From, err = twinsentry.ParseHealth(from); err != nil {
			return nil, fmt.Errorf("transition %v: %w", r.ID, err)
		}
		if r.To, err = twinsentry.ParseHealth(to); err != nil {
			return nil, fmt.Errorf("transition %v: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Anomalies returns the journaled anomaly events of a twin, oldest first.
func (s *Sink) Anomalies(ctx context.Context, twinID string) ([]twinsentry.AnomalyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rule_id, metric, observed_value, deviation_score, severity, ts FROM `+
		TableAnomalies+` WHERE twin_id = $1 ORDER BY ts, id`, twinID)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []twinsentry.AnomalyEvent
	for rows.Next() {
		e := twinsentry.AnomalyEvent{TwinID: twinID}
		var severity string
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Metric, &e.Observed, &e.Score, &severity, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if err := e.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, fmt.Errorf("anomaly %v: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ twinsentry.Journal   = (*Sink)(nil)
	_ twinsentry.AlertSink = (*Sink)(nil)
)
