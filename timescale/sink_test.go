package timescale

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/go-digitaltwin/twinsentry"
	"github.com/go-digitaltwin/twinsentry/internal/dbtest"
	"github.com/go-digitaltwin/twinsentry/sinktest"
)

func newMock(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestAppendTransitions(t *testing.T) {
	sink, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []twinsentry.TransitionRecord{
		{ID: "t1", TwinID: "gw-1", From: twinsentry.HealthOffline, To: twinsentry.HealthInitializing, Reason: twinsentry.ReasonFirstSample, Timestamp: at},
		{ID: "t2", TwinID: "gw-1", From: twinsentry.HealthInitializing, To: twinsentry.HealthHealthy, Reason: twinsentry.ReasonClassified, Timestamp: at},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO twin_transitions (id, twin_id, from_state, to_state, reason, ts) VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12) ON CONFLICT (id, ts) DO NOTHING")).
		WithArgs(
			"t1", "gw-1", "OFFLINE", "INITIALIZING", "first_sample", at,
			"t2", "gw-1", "INITIALIZING", "HEALTHY", "classified", at,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, sink.AppendTransitions(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAnomalies(t *testing.T) {
	sink, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 20, 0, time.UTC)
	event := twinsentry.AnomalyEvent{
		ID:         "a1",
		TwinID:     "gw-1",
		RuleID:     twinsentry.RuleSpike,
		Metric:     twinsentry.MultiMetric,
		Observed:   1100,
		Score:      7.5,
		Severity:   twinsentry.SeverityCritical,
		DetectedAt: at,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO anomaly_events (id, twin_id, rule_id, metric, observed_value, deviation_score, severity, ts) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id, ts) DO NOTHING")).
		WithArgs("a1", "gw-1", "pattern.spike", "multi", 1100.0, 7.5, "CRITICAL", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, sink.AppendAnomalies(context.Background(), []twinsentry.AnomalyEvent{event}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendAlerts(t *testing.T) {
	sink, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 20, 0, time.UTC)
	record := twinsentry.AlertRecord{
		TwinID:          "gw-1",
		RuleID:          twinsentry.RuleDeviation,
		Severity:        twinsentry.SeverityHigh,
		DeviationScore:  5.5,
		ObservedValue:   180,
		Metric:          "packet_rate",
		DetectedAt:      at,
		OccurrenceCount: 3,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alert_records (twin_id, rule_id, severity, deviation_score, observed_value, metric, occurrence_count, ts) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)")).
		WithArgs("gw-1", "metric.deviation", "HIGH", 5.5, 180.0, "packet_rate", 3, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, sink.SendAlerts(context.Background(), []twinsentry.AlertRecord{record}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRollsBackOnFailure(t *testing.T) {
	sink, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO twin_transitions").WillReturnError(boom)
	mock.ExpectRollback()

	err := sink.AppendTransitions(context.Background(), []twinsentry.TransitionRecord{{ID: "t1", TwinID: "gw-1"}})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEmptyBatches(t *testing.T) {
	sink, mock := newMock(t)
	ctx := context.Background()

	require.NoError(t, sink.AppendTransitions(ctx, nil))
	require.NoError(t, sink.AppendAnomalies(ctx, nil))
	require.NoError(t, sink.SendAlerts(ctx, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSplitsLargeBatches(t *testing.T) {
	sink, mock := newMock(t)
	records := make([]twinsentry.TransitionRecord, maxRowsPerStatement+1)
	for i := range records {
		records[i] = twinsentry.TransitionRecord{ID: "t", TwinID: "gw-1"}
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO twin_transitions").WillReturnResult(sqlmock.NewResult(0, maxRowsPerStatement))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, sink.AppendTransitions(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitions(t *testing.T) {
	sink, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, from_state, to_state, reason, ts FROM twin_transitions WHERE twin_id = $1 ORDER BY ts, id")).
		WithArgs("gw-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "from_state", "to_state", "reason", "ts"}).
			AddRow("t1", "HEALTHY", "ERROR", "device_error", at))

	got, err := sink.Transitions(context.Background(), "gw-1")
	require.NoError(t, err)
	require.Equal(t, []twinsentry.TransitionRecord{{
		ID:        "t1",
		TwinID:    "gw-1",
		From:      twinsentry.HealthHealthy,
		To:        twinsentry.HealthError,
		Reason:    twinsentry.ReasonDeviceError,
		Timestamp: at,
	}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionsUnknownHealth(t *testing.T) {
	sink, mock := newMock(t)
	mock.ExpectQuery("SELECT id, from_state").
		WillReturnRows(sqlmock.NewRows([]string{"id", "from_state", "to_state", "reason", "ts"}).
			AddRow("t1", "BROKEN", "ERROR", "device_error", time.Now()))

	_, err := sink.Transitions(context.Background(), "gw-1")
	require.ErrorContains(t, err, `unknown health "BROKEN"`)
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for _, table := range []string{TableTransitions, TableAnomalies, TableAlerts} {
		mock.ExpectExec(regexp.QuoteMeta("SELECT create_hypertable($1, 'ts', if_not_exists => TRUE)")).
			WithArgs(table).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, New(db, WithHypertables()).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal(t *testing.T) {
	sink := New(dbtest.SetupTimescale(t), WithHypertables())
	require.NoError(t, sink.Migrate(context.Background()))
	sinktest.RunJournal(t, sink, sink)
}
