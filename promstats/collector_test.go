package promstats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-digitaltwin/twinsentry"
)

type fixedStats twinsentry.Stats

func (s fixedStats) Stats() twinsentry.Stats { return twinsentry.Stats(s) }

func TestCollector(t *testing.T) {
	c := NewCollector(fixedStats{
		Received:        12,
		Accepted:        7,
		Overflow:        1,
		InvalidPayload:  2,
		AlertsDelivered: 3,
		Breaker:         "open",
		Twins: map[twinsentry.Health]int{
			twinsentry.HealthHealthy: 4,
			twinsentry.HealthError:   1,
		},
	})

	want := `
# HELP twinsentry_messages_received_total Messages offered to the engine while open.
# TYPE twinsentry_messages_received_total counter
twinsentry_messages_received_total 12
# HELP twinsentry_messages_dropped_total Messages dropped before or during processing, by reason.
# TYPE twinsentry_messages_dropped_total counter
twinsentry_messages_dropped_total{reason="invalid_payload"} 2
twinsentry_messages_dropped_total{reason="malformed_topic"} 0
twinsentry_messages_dropped_total{reason="overflow"} 1
twinsentry_messages_dropped_total{reason="rejected"} 0
twinsentry_messages_dropped_total{reason="unknown_twin"} 0
# HELP twinsentry_alert_breaker_state Current state of the alert sink circuit breaker (1 for the current state).
# TYPE twinsentry_alert_breaker_state gauge
twinsentry_alert_breaker_state{state="closed"} 0
twinsentry_alert_breaker_state{state="half-open"} 0
twinsentry_alert_breaker_state{state="open"} 1
# HELP twinsentry_twins Registered twins by health.
# TYPE twinsentry_twins gauge
twinsentry_twins{health="CRITICAL"} 0
twinsentry_twins{health="DECOMMISSIONED"} 0
twinsentry_twins{health="DEGRADED"} 0
twinsentry_twins{health="ERROR"} 1
twinsentry_twins{health="HEALTHY"} 4
twinsentry_twins{health="INITIALIZING"} 0
twinsentry_twins{health="MAINTENANCE"} 0
twinsentry_twins{health="OFFLINE"} 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"twinsentry_messages_received_total",
		"twinsentry_messages_dropped_total",
		"twinsentry_alert_breaker_state",
		"twinsentry_twins",
	)
	if err != nil {
		t.Error(err)
	}
}

func TestCollectorSeries(t *testing.T) {
	c := NewCollector(fixedStats{})
	// 8 single counters, 5 drop reasons, 4 alert outcomes, 3 breaker states and
	// 8 health states.
	if got, want := testutil.CollectAndCount(c), 8+5+4+3+8; got != want {
		t.Errorf("CollectAndCount() = %d; want %d", got, want)
	}
	if problems, err := testutil.CollectAndLint(c); err != nil {
		t.Fatal(err)
	} else {
		for _, p := range problems {
			t.Errorf("lint: %s: %s", p.Metric, p.Text)
		}
	}
}

func TestCollectorEngine(t *testing.T) {
	e, err := twinsentry.NewEngine(twinsentry.Config{})
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(e))

	// The engine is not running, so the message stays queued.
	if err := e.Ingest(context.Background(), "plant/line-1/gw-1/telemetry", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RegisterTwin("gw-1", "gateway", twinsentry.Metadata{}); err != nil {
		t.Fatal(err)
	}

	want := `
# HELP twinsentry_messages_received_total Messages offered to the engine while open.
# TYPE twinsentry_messages_received_total counter
twinsentry_messages_received_total 1
# HELP twinsentry_twins Registered twins by health.
# TYPE twinsentry_twins gauge
twinsentry_twins{health="CRITICAL"} 0
twinsentry_twins{health="DECOMMISSIONED"} 0
twinsentry_twins{health="DEGRADED"} 0
twinsentry_twins{health="ERROR"} 0
twinsentry_twins{health="HEALTHY"} 0
twinsentry_twins{health="INITIALIZING"} 0
twinsentry_twins{health="MAINTENANCE"} 0
twinsentry_twins{health="OFFLINE"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "twinsentry_messages_received_total", "twinsentry_twins"); err != nil {
		t.Error(err)
	}
}
