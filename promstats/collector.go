// Package promstats exports the counters of a twinsentry engine as Prometheus
// metrics.
//
// The engine keeps its own counters (see twinsentry.Stats); the Collector
// reads a snapshot on every scrape instead of mirroring each increment:
//
//	prometheus.MustRegister(promstats.NewCollector(engine))
//	http.Handle("/metrics", promhttp.Handler())
package promstats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-digitaltwin/twinsentry"
)

const namespace = "twinsentry"

// A Source provides the stats snapshot to export. *twinsentry.Engine is a
// Source.
type Source interface {
	Stats() twinsentry.Stats
}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	source Source

	received      *prometheus.Desc
	accepted      *prometheus.Desc
	dropped       *prometheus.Desc
	stale         *prometheus.Desc
	duplicates    *prometheus.Desc
	statusReports *prometheus.Desc
	acks          *prometheus.Desc
	anomalies     *prometheus.Desc
	alerts        *prometheus.Desc
	journal       *prometheus.Desc
	breaker       *prometheus.Desc
	twins         *prometheus.Desc
}

// Every health state is reported, zero or not, so that series do not vanish
// when the last twin leaves a state.
var healthStates = []twinsentry.Health{
	twinsentry.HealthOffline,
	twinsentry.HealthInitializing,
	twinsentry.HealthHealthy,
	twinsentry.HealthDegraded,
	twinsentry.HealthCritical,
	twinsentry.HealthError,
	twinsentry.HealthMaintenance,
	twinsentry.HealthDecommissioned,
}

var breakerStates = []string{"closed", "open", "half-open"}

// NewCollector returns a Collector exporting the stats of source.
func NewCollector(source Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:        source,
		received:      desc("messages_received_total", "Messages offered to the engine while open."),
		accepted:      desc("samples_accepted_total", "Telemetry samples that changed a twin."),
		dropped:       desc("messages_dropped_total", "Messages dropped before or during processing, by reason.", "reason"),
		stale:         desc("stale_metrics_total", "Metric readings older than the twin's current reading."),
		duplicates:    desc("duplicate_metrics_total", "Metric readings redelivered unchanged."),
		statusReports: desc("status_reports_total", "Device status reports applied."),
		acks:          desc("acks_total", "Command acknowledgements received."),
		anomalies:     desc("anomalies_total", "Anomaly events raised by the detector."),
		alerts:        desc("alerts_total", "Alert records by dispatch outcome.", "outcome"),
		journal:       desc("journal_dropped_total", "Journal records dropped because the journal queue was full."),
		breaker:       desc("alert_breaker_state", "Current state of the alert sink circuit breaker (1 for the current state).", "state"),
		twins:         desc("twins", "Registered twins by health.", "health"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.received, c.accepted, c.dropped, c.stale, c.duplicates, c.statusReports,
		c.acks, c.anomalies, c.alerts, c.journal, c.breaker, c.twins,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.received, s.Received)
	counter(c.accepted, s.Accepted)
	counter(c.dropped, s.Overflow, "overflow")
	counter(c.dropped, s.MalformedTopic, "malformed_topic")
	counter(c.dropped, s.InvalidPayload, "invalid_payload")
	counter(c.dropped, s.UnknownTwin, "unknown_twin")
	counter(c.dropped, s.Rejected, "rejected")
	counter(c.stale, s.StaleMetrics)
	counter(c.duplicates, s.Duplicates)
	counter(c.statusReports, s.StatusReports)
	counter(c.acks, s.Acks)
	counter(c.anomalies, s.Anomalies)
	counter(c.alerts, s.AlertsSuppressed, "suppressed")
	counter(c.alerts, s.AlertsDelivered, "delivered")
	counter(c.alerts, s.AlertsFailed, "failed")
	counter(c.alerts, s.AlertsDropped, "dropped")
	counter(c.journal, s.JournalDropped)

	for _, state := range breakerStates {
		var v float64
		if state == s.Breaker {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, v, state)
	}
	for _, h := range healthStates {
		ch <- prometheus.MustNewConstMetric(c.twins, prometheus.GaugeValue, float64(s.Twins[h]), h.String())
	}
}

var _ prometheus.Collector = (*Collector)(nil)
