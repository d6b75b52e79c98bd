package twinsentry

import "sync/atomic"

type counters struct {
	received       atomic.Uint64
	accepted       atomic.Uint64
	overflow       atomic.Uint64
	malformedTopic atomic.Uint64
	invalidPayload atomic.Uint64
	unknownTwin    atomic.Uint64
	rejected       atomic.Uint64
	stale          atomic.Uint64
	duplicates     atomic.Uint64
	statusReports  atomic.Uint64
	acks           atomic.Uint64
	anomalies      atomic.Uint64
}

// Stats is a point-in-time snapshot of the engine's counters. Counters only
// grow over the engine's lifetime; Twins is the current population.
type Stats struct {
	Received       uint64 // messages offered to Ingest while open
	Accepted       uint64 // telemetry samples that changed a twin
	Overflow       uint64 // messages shed because the queue was full
	MalformedTopic uint64
	InvalidPayload uint64
	UnknownTwin    uint64
	Rejected       uint64 // samples of suspended or decommissioned twins
	StaleMetrics   uint64
	Duplicates     uint64 // metric readings redelivered unchanged
	StatusReports  uint64
	Acks           uint64
	Anomalies      uint64

	AlertsSuppressed uint64
	AlertsDelivered  uint64
	AlertsFailed     uint64
	AlertsDropped    uint64
	JournalDropped   uint64
	Breaker          string

	Twins map[Health]int
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	d := e.dispatcher.Stats()
	return Stats{
		Received:         e.counters.received.Load(),
		Accepted:         e.counters.accepted.Load(),
		Overflow:         e.counters.overflow.Load(),
		MalformedTopic:   e.counters.malformedTopic.Load(),
		InvalidPayload:   e.counters.invalidPayload.Load(),
		UnknownTwin:      e.counters.unknownTwin.Load(),
		Rejected:         e.counters.rejected.Load(),
		StaleMetrics:     e.counters.stale.Load(),
		Duplicates:       e.counters.duplicates.Load(),
		StatusReports:    e.counters.statusReports.Load(),
		Acks:             e.counters.acks.Load(),
		Anomalies:        e.counters.anomalies.Load(),
		AlertsSuppressed: d.Suppressed,
		AlertsDelivered:  d.Delivered,
		AlertsFailed:     d.Failed,
		AlertsDropped:    d.Dropped,
		JournalDropped:   e.journal.dropped.Load(),
		Breaker:          d.Breaker,
		Twins:            e.store.HealthCounts(),
	}
}
