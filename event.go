package twinsentry

import (
	"fmt"
	"time"
)

// Severity classifies anomaly events.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if s <= 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(text []byte) error {
	for i, name := range severityNames {
		if i > 0 && name == string(text) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", text)
}

// urgent severities bypass batching in the Dispatcher.
func (s Severity) urgent() bool { return s >= SeverityHigh }

// ScoreSeverity maps a deviation score onto its severity band. It returns false
// for scores below 2, which are not anomalous.
func ScoreSeverity(score float64) (Severity, bool) {
	switch {
	case score >= 5:
		return SeverityHigh, true
	case score >= 3:
		return SeverityMedium, true
	case score >= 2:
		return SeverityLow, true
	default:
		return 0, false
	}
}

// MultiMetric is the metric name of events raised by correlated-pattern rules.
const MultiMetric = "multi"

// An AnomalyEvent is produced by the Detector. Events are immutable values.
type AnomalyEvent struct {
	ID         string    `json:"id"`
	TwinID     string    `json:"twin_id"`
	Metric     string    `json:"metric"`
	Observed   float64   `json:"observed_value"`
	Score      float64   `json:"deviation_score"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
	RuleID     string    `json:"rule_id"`
}

// Reasons recorded on transition records.
const (
	ReasonFirstSample     = "first_sample"
	ReasonClassified      = "classified"
	ReasonLivenessTimeout = "liveness_timeout"
	ReasonMaintenanceOn   = "maintenance_entered"
	ReasonMaintenanceOff  = "maintenance_exited"
	ReasonDeviceError     = "device_error"
	ReasonDeviceRecovered = "device_recovered"
	ReasonDecommissioned  = "decommissioned"
)

// A TransitionRecord is an audit entry of a health change.
type TransitionRecord struct {
	ID        string    `json:"id"`
	TwinID    string    `json:"twin_id"`
	From      Health    `json:"from_state"`
	To        Health    `json:"to_state"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// An AlertRecord is what the Dispatcher hands to an AlertSink: one flat record
// per dispatched (post-deduplication) event.
type AlertRecord struct {
	TwinID          string    `json:"twin_id"`
	RuleID          string    `json:"rule_id"`
	Severity        Severity  `json:"severity"`
	DeviationScore  float64   `json:"deviation_score"`
	ObservedValue   float64   `json:"observed_value"`
	Metric          string    `json:"metric"`
	DetectedAt      time.Time `json:"detected_at"`
	OccurrenceCount int       `json:"occurrence_count"`
}
