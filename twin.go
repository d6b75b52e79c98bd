package twinsentry

import (
	"fmt"
	"maps"
	"time"
)

// Lifecycle is the registration phase of a twin. It is independent of the
// twin's operational Health.
type Lifecycle int

const (
	LifecyclePending Lifecycle = iota
	LifecycleActive
	LifecycleSuspended
	LifecycleDecommissioned
)

var lifecycleNames = [...]string{
	LifecyclePending:        "PENDING",
	LifecycleActive:         "ACTIVE",
	LifecycleSuspended:      "SUSPENDED",
	LifecycleDecommissioned: "DECOMMISSIONED",
}

func (l Lifecycle) String() string {
	if l < 0 || int(l) >= len(lifecycleNames) {
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
	return lifecycleNames[l]
}

func (l Lifecycle) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Lifecycle) UnmarshalText(text []byte) error {
	for i, name := range lifecycleNames {
		if name == string(text) {
			*l = Lifecycle(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle %q", text)
}

// Health is the operational state of a twin, as driven by the StateMachine.
type Health int

const (
	HealthOffline Health = iota
	HealthInitializing
	HealthHealthy
	HealthDegraded
	HealthCritical
	HealthError
	HealthMaintenance
	HealthDecommissioned // terminal
)

var healthNames = [...]string{
	HealthOffline:        "OFFLINE",
	HealthInitializing:   "INITIALIZING",
	HealthHealthy:        "HEALTHY",
	HealthDegraded:       "DEGRADED",
	HealthCritical:       "CRITICAL",
	HealthError:          "ERROR",
	HealthMaintenance:    "MAINTENANCE",
	HealthDecommissioned: "DECOMMISSIONED",
}

func (h Health) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return fmt.Sprintf("Health(%d)", int(h))
	}
	return healthNames[h]
}

func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Health) UnmarshalText(text []byte) error {
	v, err := ParseHealth(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHealth returns the Health named s (e.g. "DEGRADED").
func ParseHealth(s string) (Health, error) {
	for i, name := range healthNames {
		if name == s {
			return Health(i), nil
		}
	}
	return 0, fmt.Errorf("unknown health %q", s)
}

// AcceptsCommands reports whether a twin in this health state may be sent
// commands by operators.
func (h Health) AcceptsCommands() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthMaintenance:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition can leave h.
func (h Health) Terminal() bool { return h == HealthDecommissioned }

// detects reports whether anomaly detection runs for twins in this state.
func (h Health) detects() bool {
	return h != HealthMaintenance && h != HealthDecommissioned
}

// A Reading is the last accepted value of a single metric.
type Reading struct {
	Value   float64   `json:"value"`
	Updated time.Time `json:"last_updated"`
}

// Metadata describes the physical entity behind a twin. All fields are
// optional.
type Metadata struct {
	Location        string            `json:"location,omitempty"`
	Manufacturer    string            `json:"manufacturer,omitempty"`
	Model           string            `json:"model,omitempty"`
	SerialNumber    string            `json:"serial_number,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	HardwareVersion string            `json:"hardware_version,omitempty"`
	Description     string            `json:"description,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`
}

func (m Metadata) clone() Metadata {
	m.Tags = append([]string(nil), m.Tags...)
	m.Custom = maps.Clone(m.Custom)
	return m
}

// Twin is a point-in-time snapshot of a digital twin. Snapshots are copies:
// mutating one never affects the Store nor other snapshots.
type Twin struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	Version   uint64             `json:"version"`
	Lifecycle Lifecycle          `json:"lifecycle"`
	Health    Health             `json:"health"`
	State     map[string]Reading `json:"state"`
	Metadata  Metadata           `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	// LastSeen is the engine time at which the last sample was accepted. It drives
	// the liveness sweep and is unrelated to producer timestamps.
	LastSeen time.Time `json:"last_seen"`

	MessageCount int64  `json:"message_count"`
	ErrorCount   int64  `json:"error_count"`
	LostSamples  int64  `json:"lost_samples"`
	LastSequence uint64 `json:"last_sequence,omitempty"`

	// CommandEligible is derived from Health at snapshot time.
	CommandEligible bool `json:"command_eligible"`
}

// LastUpdated returns the most recent producer timestamp across all metrics.
func (t Twin) LastUpdated() time.Time {
	var last time.Time
	for _, r := range t.State {
		if r.Updated.After(last) {
			last = r.Updated
		}
	}
	return last
}

func (t Twin) clone() Twin {
	t.State = maps.Clone(t.State)
	t.Metadata = t.Metadata.clone()
	t.CommandEligible = t.Health.AcceptsCommands()
	return t
}

// Filter selects twins in ListTwins. Zero-valued fields match everything.
type Filter struct {
	Kind      string
	Health    *Health
	Lifecycle *Lifecycle
	// Offset and Limit paginate results ordered by twin id. A zero Limit means no
	// limit.
	Offset int
	Limit  int
}

func (f Filter) match(t *Twin) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Health != nil && t.Health != *f.Health {
		return false
	}
	if f.Lifecycle != nil && t.Lifecycle != *f.Lifecycle {
		return false
	}
	return true
}
