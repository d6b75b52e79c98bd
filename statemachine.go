package twinsentry

import (
	"time"

	"github.com/google/uuid"
)

// StateMachine drives the operational health of twins:
//
//	OFFLINE -> INITIALIZING -> HEALTHY <-> DEGRADED <-> CRITICAL
//
// with ERROR and MAINTENANCE reachable from any non-terminal state and
// DECOMMISSIONED terminal. Classification may jump directly between HEALTHY and
// CRITICAL since health is recomputed from scratch on every accepted sample.
//
// The machine holds no per-twin state. Its methods mutate a Twin owned by the
// caller, which must hold that twin's lock, and return the transition records
// produced. Transitions to the current state are not recorded.
type StateMachine struct {
	schemas Schemas
}

// NewStateMachine returns a StateMachine classifying metrics with the
// thresholds declared in schemas.
func NewStateMachine(schemas Schemas) *StateMachine {
	return &StateMachine{schemas: schemas}
}

// Classify returns the worst classification across all metrics in state:
// CRITICAL if any metric reads in a critical range, else DEGRADED if any reads
// in a warning range, else HEALTHY.
func (m *StateMachine) Classify(kind string, state map[string]Reading) Health {
	return m.schemas.classify(kind, state)
}

// CanTransition reports whether the machine allows moving from one health state
// to another.
func CanTransition(from, to Health) bool {
	if from == to || from.Terminal() {
		return false
	}
	// Maintenance is only left explicitly, or by decommissioning.
	if from == HealthMaintenance {
		return to == HealthInitializing || to == HealthDecommissioned
	}
	switch to {
	case HealthOffline, HealthError, HealthMaintenance, HealthDecommissioned:
		return true
	case HealthInitializing:
		return from == HealthOffline || from == HealthError
	case HealthHealthy, HealthDegraded, HealthCritical:
		return from == HealthInitializing || from == HealthHealthy || from == HealthDegraded || from == HealthCritical
	default:
		return false
	}
}

func (m *StateMachine) move(t *Twin, to Health, reason string, at time.Time, recs []TransitionRecord) []TransitionRecord {
	if !CanTransition(t.Health, to) {
		return recs
	}
	recs = append(recs, TransitionRecord{
		ID:        uuid.NewString(),
		TwinID:    t.ID,
		From:      t.Health,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	})
	t.Health = to
	return recs
}

// OnSample advances t after it accepted a sample. An OFFLINE twin first moves
// to INITIALIZING, then every accepted sample reclassifies the twin. Twins in
// ERROR or MAINTENANCE keep their state.
func (m *StateMachine) OnSample(t *Twin, at time.Time) []TransitionRecord {
	var recs []TransitionRecord
	switch t.Health {
	case HealthError, HealthMaintenance, HealthDecommissioned:
		return nil
	case HealthOffline:
		recs = m.move(t, HealthInitializing, ReasonFirstSample, at, recs)
	}
	return m.move(t, m.Classify(t.Kind, t.State), ReasonClassified, at, recs)
}

// OnTimeout moves t to OFFLINE after a liveness timeout.
func (m *StateMachine) OnTimeout(t *Twin, at time.Time) []TransitionRecord {
	return m.move(t, HealthOffline, ReasonLivenessTimeout, at, nil)
}

// OnMaintenance enters or exits MAINTENANCE. Exiting leaves the twin
// INITIALIZING until its next sample reclassifies it.
func (m *StateMachine) OnMaintenance(t *Twin, on bool, at time.Time) []TransitionRecord {
	if on {
		return m.move(t, HealthMaintenance, ReasonMaintenanceOn, at, nil)
	}
	if t.Health != HealthMaintenance {
		return nil
	}
	return m.move(t, HealthInitializing, ReasonMaintenanceOff, at, nil)
}

// Device states understood by OnStatus.
const (
	StatusError  = "error"
	StatusOK     = "ok"
	StatusOnline = "online"
)

// OnStatus applies a device-reported status. "error" moves the twin to ERROR;
// "ok" and "online" recover an ERROR twin to INITIALIZING. Other states are
// informational.
func (m *StateMachine) OnStatus(t *Twin, state string, at time.Time) []TransitionRecord {
	switch state {
	case StatusError:
		return m.move(t, HealthError, ReasonDeviceError, at, nil)
	case StatusOK, StatusOnline:
		if t.Health == HealthError {
			return m.move(t, HealthInitializing, ReasonDeviceRecovered, at, nil)
		}
	}
	return nil
}

// OnDecommission moves t to its terminal state.
func (m *StateMachine) OnDecommission(t *Twin, at time.Time) []TransitionRecord {
	return m.move(t, HealthDecommissioned, ReasonDecommissioned, at, nil)
}
