package twinsentry

import (
	"errors"
	"fmt"
)

// Input errors. Messages failing with these are dropped and counted, they never
// fail the pipeline.
var (
	ErrMalformedTopic = errors.New("malformed topic")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownTwin    = errors.New("unknown twin")
	ErrTwinSuspended  = errors.New("twin suspended")
)

// Lifecycle errors, surfaced to callers of the query/command API.
var (
	ErrNotFound           = errors.New("twin not found")
	ErrTwinDecommissioned = errors.New("twin decommissioned")
)

// ErrIngestionOverflow is returned by Engine.Ingest when the ingestion queue is
// full and the message was shed.
var ErrIngestionOverflow = errors.New("ingestion overflow")

// ErrEngineClosed is returned by Engine.Ingest once the engine stopped accepting
// new messages.
var ErrEngineClosed = errors.New("engine closed")

// ErrEngineStarted is returned by Engine.Run when the engine already ran. An
// engine runs once.
var ErrEngineStarted = errors.New("engine already started")

// ErrAlertDeliveryFailed marks alert records that were dropped after the retry
// policy was exhausted.
var ErrAlertDeliveryFailed = errors.New("alert delivery failed")

// ErrCircuitOpen is returned for delivery attempts short-circuited by an open
// breaker.
var ErrCircuitOpen = errors.New("circuit open")

// A TopicError describes why a topic string was rejected by the Router.
type TopicError struct {
	Topic  string
	Reason string
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("malformed topic %q: %s", e.Topic, e.Reason)
}

func (e *TopicError) Unwrap() error { return ErrMalformedTopic }

// A PayloadError describes why a payload was rejected by the Router. Field is
// empty when the payload as a whole is unusable (e.g. not a JSON object).
type PayloadError struct {
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: field %q: %s", e.Field, e.Reason)
}

func (e *PayloadError) Unwrap() error { return ErrInvalidPayload }
