package twinsentry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MessageClass is the last segment of an inbound topic.
type MessageClass int

const (
	ClassTelemetry MessageClass = iota + 1
	ClassStatus
	ClassAck
)

func (c MessageClass) String() string {
	switch c {
	case ClassTelemetry:
		return "telemetry"
	case ClassStatus:
		return "status"
	case ClassAck:
		return "ack"
	default:
		return fmt.Sprintf("MessageClass(%d)", int(c))
	}
}

func parseClass(s string) (MessageClass, bool) {
	switch s {
	case "telemetry":
		return ClassTelemetry, true
	case "status":
		return ClassStatus, true
	case "ack":
		return ClassAck, true
	default:
		return 0, false
	}
}

// A Topic is the parsed form of {prefix...}/{twin_id}/{class}.
type Topic struct {
	Prefix []string
	TwinID string
	Class  MessageClass
}

// ParseTopic parses a hierarchical topic such as
// "enterprise/site/area/line/cell/device-7/telemetry". At least a root, a twin
// id and a message class are required; empty segments and wildcard characters
// are rejected.
func ParseTopic(topic string) (Topic, error) {
	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return Topic{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("want at least 3 segments, got %d", len(segments))}
	}
	for i, s := range segments {
		if s == "" {
			return Topic{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("segment %d is empty", i)}
		}
		if strings.ContainsAny(s, "+#") {
			return Topic{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("segment %d contains a wildcard", i)}
		}
	}
	class, ok := parseClass(segments[len(segments)-1])
	if !ok {
		return Topic{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("unknown message class %q", segments[len(segments)-1])}
	}
	return Topic{
		Prefix: segments[:len(segments)-2],
		TwinID: segments[len(segments)-2],
		Class:  class,
	}, nil
}

// MatchTopic reports whether topic matches an MQTT-style subscription filter,
// where "+" matches exactly one level and a trailing "#" matches any number of
// remaining levels (including none).
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// A Sample is one validated telemetry measurement batch.
type Sample struct {
	TwinID    string
	Timestamp time.Time
	Metrics   map[string]float64
	// Sequence is set by producers that number their messages; zero means the
	// producer does not.
	Sequence uint64
}

// only returns a copy of s restricted to the given metrics.
func (s Sample) only(metrics []string) Sample {
	out := s
	out.Metrics = make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out.Metrics[m] = s.Metrics[m]
	}
	return out
}

// A StatusReport is a device-reported operational status.
type StatusReport struct {
	TwinID    string
	Timestamp time.Time
	State     string
}

// A Message is the output of the Router: exactly one of Sample and Status is
// set for telemetry and status classes, neither for acks.
type Message struct {
	Topic  Topic
	Sample *Sample
	Status *StatusReport
}

// A KindResolver resolves the kind of a registered twin.
type KindResolver interface {
	KindOf(id string) (kind string, ok bool)
}

// Router turns (topic, payload) pairs into validated messages.
type Router struct {
	schemas Schemas
	filter  string
	kinds   KindResolver
}

// NewRouter returns a Router validating payloads against schemas. The optional
// filter restricts accepted topics (see MatchTopic). Payloads of unregistered
// twins are validated against the schema of the "unknown" kind, if any.
func NewRouter(schemas Schemas, filter string, kinds KindResolver) *Router {
	return &Router{schemas: schemas, filter: filter, kinds: kinds}
}

// Reserved payload fields; every other field is a metric.
const (
	fieldDeviceID  = "device_id"
	fieldTimestamp = "timestamp"
	fieldSequence  = "sequence"
	fieldState     = "state"
)

// Route parses the topic and decodes the payload of a single inbound message.
// Errors wrap ErrMalformedTopic or ErrInvalidPayload.
func (r *Router) Route(topic string, payload []byte) (Message, error) {
	t, err := r.ParseTopic(topic)
	if err != nil {
		return Message{}, err
	}
	return r.Decode(t, payload)
}

// Decode validates the payload of a message whose topic was already parsed.
// Errors wrap ErrInvalidPayload.
func (r *Router) Decode(t Topic, payload []byte) (Message, error) {
	msg := Message{Topic: t}
	if t.Class == ClassAck {
		return msg, nil
	}

	fields, err := decodeObject(payload)
	if err != nil {
		return Message{}, err
	}
	id, ts, err := header(fields, t.TwinID)
	if err != nil {
		return Message{}, err
	}

	if t.Class == ClassStatus {
		raw, ok := fields[fieldState]
		if !ok {
			return Message{}, &PayloadError{Field: fieldState, Reason: "missing"}
		}
		var state string
		if err := json.Unmarshal(raw, &state); err != nil {
			return Message{}, &PayloadError{Field: fieldState, Reason: "not a string"}
		}
		msg.Status = &StatusReport{TwinID: id, Timestamp: ts, State: strings.ToLower(state)}
		return msg, nil
	}

	sample := Sample{TwinID: id, Timestamp: ts, Metrics: make(map[string]float64)}
	if raw, ok := fields[fieldSequence]; ok {
		seq, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return Message{}, &PayloadError{Field: fieldSequence, Reason: "not an unsigned integer"}
		}
		sample.Sequence = seq
	}

	kind := UnknownKind
	if r.kinds != nil {
		if k, ok := r.kinds.KindOf(id); ok {
			kind = k
		}
	}
	// Iterate in a stable order so the reported error does not depend on map
	// iteration.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch name {
		case fieldDeviceID, fieldTimestamp, fieldSequence:
			continue
		}
		v, ok := number(fields[name])
		if !ok {
			return Message{}, &PayloadError{Field: name, Reason: "not a finite number"}
		}
		spec, declared, strict := r.schemas.lookup(kind, name)
		if strict && !declared {
			return Message{}, &PayloadError{Field: name, Reason: fmt.Sprintf("undeclared metric for kind %q", kind)}
		}
		if declared && spec.Valid != nil && !spec.Valid.Contains(v) {
			return Message{}, &PayloadError{Field: name, Reason: fmt.Sprintf("value %v outside declared range [%v, %v]", v, spec.Valid.Min, spec.Valid.Max)}
		}
		sample.Metrics[name] = v
	}
	if len(sample.Metrics) == 0 {
		return Message{}, &PayloadError{Reason: "no metric fields"}
	}
	msg.Sample = &sample
	return msg, nil
}

// ParseTopic is the package-level ParseTopic plus the router's subscription
// filter.
func (r *Router) ParseTopic(topic string) (Topic, error) {
	if r.filter != "" && !MatchTopic(r.filter, topic) {
		return Topic{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("does not match filter %q", r.filter)}
	}
	return ParseTopic(topic)
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &PayloadError{Reason: "not a JSON object: " + err.Error()}
	}
	if fields == nil {
		return nil, &PayloadError{Reason: "not a JSON object"}
	}
	return fields, nil
}

// header validates the identity and timestamp fields shared by every class.
func header(fields map[string]json.RawMessage, twinID string) (string, time.Time, error) {
	raw, ok := fields[fieldDeviceID]
	if !ok {
		return "", time.Time{}, &PayloadError{Field: fieldDeviceID, Reason: "missing"}
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", time.Time{}, &PayloadError{Field: fieldDeviceID, Reason: "not a string"}
	}
	if id != twinID {
		return "", time.Time{}, &PayloadError{Field: fieldDeviceID, Reason: fmt.Sprintf("%q does not match topic twin %q", id, twinID)}
	}

	raw, ok = fields[fieldTimestamp]
	if !ok {
		return "", time.Time{}, &PayloadError{Field: fieldTimestamp, Reason: "missing"}
	}
	sec, ok := number(raw)
	if !ok || sec <= 0 {
		return "", time.Time{}, &PayloadError{Field: fieldTimestamp, Reason: "not a positive number of seconds"}
	}
	if sec >= maxEpochSeconds {
		return "", time.Time{}, &PayloadError{Field: fieldTimestamp, Reason: "beyond the representable range"}
	}
	return id, epoch(sec), nil
}

// maxEpochSeconds bounds timestamps to those whose nanoseconds fit an int64.
const maxEpochSeconds = math.MaxInt64 / 1e9

// epoch converts fractional seconds since the Unix epoch.
func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}

// number parses a JSON number. Strings, booleans, null and nested values are
// not numbers.
func number(raw json.RawMessage) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
