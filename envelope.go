package a2abus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Broadcast is the destination sentinel addressing every participant.
const Broadcast = "ALL"

// TimestampLayout is the UTC ISO-8601 layout used for envelope and frame timestamps.
// Fixed-width fractional seconds keep timestamps lexicographically comparable.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Message types with a meaning to the bus. Any other non-empty string is a valid type.
const (
	TypeTaskDispatch = "task_dispatch"
	TypeQuery        = "query"
	TypeUpdate       = "update"
	TypeResult       = "result" // reply produced by a registered handler
	TypeError        = "error"  // reply produced when dispatch or the handler fails
)

// Wire field names of a serialized Envelope.
const (
	fieldID           = "msg_id"
	fieldTimestamp    = "timestamp"
	fieldSource       = "source_agent"
	fieldDestinations = "dest_agents"
	fieldType         = "msg_type"
	fieldPayload      = "payload"
	fieldPriority     = "priority"
)

// Priority is advisory metadata. The bus never reorders delivery based on it.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Payload is the opaque body of an Envelope. The bus never inspects it.
type Payload map[string]any

// Envelope is the message unit every participant exchanges.
// ID and Timestamp are assigned at construction and must not be changed afterwards.
type Envelope struct {
	ID           string   `json:"msg_id"`
	Timestamp    string   `json:"timestamp"`
	Source       string   `json:"source_agent"`
	Destinations []string `json:"dest_agents"`
	Type         string   `json:"msg_type"`
	Payload      Payload  `json:"payload"`
	Priority     Priority `json:"priority"`
}

type envelopeOptions struct {
	priority Priority
	clock    xclock.Clock
}

// EnvelopeOption tunes NewEnvelope.
type EnvelopeOption func(*envelopeOptions)

// WithPriority sets the advisory priority (default: normal).
func WithPriority(p Priority) EnvelopeOption {
	return func(o *envelopeOptions) { o.priority = p }
}

// WithEnvelopeClock stamps the envelope from c instead of the default clock.
func WithEnvelopeClock(c xclock.Clock) EnvelopeOption {
	return func(o *envelopeOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// NewEnvelope builds an Envelope with a fresh ID and timestamp.
func NewEnvelope(source string, destinations []string, msgType string, payload Payload, opts ...EnvelopeOption) (*Envelope, error) {
	o := envelopeOptions{priority: PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if source == "" {
		return nil, &ValidationError{Field: fieldSource, Reason: "must not be empty"}
	}
	if msgType == "" {
		return nil, &ValidationError{Field: fieldType, Reason: "must not be empty"}
	}
	if !o.priority.Valid() {
		return nil, &ValidationError{Field: fieldPriority, Reason: fmt.Sprintf("unknown priority %q", o.priority)}
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if payload == nil {
		payload = Payload{}
	}

	return &Envelope{
		ID:           uuid.NewString(),
		Timestamp:    stamp(o.clock),
		Source:       source,
		Destinations: append([]string{}, destinations...),
		Type:         msgType,
		Payload:      payload,
		Priority:     o.priority,
	}, nil
}

// Serialize returns the canonical seven-field mapping used on the wire.
func (e *Envelope) Serialize() map[string]any {
	dest := make([]any, len(e.Destinations))
	for i, d := range e.Destinations {
		dest[i] = d
	}
	payload := map[string]any(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		fieldID:           e.ID,
		fieldTimestamp:    e.Timestamp,
		fieldSource:       e.Source,
		fieldDestinations: dest,
		fieldType:         e.Type,
		fieldPayload:      payload,
		fieldPriority:     string(e.Priority),
	}
}

// Clone returns a deep copy so an envelope can cross a channel boundary by value.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Destinations = append([]string(nil), e.Destinations...)
	c.Payload = Payload(cloneMap(e.Payload))
	return &c
}

func (e *Envelope) String() string {
	return fmt.Sprintf("<Envelope %s from=%s to=%v>", e.Type, e.Source, e.Destinations)
}

// Deserialize rebuilds an Envelope from its serialized mapping.
// msg_id and timestamp are kept when present and generated otherwise.
func Deserialize(data map[string]any) (*Envelope, error) {
	return deserialize(data, xclock.Default())
}

func deserialize(data map[string]any, clock xclock.Clock) (*Envelope, error) {
	if data == nil {
		return nil, &MalformedEnvelopeError{Reason: "envelope must be an object"}
	}

	source, err := requiredString(data, fieldSource)
	if err != nil {
		return nil, err
	}
	msgType, err := requiredString(data, fieldType)
	if err != nil {
		return nil, err
	}

	rawDest, ok := data[fieldDestinations]
	if !ok {
		return nil, &MalformedEnvelopeError{Field: fieldDestinations, Reason: "missing"}
	}
	dest, err := toStrings(rawDest)
	if err != nil {
		return nil, &MalformedEnvelopeError{Field: fieldDestinations, Reason: err.Error()}
	}

	rawPayload, ok := data[fieldPayload]
	if !ok {
		return nil, &MalformedEnvelopeError{Field: fieldPayload, Reason: "missing"}
	}
	var payload Payload
	switch p := rawPayload.(type) {
	case map[string]any:
		payload = Payload(p)
	case Payload:
		payload = p
	default:
		return nil, &MalformedEnvelopeError{Field: fieldPayload, Reason: fmt.Sprintf("must be an object, got %T", rawPayload)}
	}

	priority := PriorityNormal
	if v, ok := data[fieldPriority]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr || !Priority(s).Valid() {
			return nil, &MalformedEnvelopeError{Field: fieldPriority, Reason: fmt.Sprintf("unknown priority %v", v)}
		}
		priority = Priority(s)
	}

	env := &Envelope{
		Source:       source,
		Destinations: dest,
		Type:         msgType,
		Payload:      payload,
		Priority:     priority,
	}
	if id, ok := data[fieldID].(string); ok && id != "" {
		env.ID = id
	} else {
		env.ID = uuid.NewString()
	}
	if ts, ok := data[fieldTimestamp].(string); ok && ts != "" {
		env.Timestamp = ts
	} else {
		env.Timestamp = stamp(clock)
	}
	return env, nil
}

// DecodeEnvelope parses wire bytes with the default JSON codec.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	return decodeEnvelope(JSONCodec{}, data, xclock.Default())
}

func decodeEnvelope(c Codec, data []byte, clock xclock.Clock) (*Envelope, error) {
	var m map[string]any
	if err := c.Unmarshal(data, &m); err != nil {
		return nil, &MalformedEnvelopeError{Reason: err.Error()}
	}
	return deserialize(m, clock)
}

// UnmarshalJSON applies the same required-field checks as Deserialize.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return &MalformedEnvelopeError{Reason: err.Error()}
	}
	env, err := deserialize(m, xclock.Default())
	if err != nil {
		return err
	}
	*e = *env
	return nil
}

func stamp(c xclock.Clock) string {
	return c.Now().UTC().Format(TimestampLayout)
}

func requiredString(data map[string]any, field string) (string, error) {
	v, ok := data[field]
	if !ok {
		return "", &MalformedEnvelopeError{Field: field, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &MalformedEnvelopeError{Field: field, Reason: "must be a non-empty string"}
	}
	return s, nil
}

func toStrings(v any) ([]string, error) {
	switch d := v.(type) {
	case []string:
		return append([]string(nil), d...), nil
	case []any:
		out := make([]string, 0, len(d))
		for _, item := range d {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("destination %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return []string{}, nil
	default:
		return nil, fmt.Errorf("must be a list, got %T", v)
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Payload:
		return Payload(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
