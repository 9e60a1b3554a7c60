// Package event defines the immutable subject that flows through a phaseflow
// pipeline. An Event never changes once built: every With* method returns a
// copy and leaves the receiver, its header map and its payload untouched.
package event

import (
	"fmt"
	"maps"
	"time"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
)

var defaultIDs = idspkg.NewULID()

// Event is the immutable subject of one pipeline execution.
type Event struct {
	id      string
	typ     string
	source  string
	time    time.Time
	payload any
	headers map[string]string
}

// New creates an Event with a fresh ULID and the current UTC time.
func New(eventType, source string, payload any) Event {
	return NewWithID(defaultIDs.NewID(), eventType, source, payload)
}

// NewWithID creates an Event with a caller supplied id.
func NewWithID(id, eventType, source string, payload any) Event {
	return Event{
		id:      id,
		typ:     eventType,
		source:  source,
		time:    time.Now().UTC(),
		payload: payload,
	}
}

// Of wraps a bare payload the way raw inputs enter a pipeline before ingestion.
func Of(payload any) Event {
	return New("", "", payload)
}

func (e Event) ID() string      { return e.id }
func (e Event) Type() string    { return e.typ }
func (e Event) Source() string  { return e.source }
func (e Event) Time() time.Time { return e.time }

// Payload returns the payload exactly as it was handed to the constructor.
// Pointer payloads keep their identity across the whole chain.
func (e Event) Payload() any { return e.payload }

// Header returns a single header value.
func (e Event) Header(key string) string {
	return e.headers[key]
}

// Headers returns a copy of the header map.
func (e Event) Headers() map[string]string {
	if len(e.headers) == 0 {
		return map[string]string{}
	}
	return maps.Clone(e.headers)
}

func (e Event) WithID(id string) Event {
	e.id = id
	return e
}

func (e Event) WithType(eventType string) Event {
	e.typ = eventType
	return e
}

func (e Event) WithSource(source string) Event {
	e.source = source
	return e
}

func (e Event) WithTime(t time.Time) Event {
	e.time = t
	return e
}

// WithPayload returns a new Event carrying payload. The receiver keeps its own.
func (e Event) WithPayload(payload any) Event {
	e.payload = payload
	return e
}

// WithHeader returns a copy with key set. The receiver's headers are not shared.
func (e Event) WithHeader(key, value string) Event {
	headers := make(map[string]string, len(e.headers)+1)
	maps.Copy(headers, e.headers)
	headers[key] = value
	e.headers = headers
	return e
}

// WithHeaders returns a copy with all of the given headers merged in.
func (e Event) WithHeaders(values map[string]string) Event {
	if len(values) == 0 {
		return e
	}
	headers := make(map[string]string, len(e.headers)+len(values))
	maps.Copy(headers, e.headers)
	maps.Copy(headers, values)
	e.headers = headers
	return e
}

// IsZero reports whether the Event was never constructed.
func (e Event) IsZero() bool {
	return e.id == "" && e.typ == "" && e.source == "" && e.payload == nil && e.time.IsZero()
}

// Validate checks that the identifying attributes are present.
func (e Event) Validate() error {
	if e.id == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if e.typ == "" {
		return &ValidationError{Field: "type", Message: "required"}
	}
	if e.source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	return nil
}

func (e Event) String() string {
	return fmt.Sprintf("Event{id=%s type=%s source=%s}", e.id, e.typ, e.source)
}

// PayloadAs returns the payload as T when the dynamic type matches.
func PayloadAs[T any](e Event) (T, bool) {
	v, ok := e.payload.(T)
	return v, ok
}

// ValidationError describes a missing or malformed attribute.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event validation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return pferrors.ErrInvalidEvent
}

type wireEvent struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Source  string            `json:"source"`
	Time    time.Time         `json:"time"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload any               `json:"payload,omitempty"`
}

// MarshalJSON encodes the Event through jsoncodec.
func (e Event) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(wireEvent{
		ID:      e.id,
		Type:    e.typ,
		Source:  e.source,
		Time:    e.time,
		Headers: e.headers,
		Payload: e.payload,
	})
}

// UnmarshalJSON decodes an Event. The payload is decoded into generic JSON values.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire wireEvent
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event{
		id:      wire.ID,
		typ:     wire.Type,
		source:  wire.Source,
		time:    wire.Time,
		payload: wire.Payload,
		headers: wire.Headers,
	}
	return nil
}
