// Package deadletter stores events whose execution failed. Sinks implement
// resilience.DeadLetterSink and are attached through resilience.DeadLetter.
package deadletter

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
)

// Metadata keys set on dead-letter messages.
const (
	MetadataCorrelationID = "correlation_id"
	MetadataErrorMessage  = "error_message"
	MetadataOriginalType  = "original_type"
	MetadataOriginalTopic = "original_topic"
)

// Recorder counts dead-lettered events per sink.
type Recorder interface {
	RecordDeadLetter(sink string)
}

// Record is the stored form of a failed execution.
type Record struct {
	EventID       string            `json:"event_id"`
	CorrelationID string            `json:"correlation_id"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	OriginalTopic string            `json:"original_topic,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
}

// NewRecord captures evt and the failure state of ec.
func NewRecord(evt eventpkg.Event, ec *executionpkg.Context, failedAt time.Time) (Record, error) {
	payload, err := encodePayload(evt.Payload())
	if err != nil {
		return Record{}, err
	}
	id := evt.ID()
	if id == "" {
		id = watermill.NewUUID()
	}
	rec := Record{
		EventID:      id,
		EventType:    evt.Type(),
		Source:       evt.Source(),
		Payload:      payload,
		Headers:      evt.Headers(),
		FailedAt:     failedAt.UTC(),
		ErrorMessage: "unknown failure",
	}
	if ec != nil {
		rec.CorrelationID = ec.CorrelationID()
		if msg := ec.ErrorMessage(); msg != "" {
			rec.ErrorMessage = msg
		}
		if q, ok := ec.Source().(executionpkg.Queue); ok {
			rec.OriginalTopic = q.Topic
		}
	}
	return rec, nil
}

// Event rebuilds a raw event carrying the stored payload bytes, ready to be
// submitted again.
func (r Record) Event() eventpkg.Event {
	return eventpkg.NewWithID(r.EventID, r.EventType, r.Source, r.Payload).WithHeaders(r.Headers)
}

// encodePayload keeps raw bytes and strings as they are and JSON-encodes
// anything else, typically a decoded payload.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return jsoncodec.Marshal(p)
	}
}
