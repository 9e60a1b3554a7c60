package source

import (
	"maps"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
)

// Metadata keys read from and written to broker messages.
const (
	MetadataCorrelationID = "correlation_id"
	MetadataEventType     = "event_type"
	MetadataEventSource   = "event_source"
	MetadataEventTime     = "event_time"
	MetadataSessionID     = "session_id"
	MetadataContentType   = "content_type"
)

// ToEvent turns a broker message into a raw event. The payload stays as
// bytes for the ingest phase to decode; type and source default to topic.
func ToEvent(topic string, msg *message.Message) eventpkg.Event {
	typ := msg.Metadata.Get(MetadataEventType)
	if typ == "" {
		typ = topic
	}
	src := msg.Metadata.Get(MetadataEventSource)
	if src == "" {
		src = topic
	}

	evt := eventpkg.NewWithID(msg.UUID, typ, src, msg.Payload).
		WithHeaders(maps.Clone(map[string]string(msg.Metadata)))
	if raw := msg.Metadata.Get(MetadataEventTime); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			evt = evt.WithTime(ts)
		}
	}
	return evt
}

// ToMessage is the inverse of ToEvent. Payloads other than bytes or strings
// are JSON encoded.
func ToMessage(evt eventpkg.Event, correlationID string) (*message.Message, error) {
	var (
		payload     []byte
		contentType string
	)
	switch p := evt.Payload().(type) {
	case nil:
	case []byte:
		payload = p
	case string:
		payload = []byte(p)
	default:
		b, err := jsoncodec.Marshal(p)
		if err != nil {
			return nil, err
		}
		payload = b
		contentType = "application/json"
	}

	id := evt.ID()
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	for k, v := range evt.Headers() {
		msg.Metadata.Set(k, v)
	}
	if evt.Type() != "" {
		msg.Metadata.Set(MetadataEventType, evt.Type())
	}
	if evt.Source() != "" {
		msg.Metadata.Set(MetadataEventSource, evt.Source())
	}
	if !evt.Time().IsZero() {
		msg.Metadata.Set(MetadataEventTime, evt.Time().Format(time.RFC3339Nano))
	}
	if correlationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, correlationID)
	}
	if contentType != "" && msg.Metadata.Get(MetadataContentType) == "" {
		msg.Metadata.Set(MetadataContentType, contentType)
	}
	return msg, nil
}
