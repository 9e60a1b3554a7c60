package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

const publisherSinkName = "publisher"

// PublisherSink publishes each failed event as a JSON Record to a topic.
type PublisherSink struct {
	publisher message.Publisher
	topic     string
	logger    loggingpkg.ServiceLogger
	recorder  Recorder
	now       func() time.Time
}

type PublisherOption func(*PublisherSink)

func WithPublisherLogger(logger loggingpkg.ServiceLogger) PublisherOption {
	return func(s *PublisherSink) { s.logger = loggingpkg.OrNop(logger) }
}

func WithPublisherRecorder(r Recorder) PublisherOption {
	return func(s *PublisherSink) { s.recorder = r }
}

func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(s *PublisherSink) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPublisherSink(publisher message.Publisher, topic string, opts ...PublisherOption) (*PublisherSink, error) {
	if publisher == nil {
		return nil, pferrors.ErrPublisherRequired
	}
	if topic == "" {
		return nil, pferrors.ErrTopicRequired
	}
	s := &PublisherSink{
		publisher: publisher,
		topic:     topic,
		logger:    loggingpkg.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PublisherSink) Topic() string { return s.topic }

func (s *PublisherSink) Send(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
	rec, err := NewRecord(evt, ec, s.now())
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	body, err := jsoncodec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataCorrelationID, rec.CorrelationID)
	msg.Metadata.Set(MetadataErrorMessage, rec.ErrorMessage)
	msg.Metadata.Set(MetadataOriginalType, rec.EventType)
	if rec.OriginalTopic != "" {
		msg.Metadata.Set(MetadataOriginalTopic, rec.OriginalTopic)
	}

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", s.topic, err)
	}
	if s.recorder != nil {
		s.recorder.RecordDeadLetter(publisherSinkName)
	}
	s.logger.Debug("Dead letter published", loggingpkg.LogFields{
		"topic":          s.topic,
		"message_uuid":   msg.UUID,
		"correlation_id": rec.CorrelationID,
		"event_type":     rec.EventType,
	})
	return nil
}

// DecodeRecord parses the body of a dead-letter message.
func DecodeRecord(msg *message.Message) (Record, error) {
	var rec Record
	if err := jsoncodec.Unmarshal(msg.Payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode dead letter %s: %w", msg.UUID, err)
	}
	return rec, nil
}
