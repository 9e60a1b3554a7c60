// Package io registers a file transport: messages are appended to a JSON lines
// file and subscribers tail it. Useful for replaying captured traffic.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	"github.com/drblury/phaseflow/transport"
)

const (
	TransportName   = "io"
	DefaultFilePath = "messages.jsonl"
)

// PollInterval is how long a subscriber waits at end of file.
var PollInterval = 50 * time.Millisecond

func init() {
	transport.Register(TransportName, Build, transport.IOCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	return transport.Transport{
		Publisher:  NewPublisher(path),
		Subscriber: NewSubscriber(path, logger),
	}, nil
}

type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends one record per message.
type Publisher struct {
	path string
	mu   sync.Mutex
}

func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range msgs {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error { return nil }

// Subscriber tails the file from the beginning. Each message must be acked or
// nacked before the next is read; a nack does not redeliver.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter
}

func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{path: path, logger: logger}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	logger := s.logger.With(watermill.LogFields{"file": s.path, "topic": topic})
	reader := bufio.NewReader(f)
	var partial []byte

	for {
		line, err := reader.ReadBytes('\n')
		partial = append(partial, line...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			logger.Error("io subscriber read failed", err, nil)
			return
		}

		var rec record
		data := partial
		partial = nil
		if err := jsoncodec.Unmarshal(data, &rec); err != nil {
			logger.Error("io subscriber skipped malformed line", err, nil)
			continue
		}
		if rec.Topic != topic {
			continue
		}

		msg := message.NewMessage(rec.UUID, rec.Payload)
		if rec.Metadata != nil {
			msg.Metadata = rec.Metadata
		}
		if !deliver(ctx, out, msg) {
			return
		}
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			logger.Debug("io message nacked", watermill.LogFields{"uuid": msg.UUID})
		case <-ctx.Done():
			return
		}
	}
}

func deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) Close() error { return nil }
