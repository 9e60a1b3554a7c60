package resilience

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// Converter turns the raw input event into the canonical one.
type Converter func(ctx context.Context, raw eventpkg.Event) (eventpkg.Event, error)

// ContentTypeHeader selects binary protobuf decoding in IngestProto when set
// to ContentTypeProtobuf.
const (
	ContentTypeHeader   = "content_type"
	ContentTypeProtobuf = "application/protobuf"
)

// Ingest converts the subject and continues with the result. A conversion
// error marks the execution failed and the raw event travels on, so terminal
// handlers still receive it.
func Ingest(convert Converter) pipeline.Interceptor {
	return func(ctx context.Context, call *pipeline.Call) error {
		evt, err := convert(ctx, call.Subject())
		if err != nil {
			call.Context().Fail(fmt.Errorf("ingest: %w", err))
			return call.Continue(ctx)
		}
		return call.ReplaceSubject(ctx, evt)
	}
}

// IngestJSON decodes a []byte, string or json.RawMessage payload into *T.
// Payloads that already are *T pass through untouched.
func IngestJSON[T any]() pipeline.Interceptor {
	return Ingest(func(_ context.Context, raw eventpkg.Event) (eventpkg.Event, error) {
		if _, ok := raw.Payload().(*T); ok {
			return raw, nil
		}
		data, err := payloadBytes(raw)
		if err != nil {
			return raw, err
		}
		target := new(T)
		if err := jsoncodec.Unmarshal(data, target); err != nil {
			return raw, fmt.Errorf("decode %T: %w", target, err)
		}
		return raw.WithPayload(target), nil
	})
}

// IngestProto decodes the payload into the message returned by factory, using
// protojson unless the content type header says binary protobuf.
func IngestProto(factory func() proto.Message) pipeline.Interceptor {
	return Ingest(func(_ context.Context, raw eventpkg.Event) (eventpkg.Event, error) {
		msg := factory()
		if current, ok := raw.Payload().(proto.Message); ok &&
			current.ProtoReflect().Descriptor().FullName() == msg.ProtoReflect().Descriptor().FullName() {
			return raw, nil
		}
		data, err := payloadBytes(raw)
		if err != nil {
			return raw, err
		}
		if raw.Header(ContentTypeHeader) == ContentTypeProtobuf {
			err = proto.Unmarshal(data, msg)
		} else {
			err = protojson.Unmarshal(data, msg)
		}
		if err != nil {
			return raw, fmt.Errorf("decode %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
		}
		if raw.Type() == "" {
			raw = raw.WithType(string(msg.ProtoReflect().Descriptor().FullName()))
		}
		return raw.WithPayload(msg), nil
	})
}

func payloadBytes(evt eventpkg.Event) ([]byte, error) {
	switch p := evt.Payload().(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case nil:
		return nil, pferrors.ErrEventPayloadRequired
	default:
		return nil, fmt.Errorf("%w: %T", pferrors.ErrUnexpectedPayload, p)
	}
}
