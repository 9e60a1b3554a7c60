package event

import (
	"errors"
	"testing"
	"time"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string
	Total int
}

func TestNew(t *testing.T) {
	payload := &order{ID: "o-1", Total: 42}
	evt := New("order.placed", "checkout", payload)

	assert.NotEmpty(t, evt.ID())
	assert.Equal(t, "order.placed", evt.Type())
	assert.Equal(t, "checkout", evt.Source())
	assert.False(t, evt.Time().IsZero())
	assert.Same(t, payload, evt.Payload())
	assert.NoError(t, evt.Validate())
}

func TestNewUniqueIDs(t *testing.T) {
	a := New("t", "s", nil)
	b := New("t", "s", nil)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestWithMethodsReturnCopies(t *testing.T) {
	payload := &order{ID: "o-1"}
	original := NewWithID("id-1", "order.placed", "checkout", payload).WithHeader("tenant", "a")

	changed := original.
		WithID("id-2").
		WithType("order.updated").
		WithSource("billing").
		WithHeader("tenant", "b").
		WithHeaders(map[string]string{"region": "eu"})

	assert.Equal(t, "id-1", original.ID())
	assert.Equal(t, "order.placed", original.Type())
	assert.Equal(t, "checkout", original.Source())
	assert.Equal(t, "a", original.Header("tenant"))
	assert.Empty(t, original.Header("region"))

	assert.Equal(t, "id-2", changed.ID())
	assert.Equal(t, "b", changed.Header("tenant"))
	assert.Equal(t, "eu", changed.Header("region"))
	assert.Same(t, payload, changed.Payload())
}

func TestWithPayloadLeavesReceiver(t *testing.T) {
	raw := []byte(`{"id":"o-1"}`)
	evt := Of(raw)
	decoded := evt.WithPayload(&order{ID: "o-1"})

	assert.Equal(t, raw, evt.Payload())
	got, ok := PayloadAs[*order](decoded)
	require.True(t, ok)
	assert.Equal(t, "o-1", got.ID)
}

func TestHeadersReturnsCopy(t *testing.T) {
	evt := Of(nil).WithHeader("k", "v")
	headers := evt.Headers()
	headers["k"] = "mutated"
	assert.Equal(t, "v", evt.Header("k"))

	assert.Empty(t, Of(nil).Headers())
}

func TestPayloadAsMismatch(t *testing.T) {
	evt := Of(42)
	_, ok := PayloadAs[string](evt)
	assert.False(t, ok)

	n, ok := PayloadAs[int](evt)
	assert.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		evt   Event
		field string
	}{
		{"missing id", NewWithID("", "t", "s", nil), "id"},
		{"missing type", NewWithID("i", "", "s", nil), "type"},
		{"missing source", NewWithID("i", "t", "", nil), "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, pferrors.ErrInvalidEvent)
		})
	}
}

func TestIsZero(t *testing.T) {
	assert.True(t, Event{}.IsZero())
	assert.False(t, Of(1).IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := NewWithID("id-1", "order.placed", "checkout", map[string]any{"total": float64(42)}).
		WithTime(ts).
		WithHeader("correlation_id", "c-1")

	data, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"order.placed"`)

	var decoded Event
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	assert.Equal(t, "id-1", decoded.ID())
	assert.Equal(t, "c-1", decoded.Header("correlation_id"))
	assert.True(t, ts.Equal(decoded.Time()))
	assert.Equal(t, map[string]any{"total": float64(42)}, decoded.Payload())
}

func TestString(t *testing.T) {
	evt := NewWithID("id-1", "t", "s", nil)
	assert.Equal(t, "Event{id=id-1 type=t source=s}", evt.String())
}
