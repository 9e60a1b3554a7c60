package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

type captureLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
	fields []loggingpkg.LogFields
}

func (c *captureLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return c }
func (c *captureLogger) Debug(string, loggingpkg.LogFields)                 {}
func (c *captureLogger) Trace(string, loggingpkg.LogFields)                 {}

func (c *captureLogger) Info(msg string, fields loggingpkg.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, msg)
	c.fields = append(c.fields, fields)
}

func (c *captureLogger) Error(msg string, _ error, fields loggingpkg.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
	c.fields = append(c.fields, fields)
}

func TestMergeRunsBothInOrder(t *testing.T) {
	tr := &trail{}
	a := TerminalHandlers{OnSuccess: func(context.Context, eventpkg.Event, *executionpkg.Context) { tr.add("a") }}
	b := TerminalHandlers{
		OnSuccess: func(context.Context, eventpkg.Event, *executionpkg.Context) { tr.add("b") },
		OnFailure: func(context.Context, eventpkg.Event, *executionpkg.Context) { tr.add("b-fail") },
	}
	merged := a.Merge(b)

	ec := executionpkg.NewBuilder().MustBuild()
	merged.OnSuccess(context.Background(), eventpkg.Of(nil), ec)
	merged.OnFailure(context.Background(), eventpkg.Of(nil), ec)
	assert.Equal(t, []string{"a", "b", "b-fail"}, tr.list())

	empty := TerminalHandlers{}.Merge(TerminalHandlers{})
	assert.Nil(t, empty.OnSuccess)
	assert.Nil(t, empty.OnFailure)
}

func TestLoggingHandlers(t *testing.T) {
	logger := &captureLogger{}
	p := NewPipeline()
	require.NoError(t, Register(p, PhaseMonitor, Monitor(MonitorConfig{})))
	require.NoError(t, Register(p, PhaseValidate, ValidatePayload(func(n int) bool { return n > 0 }, "must be positive")))
	require.NoError(t, Register(p, PhaseTerminal, Terminal(LoggingHandlers(logger))))

	ec := p.BuildContext().CorrelationID("corr-1").Source(executionpkg.Queue{Topic: "orders"}).MustBuild()
	_, err := p.Submit(context.Background(), eventpkg.New("n", "test", 1), ec)
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), eventpkg.New("n", "test", -1), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Execution completed"}, logger.infos)
	assert.Equal(t, []string{"Execution failed"}, logger.errors)
	assert.Equal(t, "corr-1", logger.fields[0]["correlation_id"])
	assert.Equal(t, "queue orders", logger.fields[0]["source"])
	assert.Contains(t, logger.fields[0], "duration_ms")
}

func TestMetricsHandlers(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	record := func(outcome string) func(string, time.Duration) {
		return func(eventType string, d time.Duration) {
			mu.Lock()
			counts[outcome+":"+eventType]++
			mu.Unlock()
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}

	p := NewPipeline()
	require.NoError(t, Register(p, PhaseMonitor, Monitor(MonitorConfig{})))
	require.NoError(t, Register(p, PhaseValidate, ValidatePayload(func(n int) bool { return n > 0 }, "must be positive")))
	require.NoError(t, Register(p, PhaseTerminal, Terminal(MetricsHandlers(record("ok"), record("failed")))))

	for _, n := range []int{1, 2, -1} {
		_, err := p.Submit(context.Background(), eventpkg.New("number", "test", n), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"ok:number": 2, "failed:number": 1}, counts)

	assert.Nil(t, MetricsHandlers(nil, nil).OnSuccess)
}

func TestAlertingHandlersOnlyOnFailure(t *testing.T) {
	h := AlertingHandlers(func(context.Context, eventpkg.Event, *executionpkg.Context) {})
	assert.NotNil(t, h.OnFailure)
	assert.Nil(t, h.OnSuccess)
}

func TestDeadLetterHandler(t *testing.T) {
	var sent []string
	sink := DeadLetterSinkFunc(func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
		sent = append(sent, evt.Type()+":"+ec.ErrorMessage())
		return nil
	})

	p := NewPipeline()
	require.NoError(t, Register(p, PhaseValidate, Validate(func(evt eventpkg.Event) bool { return evt.Type() != "bad" }, "rejected")))
	require.NoError(t, Register(p, PhaseTerminal, Terminal(TerminalHandlers{OnFailure: DeadLetter(sink, nil)})))

	for _, typ := range []string{"good", "bad"} {
		_, err := p.Submit(context.Background(), eventpkg.New(typ, "test", nil), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"bad:rejected"}, sent)
}

func TestDeadLetterSinkErrorIsLogged(t *testing.T) {
	logger := &captureLogger{}
	handler := DeadLetter(DeadLetterSinkFunc(func(context.Context, eventpkg.Event, *executionpkg.Context) error {
		return errors.New("broker down")
	}), logger)

	ec := executionpkg.NewBuilder().MustBuild()
	ec.MarkFailed("invalid")
	handler(context.Background(), eventpkg.Of(nil), ec)

	assert.Equal(t, []string{"Dead letter delivery failed"}, logger.errors)
	assert.Equal(t, "invalid", logger.fields[0]["error_message"])

	// nil sinks are ignored
	DeadLetter(nil, logger)(context.Background(), eventpkg.Of(nil), ec)
}

func TestMultiSink(t *testing.T) {
	var calls int
	ok := DeadLetterSinkFunc(func(context.Context, eventpkg.Event, *executionpkg.Context) error {
		calls++
		return nil
	})
	first := errors.New("first")
	failing := DeadLetterSinkFunc(func(context.Context, eventpkg.Event, *executionpkg.Context) error {
		calls++
		return first
	})

	err := MultiSink{failing, ok, failing}.Send(context.Background(), eventpkg.Of(nil), executionpkg.NewBuilder().MustBuild())
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 3, calls)
}
