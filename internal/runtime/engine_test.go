package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/phaseflow/internal/runtime/config"
	"github.com/drblury/phaseflow/internal/runtime/deadletter"
	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/resilience"
	"github.com/drblury/phaseflow/internal/runtime/source"
	"github.com/drblury/phaseflow/transport"
	kafkatransport "github.com/drblury/phaseflow/transport/kafka"
	"github.com/drblury/phaseflow/transport/transporttest"
	_ "github.com/drblury/phaseflow/transport/transports"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type order struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

func newTestEngine(t *testing.T, cfg *configpkg.Config, deps EngineDependencies) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func registerOrderChain(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Intercept(resilience.PhaseIngest, resilience.IngestJSON[order]()))
	require.NoError(t, e.Intercept(resilience.PhaseValidate,
		resilience.ValidatePayload(func(o *order) bool { return o.Qty > 0 }, "quantity must be positive")))
}

func TestNewEngineRequiresConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), nil, nil, EngineDependencies{})
	assert.ErrorIs(t, err, pferrors.ErrConfigRequired)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), &configpkg.Config{Workers: -1}, nil, EngineDependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers cannot be negative")
}

func TestNewEngineUnknownTransport(t *testing.T) {
	_, err := NewEngine(context.Background(), &configpkg.Config{PubSubSystem: "carrier-pigeon"}, nil, EngineDependencies{})
	assert.ErrorIs(t, err, pferrors.ErrUnknownTransport)
}

func TestNewEngineAppliesDefaults(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{Workers: 2}, EngineDependencies{})

	assert.Equal(t, configpkg.DefaultPipelineName, e.Conf.PipelineName)
	assert.Equal(t, 2, e.Dispatcher().Workers())
	assert.Equal(t, 32, e.Dispatcher().QueueCap())
	require.NotNil(t, e.Janitor())
	assert.Equal(t, configpkg.DefaultJanitorSchedule, e.Janitor().Schedule())
	assert.Nil(t, e.DeadLetterStore())
	assert.NotNil(t, e.Transport().Publisher)
}

func TestNewEngineJanitorOff(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{JanitorSchedule: "off"}, EngineDependencies{})
	assert.Nil(t, e.Janitor())
}

func TestNewEngineKeepsIdleSessionsByDefault(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{SessionInactivity: time.Millisecond}, EngineDependencies{})
	_, err := e.Sessions().Create("conn-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := e.Janitor().RunOnce(context.Background())
	assert.Zero(t, res.Sessions)
	_, ok := e.Sessions().Get("conn-1")
	assert.True(t, ok)
}

func TestNewEngineSessionEvictionOptIn(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{
		SessionInactivity: time.Millisecond,
		SessionEviction:   true,
	}, EngineDependencies{})
	_, err := e.Sessions().Create("conn-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := e.Janitor().RunOnce(context.Background())
	assert.Equal(t, 1, res.Sessions)
	_, ok := e.Sessions().Get("conn-1")
	assert.False(t, ok)
}

func TestNewEngineFailureStopsWorkers(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		_, err := NewEngine(context.Background(), &configpkg.Config{
			Workers:         8,
			ConsumeTopics:   []string{"a", "a"},
			JanitorSchedule: "off",
		}, nil, EngineDependencies{})
		require.Error(t, err)
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond)
}

func TestNewEngineConfiguresKafka(t *testing.T) {
	origPub := kafkatransport.PublisherFactory
	origSub := kafkatransport.SubscriberFactory
	t.Cleanup(func() {
		kafkatransport.PublisherFactory = origPub
		kafkatransport.SubscriberFactory = origSub
	})
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	kafkatransport.PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	kafkatransport.SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "group", cfg.ConsumerGroup)
		return sub, nil
	}

	e, err := NewEngine(context.Background(), &configpkg.Config{
		PubSubSystem:       "kafka",
		KafkaBrokers:       []string{"b1"},
		KafkaConsumerGroup: "group",
	}, newTestLogger(), EngineDependencies{})
	require.NoError(t, err)

	assert.Same(t, pub, e.Transport().Publisher)
	assert.Same(t, sub, e.Transport().Subscriber)

	require.NoError(t, e.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)
}

func TestEngineDoesNotCloseSuppliedTransport(t *testing.T) {
	pub := &transporttest.Publisher{}
	e, err := NewEngine(context.Background(), &configpkg.Config{}, nil, EngineDependencies{
		Transport: &transport.Transport{Publisher: pub},
	})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.False(t, pub.Closed)
}

func TestEngineConsumeTopicsNeedSubscriber(t *testing.T) {
	_, err := NewEngine(context.Background(), &configpkg.Config{ConsumeTopics: []string{"orders"}}, nil, EngineDependencies{
		Transport: &transport.Transport{Publisher: &transporttest.Publisher{}},
	})
	assert.ErrorIs(t, err, pferrors.ErrSubscriberRequired)
}

func TestEngineSubmit(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{MetricsEnabled: true, Workers: 2}, EngineDependencies{})
	registerOrderChain(t, e)

	var processed []string
	require.NoError(t, e.Intercept(resilience.PhaseProcess, resilience.Process(
		func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
			o, _ := eventpkg.PayloadAs[*order](evt)
			processed = append(processed, o.ID)
			return nil
		})))

	ok, err := e.Submit(context.Background(), eventpkg.New("order.placed", "test", []byte(`{"id":"o-1","qty":2}`)), nil)
	require.NoError(t, err)
	assert.False(t, ok.Context.IsFailed())

	bad, err := e.Submit(context.Background(), eventpkg.New("order.placed", "test", []byte(`{"id":"o-2","qty":0}`)), nil)
	require.NoError(t, err)
	assert.True(t, bad.Context.IsFailed())
	assert.Equal(t, "quantity must be positive", bad.Context.ErrorMessage())

	assert.Equal(t, []string{"o-1"}, processed)

	snap := e.Metrics().GetSnapshot()
	require.Contains(t, snap.ByType, "order.placed")
	assert.EqualValues(t, 1, snap.ByType["order.placed"].Succeeded)
	assert.EqualValues(t, 1, snap.ByType["order.placed"].Failed)

	rec := httptest.NewRecorder()
	e.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phaseflow_pipeline_executions_total")
}

func TestEngineDispatch(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{}, EngineDependencies{})

	future, err := e.Dispatch(context.Background(), eventpkg.New("ping", "test", "payload"), nil)
	require.NoError(t, err)
	outcome, err := future.Await(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Context.IsFailed())
}

func TestEnginePublish(t *testing.T) {
	pub := &transporttest.Publisher{}
	e := newTestEngine(t, &configpkg.Config{}, EngineDependencies{
		Transport: &transport.Transport{Publisher: pub},
	})

	assert.ErrorIs(t, e.Publish(context.Background(), "", eventpkg.Of("x")), pferrors.ErrTopicRequired)

	ec := e.Pipeline().BuildContext().CorrelationID("corr-1").MustBuild()
	ctx := executionpkg.NewContext(context.Background(), ec)
	require.NoError(t, e.Publish(ctx, "orders", eventpkg.NewWithID("e-1", "order.placed", "shop", order{ID: "o-1", Qty: 1})))

	msgs := pub.Published("orders")
	require.Len(t, msgs, 1)
	assert.Equal(t, "e-1", msgs[0].UUID)
	assert.Equal(t, "corr-1", msgs[0].Metadata.Get(source.MetadataCorrelationID))
	assert.JSONEq(t, `{"id":"o-1","qty":1}`, string(msgs[0].Payload))
}

func TestEngineConsumesAndDeadLetters(t *testing.T) {
	failures := make(chan string, 4)
	e := newTestEngine(t, &configpkg.Config{
		MetricsEnabled:       true,
		ConsumeTopics:        []string{"orders"},
		DeadLetterTopic:      "orders.dlq",
		DeadLetterSQLiteFile: filepath.Join(t.TempDir(), "dead.db"),
	}, EngineDependencies{
		TerminalHandlers: resilience.AlertingHandlers(func(_ context.Context, evt eventpkg.Event, _ *executionpkg.Context) {
			failures <- evt.ID()
		}),
	})
	registerOrderChain(t, e)
	require.NotNil(t, e.DeadLetterStore())

	ctx, cancel := context.WithCancel(context.Background())
	dlq, err := e.Transport().Subscriber.Subscribe(ctx, "orders.dlq")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return e.consumer != nil && isClosed(e.consumer.Running()) }, 3*time.Second, 10*time.Millisecond)

	good := message.NewMessage("m-good", []byte(`{"id":"o-1","qty":1}`))
	good.Metadata.Set(source.MetadataSessionID, "customer-1")
	bad := message.NewMessage("m-bad", []byte(`{"id":"o-2","qty":0}`))
	require.NoError(t, e.Transport().Publisher.Publish("orders", good, bad))

	select {
	case msg := <-dlq:
		msg.Ack()
		rec, err := deadletter.DecodeRecord(msg)
		require.NoError(t, err)
		assert.Equal(t, "m-bad", rec.EventID)
		assert.Equal(t, "orders", rec.OriginalTopic)
		assert.Equal(t, "quantity must be positive", rec.ErrorMessage)
	case <-time.After(3 * time.Second):
		t.Fatal("no dead letter published")
	}

	assert.Eventually(t, func() bool {
		n, err := e.DeadLetterStore().Count(context.Background(), deadletter.Filter{})
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.Sessions().Len())
	select {
	case id := <-failures:
		assert.Equal(t, "m-bad", id)
	case <-time.After(time.Second):
		t.Fatal("alert handler did not run")
	}
}

func TestEngineStartStopsWithContext(t *testing.T) {
	e := newTestEngine(t, &configpkg.Config{JanitorSchedule: "@every 1h"}, EngineDependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, e.Janitor().IsRunning, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Eventually(t, func() bool { return !e.Janitor().IsRunning() }, time.Second, 5*time.Millisecond)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
