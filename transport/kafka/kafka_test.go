package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/phaseflow/transport"
	"github.com/drblury/phaseflow/transport/transporttest"
)

func stubFactories(t *testing.T, pub message.Publisher, pubErr error, sub message.Subscriber, subErr error) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	})
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, pubErr
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "phaseflow", cfg.ConsumerGroup)
		return sub, subErr
	}
}

func TestRegistered(t *testing.T) {
	caps, ok := transport.CapabilitiesOf(TransportName)
	require.True(t, ok)
	assert.True(t, caps.Ordering)
	assert.False(t, caps.Redelivers())
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaConsumerGroup: "phaseflow"}

	t.Run("wires both halves", func(t *testing.T) {
		pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
		stubFactories(t, pub, nil, sub, nil)

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "broker")
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubFactories(t, nil, errors.New("publisher error"), nil, nil)
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.EqualError(t, err, "publisher error")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		stubFactories(t, pub, nil, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.EqualError(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
