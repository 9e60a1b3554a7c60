package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/phaseflow/transport"
	"github.com/drblury/phaseflow/transport/transporttest"
)

func TestRegistered(t *testing.T) {
	caps, ok := transport.CapabilitiesOf(TransportName)
	require.True(t, ok)
	assert.True(t, caps.NeedsDeadLetterSink())
}

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	cfg := &transporttest.Config{NATSURL: "nats://localhost:4222"}
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}

	PublisherFactory = func(c nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, "nats://localhost:4222", c.URL)
		return pub, nil
	}
	SubscriberFactory = func(c nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "nats://localhost:4222", c.URL)
		assert.NotNil(t, c.Unmarshaler)
		return sub, nil
	}

	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)

	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("no servers available")
	}
	pub = &transporttest.Publisher{}
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "no servers available")
	assert.True(t, pub.Closed)
}
