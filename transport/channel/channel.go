// Package channel registers the in-memory gochannel transport. It backs tests
// and single-process deployments.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/phaseflow/transport"
)

const TransportName = "channel"

// OutputBuffer sizes each subscription channel so publishers do not block on
// slow consumers.
const OutputBuffer = 256

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns one GoChannel used as both publisher and subscriber.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: OutputBuffer,
	}, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}
