package transport

// Capabilities describes delivery guarantees of a broker.
type Capabilities struct {
	Name string

	// Ordering reports whether messages of one topic arrive in publish order.
	Ordering bool
	Ack      bool
	// Nack reports whether a negative acknowledgement triggers redelivery.
	Nack      bool
	NativeDLQ bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// Redelivers reports whether a failed message is handed out again.
func (c Capabilities) Redelivers() bool {
	return c.Ack && c.Nack
}

// NeedsDeadLetterSink reports whether failed messages are lost unless
// phaseflow stores them.
func (c Capabilities) NeedsDeadLetterSink() bool {
	return !c.NativeDLQ
}

var (
	ChannelCapabilities = Capabilities{
		Name:     "channel",
		Ordering: true,
		Ack:      true,
		Nack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Ordering:       true,
		Ack:            true,
		MaxMessageSize: 1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:      "rabbitmq",
		Ordering:  true,
		Ack:       true,
		Nack:      true,
		NativeDLQ: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Ordering:       true,
		Ack:            true,
		Nack:           true,
		NativeDLQ:      true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:     "io",
		Ordering: true,
	}
)
