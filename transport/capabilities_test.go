package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_Redelivers(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "ack and nack", caps: Capabilities{Ack: true, Nack: true}, want: true},
		{name: "ack only", caps: Capabilities{Ack: true}, want: false},
		{name: "fire and forget", caps: Capabilities{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.Redelivers())
		})
	}
}

func TestCapabilities_NeedsDeadLetterSink(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "native DLQ", caps: RabbitMQCapabilities, want: false},
		{name: "aws native DLQ", caps: AWSCapabilities, want: false},
		{name: "kafka", caps: KafkaCapabilities, want: true},
		{name: "channel", caps: ChannelCapabilities, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.NeedsDeadLetterSink())
		})
	}
}

func TestPredefinedCapabilitiesAreNamed(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		NATSCapabilities,
		AWSCapabilities,
		HTTPCapabilities,
		IOCapabilities,
	}
	seen := map[string]bool{}
	for _, caps := range all {
		assert.NotEmpty(t, caps.Name)
		assert.False(t, seen[caps.Name], "duplicate %s", caps.Name)
		seen[caps.Name] = true
	}
	assert.Equal(t, 256<<10, int(AWSCapabilities.MaxMessageSize))
}
