package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsQueues indicates queue destinations get competing-consumer
	// semantics. When false, queue destinations behave like topics.
	SupportsQueues bool

	// SupportsHeaders indicates message metadata travels as native broker headers.
	// Envelope headers (correlationId, producerId, kind, sequence) require it.
	SupportsHeaders bool

	// SupportsOrdering indicates a single consumer sees one producer's messages
	// in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// Embeddable indicates the broker can be started in-process by the
	// embedded supervisor.
	Embeddable bool

	// RequiresJetStream indicates an embedded broker must run with JetStream
	// enabled.
	RequiresJetStream bool

	// InProcess indicates there is no network broker at all.
	InProcess bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// SupportsEnvelopes returns true if envelopes can be exchanged without loss
// of the correlation headers.
func (c Capabilities) SupportsEnvelopes() bool {
	return c.SupportsHeaders
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process Go channel hub.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsQueues:   false,
		SupportsHeaders:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		InProcess:        true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsQueues:   true,
		SupportsHeaders:  true,
		SupportsOrdering: true,
		SupportsAck:      false,
		SupportsNack:     false,
		Embeddable:       true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsQueues:    true,
		SupportsHeaders:   true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Embeddable:        true,
		RequiresJetStream: true,
		MaxMessageSize:    1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsQueues:   true,
		SupportsHeaders:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsQueues:   true,
		SupportsHeaders:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     false,
		MaxMessageSize:   1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry. Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
