// Package kafka provides a Kafka transport for evalflow. Topic destinations
// are consumed without a consumer group so every subscriber sees every
// message; queue destinations share a consumer group named after the topic.
package kafka

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/evalflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ConsumerGroup is the consumer group used by queue destinations.
const ConsumerGroup = "evalflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register registers the Kafka transport. Kafka has no dedicated prober; the
// registry probes by building and closing a transport. A nil registry means
// transport.DefaultRegistry.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport. The address is a comma-separated broker list.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := Brokers(cfg.GetAddress())

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:     brokers,
			Unmarshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	queueSubscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: ConsumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		QueueSubscriber: queueSubscriber,
	}, nil
}

// Brokers splits a comma-separated address into broker host:port entries,
// dropping any kafka:// scheme.
func Brokers(address string) []string {
	var brokers []string
	for _, part := range strings.Split(address, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "kafka://"))
		if part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
