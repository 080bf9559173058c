// Package rabbitmq provides a RabbitMQ/AMQP transport for evalflow. Topic
// destinations map to fanout exchanges with one non-durable queue per
// connection; queue destinations map to durable queues shared by consumers.
package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/evalflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection allows overriding how Build releases the shared connection
// when it fails part way.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// DialFactory allows overriding the raw AMQP dial used by Probe.
var DialFactory = func(uri string, cfg amqp091.Config) (*amqp091.Connection, error) {
	return amqp091.DialConfig(uri, cfg)
}

// Register registers the RabbitMQ transport and its prober. A nil registry
// means transport.DefaultRegistry.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
	reg.RegisterProber(TransportName, Probe)
}

// Build creates a new RabbitMQ transport sharing one AMQP connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri, err := URI(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	topicConfig := amqp.NewNonDurablePubSubConfig(
		uri,
		amqp.GenerateQueueNameTopicNameWithSuffix(watermill.NewShortUUID()),
	)
	queueConfig := amqp.NewDurableQueueConfig(uri)

	// built is released in reverse order, connection last, when a later
	// step fails
	var built []io.Closer
	fail := func(err error) (transport.Transport, error) {
		for i := len(built) - 1; i >= 0; i-- {
			_ = built[i].Close()
		}
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(topicConfig, logger, conn)
	if err != nil {
		return fail(err)
	}
	built = append(built, publisher)
	subscriber, err := SubscriberFactory(topicConfig, logger, conn)
	if err != nil {
		return fail(err)
	}
	built = append(built, subscriber)
	queuePublisher, err := PublisherFactory(queueConfig, logger, conn)
	if err != nil {
		return fail(err)
	}
	built = append(built, queuePublisher)
	queueSubscriber, err := SubscriberFactory(queueConfig, logger, conn)
	if err != nil {
		return fail(err)
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		QueuePublisher:  queuePublisher,
		QueueSubscriber: queueSubscriber,
		Closer:          conn,
	}, nil
}

// Probe dials the broker with the configured timeout and closes the connection.
func Probe(ctx context.Context, cfg transport.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	uri, err := URI(cfg)
	if err != nil {
		return err
	}

	conn, err := DialFactory(uri, amqp091.Config{
		Dial: amqp091.DefaultDial(cfg.GetConnectTimeout()),
	})
	if err != nil {
		return err
	}
	return conn.Close()
}

// URI returns the AMQP URI for cfg, injecting credentials when the address
// does not carry its own.
func URI(cfg transport.Config) (string, error) {
	parsed, err := url.Parse(cfg.GetAddress())
	if err != nil {
		return "", fmt.Errorf("rabbitmq: invalid address: %w", err)
	}
	if parsed.User == nil && cfg.GetUsername() != "" {
		parsed.User = url.UserPassword(cfg.GetUsername(), cfg.GetPassword())
	}
	return parsed.String(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
