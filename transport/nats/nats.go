// Package nats provides a NATS Core transport for evalflow. Publisher and
// subscribers share one client connection so a subscription made on a
// connection is registered with the server before anything published later
// on that connection.
package nats

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/evalflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroupPrefix names the queue groups used for queue destinations.
const QueueGroupPrefix = "evalflow"

// ConnectionFactory allows overriding the client connection for testing.
var ConnectionFactory = func(url string, options ...natsgo.Option) (*natsgo.Conn, error) {
	return natsgo.Connect(url, options...)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(conn *natsgo.Conn, cfg wmnats.PublisherPublishConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisherWithNatsConn(conn, cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(conn *natsgo.Conn, cfg wmnats.SubscriberSubscriptionConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriberWithNatsConn(conn, cfg, logger)
}

// Register registers the NATS transport and its prober. A nil registry means
// transport.DefaultRegistry.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
	reg.RegisterProber(TransportName, Probe)
}

// Build creates a new NATS transport over a single client connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	conn, err := ConnectionFactory(cfg.GetAddress(), connectOptions(cfg)...)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("connect to nats at %s: %w", cfg.GetAddress(), err)
	}

	marshaler := &wmnats.NATSMarshaler{}
	coreOnly := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(conn, wmnats.PublisherPublishConfig{
		Marshaler: marshaler,
		JetStream: coreOnly,
	}, logger)
	if err != nil {
		conn.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(conn, wmnats.SubscriberSubscriptionConfig{
		Unmarshaler: marshaler,
		JetStream:   coreOnly,
	}, logger)
	if err != nil {
		conn.Close()
		return transport.Transport{}, err
	}

	queueSubscriber, err := SubscriberFactory(conn, wmnats.SubscriberSubscriptionConfig{
		Unmarshaler:      marshaler,
		QueueGroupPrefix: QueueGroupPrefix,
		JetStream:        coreOnly,
	}, logger)
	if err != nil {
		conn.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      &flushingSubscriber{Subscriber: subscriber, conn: conn},
		QueueSubscriber: &flushingSubscriber{Subscriber: queueSubscriber, conn: conn},
		Closer:          connCloser{conn: conn},
	}, nil
}

// Probe opens a non-reconnecting connection, round-trips a PING and closes it.
func Probe(ctx context.Context, cfg transport.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	options := append(connectOptions(cfg), natsgo.NoReconnect())
	conn, err := natsgo.Connect(cfg.GetAddress(), options...)
	if err != nil {
		return err
	}
	defer conn.Close()

	if timeout := cfg.GetConnectTimeout(); timeout > 0 {
		return conn.FlushTimeout(timeout)
	}
	return conn.Flush()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func connectOptions(cfg transport.Config) []natsgo.Option {
	options := []natsgo.Option{natsgo.Name("evalflow")}
	if timeout := cfg.GetConnectTimeout(); timeout > 0 {
		options = append(options, natsgo.Timeout(timeout))
	}
	if user := cfg.GetUsername(); user != "" {
		options = append(options, natsgo.UserInfo(user, cfg.GetPassword()))
	}
	return options
}

// flushingSubscriber waits for the server to acknowledge each new
// subscription before returning it.
type flushingSubscriber struct {
	message.Subscriber
	conn *natsgo.Conn
}

func (s *flushingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Flush(); err != nil {
		return nil, fmt.Errorf("flush subscription to %s: %w", topic, err)
	}
	return messages, nil
}

type connCloser struct {
	conn *natsgo.Conn
}

func (c connCloser) Close() error {
	c.conn.Close()
	return nil
}
