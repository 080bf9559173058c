// Package transport defines the broker capability surface used by evalflow.
// A transport connects to a broker, hands out Watermill publishers and
// subscribers, and can probe the broker without building a full connection.
// Each implementation (nats, rabbitmq, kafka, channel) lives in its own
// sub-package and registers itself with a Registry.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrUnknownTransport is returned when no builder is registered under the configured name.
var ErrUnknownTransport = errors.New("evalflow: unknown transport")

// Transport is one live connection to a broker. Publisher and Subscriber serve
// topic destinations; QueuePublisher and QueueSubscriber serve queue
// destinations and fall back to the topic pair when nil.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	QueuePublisher  message.Publisher
	QueueSubscriber message.Subscriber

	// Closer releases resources shared by the publishers and subscribers,
	// typically the underlying network connection. Optional.
	Closer io.Closer
}

// PublisherFor returns the publisher serving topic or queue destinations.
func (t Transport) PublisherFor(queue bool) message.Publisher {
	if queue && t.QueuePublisher != nil {
		return t.QueuePublisher
	}
	return t.Publisher
}

// SubscriberFor returns the subscriber serving topic or queue destinations.
func (t Transport) SubscriberFor(queue bool) message.Subscriber {
	if queue && t.QueueSubscriber != nil {
		return t.QueueSubscriber
	}
	return t.Subscriber
}

// Close closes every distinct component of the transport, subscribers first.
func (t Transport) Close() error {
	var (
		errs   []error
		closed []io.Closer
	)
	for _, c := range []io.Closer{t.QueueSubscriber, t.Subscriber, t.QueuePublisher, t.Publisher, t.Closer} {
		if c == nil || containsCloser(closed, c) {
			continue
		}
		closed = append(closed, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func containsCloser(closers []io.Closer, c io.Closer) bool {
	for _, existing := range closers {
		if existing == c {
			return true
		}
	}
	return false
}

// Builder creates a transport from config. Each transport package provides one.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Prober opens a throwaway connection, verifies it and closes it again.
type Prober func(ctx context.Context, cfg Config) error

// Config provides the connection values needed by transports without
// depending on the full config package.
type Config interface {
	// GetTransport returns the transport name, e.g. "nats" or "rabbitmq".
	GetTransport() string

	// GetAddress returns the broker address (URL or host:port list).
	GetAddress() string

	GetUsername() string
	GetPassword() string

	// GetConnectTimeout bounds a single connection attempt.
	GetConnectTimeout() time.Duration
}
