// Package jetstream provides a NATS JetStream transport for evalflow. Every
// destination is a subject in one stream, so envelopes published before a
// consumer attaches are still delivered to it. Topic destinations get one
// ephemeral pull consumer per subscription; queue destinations share a
// durable pull consumer.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/evalflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding every evalflow subject.
	DefaultStreamName = "EVALFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long the stream keeps envelopes.
	DefaultMaxAge = 7 * 24 * time.Hour

	// DefaultInactiveThreshold is how long the server keeps a consumer nobody
	// pulls from.
	DefaultInactiveThreshold = time.Hour

	// HeaderMessageUUID carries the Watermill message UUID.
	HeaderMessageUUID = "Evalflow-Message-Uuid"

	fetchBatch = 10
	fetchWait  = time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: transport is closed")

// ConnectionFactory allows overriding the client connection for testing.
var ConnectionFactory = func(url string, options ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, options...)
}

// Register registers the JetStream transport and its connectivity check. A nil registry
// means transport.DefaultRegistry.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
	reg.RegisterProber(TransportName, CheckConnection)
}

// Build creates a JetStream transport over one client connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetAddress()}, logger, connectOptions(cfg)...)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:       t,
		Subscriber:      subscriber{t: t, shared: false},
		QueueSubscriber: subscriber{t: t, shared: true},
		Closer:          t,
	}, nil
}

// CheckConnection connects without reconnecting and asks the server for the account's
// JetStream limits, which fails when JetStream is disabled.
func CheckConnection(ctx context.Context, cfg transport.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := append(connectOptions(cfg), nats.NoReconnect())
	nc, err := ConnectionFactory(cfg.GetAddress(), options...)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.AccountInfo(); err != nil {
		return fmt.Errorf("jetstream unavailable at %s: %w", cfg.GetAddress(), err)
	}
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

func connectOptions(cfg transport.Config) []nats.Option {
	options := []nats.Option{nats.Name("evalflow-jetstream")}
	if timeout := cfg.GetConnectTimeout(); timeout > 0 {
		options = append(options, nats.Timeout(timeout))
	}
	if user := cfg.GetUsername(); user != "" {
		options = append(options, nats.UserInfo(user, cfg.GetPassword()))
	}
	return options
}

// Config holds JetStream-specific settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName names the stream. Subjects are StreamName.<destination>.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// MaxAge bounds how long envelopes are retained.
	MaxAge time.Duration

	// InactiveThreshold removes consumers nobody pulls from.
	InactiveThreshold time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = DefaultInactiveThreshold
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes to and pulls from one JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
	id     string

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closeOnce  sync.Once
	closedChan chan struct{}
}

// New connects to cfg.URL and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter, options ...nats.Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := ConnectionFactory(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		id:         watermill.NewShortUUID(),
		closedChan: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
	}

	_, err := t.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(streamCfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

// Publish stores messages in the stream and waits for each to be
// acknowledged by the server.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.subject(topic)

	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(HeaderMessageUUID, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

func (t *Transport) subscribe(ctx context.Context, topic string, shared bool) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.subject(topic)

	var (
		sub *nats.Subscription
		err error
	)
	if shared {
		sub, err = t.sharedSubscription(subject, consumerName(topic))
	} else {
		sub, err = t.js.PullSubscribe(subject, "",
			nats.BindStream(t.config.StreamName),
			nats.DeliverAll(),
			nats.AckExplicit(),
			nats.MaxDeliver(t.config.MaxDeliver),
			nats.AckWait(t.config.AckWait),
			nats.InactiveThreshold(t.config.InactiveThreshold),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

// sharedSubscription binds to a durable consumer created here rather than by
// the client library, so one subscriber leaving does not delete it for the
// others.
func (t *Transport) sharedSubscription(subject, durable string) (*nats.Subscription, error) {
	consumerCfg := &nats.ConsumerConfig{
		Durable:           durable,
		FilterSubject:     subject,
		AckPolicy:         nats.AckExplicitPolicy,
		MaxDeliver:        t.config.MaxDeliver,
		AckWait:           t.config.AckWait,
		DeliverPolicy:     nats.DeliverAllPolicy,
		InactiveThreshold: t.config.InactiveThreshold,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}
	return t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := sub.Fetch(fetchBatch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and settles it with the server.
// It reports false once the subscription is over.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	msg := toMessage(natsMsg)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}
	return true
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(HeaderMessageUUID)
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == HeaderMessageUUID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

var invalidConsumerChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// consumerName maps a destination to a durable name. Dots, wildcards and
// whitespace are not allowed in consumer names.
func consumerName(topic string) string {
	return "evalflow_" + invalidConsumerChars.ReplaceAllString(topic, "_")
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Close stops every fetch loop and closes the connection. Durable consumers
// are left for the server to expire.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)

		t.subMu.Lock()
		for _, sub := range t.subscriptions {
			_ = sub.Unsubscribe()
		}
		t.subscriptions = nil
		t.subMu.Unlock()

		t.nc.Close()
	})
	return nil
}

// subscriber serves topic or queue destinations from one Transport. Closing
// it is a no-op; the Transport owns the connection.
type subscriber struct {
	t      *Transport
	shared bool
}

func (s subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.t.subscribe(ctx, topic, s.shared)
}

func (s subscriber) Close() error { return nil }
