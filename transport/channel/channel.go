// Package channel provides an in-process transport backed by a Watermill Go
// channel. Every connection built from one Hub shares the same in-memory
// broker, so publishers and subscribers on different pooled connections see
// each other. Useful for tests and single-process runs.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/evalflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

// Hub owns one in-memory broker shared by all transports it builds.
type Hub struct {
	pubSub *gochannel.GoChannel
}

// NewHub creates a hub. Close it once every connection built from it is gone.
func NewHub(logger watermill.LoggerAdapter) *Hub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Hub{pubSub: Factory(gochannel.Config{}, logger)}
}

// Register registers a hub-backed channel transport with the given registry.
func Register(reg *transport.Registry, hub *Hub) {
	reg.RegisterWithCapabilities(TransportName, hub.Build, transport.ChannelCapabilities)
	reg.RegisterProber(TransportName, hub.Probe)
}

// Build returns a transport view onto the hub. Closing the transport leaves
// the hub running.
func (h *Hub) Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return transport.Transport{
		Publisher:  hubPublisher{h.pubSub},
		Subscriber: hubSubscriber{h.pubSub},
	}, nil
}

// Probe always succeeds while the hub is open.
func (h *Hub) Probe(ctx context.Context, cfg transport.Config) error {
	return ctx.Err()
}

// Close shuts down the hub and every subscription on it.
func (h *Hub) Close() error {
	return h.pubSub.Close()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type hubPublisher struct {
	pubSub *gochannel.GoChannel
}

func (p hubPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.pubSub.Publish(topic, messages...)
}

func (p hubPublisher) Close() error { return nil }

type hubSubscriber struct {
	pubSub *gochannel.GoChannel
}

func (s hubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.pubSub.Subscribe(ctx, topic)
}

func (s hubSubscriber) Close() error { return nil }
