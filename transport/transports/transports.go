// Package transports registers every built-in network transport with a
// registry. The in-process channel transport needs a Hub and is registered
// separately with channel.Register.
package transports

import (
	"github.com/drblury/evalflow/transport"
	"github.com/drblury/evalflow/transport/jetstream"
	"github.com/drblury/evalflow/transport/kafka"
	"github.com/drblury/evalflow/transport/nats"
	"github.com/drblury/evalflow/transport/rabbitmq"
)

// RegisterAll registers the nats, nats-jetstream, rabbitmq and kafka
// transports. A nil
// registry means transport.DefaultRegistry.
func RegisterAll(reg *transport.Registry) *transport.Registry {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	nats.Register(reg)
	jetstream.Register(reg)
	rabbitmq.Register(reg)
	kafka.Register(reg)
	return reg
}
