package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/evalflow/transport"
)

type mockConfig struct {
	address string
}

func (m *mockConfig) GetTransport() string             { return TransportName }
func (m *mockConfig) GetAddress() string               { return m.address }
func (m *mockConfig) GetUsername() string              { return "" }
func (m *mockConfig) GetPassword() string              { return "" }
func (m *mockConfig) GetConnectTimeout() time.Duration { return time.Second }

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "nats server did not start")
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.Embeddable)
	assert.True(t, caps.SupportsHeaders)
	assert.True(t, reg.Has(TransportName))
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuildAgainstServer(t *testing.T) {
	srv := runServer(t)

	tr, err := Build(context.Background(), &mockConfig{address: srv.ClientURL()}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscriber.Subscribe(ctx, "evaluation")
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte("I am an evaluation message!"))
	msg.Metadata.Set("correlationId", "1234567")
	require.NoError(t, tr.Publisher.Publish("evaluation", msg))

	select {
	case received := <-messages:
		assert.Equal(t, "I am an evaluation message!", string(received.Payload))
		assert.Equal(t, "1234567", received.Metadata.Get("correlationId"))
		received.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not received over nats")
	}
}

func TestBuildFailures(t *testing.T) {
	t.Run("connection error is wrapped", func(t *testing.T) {
		original := ConnectionFactory
		defer func() { ConnectionFactory = original }()

		ConnectionFactory = func(url string, options ...natsgo.Option) (*natsgo.Conn, error) {
			return nil, natsgo.ErrNoServers
		}

		_, err := Build(context.Background(), &mockConfig{address: "nats://127.0.0.1:1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.ErrorIs(t, err, natsgo.ErrNoServers)
		assert.Contains(t, err.Error(), "nats://127.0.0.1:1")
	})

	t.Run("publisher factory error", func(t *testing.T) {
		srv := runServer(t)
		original := PublisherFactory
		defer func() { PublisherFactory = original }()

		PublisherFactory = func(conn *natsgo.Conn, cfg wmnats.PublisherPublishConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{address: srv.ClientURL()}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber factory error", func(t *testing.T) {
		srv := runServer(t)
		original := SubscriberFactory
		defer func() { SubscriberFactory = original }()

		SubscriberFactory = func(conn *natsgo.Conn, cfg wmnats.SubscriberSubscriptionConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &mockConfig{address: srv.ClientURL()}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}

func TestProbe(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		srv := runServer(t)
		assert.NoError(t, Probe(context.Background(), &mockConfig{address: srv.ClientURL()}))
	})

	t.Run("nothing listening", func(t *testing.T) {
		err := Probe(context.Background(), &mockConfig{address: "nats://127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Probe(ctx, &mockConfig{address: "nats://127.0.0.1:1"}), context.Canceled)
	})
}
