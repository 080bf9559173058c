package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/evalflow/internal/runtime/config"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/transport"
	natstransport "github.com/drblury/evalflow/transport/nats"
)

func fastBackOff(t *testing.T) {
	t.Helper()
	original := ProbeBackOff
	ProbeBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	t.Cleanup(func() { ProbeBackOff = original })
}

func probeRegistry(calls *atomic.Int32, failures int32, err error) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register("stub", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, nil
	})
	reg.RegisterProber("stub", func(ctx context.Context, cfg transport.Config) error {
		if calls.Add(1) <= failures {
			return err
		}
		return nil
	})
	return reg
}

func TestCheckConnectivitySucceedsFirstTry(t *testing.T) {
	fastBackOff(t)
	var calls atomic.Int32

	err := CheckConnectivity(context.Background(), testConfig(1), probeRegistry(&calls, 0, nil), 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckConnectivityRetriesUntilSuccess(t *testing.T) {
	fastBackOff(t)
	var calls atomic.Int32

	err := CheckConnectivity(context.Background(), testConfig(1),
		probeRegistry(&calls, 2, errors.New("connection refused")), 2,
		ProbeWithLogger(logging.NopLogger()))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckConnectivityExhaustsAttempts(t *testing.T) {
	fastBackOff(t)
	var calls atomic.Int32
	cause := errors.New("connection refused")

	err := CheckConnectivity(context.Background(), testConfig(1), probeRegistry(&calls, 100, cause), 2)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var unreachable *errspkg.BrokerUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, 3, unreachable.Attempts)
	assert.Equal(t, "stub", unreachable.Transport)
	assert.ErrorIs(t, err, errspkg.ErrBrokerUnreachable)
	assert.ErrorIs(t, err, cause)
}

func TestCheckConnectivityZeroAttemptsTriesOnce(t *testing.T) {
	// the default policy waits at least 50ms before a retry
	var calls atomic.Int32

	start := time.Now()
	err := CheckConnectivity(context.Background(), testConfig(1),
		probeRegistry(&calls, 100, errors.New("connection refused")), 0)

	assert.ErrorIs(t, err, errspkg.ErrBrokerUnreachable)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestCheckConnectivityUnknownTransportIsNotRetried(t *testing.T) {
	fastBackOff(t)
	cfg := testConfig(1)
	cfg.Transport = "carrier-pigeon"

	err := CheckConnectivity(context.Background(), cfg, transport.NewRegistry(), 5)
	assert.ErrorIs(t, err, transport.ErrUnknownTransport)
	assert.NotErrorIs(t, err, errspkg.ErrBrokerUnreachable)
}

func TestCheckConnectivityHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	reg := transport.NewRegistry()
	reg.Register("stub", nil)
	reg.RegisterProber("stub", func(ctx context.Context, cfg transport.Config) error {
		calls.Add(1)
		cancel()
		return errors.New("connection refused")
	})

	err := CheckConnectivity(ctx, testConfig(1), reg, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckConnectivityRequiresConfig(t *testing.T) {
	assert.ErrorIs(t, CheckConnectivity(context.Background(), nil, nil, 0), errspkg.ErrConfigRequired)
}

// No broker listens on port 1; the probe must fail on its only attempt.
func TestCheckConnectivityAgainstUnreachableNATS(t *testing.T) {
	reg := transport.NewRegistry()
	natstransport.Register(reg)

	cfg := config.Default()
	cfg.Address = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 500 * time.Millisecond

	err := CheckConnectivity(context.Background(), cfg, reg, 0)
	require.Error(t, err)

	var unreachable *errspkg.BrokerUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, 1, unreachable.Attempts)
	assert.Equal(t, "nats://127.0.0.1:1", unreachable.Address)
	assert.NotNil(t, unreachable.Err)
}
