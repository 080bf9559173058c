package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// a second set of collectors against the same registry is tolerated
	require.NoError(t, New(reg).Register())
}

func TestPoolMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.PoolState(3, 2)
	m.ConnectionCreated()
	m.ConnectionCreated()
	m.ConnectionDestroyed()
	m.AcquireWaited(10*time.Millisecond, false)
	m.AcquireWaited(time.Second, true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolLeased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolIdle))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolDestroyed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolExhausted))
	assert.Equal(t, 1, testutil.CollectAndCount(m.poolAcquireWait))
}

func TestSessionAndTrackerMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.EnvelopePublished("statistics")
	m.EnvelopePublished("statistics")
	m.EnvelopeReceived("status")
	m.Outcome("COMPLETE")
	m.ProbeAttempt("nats", nil)
	m.ProbeAttempt("nats", errors.New("refused"))
	m.ProbeAttempt("nats", errors.New("refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopesSent.WithLabelValues("statistics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopesReceived.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeAttempts.WithLabelValues("nats", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.probeAttempts.WithLabelValues("nats", "failure")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var m *Collectors

	assert.NoError(t, m.Register())
	assert.NotPanics(t, func() {
		m.PoolState(1, 1)
		m.ConnectionCreated()
		m.ConnectionDestroyed()
		m.AcquireWaited(time.Second, true)
		m.ProbeAttempt("nats", nil)
		m.SessionOpened()
		m.SessionClosed()
		m.EnvelopePublished("status")
		m.EnvelopeReceived("status")
		m.Outcome("FAILED")
	})
}
