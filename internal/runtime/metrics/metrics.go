// Package metrics exposes prometheus collectors for the connection pool,
// evaluation sessions and completion trackers. A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "evalflow"

// Collectors groups every evalflow metric.
type Collectors struct {
	mu sync.Mutex

	poolLeased        prometheus.Gauge
	poolIdle          prometheus.Gauge
	poolCreated       prometheus.Counter
	poolDestroyed     prometheus.Counter
	poolExhausted     prometheus.Counter
	poolAcquireWait   prometheus.Histogram
	probeAttempts     *prometheus.CounterVec
	sessionsOpen      prometheus.Gauge
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	outcomes          *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

// New creates the collectors. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		registerer:    registerer,
		poolLeased:    newGauge("pool", "connections_leased", "Connections currently leased from the pool"),
		poolIdle:      newGauge("pool", "connections_idle", "Idle connections held by the pool"),
		poolCreated:   newCounter("pool", "connections_created_total", "Connections opened by the pool"),
		poolDestroyed: newCounter("pool", "connections_destroyed_total", "Connections closed by the pool"),
		poolExhausted: newCounter("pool", "exhausted_total", "Acquisitions that timed out waiting for a connection"),
		poolAcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled connection",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
		probeAttempts:     newCounterVec("broker", "probe_attempts_total", "Connectivity probe attempts by result", []string{"transport", "result"}),
		sessionsOpen:      newGauge("session", "open", "Evaluation sessions currently open"),
		envelopesSent:     newCounterVec("session", "envelopes_published_total", "Envelopes published by kind", []string{"kind"}),
		envelopesReceived: newCounterVec("session", "envelopes_received_total", "Envelopes accepted by consumers by kind", []string{"kind"}),
		outcomes:          newCounterVec("tracker", "outcomes_total", "Terminal evaluation states", []string{"state"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collectors) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.poolLeased,
		c.poolIdle,
		c.poolCreated,
		c.poolDestroyed,
		c.poolExhausted,
		c.poolAcquireWait,
		c.probeAttempts,
		c.sessionsOpen,
		c.envelopesSent,
		c.envelopesReceived,
		c.outcomes,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// PoolState records the current leased and idle connection counts.
func (c *Collectors) PoolState(leased, idle int) {
	if c == nil {
		return
	}
	c.poolLeased.Set(float64(leased))
	c.poolIdle.Set(float64(idle))
}

func (c *Collectors) ConnectionCreated() {
	if c != nil {
		c.poolCreated.Inc()
	}
}

func (c *Collectors) ConnectionDestroyed() {
	if c != nil {
		c.poolDestroyed.Inc()
	}
}

// AcquireWaited records the time an Acquire call waited; exhausted marks a
// call that gave up.
func (c *Collectors) AcquireWaited(d time.Duration, exhausted bool) {
	if c == nil {
		return
	}
	c.poolAcquireWait.Observe(d.Seconds())
	if exhausted {
		c.poolExhausted.Inc()
	}
}

func (c *Collectors) ProbeAttempt(transport string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.probeAttempts.WithLabelValues(transport, result).Inc()
}

func (c *Collectors) SessionOpened() {
	if c != nil {
		c.sessionsOpen.Inc()
	}
}

func (c *Collectors) SessionClosed() {
	if c != nil {
		c.sessionsOpen.Dec()
	}
}

func (c *Collectors) EnvelopePublished(kind string) {
	if c != nil {
		c.envelopesSent.WithLabelValues(kind).Inc()
	}
}

func (c *Collectors) EnvelopeReceived(kind string) {
	if c != nil {
		c.envelopesReceived.WithLabelValues(kind).Inc()
	}
}

// Outcome counts a terminal tracker state by name.
func (c *Collectors) Outcome(state string) {
	if c != nil {
		c.outcomes.WithLabelValues(state).Inc()
	}
}
