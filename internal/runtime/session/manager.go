// Package session scopes message exchange to one evaluation. A session
// publishes envelopes stamped with its correlation id and consumes only
// envelopes carrying the same id, feeding them to a completion tracker.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/evalflow/internal/runtime/config"
	"github.com/drblury/evalflow/internal/runtime/destination"
	"github.com/drblury/evalflow/internal/runtime/envelope"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/ids"
	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/metrics"
	"github.com/drblury/evalflow/internal/runtime/pool"
	"github.com/drblury/evalflow/internal/runtime/tracker"
)

const tracerName = "github.com/drblury/evalflow/session"

// Handler processes one accepted envelope. It runs on the consumer goroutine
// of the envelope's destination. Returning an error fails the evaluation.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Options configures a session.
type Options struct {
	// Consume lists the logical destinations to listen on. Subscriptions are
	// active before Open returns.
	Consume []string

	// Handlers are registered before any subscription starts.
	Handlers map[envelope.Kind][]Handler

	// InactivityTimeout overrides the manager default when positive.
	InactivityTimeout time.Duration

	// OnTransition observes completion state changes. Callbacks run in order
	// on a goroutine owned by the session's tracker, never on a consumer.
	OnTransition func(from, to tracker.State)

	// OnOutcome is called once with the terminal state and its cause (nil
	// for COMPLETE), after OnTransition.
	OnOutcome func(state tracker.State, err error)

	// AcquireTimeout bounds the wait for a pooled connection. Zero uses the
	// pool default.
	AcquireTimeout time.Duration

	// ProducerID identifies this session's producer. Empty generates a ULID.
	ProducerID string
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithMetrics records session activity on m.
func WithMetrics(m *metrics.Collectors) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithInactivityTimeout sets the default tracker inactivity timeout.
func WithInactivityTimeout(d time.Duration) ManagerOption {
	return func(mgr *Manager) { mgr.inactivity = d }
}

// WithTracer replaces the global otel tracer.
func WithTracer(tr trace.Tracer) ManagerOption {
	return func(mgr *Manager) { mgr.tracer = tr }
}

// Manager opens sessions and guarantees that a correlation id is used by at
// most one open session.
type Manager struct {
	pool         *pool.Pool
	destinations *destination.Registry
	logger       logging.ServiceLogger
	metrics      *metrics.Collectors
	tracer       trace.Tracer
	inactivity   time.Duration

	mu   sync.Mutex
	open map[string]*Session
}

// NewManager creates a manager drawing connections from p.
func NewManager(p *pool.Pool, destinations *destination.Registry, logger logging.ServiceLogger, opts ...ManagerOption) (*Manager, error) {
	if p == nil {
		return nil, errors.New("evalflow: connection pool is required")
	}
	if destinations == nil {
		return nil, errors.New("evalflow: destination registry is required")
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	m := &Manager{
		pool:         p,
		destinations: destinations,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		inactivity:   config.DefaultInactivityTimeout,
		open:         make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a session for correlationID. An empty id is replaced by a
// generated ULID. Every destination in opts.Consume is subscribed before Open
// returns, so publishing may start immediately afterwards.
func (m *Manager) Open(ctx context.Context, correlationID string, opts Options) (*Session, error) {
	if correlationID == "" {
		correlationID = ids.CreateULID()
	}
	if err := validateCorrelationID(correlationID); err != nil {
		return nil, err
	}
	if err := m.reserve(correlationID); err != nil {
		return nil, err
	}

	s, err := m.openSession(ctx, correlationID, opts)
	if err != nil {
		m.free(correlationID)
		return nil, errspkg.NewSessionError(correlationID, "open", err)
	}

	m.mu.Lock()
	m.open[correlationID] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()
	s.logger.Info("Evaluation session opened", logging.LogFields{
		"producer_id": s.producerID,
		"consuming":   len(s.consumers),
	})
	return s, nil
}

func (m *Manager) openSession(ctx context.Context, correlationID string, opts Options) (*Session, error) {
	routes := make(map[string]destination.Destination, 3)
	for _, name := range []string{config.DestinationEvaluation, config.DestinationStatus, config.DestinationStatistics} {
		dest, err := m.destinations.Resolve(name)
		if err != nil {
			return nil, err
		}
		routes[name] = dest.Scoped(correlationID)
	}

	var consume []destination.Destination
	seen := make(map[string]bool, len(opts.Consume))
	for _, name := range opts.Consume {
		if seen[name] {
			continue
		}
		seen[name] = true
		dest, err := m.destinations.Resolve(name)
		if err != nil {
			return nil, err
		}
		consume = append(consume, dest.Scoped(correlationID))
	}

	conn, err := m.pool.Acquire(ctx, opts.AcquireTimeout)
	if err != nil {
		return nil, err
	}

	s := newSession(m, conn, correlationID, routes, opts)
	for kind, handlers := range opts.Handlers {
		for _, h := range handlers {
			if err := s.Subscribe(kind, h); err != nil {
				s.abort()
				return nil, err
			}
		}
	}
	for _, dest := range consume {
		if err := s.listen(dest); err != nil {
			s.abort()
			return nil, err
		}
	}
	return s, nil
}

func (m *Manager) reserve(correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.open[correlationID]; taken {
		return fmt.Errorf("%w: %s", errspkg.ErrCorrelationInUse, correlationID)
	}
	// placeholder until the session is built
	m.open[correlationID] = nil
	return nil
}

func (m *Manager) free(correlationID string) {
	m.mu.Lock()
	delete(m.open, correlationID)
	m.mu.Unlock()
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.open))
	for _, s := range m.open {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validateCorrelationID rejects ids that cannot be embedded in a broker
// subject or queue name.
func validateCorrelationID(id string) error {
	if strings.ContainsAny(id, " \t\r\n.*>") {
		return fmt.Errorf("evalflow: invalid correlation id %q", id)
	}
	return nil
}
