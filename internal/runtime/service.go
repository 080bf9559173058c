package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/evalflow/internal/runtime/config"
	"github.com/drblury/evalflow/internal/runtime/destination"
	"github.com/drblury/evalflow/internal/runtime/embedded"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/metrics"
	"github.com/drblury/evalflow/internal/runtime/pool"
	"github.com/drblury/evalflow/internal/runtime/session"
	"github.com/drblury/evalflow/internal/runtime/tracker"
	"github.com/drblury/evalflow/transport"
	"github.com/drblury/evalflow/transport/channel"
	"github.com/drblury/evalflow/transport/transports"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// TransportRegistry replaces the registry built from every bundled
	// transport. The channel transport is added when missing.
	TransportRegistry *transport.Registry
	// MetricsRegisterer receives the collectors when metrics are enabled. When
	// it also implements prometheus.Gatherer, MetricsHandler serves from it.
	MetricsRegisterer prometheus.Registerer
	EmbeddedOptions   []embedded.Option
	Tracer            trace.Tracer
	Hooks             SessionHooks
}

// Service wires the embedded broker, the connection pool, the destination
// registry and the session manager together.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker       *embedded.Handle
	registry     *transport.Registry
	hub          *channel.Hub
	metrics      *metrics.Collectors
	gatherer     prometheus.Gatherer
	pool         *pool.Pool
	destinations *destination.Registry
	sessions     *session.Manager
	hooks        SessionHooks

	closeOnce sync.Once
	closeErr  error
}

// NewService starts the embedded broker when configured, verifies that the
// broker is reachable and prepares the connection pool. Every resource
// acquired before a failure is released again.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	s := &Service{Logger: log, hooks: deps.Hooks}

	s.registry = deps.TransportRegistry
	if s.registry == nil {
		s.registry = transports.RegisterAll(transport.NewRegistry())
	}
	if conf.Transport == channel.TransportName && !s.registry.Has(channel.TransportName) {
		s.hub = channel.NewHub(loggingpkg.NewWatermillAdapter(log))
		channel.Register(s.registry, s.hub)
	}
	if !s.registry.Has(conf.Transport) {
		s.Close()
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownTransport, conf.Transport, s.registry.Names())
	}
	caps := s.registry.GetCapabilities(conf.Transport)
	if err := conf.ValidateTransport(caps); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", errspkg.ErrUnsupportedTransport, err)
	}
	if queues := conf.QueueDestinations(); len(queues) > 0 && !caps.SupportsQueues {
		log.Info("Queue destinations delivered as topics", loggingpkg.LogFields{
			"transport":    conf.Transport,
			"destinations": queues,
		})
	}

	embeddedOpts := deps.EmbeddedOptions
	if conf.Embedded && caps.RequiresJetStream {
		embeddedOpts = append([]embedded.Option{embedded.WithJetStream()}, embeddedOpts...)
	}
	broker, err := embedded.Start(conf, log, embeddedOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("start embedded broker: %w", err)
	}
	s.broker = broker
	s.Conf = broker.Config()

	if s.Conf.MetricsEnabled {
		if err := s.setupMetrics(deps.MetricsRegisterer); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.CheckConnectivity(ctx, s.Conf.ConnectionTestAttempts); err != nil {
		s.Close()
		return nil, err
	}

	s.pool, err = pool.New(s.Conf, s.registry.Build, log, pool.WithMetrics(s.metrics))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.destinations = destination.NewRegistry(s.Conf.Destinations)

	managerOpts := []session.ManagerOption{
		session.WithMetrics(s.metrics),
		session.WithInactivityTimeout(s.Conf.InactivityTimeout),
	}
	if deps.Tracer != nil {
		managerOpts = append(managerOpts, session.WithTracer(deps.Tracer))
	}
	s.sessions, err = session.NewManager(s.pool, s.destinations, log, managerOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	log.Info("Evaluation messaging service ready", loggingpkg.LogFields{
		"transport": s.Conf.Transport,
		"address":   s.Conf.Address,
		"embedded":  broker.Embedded(),
		"pool_size": s.Conf.PoolMaxSize,
	})
	return s, nil
}

func (s *Service) setupMetrics(registerer prometheus.Registerer) error {
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer, s.gatherer = reg, reg
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.metrics = metrics.New(registerer)
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	return nil
}

// OpenSession opens an evaluation session. An empty correlationID is
// replaced by a generated one.
func (s *Service) OpenSession(ctx context.Context, correlationID string, opts session.Options) (*session.Session, error) {
	if correlationID == "" {
		correlationID = ids.CreateULID()
	}
	if opts.ProducerID == "" {
		opts.ProducerID = ids.CreateULID()
	}
	info := SessionContext{
		CorrelationID: correlationID,
		ProducerID:    opts.ProducerID,
		OpenedAt:      time.Now(),
	}
	if s.hooks.OnOutcome != nil {
		onOutcome := opts.OnOutcome
		opts.OnOutcome = func(state tracker.State, err error) {
			if onOutcome != nil {
				onOutcome(state, err)
			}
			s.hooks.OnOutcome(info, state, err)
		}
	}

	sess, err := s.sessions.Open(ctx, correlationID, opts)
	if err != nil {
		return nil, err
	}
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(info)
	}
	return sess, nil
}

// CheckConnectivity probes the configured broker with a throwaway
// connection. maxAttempts is the number of retries after the first attempt.
func (s *Service) CheckConnectivity(ctx context.Context, maxAttempts int) error {
	return pool.CheckConnectivity(ctx, s.Conf, s.registry, maxAttempts,
		pool.ProbeWithLogger(s.Logger),
		pool.ProbeWithMetrics(s.metrics),
	)
}

// Pool returns the connection pool.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Destinations returns the destination registry.
func (s *Service) Destinations() *destination.Registry { return s.destinations }

// Sessions returns the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Embedded reports whether the service runs its own broker.
func (s *Service) Embedded() bool { return s.broker.Embedded() }

// Capabilities returns what the configured transport supports.
func (s *Service) Capabilities() transport.Capabilities {
	return s.registry.GetCapabilities(s.Conf.Transport)
}

// MetricsHandler serves the service's prometheus metrics. It answers 404
// when metrics are disabled.
func (s *Service) MetricsHandler() http.Handler {
	if s.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Close closes every open session, the pool and the embedded broker, in
// that order. Subsequent calls return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sessions != nil {
			errs = append(errs, s.sessions.CloseAll())
		}
		if s.pool != nil {
			errs = append(errs, s.pool.Close())
		}
		if s.hub != nil {
			errs = append(errs, s.hub.Close())
		}
		if s.broker != nil {
			s.broker.Stop()
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Evaluation messaging service stopped", nil)
	})
	return s.closeErr
}
