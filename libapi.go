package evalflow

import (
	runtimepkg "github.com/drblury/evalflow/internal/runtime"
	configpkg "github.com/drblury/evalflow/internal/runtime/config"
	"github.com/drblury/evalflow/internal/runtime/destination"
	"github.com/drblury/evalflow/internal/runtime/embedded"
	"github.com/drblury/evalflow/internal/runtime/envelope"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	idspkg "github.com/drblury/evalflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/pool"
	"github.com/drblury/evalflow/internal/runtime/session"
	"github.com/drblury/evalflow/internal/runtime/tracker"
	"github.com/drblury/evalflow/transport"
	"github.com/drblury/evalflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	SessionHooks        = runtimepkg.SessionHooks
	SessionContext      = runtimepkg.SessionContext

	Session        = session.Session
	SessionOptions = session.Options
	Handler        = session.Handler

	Envelope     = envelope.Envelope
	EnvelopeKind = envelope.Kind
	Selector     = envelope.Selector
	Status       = envelope.Status
	StatusEvent  = envelope.StatusEvent

	Destination         = destination.Destination
	DestinationKind     = destination.Kind
	DestinationRegistry = destination.Registry

	Pool       = pool.Pool
	Connection = pool.Conn
	PoolStats  = pool.Stats

	CompletionTracker = tracker.Tracker
	CompletionState   = tracker.State

	EmbeddedOption = embedded.Option

	DestinationError       = errspkg.DestinationError
	PoolExhaustedError     = errspkg.PoolExhaustedError
	BrokerUnreachableError = errspkg.BrokerUnreachableError
	ProtocolViolationError = errspkg.ProtocolViolationError
	SessionError           = errspkg.SessionError

	TransportBuilder      = transport.Builder
	TransportProber       = transport.Prober
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	ServiceLogger             = loggingpkg.ServiceLogger
	LogFields                 = loggingpkg.LogFields
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]
)

const (
	KindDescription = envelope.KindDescription
	KindStatistics  = envelope.KindStatistics
	KindStatus      = envelope.KindStatus
	KindNegativeAck = envelope.KindNegativeAck

	StateOpen               = tracker.StateOpen
	StateAwaitingCompletion = tracker.StateAwaitingCompletion
	StateComplete           = tracker.StateComplete
	StateFailed             = tracker.StateFailed
	StateTimedOut           = tracker.StateTimedOut

	DestinationEvaluation = configpkg.DestinationEvaluation
	DestinationStatus     = configpkg.DestinationStatus
	DestinationStatistics = configpkg.DestinationStatistics
)

var (
	NewService       = runtimepkg.NewService
	LoadConfig       = configpkg.Load
	LoadConfigReader = configpkg.LoadReader
	LoadConfigEnv    = configpkg.LoadEnv
	DefaultConfig    = configpkg.Default
	ValidateConfig   = configpkg.ValidateConfig

	// CheckConnectivity probes a broker without a Service. A nil registry
	// means DefaultTransportRegistry.
	CheckConnectivity = pool.CheckConnectivity

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	WithJetStream       = embedded.WithJetStream
	WithReadyTimeout    = embedded.WithReadyTimeout
	ParseDestination    = destination.Parse
	EncodeStatus        = envelope.EncodeStatus
	DecodeStatus        = envelope.DecodeStatus
	EnvelopeFromMessage = envelope.FromMessage

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	RegisterAllTransports    = transports.RegisterAll

	ErrUnknownDestination     = errspkg.ErrUnknownDestination
	ErrPoolExhausted          = errspkg.ErrPoolExhausted
	ErrPoolClosed             = errspkg.ErrPoolClosed
	ErrConnectionNotLeased    = errspkg.ErrConnectionNotLeased
	ErrBrokerUnreachable      = errspkg.ErrBrokerUnreachable
	ErrProtocolViolation      = errspkg.ErrProtocolViolation
	ErrSessionClosed          = errspkg.ErrSessionClosed
	ErrCorrelationInUse       = errspkg.ErrCorrelationInUse
	ErrExpectedCountImmutable = errspkg.ErrExpectedCountImmutable
	ErrEvaluationFailed       = errspkg.ErrEvaluationFailed
	ErrInactivityTimeout      = errspkg.ErrInactivityTimeout
	ErrCancelled              = errspkg.ErrCancelled
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrUnknownTransport       = errspkg.ErrUnknownTransport

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewLogrusServiceLogger    = loggingpkg.NewLogrusServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	CreateULID = idspkg.CreateULID
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
