package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/evalflow/internal/runtime/destination"
	"github.com/drblury/evalflow/internal/runtime/envelope"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/ids"
	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/pool"
	"github.com/drblury/evalflow/internal/runtime/tracker"
)

// Session is the messaging context of one evaluation. It owns one pooled
// connection until Close.
type Session struct {
	manager       *Manager
	conn          *pool.Conn
	correlationID string
	producerID    string
	routes        map[string]destination.Destination
	selector      envelope.Selector
	tracker       *tracker.Tracker
	logger        logging.ServiceLogger

	consumeCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	consumers  []destination.Destination

	// publishMu serialises publishing so that sequence numbers leave in order.
	publishMu sync.Mutex
	sequences map[envelope.Kind]uint64
	declared  map[envelope.Kind]uint64

	mu       sync.RWMutex
	handlers map[envelope.Kind][]Handler
	closed   bool

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newSession(m *Manager, conn *pool.Conn, correlationID string, routes map[string]destination.Destination, opts Options) *Session {
	producerID := opts.ProducerID
	if producerID == "" {
		producerID = ids.CreateULID()
	}
	inactivity := m.inactivity
	if opts.InactivityTimeout > 0 {
		inactivity = opts.InactivityTimeout
	}
	logger := m.logger.With(logging.LogFields{"correlation_id": correlationID})

	consumeCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		manager:       m,
		conn:          conn,
		correlationID: correlationID,
		producerID:    producerID,
		routes:        routes,
		selector:      envelope.Selector{CorrelationID: correlationID},
		logger:        logger,
		consumeCtx:    consumeCtx,
		cancel:        cancel,
		sequences:     make(map[envelope.Kind]uint64),
		declared:      make(map[envelope.Kind]uint64),
		handlers:      make(map[envelope.Kind][]Handler),
		closedCh:      make(chan struct{}),
	}

	s.tracker = tracker.New(correlationID, tracker.Options{
		InactivityTimeout: inactivity,
		OnTransition: func(from, to tracker.State, err error) {
			if opts.OnTransition != nil {
				opts.OnTransition(from, to)
			}
			if !to.Terminal() {
				return
			}
			m.metrics.Outcome(to.String())
			if opts.OnOutcome != nil {
				opts.OnOutcome(to, err)
			}
		},
		Logger: m.logger,
	})
	return s
}

// CorrelationID returns the id scoping this session.
func (s *Session) CorrelationID() string { return s.correlationID }

// ProducerID returns the id stamped on published envelopes.
func (s *Session) ProducerID() string { return s.producerID }

// Selector returns the predicate applied to consumed messages.
func (s *Session) Selector() envelope.Selector { return s.selector }

// Destination returns the destination serving a logical name for this
// session.
func (s *Session) Destination(logical string) (destination.Destination, bool) {
	dest, ok := s.routes[logical]
	return dest, ok
}

// Tracker exposes the completion tracker fed by this session's consumers.
func (s *Session) Tracker() *tracker.Tracker { return s.tracker }

// State returns the current completion state.
func (s *Session) State() tracker.State { return s.tracker.State() }

func (s *Session) listen(dest destination.Destination) error {
	messages, err := s.conn.Subscribe(s.consumeCtx, dest)
	if err != nil {
		return err
	}
	s.consumers = append(s.consumers, dest)
	s.wg.Add(1)
	go s.consume(dest, messages)
	s.logger.Debug("Consumer started", logging.LogFields{
		"destination": dest.String(),
		"selector":    s.selector.String(),
	})
	return nil
}

func (s *Session) consume(dest destination.Destination, messages <-chan *message.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.consumeCtx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handle(dest, msg)
			msg.Ack()
		}
	}
}

func (s *Session) handle(dest destination.Destination, msg *message.Message) {
	if !s.selector.Matches(msg) {
		return
	}
	env, err := envelope.FromMessage(msg)
	if err != nil {
		s.logger.Error("Malformed envelope", err, logging.LogFields{"message_uuid": msg.UUID})
		s.tracker.Fail(err)
		return
	}
	if !s.tracker.Accepts(env) {
		return
	}

	ctx, span := s.manager.tracer.Start(msg.Context(), "evalflow.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(s.spanAttributes(dest, env)...),
	)
	defer span.End()

	for _, h := range s.handlersFor(env.Kind) {
		if err := h(ctx, env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("Envelope handler failed", err, logging.LogFields{
				"kind": env.Kind, "producer_id": env.ProducerID, "sequence": env.Sequence,
			})
			s.tracker.Fail(errspkg.NewSessionError(s.correlationID, "handle "+string(env.Kind), err))
			return
		}
	}
	if s.tracker.Observe(env) {
		s.manager.metrics.EnvelopeReceived(string(env.Kind))
	}
}

func (s *Session) spanAttributes(dest destination.Destination, env envelope.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", dest.Physical),
		attribute.String("evalflow.correlation_id", env.CorrelationID),
		attribute.String("evalflow.producer_id", env.ProducerID),
		attribute.String("evalflow.kind", string(env.Kind)),
		attribute.Int64("evalflow.sequence", int64(env.Sequence)),
	}
}

// Subscribe registers a handler for kind. Handlers for a kind run in
// registration order.
func (s *Session) Subscribe(kind envelope.Kind, handler Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("evalflow: unknown envelope kind %q", kind)
	}
	if handler == nil {
		return errors.New("evalflow: handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.NewSessionError(s.correlationID, "subscribe", errspkg.ErrSessionClosed)
	}
	s.handlers[kind] = append(s.handlers[kind], handler)
	return nil
}

func (s *Session) handlersFor(kind envelope.Kind) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Handler(nil), s.handlers[kind]...)
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Publish sends payload as the next envelope of kind and returns its
// sequence number.
func (s *Session) Publish(ctx context.Context, kind envelope.Kind, payload []byte) (uint64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("evalflow: unknown envelope kind %q", kind)
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	return s.publishLocked(ctx, kind, payload)
}

func (s *Session) publishLocked(ctx context.Context, kind envelope.Kind, payload []byte) (uint64, error) {
	if s.isClosed() {
		return 0, errspkg.NewSessionError(s.correlationID, "publish", errspkg.ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return 0, errspkg.NewSessionError(s.correlationID, "publish", err)
	}

	dest := s.routes[envelope.RouteFor(kind)]
	env := envelope.Envelope{
		Kind:          kind,
		CorrelationID: s.correlationID,
		ProducerID:    s.producerID,
		Sequence:      s.sequences[kind] + 1,
		Payload:       payload,
	}
	msg := env.ToMessage()

	ctx, span := s.manager.tracer.Start(ctx, "evalflow.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(s.spanAttributes(dest, env)...),
	)
	defer span.End()
	msg.SetContext(ctx)

	if err := s.conn.Publish(dest, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, errspkg.NewSessionError(s.correlationID, "publish", err)
	}
	s.sequences[kind] = env.Sequence
	s.manager.metrics.EnvelopePublished(string(kind))
	s.logger.Trace("Envelope published", logging.LogFields{
		"kind": kind, "sequence": env.Sequence, "destination": dest.String(),
	})
	return env.Sequence, nil
}

// PublishExpectedCount declares how many envelopes of kind this session will
// publish. A declared count cannot change; repeating the same count is a
// no-op.
func (s *Session) PublishExpectedCount(ctx context.Context, kind envelope.Kind, count uint64) error {
	if kind != envelope.KindDescription && kind != envelope.KindStatistics {
		return fmt.Errorf("evalflow: expected counts apply to description and statistics, not %q", kind)
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if prev, ok := s.declared[kind]; ok {
		if prev == count {
			return nil
		}
		return errspkg.NewSessionError(s.correlationID, "declare expected count",
			fmt.Errorf("%w: %s is %d, not %d", errspkg.ErrExpectedCountImmutable, kind, prev, count))
	}

	payload, err := envelope.EncodeStatus(envelope.Status{
		Event:          envelope.EventExpectedCount,
		ExpectedCounts: map[envelope.Kind]uint64{kind: count},
	})
	if err != nil {
		return err
	}
	if _, err := s.publishLocked(ctx, envelope.KindStatus, payload); err != nil {
		return err
	}
	s.declared[kind] = count
	return nil
}

// PublishComplete sends the terminating status, repeating every declared
// count.
func (s *Session) PublishComplete(ctx context.Context) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	counts := make(map[envelope.Kind]uint64, len(s.declared))
	for kind, n := range s.declared {
		counts[kind] = n
	}
	payload, err := envelope.EncodeStatus(envelope.Status{
		Event:          envelope.EventPublicationComplete,
		ExpectedCounts: counts,
	})
	if err != nil {
		return err
	}
	_, err = s.publishLocked(ctx, envelope.KindStatus, payload)
	return err
}

// PublishNegativeAck reports that producing or processing failed.
func (s *Session) PublishNegativeAck(ctx context.Context, reason string) error {
	payload, err := envelope.EncodeStatus(envelope.Status{Event: envelope.EventFailed, Message: reason})
	if err != nil {
		return err
	}
	_, err = s.Publish(ctx, envelope.KindNegativeAck, payload)
	return err
}

// AwaitCompletion blocks until the evaluation reaches a terminal state, ctx
// ends or the session is closed. It returns nil only for COMPLETE. Closing
// the session or cancelling ctx yields an error matching ErrCancelled.
func (s *Session) AwaitCompletion(ctx context.Context) (tracker.State, error) {
	select {
	case <-s.tracker.Done():
		return s.tracker.State(), s.tracker.Err()
	default:
	}

	select {
	case <-s.tracker.Done():
		return s.tracker.State(), s.tracker.Err()
	case <-s.closedCh:
		if state := s.tracker.State(); state.Terminal() {
			return state, s.tracker.Err()
		}
		return s.tracker.State(), errspkg.NewSessionError(s.correlationID, "await",
			fmt.Errorf("%w: %w", errspkg.ErrCancelled, errspkg.ErrSessionClosed))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return s.tracker.State(), errspkg.NewSessionError(s.correlationID, "await",
				fmt.Errorf("%w: %w", errspkg.ErrCancelled, ctx.Err()))
		}
		return s.tracker.State(), errspkg.NewSessionError(s.correlationID, "await", ctx.Err())
	}
}

// Close stops the consumers, releases the pooled connection and frees the
// correlation id. Waiters in AwaitCompletion are released with a cancellation
// outcome. Close is idempotent. It may be called from OnTransition or
// OnOutcome but not from a Handler.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closedCh)

		s.stop()
		s.publishMu.Lock()
		// wait for an in-flight publish to finish with the connection
		s.publishMu.Unlock()

		err = s.manager.pool.Release(s.conn)
		s.manager.free(s.correlationID)
		s.manager.metrics.SessionClosed()
		s.logger.Info("Evaluation session closed", logging.LogFields{"state": s.tracker.State().String()})
	})
	return err
}

func (s *Session) stop() {
	s.cancel()
	s.wg.Wait()
	s.tracker.Close()
}

// abort undoes a partially opened session.
func (s *Session) abort() {
	s.stop()
	if err := s.manager.pool.Release(s.conn); err != nil {
		s.logger.Error("Releasing connection failed", err, nil)
	}
}
