// Package tracker derives the outcome of an evaluation from the unordered,
// at-least-once stream of envelopes published for it.
//
// A tracker starts OPEN, moves to AWAITING_COMPLETION once an expected count
// is declared and ends in exactly one of COMPLETE, FAILED or TIMED_OUT.
// Transitions only move forward and terminal states are never left.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/evalflow/internal/runtime/envelope"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/logging"
)

// State is the completion state of an evaluation.
type State int

const (
	StateOpen State = iota
	StateAwaitingCompletion
	StateComplete
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateAwaitingCompletion:
		return "AWAITING_COMPLETION"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is COMPLETE, FAILED or TIMED_OUT.
func (s State) Terminal() bool {
	return s >= StateComplete
}

// Options configures a Tracker.
type Options struct {
	// InactivityTimeout bounds the wait for the next accepted envelope while
	// AWAITING_COMPLETION. Zero disables it.
	InactivityTimeout time.Duration

	// OnTransition is called once per transition, in order, on a goroutine
	// owned by the tracker. err is the cause of a FAILED or TIMED_OUT state.
	// It may call any Tracker method, but Await and Done only return after
	// the terminal transition has been delivered.
	OnTransition func(from, to State, err error)

	Logger logging.ServiceLogger
}

type transition struct {
	from, to State
	err      error
}

// Tracker aggregates expected and received counts for one correlation id.
// It is safe for concurrent use by several consumers.
type Tracker struct {
	correlationID string
	opts          Options
	logger        logging.ServiceLogger

	mu         sync.Mutex
	state      State
	current    atomic.Int32
	err        error
	expected   map[envelope.Kind]uint64
	received   map[envelope.Kind]uint64
	seen       map[envelope.Key]struct{}
	terminated bool
	closed     bool
	timer      *time.Timer
	generation uint64
	done       chan struct{}
	closedCh   chan struct{}

	pending     []transition
	dispatching bool
}

// New returns an OPEN tracker for correlationID.
func New(correlationID string, opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{
		correlationID: correlationID,
		opts:          opts,
		logger:        logger.With(logging.LogFields{"correlation_id": correlationID}),
		expected:      make(map[envelope.Kind]uint64),
		received:      make(map[envelope.Kind]uint64),
		seen:          make(map[envelope.Key]struct{}),
		done:          make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

// CorrelationID returns the tracked correlation id.
func (t *Tracker) CorrelationID() string { return t.correlationID }

// Observe records env and reports whether it was accepted. Envelopes for
// another correlation id, duplicates and anything arriving after a terminal
// state or Close are ignored. Protocol violations fail the evaluation; they
// are never returned to the caller.
func (t *Tracker) Observe(env envelope.Envelope) bool {
	t.mu.Lock()
	if env.CorrelationID != t.correlationID || t.state.Terminal() || t.closed {
		t.mu.Unlock()
		return false
	}
	key := env.Key()
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		t.logger.Trace("Duplicate envelope discarded", logging.LogFields{
			"producer_id": env.ProducerID, "kind": env.Kind, "sequence": env.Sequence,
		})
		return false
	}
	t.seen[key] = struct{}{}

	var (
		changes  []transition
		advanced bool
	)
	switch env.Kind {
	case envelope.KindNegativeAck:
		changes = t.observeNegativeAck(env)
	case envelope.KindStatus:
		changes, advanced = t.observeStatus(env)
	default:
		t.received[env.Kind]++
		advanced = true
		if exp, ok := t.expected[env.Kind]; ok && t.received[env.Kind] > exp {
			changes = t.violation(env.Kind, fmt.Sprintf("received %d of %d expected", t.received[env.Kind], exp))
		}
	}
	if !t.state.Terminal() {
		changes = append(changes, t.evaluate()...)
	}
	// only envelopes that move the counts restart the inactivity window
	if t.state == StateAwaitingCompletion && advanced {
		t.armTimer()
	}
	t.enqueue(changes)
	t.mu.Unlock()
	return true
}

// Accepts reports whether Observe would record env: it belongs to this
// evaluation, is not a duplicate and the tracker is still tracking.
func (t *Tracker) Accepts(env envelope.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if env.CorrelationID != t.correlationID || t.state.Terminal() || t.closed {
		return false
	}
	_, dup := t.seen[env.Key()]
	return !dup
}

// Fail moves a non-terminal tracker to FAILED with cause. It reports whether
// the state changed.
func (t *Tracker) Fail(cause error) bool {
	t.mu.Lock()
	if t.state.Terminal() || t.closed {
		t.mu.Unlock()
		return false
	}
	t.enqueue(t.finish(StateFailed, cause))
	t.mu.Unlock()
	return true
}

func (t *Tracker) observeNegativeAck(env envelope.Envelope) []transition {
	reason := "negative acknowledgement received"
	if status, err := envelope.DecodeStatus(env.Payload); err == nil && status.Message != "" {
		reason = status.Message
	}
	return t.finish(StateFailed, fmt.Errorf("%w: evaluation %s from producer %s: %s",
		errspkg.ErrEvaluationFailed, t.correlationID, env.ProducerID, reason))
}

// observeStatus applies a status envelope and reports whether it declared a
// new count or terminated publication.
func (t *Tracker) observeStatus(env envelope.Envelope) ([]transition, bool) {
	status, err := envelope.DecodeStatus(env.Payload)
	if err != nil {
		return t.violation(envelope.KindStatus, err.Error()), false
	}
	if status.Event == envelope.EventFailed {
		return t.finish(StateFailed, fmt.Errorf("%w: evaluation %s: %s",
			errspkg.ErrEvaluationFailed, t.correlationID, status.Message)), false
	}

	advanced := false
	for kind, count := range status.ExpectedCounts {
		prev, ok := t.expected[kind]
		if ok && prev != count {
			return t.violation(kind, fmt.Sprintf("expected count redeclared from %d to %d", prev, count)), false
		}
		if !ok {
			t.expected[kind] = count
			advanced = true
		}
		if t.received[kind] > count {
			return t.violation(kind, fmt.Sprintf("received %d of %d expected", t.received[kind], count)), false
		}
	}

	var changes []transition
	if status.Terminating() && !t.terminated {
		t.terminated = true
		advanced = true
	}
	if t.state == StateOpen && (len(t.expected) > 0 || t.terminated) {
		changes = append(changes, t.transition(StateAwaitingCompletion))
	}
	return changes, advanced
}

func (t *Tracker) evaluate() []transition {
	if !t.terminated || t.state != StateAwaitingCompletion {
		return nil
	}
	for kind, exp := range t.expected {
		if t.received[kind] != exp {
			return nil
		}
	}
	return t.finish(StateComplete, nil)
}

func (t *Tracker) violation(kind envelope.Kind, reason string) []transition {
	return t.finish(StateFailed, &errspkg.ProtocolViolationError{
		CorrelationID: t.correlationID,
		Kind:          string(kind),
		Reason:        reason,
	})
}

// finish moves to a terminal state. Callers hold t.mu.
func (t *Tracker) finish(to State, cause error) []transition {
	t.err = cause
	change := t.transition(to)
	t.stopTimer()
	return []transition{change}
}

func (t *Tracker) transition(to State) transition {
	change := transition{from: t.state, to: to, err: t.err}
	t.state = to
	t.current.Store(int32(to))
	return change
}

func (t *Tracker) armTimer() {
	if t.opts.InactivityTimeout <= 0 {
		return
	}
	t.stopTimer()
	gen := t.generation
	t.timer = time.AfterFunc(t.opts.InactivityTimeout, func() { t.expire(gen) })
}

func (t *Tracker) stopTimer() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.state != StateAwaitingCompletion || t.closed {
		t.mu.Unlock()
		return
	}
	t.enqueue(t.finish(StateTimedOut, fmt.Errorf("%w: no progress for %s",
		errspkg.ErrInactivityTimeout, t.opts.InactivityTimeout)))
	t.mu.Unlock()
}

// enqueue queues changes for delivery. Callers hold t.mu. At most one
// dispatcher runs at a time so transitions are delivered in order.
func (t *Tracker) enqueue(changes []transition) {
	if len(changes) == 0 {
		return
	}
	t.pending = append(t.pending, changes...)
	if !t.dispatching {
		t.dispatching = true
		go t.dispatch()
	}
}

func (t *Tracker) dispatch() {
	for {
		t.mu.Lock()
		batch := t.pending
		t.pending = nil
		if len(batch) == 0 {
			t.dispatching = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		for _, c := range batch {
			t.deliver(c)
		}
	}
}

func (t *Tracker) deliver(c transition) {
	fields := logging.LogFields{"from": c.from.String(), "to": c.to.String()}
	switch {
	case c.to == StateComplete:
		t.logger.Info("Evaluation complete", fields)
	case c.to.Terminal():
		t.logger.Error("Evaluation did not complete", c.err, fields)
	default:
		t.logger.Debug("Evaluation state changed", fields)
	}
	if t.opts.OnTransition != nil {
		t.opts.OnTransition(c.from, c.to, c.err)
	}
	if c.to.Terminal() {
		close(t.done)
	}
}

// State returns the current state. It never waits on the tracker lock.
func (t *Tracker) State() State {
	return State(t.current.Load())
}

// Err returns the cause of a FAILED or TIMED_OUT state.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Received returns the number of distinct envelopes of kind accepted so far.
func (t *Tracker) Received(kind envelope.Kind) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received[kind]
}

// Expected returns the declared count for kind.
func (t *Tracker) Expected(kind envelope.Kind) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.expected[kind]
	return n, ok
}

// Done is closed once the terminal transition has been delivered.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Await blocks until a terminal state, Close or the end of ctx. It returns nil
// for COMPLETE and the cause for FAILED or TIMED_OUT. Close before a terminal
// state and a cancelled ctx both yield an error matching ErrCancelled; the
// latter also matches context.Canceled. An expired deadline yields
// context.DeadlineExceeded. None of them affects the tracker.
func (t *Tracker) Await(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return t.outcome()
	case <-t.closedCh:
		if state, err := t.outcome(); state.Terminal() {
			return state, err
		}
		return t.State(), fmt.Errorf("%w: tracker closed", errspkg.ErrCancelled)
	case <-ctx.Done():
		state := t.State()
		if errors.Is(ctx.Err(), context.Canceled) {
			return state, fmt.Errorf("%w: %w", errspkg.ErrCancelled, ctx.Err())
		}
		return state, ctx.Err()
	}
}

func (t *Tracker) outcome() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

// Close stops the inactivity timer and releases Await callers. The state is
// left as is and further envelopes are ignored. Transitions already queued
// are still delivered. Close is idempotent and may be called from
// OnTransition.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.stopTimer()
	close(t.closedCh)
}
