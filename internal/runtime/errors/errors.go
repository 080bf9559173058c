package errors

import (
	sterrors "errors"
	"fmt"
	"time"

	"github.com/drblury/evalflow/transport"
)

var (
	ErrUnknownDestination     = sterrors.New("evalflow: unknown destination")
	ErrPoolExhausted          = sterrors.New("evalflow: connection pool exhausted")
	ErrPoolClosed             = sterrors.New("evalflow: connection pool closed")
	ErrConnectionNotLeased    = sterrors.New("evalflow: connection is not leased")
	ErrBrokerUnreachable      = sterrors.New("evalflow: broker unreachable")
	ErrProtocolViolation      = sterrors.New("evalflow: protocol violation")
	ErrSessionClosed          = sterrors.New("evalflow: session closed")
	ErrCorrelationInUse       = sterrors.New("evalflow: correlation id already in use")
	ErrExpectedCountImmutable = sterrors.New("evalflow: expected count already declared")
	ErrEvaluationFailed       = sterrors.New("evalflow: evaluation failed")
	ErrInactivityTimeout      = sterrors.New("evalflow: evaluation timed out waiting for messages")
	ErrCancelled              = sterrors.New("evalflow: wait cancelled")
	ErrConfigRequired         = sterrors.New("evalflow: configuration is required")
	ErrLoggerRequired         = sterrors.New("evalflow: logger is required")
	ErrUnsupportedTransport   = sterrors.New("evalflow: transport cannot serve this configuration")

	ErrUnknownTransport = transport.ErrUnknownTransport
)

// DestinationError reports a logical destination name without a mapping.
type DestinationError struct {
	Name string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownDestination, e.Name)
}

func (e *DestinationError) Unwrap() error { return ErrUnknownDestination }

// PoolExhaustedError reports an acquisition that hit its deadline.
type PoolExhaustedError struct {
	MaxSize int
	Waited  time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d connections leased, waited %s", ErrPoolExhausted, e.MaxSize, e.Waited)
}

func (e *PoolExhaustedError) Unwrap() error { return ErrPoolExhausted }

// BrokerUnreachableError carries the last transport error seen by a
// connectivity probe.
type BrokerUnreachableError struct {
	Transport string
	Address   string
	Attempts  int
	Err       error
}

func (e *BrokerUnreachableError) Error() string {
	return fmt.Sprintf("%s: %s at %q after %d attempt(s): %v", ErrBrokerUnreachable, e.Transport, e.Address, e.Attempts, e.Err)
}

func (e *BrokerUnreachableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBrokerUnreachable}
	}
	return []error{ErrBrokerUnreachable, e.Err}
}

// ProtocolViolationError describes an envelope stream that breaks the
// completion protocol.
type ProtocolViolationError struct {
	CorrelationID string
	Kind          string
	Reason        string
}

func (e *ProtocolViolationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s: evaluation %s: %s", ErrProtocolViolation, e.CorrelationID, e.Reason)
	}
	return fmt.Sprintf("%s: evaluation %s, kind %s: %s", ErrProtocolViolation, e.CorrelationID, e.Kind, e.Reason)
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// SessionError annotates a session failure with its correlation id.
type SessionError struct {
	CorrelationID string
	Op            string
	Err           error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("evalflow: session %s: %s: %v", e.CorrelationID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError wraps err with the session context. Returns nil for a nil err.
func NewSessionError(correlationID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{CorrelationID: correlationID, Op: op, Err: err}
}
