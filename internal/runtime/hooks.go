package runtime

import (
	"time"

	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/tracker"
)

// SessionContext describes the session a hook fires for.
type SessionContext struct {
	CorrelationID string
	ProducerID    string
	OpenedAt      time.Time
}

// SessionHooks provides callbacks for session lifecycle events.
type SessionHooks struct {
	// OnOpen is called once the session is subscribed and ready to publish.
	OnOpen func(ctx SessionContext)

	// OnOutcome is called when the evaluation reaches a terminal state. err
	// is nil for COMPLETE.
	OnOutcome func(ctx SessionContext, state tracker.State, err error)
}

// Merge combines two sets of hooks. Both are called in order (h first, then other).
func (h SessionHooks) Merge(other SessionHooks) SessionHooks {
	return SessionHooks{
		OnOpen:    chainOpenHooks(h.OnOpen, other.OnOpen),
		OnOutcome: chainOutcomeHooks(h.OnOutcome, other.OnOutcome),
	}
}

func chainOpenHooks(a, b func(SessionContext)) func(SessionContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx SessionContext) {
		a(ctx)
		b(ctx)
	}
}

func chainOutcomeHooks(a, b func(SessionContext, tracker.State, error)) func(SessionContext, tracker.State, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx SessionContext, state tracker.State, err error) {
		a(ctx, state, err)
		b(ctx, state, err)
	}
}

// LoggingHooks returns pre-built hooks that log session lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) SessionHooks {
	return SessionHooks{
		OnOpen: func(ctx SessionContext) {
			logger.Debug("Session ready", logging.LogFields{
				"correlation_id": ctx.CorrelationID,
				"producer_id":    ctx.ProducerID,
			})
		},
		OnOutcome: func(ctx SessionContext, state tracker.State, err error) {
			fields := logging.LogFields{
				"correlation_id": ctx.CorrelationID,
				"state":          state.String(),
				"duration_ms":    time.Since(ctx.OpenedAt).Milliseconds(),
			}
			if err != nil {
				logger.Error("Evaluation ended", err, fields)
				return
			}
			logger.Info("Evaluation ended", fields)
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for every evaluation that
// does not complete.
func AlertingHooks(alertFunc func(ctx SessionContext, err error)) SessionHooks {
	return SessionHooks{
		OnOutcome: func(ctx SessionContext, state tracker.State, err error) {
			if state != tracker.StateComplete {
				alertFunc(ctx, err)
			}
		},
	}
}
