package pool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/metrics"
	"github.com/drblury/evalflow/transport"
)

// ProbeBackOff returns the delay policy between connectivity attempts.
// Tests override it to avoid real waits.
var ProbeBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	return b
}

// ProbeOption customises CheckConnectivity.
type ProbeOption func(*probeOptions)

type probeOptions struct {
	logger  logging.ServiceLogger
	metrics *metrics.Collectors
}

// ProbeWithLogger logs every failed attempt and the final outcome to logger.
func ProbeWithLogger(logger logging.ServiceLogger) ProbeOption {
	return func(o *probeOptions) { o.logger = logger }
}

// ProbeWithMetrics counts attempts by result on m. A nil m records nothing.
func ProbeWithMetrics(m *metrics.Collectors) ProbeOption {
	return func(o *probeOptions) { o.metrics = m }
}

// CheckConnectivity opens a throwaway connection to the broker described by
// cfg, verifies it and closes it, independently of any pool. maxAttempts is
// the number of retries after the first attempt, so 0 means exactly one
// attempt. When every attempt fails it returns a *errors.BrokerUnreachableError
// carrying the last transport error.
func CheckConnectivity(ctx context.Context, cfg transport.Config, reg *transport.Registry, maxAttempts int, opts ...ProbeOption) error {
	if cfg == nil {
		return errspkg.ErrConfigRequired
	}
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	o := probeOptions{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(logging.LogFields{"transport": cfg.GetTransport(), "max_attempts": maxAttempts})

	attempts := 0
	probe := func() (struct{}, error) {
		attempts++
		err := reg.Probe(ctx, cfg)
		o.metrics.ProbeAttempt(cfg.GetTransport(), err)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, transport.ErrUnknownTransport) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(ProbeBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("Broker probe failed, retrying", logging.LogFields{
				"attempt": attempts, "retry_in": next.String(), "error": err.Error(),
			})
		}),
	)
	if err == nil {
		logger.Info("Broker reachable", logging.LogFields{"attempts": attempts})
		return nil
	}
	if errors.Is(err, transport.ErrUnknownTransport) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	unreachable := &errspkg.BrokerUnreachableError{
		Transport: cfg.GetTransport(),
		Address:   cfg.GetAddress(),
		Attempts:  attempts,
		Err:       err,
	}
	logger.Error("Broker unreachable", err, logging.LogFields{"attempts": attempts})
	return unreachable
}
