// Package pool leases broker connections to evaluation sessions. At most
// broker.pool.maxSize connections are leased at once; callers beyond the
// bound wait until a connection is released or their timeout expires.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/evalflow/internal/runtime/config"
	"github.com/drblury/evalflow/internal/runtime/destination"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/ids"
	"github.com/drblury/evalflow/internal/runtime/logging"
	"github.com/drblury/evalflow/internal/runtime/metrics"
	"github.com/drblury/evalflow/transport"
)

// State of a pooled connection.
type State int

const (
	StateIdle State = iota
	StateLeased
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option customises a Pool.
type Option func(*Pool)

// WithMetrics records pool activity on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Stats is a snapshot of the pool.
type Stats struct {
	MaxSize   int
	Idle      int
	Leased    int
	Created   uint64
	Destroyed uint64
}

// Pool owns every connection it creates. Callers change a connection's state
// only through Acquire and Release.
type Pool struct {
	cfg     *config.Config
	build   transport.Builder
	logger  logging.ServiceLogger
	metrics *metrics.Collectors
	now     func() time.Time
	sem     *semaphore.Weighted

	mu        sync.Mutex
	idle      []*Conn
	leased    map[*Conn]struct{}
	closed    bool
	created   uint64
	destroyed uint64
}

// New creates an empty pool. Connections are built lazily with build.
func New(cfg *config.Config, build transport.Builder, logger logging.ServiceLogger, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if build == nil {
		return nil, errors.New("evalflow: transport builder is required")
	}
	if cfg.PoolMaxSize < 1 {
		return nil, fmt.Errorf("evalflow: pool max size must be at least 1, got %d", cfg.PoolMaxSize)
	}

	p := &Pool{
		cfg:    cfg,
		build:  build,
		logger: logger.With(logging.LogFields{"component": "pool", "transport": cfg.Transport}),
		now:    time.Now,
		sem:    semaphore.NewWeighted(int64(cfg.PoolMaxSize)),
		leased: make(map[*Conn]struct{}, cfg.PoolMaxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire leases a connection: an idle one if available, else a new one while
// under the bound. Otherwise it waits up to timeout (the configured acquire
// timeout when timeout <= 0) and fails with a *errors.PoolExhaustedError.
// Cancellation of ctx returns ctx.Err().
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = p.cfg.PoolAcquireTimeout
	}
	if p.isClosed() {
		return nil, errspkg.ErrPoolClosed
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.now()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		waited := p.now().Sub(start)
		p.metrics.AcquireWaited(waited, true)
		p.logger.Debug("Connection pool exhausted", logging.LogFields{"max_size": p.cfg.PoolMaxSize, "waited": waited.String()})
		return nil, &errspkg.PoolExhaustedError{MaxSize: p.cfg.PoolMaxSize, Waited: waited}
	}
	p.metrics.AcquireWaited(p.now().Sub(start), false)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errspkg.ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leaseLocked(conn)
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		p.destroy(conn)
		return nil, errspkg.ErrPoolClosed
	}
	p.created++
	p.leaseLocked(conn)
	p.mu.Unlock()
	p.metrics.ConnectionCreated()
	return conn, nil
}

func (p *Pool) open(ctx context.Context) (*Conn, error) {
	tr, err := p.build(ctx, p.cfg, logging.NewWatermillAdapter(p.logger))
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", p.cfg.Transport, err)
	}
	now := p.now()
	conn := &Conn{
		pool:          p,
		id:            ids.CreateULID(),
		transport:     tr,
		createdAt:     now,
		lastValidated: now,
	}
	p.logger.Debug("Connection opened", logging.LogFields{"connection_id": conn.id})
	return conn, nil
}

func (p *Pool) leaseLocked(conn *Conn) {
	conn.state = StateLeased
	p.leased[conn] = struct{}{}
	p.metrics.PoolState(len(p.leased), len(p.idle))
}

// Release returns conn to the pool. A connection that failed an operation,
// or one released after Close, is destroyed instead.
func (p *Pool) Release(conn *Conn) error {
	if conn == nil || conn.pool != p {
		return errspkg.ErrConnectionNotLeased
	}

	p.mu.Lock()
	if _, ok := p.leased[conn]; !ok {
		p.mu.Unlock()
		return errspkg.ErrConnectionNotLeased
	}
	delete(p.leased, conn)

	if conn.failed.Load() || p.closed {
		conn.state = StateInvalid
		p.destroyed++
		p.metrics.PoolState(len(p.leased), len(p.idle))
		p.mu.Unlock()
		p.sem.Release(1)
		return p.destroy(conn)
	}

	conn.state = StateIdle
	conn.lastValidated = p.now()
	p.idle = append(p.idle, conn)
	p.metrics.PoolState(len(p.leased), len(p.idle))
	p.mu.Unlock()
	p.sem.Release(1)
	return nil
}

func (p *Pool) destroy(conn *Conn) error {
	p.metrics.ConnectionDestroyed()
	if err := conn.transport.Close(); err != nil {
		p.logger.Error("Closing connection failed", err, logging.LogFields{"connection_id": conn.id})
		return fmt.Errorf("close connection %s: %w", conn.id, err)
	}
	p.logger.Debug("Connection closed", logging.LogFields{"connection_id": conn.id})
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:   p.cfg.PoolMaxSize,
		Idle:      len(p.idle),
		Leased:    len(p.leased),
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close destroys idle connections and rejects further acquisitions. Leased
// connections are destroyed when released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.destroyed += uint64(len(idle))
	for _, conn := range idle {
		conn.state = StateInvalid
	}
	p.metrics.PoolState(len(p.leased), 0)
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := p.destroy(conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conn is a pooled broker connection. It is used by one lessee at a time.
type Conn struct {
	pool      *Pool
	id        string
	transport transport.Transport
	createdAt time.Time

	// guarded by pool.mu
	state         State
	lastValidated time.Time

	failed atomic.Bool
}

// ID returns the connection's ULID.
func (c *Conn) ID() string { return c.id }

// State returns the connection's place in the pool lifecycle.
func (c *Conn) State() State {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// CreatedAt is when the connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastValidated is the last time the connection was known to be healthy.
func (c *Conn) LastValidated() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.lastValidated
}

// Publish sends msgs to dest. A failure marks the connection for destruction
// on release.
func (c *Conn) Publish(dest destination.Destination, msgs ...*message.Message) error {
	if err := c.transport.PublisherFor(dest.IsQueue()).Publish(dest.Physical, msgs...); err != nil {
		c.MarkFailed()
		return fmt.Errorf("publish to %s: %w", dest, err)
	}
	return nil
}

// Subscribe consumes dest until ctx is cancelled. A failure marks the
// connection for destruction on release.
func (c *Conn) Subscribe(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error) {
	ch, err := c.transport.SubscriberFor(dest.IsQueue()).Subscribe(ctx, dest.Physical)
	if err != nil {
		c.MarkFailed()
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}
	return ch, nil
}

// MarkFailed flags the connection as invalid. The pool destroys it on release.
func (c *Conn) MarkFailed() { c.failed.Store(true) }

// Failed reports whether MarkFailed was called.
func (c *Conn) Failed() bool { return c.failed.Load() }
