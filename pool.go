package chttp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// nowFunc returns the current time; tests override it to age connections.
var nowFunc = time.Now

// PoolStats is a snapshot of a pool's occupancy and counters.
type PoolStats struct {
	MaxOpen int

	// Open counts idle, in-use, validating and being-created connections
	Open  int
	Idle  int
	InUse int

	Created     uint64
	Validations uint64
	Evictions   uint64

	WaitCount    uint64
	WaitDuration time.Duration
}

// Pool is a bounded set of reusable connections to one server.
//
// Every caller holding a connection, or about to create one, holds one permit
// of sem, so callers block once MaxOpenConnections are in use. Idle
// connections hold no permit. mu guards idle, numOpen and each Conn's state;
// it is never held while dialing, probing or doing I/O.
type Pool struct {
	cfg     *Config
	factory SocketFactory
	cap     Capability
	metrics *clientMetrics
	sem     *semaphore.Weighted

	mu      sync.Mutex
	idle    []*Conn // least recently released first
	numOpen int
	nextID  uint64
	closed  bool

	created      atomic.Uint64
	validations  atomic.Uint64
	evictions    atomic.Uint64
	waitCount    atomic.Uint64
	waitDuration atomic.Int64
}

// NewPool creates an empty pool. Connections are created lazily on Acquire.
func NewPool(cfg *Config, factory SocketFactory, m *clientMetrics) *Pool {
	if m == nil {
		m = newClientMetrics()
	}
	capability := CapabilityConn
	if cfg.SocketDiagnostics && factory.Supports(CapabilityDiagnostics) {
		capability = CapabilityDiagnostics
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		cap:     capability,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxOpenConnections)),
	}
}

// Acquire returns a connection for exclusive use. It hands out the least
// recently released idle connection, probing it first when it has been idle
// longer than ValidateAfterInactivity, or creates a new one while the pool is
// below capacity. At capacity it blocks until a connection is released, the
// context is done or ConnectionRequestTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}
	p.metrics.acquires.Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if len(p.idle) == 0 {
		p.numOpen++
		p.nextID++
		id := p.nextID
		p.mu.Unlock()
		return p.create(ctx, id)
	}

	c := p.idle[0]
	copy(p.idle, p.idle[1:])
	p.idle[len(p.idle)-1] = nil
	p.idle = p.idle[:len(p.idle)-1]

	if !ShouldValidate(c, nowFunc(), p.cfg.ValidateAfterInactivity) {
		c.state = ConnInUse
		c.reused = true
		p.mu.Unlock()
		return c, nil
	}

	c.state = ConnValidating
	p.mu.Unlock()

	p.validations.Add(1)
	p.metrics.validations.Inc()
	err := c.probe(ctx, p.cfg)

	p.mu.Lock()
	if err == nil && !c.interrupted.Load() {
		c.state = ConnInUse
		c.reused = true
		c.lastReleased = nowFunc()
		p.mu.Unlock()
		return c, nil
	}

	// Evict and replace. The slot and the permit move to the new connection.
	c.state = ConnClosed
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	_ = c.close()
	p.evictions.Add(1)
	p.metrics.evictions.Inc()
	log.Debug().Err(err).Uint64("conn", c.id).Msg("evicted stale connection")

	if ctxErr := ctx.Err(); ctxErr != nil {
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ctxErr
	}
	return p.create(ctx, id)
}

// reserve takes one permit, waiting at most ConnectionRequestTimeout when set.
func (p *Pool) reserve(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}
	if p.sem.TryAcquire(1) {
		p.metrics.acquireWait.Update(0)
		return nil
	}

	p.waitCount.Add(1)
	p.metrics.acquireWaits.Inc()
	start := nowFunc()
	waitCtx := ctx
	if p.cfg.ConnectionRequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionRequestTimeout)
		defer cancel()
	}
	err := p.sem.Acquire(waitCtx, 1)
	waited := nowFunc().Sub(start)
	p.waitDuration.Add(int64(waited))
	p.metrics.acquireWait.Update(waited.Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrPoolTimeout
	}
	return nil
}

// create dials a new connection. The caller holds a permit and has already
// counted the connection in numOpen; both are given back on failure.
func (p *Pool) create(ctx context.Context, id uint64) (*Conn, error) {
	nc, err := p.factory.Create(ctx, p.cfg, p.cap)
	if err != nil {
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		p.sem.Release(1)
		if isFactoryRefusal(err) {
			return nil, &ConfigurationError{Option: OptionCustomSocketFactory, Cause: err}
		}
		return nil, classifyNetError("dial", err)
	}
	p.created.Add(1)
	p.metrics.created.Inc()
	log.Debug().Uint64("conn", id).Str("addr", p.cfg.Address()).Msg("opened connection")
	return newConn(id, p, nc, nowFunc()), nil
}

// Release returns a connection to the pool. Healthy connections become idle
// and reusable; anything else is closed and its slot freed. Releasing a
// connection that is not in use is ignored.
func (p *Pool) Release(c *Conn, healthy bool) {
	p.mu.Lock()
	if c.pool != p || c.state != ConnInUse {
		state := c.state
		p.mu.Unlock()
		log.Warn().Uint64("conn", c.id).Stringer("state", state).Msg("release of connection that is not in use")
		return
	}
	c.lastReleased = nowFunc()
	if healthy && !p.closed && !c.interrupted.Load() {
		c.state = ConnIdle
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	c.state = ConnClosed
	p.numOpen--
	p.mu.Unlock()
	p.sem.Release(1)
	if err := c.close(); err != nil {
		log.Debug().Err(err).Uint64("conn", c.id).Msg("failed to close connection")
	}
}

// Close closes every idle connection and rejects further acquisitions.
// Connections still in use are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	for _, c := range idle {
		c.state = ConnClosed
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	open, idle := p.numOpen, len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		MaxOpen:      p.cfg.MaxOpenConnections,
		Open:         open,
		Idle:         idle,
		InUse:        open - idle,
		Created:      p.created.Load(),
		Validations:  p.validations.Load(),
		Evictions:    p.evictions.Load(),
		WaitCount:    p.waitCount.Load(),
		WaitDuration: time.Duration(p.waitDuration.Load()),
	}
}
