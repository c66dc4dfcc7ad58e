package chttp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"
)

// Capability names the kind of connection a pool asks a socket factory for.
type Capability string

const (
	// CapabilityConn is a plain stream connection to the server.
	CapabilityConn Capability = "conn"

	// CapabilityDiagnostics is a connection that counts its traffic, see DiagnosticConn.
	CapabilityDiagnostics Capability = "diagnostics"
)

const (
	DefaultSocketFactory     = "default"
	RateLimitedSocketFactory = "ratelimited"
)

// SocketFactory creates the raw connections a Pool manages. Implementations
// must be safe for concurrent use.
type SocketFactory interface {
	// Supports reports whether the factory can create connections of the given capability.
	Supports(c Capability) bool

	// Create opens a new connection to the server described by cfg.
	Create(ctx context.Context, cfg *Config, c Capability) (net.Conn, error)
}

// SocketFactoryConstructor builds a factory from its parsed option map.
type SocketFactoryConstructor func(options map[string]string) (SocketFactory, error)

var socketFactories = xsync.NewMapOf[string, SocketFactoryConstructor]()

func init() {
	RegisterSocketFactory(DefaultSocketFactory, func(map[string]string) (SocketFactory, error) {
		return &dialerFactory{}, nil
	})
	RegisterSocketFactory(RateLimitedSocketFactory, newRateLimitedFactory)
}

// RegisterSocketFactory makes a socket factory available under name for the
// custom_socket_factory option. It panics if name is empty, ctor is nil or a
// factory is already registered under name.
func RegisterSocketFactory(name string, ctor SocketFactoryConstructor) {
	if name == "" {
		panic("chttp: RegisterSocketFactory with empty name")
	}
	if ctor == nil {
		panic("chttp: RegisterSocketFactory constructor is nil")
	}
	if _, loaded := socketFactories.LoadOrStore(name, ctor); loaded {
		panic("chttp: RegisterSocketFactory called twice for factory " + name)
	}
}

// LookupSocketFactory returns the constructor registered under name.
func LookupSocketFactory(name string) (SocketFactoryConstructor, bool) {
	return socketFactories.Load(name)
}

// newSocketFactory resolves the factory selected by cfg. Every failure is a
// ConfigurationError.
func newSocketFactory(cfg *Config) (SocketFactory, error) {
	name := cfg.CustomSocketFactory
	if name == "" {
		name = DefaultSocketFactory
	}
	ctor, ok := LookupSocketFactory(name)
	if !ok {
		return nil, configError(OptionCustomSocketFactory, "unknown socket factory %q", name)
	}
	options, err := ParseFactoryOptions(cfg.CustomSocketFactoryOptions)
	if err != nil {
		return nil, &ConfigurationError{Option: OptionCustomSocketFactoryOptions, Cause: err}
	}
	factory, err := ctor(options)
	if err != nil {
		return nil, &ConfigurationError{Option: OptionCustomSocketFactory, Cause: fmt.Errorf("%s: %w", name, err)}
	}
	if factory == nil {
		return nil, configError(OptionCustomSocketFactory, "%s: constructor returned no factory", name)
	}
	return factory, nil
}

// dialerFactory dials TCP with the configured connect timeout.
type dialerFactory struct{}

func (f *dialerFactory) Supports(c Capability) bool {
	return c == CapabilityConn || c == CapabilityDiagnostics
}

func (f *dialerFactory) Create(ctx context.Context, cfg *Config, c Capability) (net.Conn, error) {
	if !f.Supports(c) {
		return nil, fmt.Errorf("%w: capability %q not supported", ErrFactoryRefused, c)
	}
	d := net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if c == CapabilityDiagnostics {
		return &DiagnosticConn{Conn: conn}, nil
	}
	return conn, nil
}

// rateLimitedFactory throttles how fast new sockets are opened.
//
// Options: rate (sockets per second, default 10), burst (default 1) and wait
// (block until a token is available instead of refusing, default true).
type rateLimitedFactory struct {
	next    SocketFactory
	limiter *rate.Limiter
	wait    bool
}

func newRateLimitedFactory(options map[string]string) (SocketFactory, error) {
	perSecond := 10.0
	burst := 1
	wait := true
	var err error
	if v, ok := options["rate"]; ok {
		if perSecond, err = cast.ToFloat64E(v); err != nil || perSecond <= 0 {
			return nil, fmt.Errorf("invalid rate %q", v)
		}
	}
	if v, ok := options["burst"]; ok {
		if burst, err = cast.ToIntE(v); err != nil || burst <= 0 {
			return nil, fmt.Errorf("invalid burst %q", v)
		}
	}
	if v, ok := options["wait"]; ok {
		if wait, err = cast.ToBoolE(v); err != nil {
			return nil, fmt.Errorf("invalid wait %q: %w", v, err)
		}
	}
	return &rateLimitedFactory{
		next:    &dialerFactory{},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		wait:    wait,
	}, nil
}

func (f *rateLimitedFactory) Supports(c Capability) bool {
	return f.next.Supports(c)
}

func (f *rateLimitedFactory) Create(ctx context.Context, cfg *Config, c Capability) (net.Conn, error) {
	if f.wait {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The limiter gives up early when the deadline cannot be met.
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	} else if !f.limiter.Allow() {
		return nil, fmt.Errorf("%w: socket creation rate exceeded", ErrFactoryRefused)
	}
	return f.next.Create(ctx, cfg, c)
}

// DiagnosticConn counts the traffic of the connection it wraps.
type DiagnosticConn struct {
	net.Conn

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	reads        atomic.Uint64
	writes       atomic.Uint64
}

// DiagnosticStats is a snapshot of a DiagnosticConn's counters.
type DiagnosticStats struct {
	BytesRead    uint64
	BytesWritten uint64
	Reads        uint64
	Writes       uint64
}

func (d *DiagnosticConn) Read(p []byte) (int, error) {
	n, err := d.Conn.Read(p)
	d.reads.Add(1)
	d.bytesRead.Add(uint64(n))
	return n, err
}

func (d *DiagnosticConn) Write(p []byte) (int, error) {
	n, err := d.Conn.Write(p)
	d.writes.Add(1)
	d.bytesWritten.Add(uint64(n))
	return n, err
}

func (d *DiagnosticConn) Stats() DiagnosticStats {
	return DiagnosticStats{
		BytesRead:    d.bytesRead.Load(),
		BytesWritten: d.bytesWritten.Load(),
		Reads:        d.reads.Load(),
		Writes:       d.writes.Load(),
	}
}
