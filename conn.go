package chttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethanyzhang/chttp/utils"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnInUse
	ConnValidating
	ConnClosed
)

var connStateNames = utils.NewBiMap(map[ConnState]string{
	ConnIdle:       "idle",
	ConnInUse:      "in-use",
	ConnValidating: "validating",
	ConnClosed:     "closed",
})

func (s ConnState) String() string {
	if name, ok := connStateNames.Lookup(s); ok {
		return name
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

const (
	connBufferSize = 32 * 1024
	probeTimeout   = time.Millisecond
)

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is one connection owned by a Pool. A Conn in the in-use state belongs
// to exactly one caller; state and timestamps are guarded by the pool mutex.
type Conn struct {
	id      uint64
	pool    *Pool
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer

	createdAt    time.Time
	lastReleased time.Time
	state        ConnState
	reused       bool

	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func newConn(id uint64, pool *Pool, nc net.Conn, now time.Time) *Conn {
	return &Conn{
		id:           id,
		pool:         pool,
		netConn:      nc,
		br:           bufio.NewReaderSize(nc, connBufferSize),
		bw:           bufio.NewWriterSize(nc, connBufferSize),
		createdAt:    now,
		lastReleased: now,
		state:        ConnInUse,
	}
}

// ID returns the pool-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Reused reports whether the connection served an earlier request.
func (c *Conn) Reused() bool { return c.reused }

// NetConn returns the underlying connection, e.g. a *DiagnosticConn.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// interrupt unblocks any pending read or write. The connection can not be
// reused afterwards.
func (c *Conn) interrupt() {
	c.interrupted.Store(true)
	_ = c.netConn.SetDeadline(aLongTimeAgo)
}

func (c *Conn) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}

// probe checks that an idle connection is still usable. In socket mode it
// peeks with a tiny deadline: a timeout means the peer is silent and the
// connection alive, while EOF, a reset or unsolicited bytes mean it is stale.
// In ping mode a GET /ping round trip follows.
func (c *Conn) probe(ctx context.Context, cfg *Config) error {
	if err := c.checkSocket(); err != nil {
		return &ValidationError{ConnID: c.id, Cause: err}
	}
	if cfg.ValidationMode != ValidatePing {
		return nil
	}
	if err := c.ping(ctx, cfg); err != nil {
		return &ValidationError{ConnID: c.id, Cause: err}
	}
	return nil
}

func (c *Conn) checkSocket() error {
	if c.br.Buffered() > 0 {
		return errors.New("unexpected data on idle connection")
	}
	if err := c.netConn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return err
	}
	_, err := c.br.Peek(1)
	if resetErr := c.netConn.SetReadDeadline(time.Time{}); resetErr != nil {
		return resetErr
	}
	if err == nil {
		return errors.New("unexpected data on idle connection")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func (c *Conn) ping(ctx context.Context, cfg *Config) (err error) {
	req, err := http.NewRequest(http.MethodGet, cfg.Endpoint.JoinPath("ping").String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	stop := context.AfterFunc(ctx, c.interrupt)
	defer func() {
		// A false stop means interrupt already ran or is running.
		if !stop() && err == nil {
			err = ctx.Err()
		}
	}()

	if cfg.SocketTimeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(cfg.SocketTimeout))
		defer c.netConn.SetDeadline(time.Time{})
	}
	if err = req.Write(c.bw); err != nil {
		return err
	}
	if err = c.bw.Flush(); err != nil {
		return err
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK || string(body) != cfg.DefaultResponse {
		return fmt.Errorf("unexpected ping response %d %q", resp.StatusCode, body)
	}
	if resp.Close {
		return errors.New("server closed the connection after ping")
	}
	return nil
}
