package chttp

import (
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	drainLimit   = 256 << 10
	drainTimeout = 100 * time.Millisecond
	maxErrorBody = 1 << 20
)

// Response is a successful query response. Body streams the result and must
// be closed; closing it hands the connection back to the pool.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	Summary  Summary
	Progress Summary

	QueryID           string
	Format            string
	TimeZone          string
	ServerDisplayName string

	// Attempts is 2 when the request was retried on a fresh connection
	Attempts int
}

// Close closes the body.
func (r *Response) Close() error {
	return r.Body.Close()
}

// responseBody ties a response body to the connection it is read from.
type responseBody struct {
	rc       io.ReadCloser
	conn     *Conn
	pool     *Pool
	stop     func() bool
	timeout  time.Duration
	reusable bool

	mu       sync.Mutex
	eof      bool
	closed   bool
	closeErr error
}

func (b *responseBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errBodyClosed
	}
	if b.timeout > 0 {
		_ = b.conn.netConn.SetReadDeadline(time.Now().Add(b.timeout))
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.eof = true
	} else if err != nil {
		err = classifyNetError("read", err)
		if netErr, ok := err.(*NetworkError); ok {
			// The server has started answering; repeating is not safe now.
			netErr.Retryable = false
		}
	}
	return n, err
}

// Close drains what is left of the body, within bounds, and releases the
// connection. It is healthy only if the body was read to its end.
func (b *responseBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.closeErr
	}
	b.closed = true
	if !b.stop() {
		// The context fired; interrupt may still be running on this socket.
		b.reusable = false
	}

	nc := b.conn.netConn
	if !b.eof && b.reusable && !b.conn.interrupted.Load() {
		_ = nc.SetReadDeadline(time.Now().Add(drainTimeout))
		if _, err := io.CopyN(io.Discard, b.rc, drainLimit); err == io.EOF {
			b.eof = true
		}
	}
	healthy := b.eof && b.reusable && !b.conn.interrupted.Load()
	if !healthy {
		// Keep the http body from draining an unbounded remainder.
		_ = nc.SetDeadline(aLongTimeAgo)
	}
	_ = b.rc.Close()
	if healthy {
		_ = nc.SetDeadline(time.Time{})
	}
	b.pool.Release(b.conn, healthy)
	return nil
}
