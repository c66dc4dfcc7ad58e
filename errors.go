package chttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrPoolClosed is returned by Acquire after the pool has been closed.
	ErrPoolClosed = errors.New("chttp: connection pool is closed")

	// ErrPoolTimeout is returned when no connection became available within
	// the configured connection request timeout.
	ErrPoolTimeout = errors.New("chttp: timed out waiting for a pooled connection")

	// ErrFactoryRefused is wrapped by socket factories that decline to create
	// a connection, for example a factory that only ever hands out one socket.
	ErrFactoryRefused = errors.New("chttp: socket factory refused to create a connection")

	errBodyClosed = errors.New("chttp: read on closed response body")
)

// NetworkError reports a transport level failure: a refused dial, a reset
// connection, or a response that ended before its head could be read.
type NetworkError struct {
	// Op is the step that failed: "dial", "write", "read" or "probe".
	Op string

	// Retryable is set when the failure happened before the server could have
	// produced a response, so repeating the request on a fresh connection is safe.
	Retryable bool

	// Cause is the underlying error.
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("chttp: network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// ValidationError is produced when a probe finds a pooled connection stale.
// It is handled inside the pool and only surfaces in logs and metrics.
type ValidationError struct {
	ConnID uint64
	Cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chttp: connection %d failed validation: %v", e.ConnID, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ConfigurationError reports an invalid option, an unknown socket factory or
// a factory that rejected its options. It is never retried.
type ConfigurationError struct {
	Option string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("chttp: configuration error: %v", e.Cause)
	}
	return fmt.Sprintf("chttp: invalid option %q: %v", e.Option, e.Cause)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// ServerError is an exception reported by the database server in a non-200
// response.
type ServerError struct {
	// StatusCode is the HTTP status of the response
	StatusCode int

	// Code is the server exception code, 0 when the server did not send one
	Code int

	// Message is the error text from the response body
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("chttp: server exception %d (status code: %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chttp: server error (status code: %d): %s", e.StatusCode, e.Message)
}

func configError(option string, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Option: option, Cause: fmt.Errorf(format, args...)}
}

// classifyNetError wraps a transport error into a NetworkError and decides
// whether it may be retried. Context cancellation and deadlines are returned
// unchanged, and read timeouts are surfaced without retry.
func classifyNetError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &NetworkError{Op: op, Retryable: isRetryableNetError(err), Cause: err}
}

// isRetryableNetError returns true for failures that mean the connection was
// dead before the request reached the server.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRetryable reports whether err is a NetworkError that allows one more
// attempt on a fresh connection.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Retryable
}

// isFactoryRefusal reports whether a socket factory error means the factory
// will not produce a socket, as opposed to a failed dial.
func isFactoryRefusal(err error) bool {
	if errors.Is(err, ErrFactoryRefused) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	return !isRetryableNetError(err)
}
