package chttp

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxAttempts bounds transparent recovery to a single retry.
const maxAttempts = 2

type execState int

const (
	stateStart execState = iota
	stateAcquire
	stateSend
	stateAwaitResponse
	stateNetworkFailure
	stateRetryOnce
	stateSuccess
)

// Executor sends requests over pooled connections.
type Executor struct {
	cfg     *Config
	pool    *Pool
	metrics *clientMetrics
}

// NewExecutor returns an executor sending requests for cfg over pool.
func NewExecutor(cfg *Config, pool *Pool, m *clientMetrics) *Executor {
	if m == nil {
		m = pool.metrics
	}
	return &Executor{cfg: cfg, pool: pool, metrics: m}
}

func (e *Executor) keepAlive() bool {
	return e.cfg.KeepAlive && e.cfg.ConnectionProvider == ProviderPooled
}

// Execute sends r and returns once the response head has been read. A
// network failure that happens before the head arrives (a stale pooled
// connection, a reset, an empty response, a refused dial) is retried exactly
// once on a freshly acquired connection. Cancellation and timeouts are not
// retried. Non-200 responses are returned as *ServerError.
func (e *Executor) Execute(ctx context.Context, r *Request) (*Response, error) {
	var (
		state   = stateStart
		attempt int
		op      string
		conn    *Conn
		stop    func() bool
		httpReq *http.Request
		resp    *http.Response
		err     error
		start   = time.Now()
	)

	for {
		switch state {
		case stateStart:
			e.metrics.requests.Inc()
			state = stateAcquire

		case stateAcquire:
			attempt++
			op = "dial"
			conn, err = e.pool.Acquire(ctx)
			if err != nil {
				if !IsRetryable(err) {
					return nil, err
				}
				state = stateNetworkFailure
				continue
			}
			stop = context.AfterFunc(ctx, conn.interrupt)
			state = stateSend

		case stateSend:
			op = "write"
			httpReq, err = e.send(ctx, conn, r)
			if err != nil {
				state = stateNetworkFailure
				continue
			}
			state = stateAwaitResponse

		case stateAwaitResponse:
			op = "read"
			if e.cfg.SocketTimeout > 0 {
				_ = conn.netConn.SetReadDeadline(time.Now().Add(e.cfg.SocketTimeout))
			}
			resp, err = http.ReadResponse(conn.br, httpReq)
			if err != nil {
				state = stateNetworkFailure
				continue
			}
			state = stateSuccess

		case stateNetworkFailure:
			if conn != nil {
				stop()
				e.pool.Release(conn, false)
				conn = nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			err = classifyNetError(op, err)
			e.metrics.networkErrors.Inc()
			if IsRetryable(err) && attempt < maxAttempts {
				log.Debug().Err(err).Int("attempt", attempt).Str("op", op).Msg("retrying on connection error")
				state = stateRetryOnce
				continue
			}
			return nil, err

		case stateRetryOnce:
			e.metrics.retries.Inc()
			state = stateAcquire

		case stateSuccess:
			e.metrics.requestSeconds.UpdateDuration(start)
			return e.respond(r, conn, stop, resp, attempt)
		}
	}
}

func (e *Executor) send(ctx context.Context, conn *Conn, r *Request) (*http.Request, error) {
	req, err := r.httpRequest(ctx, e.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	req.Close = !e.keepAlive()
	if e.cfg.SocketTimeout > 0 {
		_ = conn.netConn.SetWriteDeadline(time.Now().Add(e.cfg.SocketTimeout))
	}
	if err = req.Write(conn.bw); err != nil {
		return nil, err
	}
	if err = conn.bw.Flush(); err != nil {
		return nil, err
	}
	return req, nil
}

func (e *Executor) respond(r *Request, conn *Conn, stop func() bool, resp *http.Response, attempt int) (*Response, error) {
	body := &responseBody{
		rc:       resp.Body,
		conn:     conn,
		pool:     e.pool,
		stop:     stop,
		timeout:  e.cfg.SocketTimeout,
		reusable: e.keepAlive() && !resp.Close,
	}

	if resp.StatusCode != http.StatusOK {
		data, readErr := io.ReadAll(io.LimitReader(body, maxErrorBody))
		_ = body.Close()
		e.metrics.serverErrors.Inc()
		if readErr != nil && len(data) == 0 {
			return nil, readErr
		}
		return nil, newServerError(resp, data)
	}

	queryID := resp.Header.Get(QueryIDHeader)
	if queryID == "" {
		queryID = r.queryID
	}
	return &Response{
		StatusCode:        resp.StatusCode,
		Header:            resp.Header,
		Body:              body,
		Summary:           ParseSummary(resp.Header),
		Progress:          ParseProgress(resp.Header),
		QueryID:           queryID,
		Format:            resp.Header.Get(FormatHeader),
		TimeZone:          resp.Header.Get(TimeZoneHeader),
		ServerDisplayName: resp.Header.Get(ServerDisplayNameHeader),
		Attempts:          attempt,
	}, nil
}

var exceptionCodePattern = regexp.MustCompile(`^Code: (\d+)\.`)

func newServerError(resp *http.Response, body []byte) *ServerError {
	msg := strings.TrimSpace(string(body))
	se := &ServerError{StatusCode: resp.StatusCode, Message: msg}
	if code, err := strconv.Atoi(resp.Header.Get(ExceptionCodeHeader)); err == nil {
		se.Code = code
	} else if m := exceptionCodePattern.FindStringSubmatch(msg); m != nil {
		se.Code, _ = strconv.Atoi(m[1])
	}
	return se
}
