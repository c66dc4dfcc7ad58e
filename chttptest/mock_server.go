package chttptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Fault is a transport failure the mock injects instead of answering.
type Fault int

const (
	// FaultNone answers normally.
	FaultNone Fault = iota
	// FaultEmptyResponse closes the connection without writing anything.
	FaultEmptyResponse
	// FaultTruncatedBody sends a response head promising more body than it
	// writes, then closes the connection.
	FaultTruncatedBody
)

// DefaultPingResponse is what GET /ping answers unless overridden.
const DefaultPingResponse = "Ok.\n"

// QueryTemplate defines the canned answer for a specific SQL string.
type QueryTemplate struct {
	SQL           string            // The SQL query string used for template matching.
	Body          string            // Response body sent on success.
	Summary       map[string]string // Encoded into X-ClickHouse-Summary.
	Progress      []map[string]string
	StatusCode    int           // Defaults to 200.
	ExceptionCode int           // Sent as X-ClickHouse-Exception-Code and in the body on errors.
	Fault         Fault         // Optional transport failure.
	FaultTimes    int           // How many requests get the fault; 0 means all of them.
	Latency       time.Duration // Delay before the response head is written.

	served atomic.Int64
}

// RecordedRequest is what the mock saw of one query request.
type RecordedRequest struct {
	Method string
	Path   string
	Params url.Values
	Header http.Header
	Body   string
}

// MockServer simulates a database HTTP interface for integration testing.
// It listens on a fixed local address which survives Stop and Start, so
// clients holding pooled connections observe a real restart.
type MockServer struct {
	addr    string
	handler http.Handler

	mu           sync.RWMutex
	server       *httptest.Server
	templates    map[string]*QueryTemplate
	requests     []RecordedRequest
	pingResponse string

	connections atomic.Int64
	active      atomic.Int64
	peak        atomic.Int64
}

// NewMockServer starts a mock server on a random local port.
func NewMockServer() *MockServer {
	m := &MockServer{
		templates:    make(map[string]*QueryTemplate),
		pingResponse: DefaultPingResponse,
	}

	mux := http.NewServeMux()

	// GET /ping: liveness probe.
	mux.HandleFunc("GET /ping", m.handlePing)

	// POST /: query with the SQL text as body.
	mux.HandleFunc("POST /{$}", m.handleQuery)

	m.handler = mux
	m.server = m.newServer(nil)
	m.addr = m.server.Listener.Addr().String()
	return m
}

func (m *MockServer) newServer(l net.Listener) *httptest.Server {
	s := httptest.NewUnstartedServer(m.handler)
	if l != nil {
		_ = s.Listener.Close()
		s.Listener = l
	}
	s.Config.ConnState = m.trackConn
	s.Start()
	return s
}

func (m *MockServer) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		m.connections.Add(1)
		n := m.active.Add(1)
		for {
			peak := m.peak.Load()
			if n <= peak || m.peak.CompareAndSwap(peak, n) {
				break
			}
		}
	case http.StateClosed, http.StateHijacked:
		m.active.Add(-1)
	}
}

// AddQuery registers a SQL template.
func (m *MockServer) AddQuery(tmpl *QueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[strings.TrimSpace(tmpl.SQL)] = tmpl
}

// SetPingResponse overrides the body of GET /ping.
func (m *MockServer) SetPingResponse(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingResponse = body
}

// --- Lifecycle ---

// Stop shuts the server down and closes every connection to it. The address
// stays reserved for Start.
func (m *MockServer) Stop() {
	m.mu.Lock()
	s := m.server
	m.server = nil
	m.mu.Unlock()
	if s != nil {
		s.CloseClientConnections()
		s.Close()
	}
}

// Start listens again on the address used before Stop.
func (m *MockServer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return nil
	}
	l, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.addr, err)
	}
	m.server = m.newServer(l)
	return nil
}

// Restart stops and starts the server.
func (m *MockServer) Restart() error {
	m.Stop()
	return m.Start()
}

// Close shuts down the mock server.
func (m *MockServer) Close() { m.Stop() }

// URL returns the base URL of the mock server.
func (m *MockServer) URL() string { return "http://" + m.addr + "/" }

// Addr returns the host:port the mock listens on.
func (m *MockServer) Addr() string { return m.addr }

// Connections returns how many connections were accepted so far.
func (m *MockServer) Connections() int64 { return m.connections.Load() }

// PeakConnections returns the highest number of simultaneously open connections.
func (m *MockServer) PeakConnections() int64 { return m.peak.Load() }

// Requests returns a copy of the recorded query requests.
func (m *MockServer) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// LastRequest returns the most recent query request.
func (m *MockServer) LastRequest() (RecordedRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// --- Request Handlers ---

func (m *MockServer) handlePing(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	body := m.pingResponse
	m.mu.RUnlock()
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	_, _ = io.WriteString(w, body)
}

func (m *MockServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	sql := strings.TrimSpace(string(body))

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Params: r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	tmpl, exists := m.templates[sql]
	m.mu.Unlock()

	if !exists {
		tmpl = &QueryTemplate{
			SQL:  sql,
			Body: "Query template not found; default success\n",
		}
	}

	if tmpl.Fault != FaultNone {
		n := tmpl.served.Add(1)
		if tmpl.FaultTimes == 0 || n <= int64(tmpl.FaultTimes) {
			injectFault(w, tmpl.Fault)
			return
		}
	}

	if tmpl.Latency > 0 {
		time.Sleep(tmpl.Latency)
	}

	h := w.Header()
	if id := r.URL.Query().Get("query_id"); id != "" {
		h.Set("X-ClickHouse-Query-Id", id)
	}
	h.Set("X-ClickHouse-Format", "TabSeparated")
	h.Set("X-ClickHouse-Timezone", "UTC")
	h.Set("X-ClickHouse-Server-Display-Name", "chttptest")
	if r.URL.Query().Get("send_progress_in_http_headers") == "1" {
		for _, p := range tmpl.Progress {
			h.Add("X-ClickHouse-Progress", encodeCounters(p))
		}
	}
	if tmpl.Summary != nil {
		h.Set("X-ClickHouse-Summary", encodeCounters(tmpl.Summary))
	}

	status := tmpl.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		if tmpl.ExceptionCode != 0 {
			h.Set("X-ClickHouse-Exception-Code", fmt.Sprint(tmpl.ExceptionCode))
		}
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, "Code: %d. DB::Exception: %s", tmpl.ExceptionCode, tmpl.Body)
		return
	}
	h.Set("Content-Type", "text/tab-separated-values; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, tmpl.Body)
}

func injectFault(w http.ResponseWriter, fault Fault) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("chttptest: response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	if fault == FaultTruncatedBody {
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
		_ = buf.Flush()
	}
}

func encodeCounters(c map[string]string) string {
	b, _ := json.Marshal(c)
	return string(b)
}
