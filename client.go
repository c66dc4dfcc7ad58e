package chttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// Request parameters understood by the server.
const (
	DatabaseParam         = "database"
	RoleParam             = "role"
	QueryIDParam          = "query_id"
	SendProgressParam     = "send_progress_in_http_headers"
	ClientIDRefererHeader = "Referer"
)

// Session represents an isolated execution context linked to a client
type Session struct {
	client   *Client // Link to the parent client for network transport
	database string
	settings []KeyValue
	roles    []string

	// mu protects session state during concurrent access
	mu sync.RWMutex
}

// Client owns the connection pool and serves as the default session.
type Client struct {
	Session  // Embedded default session
	cfg      *Config
	factory  SocketFactory
	pool     *Pool
	executor *Executor
	metrics  *clientMetrics
	clientID string
}

// --- Initialization & Lifecycle ---

// NewClient validates cfg, resolves its socket factory and creates the pool.
// Configuration problems are reported as *ConfigurationError. A nil cfg
// means DefaultConfig.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, err := newSocketFactory(cfg)
	if err != nil {
		return nil, err
	}

	m := newClientMetrics()
	pool := NewPool(cfg, factory, m)
	m.registerPoolGauges(pool)

	c := &Client{
		cfg:      cfg,
		factory:  factory,
		pool:     pool,
		executor: NewExecutor(cfg, pool, m),
		metrics:  m,
		clientID: resolveClientID(cfg.SendClientID),
		Session: Session{
			database: cfg.Database,
		},
	}

	// Link the embedded session to the client
	c.Session.client = c
	return c, nil
}

// Open parses dsn with ParseDSN and creates a client for it.
func Open(dsn string) (*Client, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

// Close closes the pool. Responses still open keep their connection until
// their body is closed.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Config returns a copy of the client configuration.
func (c *Client) Config() *Config {
	return c.cfg.Clone()
}

// Stats returns a snapshot of the connection pool.
func (c *Client) Stats() PoolStats {
	return c.pool.Stats()
}

// WriteMetrics writes the client metrics in Prometheus text format.
func (c *Client) WriteMetrics(w io.Writer) {
	c.metrics.writePrometheus(w)
}

// NewSession creates a new, isolated session that starts from the client's
// default session state.
func (c *Client) NewSession() *Session {
	return c.Session.Clone()
}

// Clone creates an isolated session copy that maintains the same client link
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Session{
		client:   s.client,
		database: s.database,
		settings: slices.Clone(s.settings),
		roles:    slices.Clone(s.roles),
	}
}

// --- Session Setters (Fluent API) ---

func (s *Session) Database(database string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.database = database
	return s
}

// Setting sets or removes a server setting sent with every request of this
// session. Set value to nil to remove.
func (s *Session) Setting(key string, value any) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = slices.DeleteFunc(s.settings, func(kv KeyValue) bool { return kv.Key == key })
	if value != nil {
		s.settings = append(s.settings, KeyValue{Key: key, Value: cast.ToString(value)})
	}
	return s
}

func (s *Session) ClearSettings() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = nil
	return s
}

// Roles replaces the roles sent with every request of this session.
func (s *Session) Roles(roles ...string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = slices.Clone(roles)
	return s
}

// CurrentRoles returns the roles sent with every request of this session.
func (s *Session) CurrentRoles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.roles)
}

// --- Request Lifecycle ---

// NewRequest builds a request for query from the client options and the
// session state, then applies options. Parameters are ordered custom
// parameters, database, session settings, roles, progress, then options.
func (s *Session) NewRequest(query string, options ...RequestOption) *Request {
	c := s.client
	r := &Request{
		method:  http.MethodPost,
		body:    []byte(query),
		queryID: uuid.NewString(),
	}

	r.params = append(r.params, c.cfg.CustomParams...)
	r.headers = append(r.headers, c.cfg.CustomHeaders...)
	if c.clientID != "" {
		r.headers = append(r.headers, KeyValue{Key: ClientIDRefererHeader, Value: c.clientID})
	}

	s.mu.RLock()
	if s.database != "" {
		r.params = append(r.params, KeyValue{Key: DatabaseParam, Value: s.database})
	}
	r.params = append(r.params, s.settings...)
	for _, role := range s.roles {
		r.params = append(r.params, KeyValue{Key: RoleParam, Value: role})
	}
	s.mu.RUnlock()

	if c.cfg.ReceiveQueryProgress {
		r.params = append(r.params, KeyValue{Key: SendProgressParam, Value: "1"})
	}

	// Apply functional options for specific request overrides
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Query sends query and returns the streaming response. The caller must close
// the response.
func (s *Session) Query(ctx context.Context, query string, options ...RequestOption) (*Response, error) {
	r := s.NewRequest(query, options...)
	resp, err := s.client.executor.Execute(ctx, r)
	if err != nil {
		return nil, err
	}
	s.rememberRoles(query)
	return resp, nil
}

// Exec sends query, discards the result and returns the execution summary.
func (s *Session) Exec(ctx context.Context, query string, options ...RequestOption) (Summary, error) {
	resp, err := s.Query(ctx, query, options...)
	if err != nil {
		return Summary{}, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if closeErr := resp.Close(); err == nil {
		err = closeErr
	}
	return resp.Summary, err
}

// Execute sends a request built by NewRequest as is.
func (c *Client) Execute(ctx context.Context, r *Request) (*Response, error) {
	return c.executor.Execute(ctx, r)
}

// Ping checks that the server answers GET /ping with the expected response.
func (c *Client) Ping(ctx context.Context) error {
	r := &Request{method: http.MethodGet, path: "ping"}
	resp, err := c.executor.Execute(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	if string(body) != c.cfg.DefaultResponse {
		return fmt.Errorf("unexpected ping response %q", body)
	}
	return nil
}

var setRolePattern = regexp.MustCompile(`(?is)^\s*SET\s+ROLE\s+(.+?)\s*;?\s*$`)

// rememberRoles records the roles of a successful SET ROLE statement when
// remember_last_set_roles is enabled.
func (s *Session) rememberRoles(query string) {
	if !s.client.cfg.RememberLastSetRoles {
		return
	}
	roles, ok := parseSetRole(query)
	if !ok {
		return
	}
	s.Roles(roles...)
	log.Debug().Strs("roles", roles).Msg("remembered roles")
}

// parseSetRole extracts the role list of a SET ROLE statement. NONE and
// DEFAULT clear the list.
func parseSetRole(query string) ([]string, bool) {
	m := setRolePattern.FindStringSubmatch(query)
	if m == nil {
		return nil, false
	}
	var roles []string
	for _, part := range strings.Split(m[1], ",") {
		role := strings.Trim(strings.TrimSpace(part), "`\"'")
		if role == "" {
			continue
		}
		switch strings.ToUpper(role) {
		case "NONE", "DEFAULT":
			return nil, true
		}
		roles = append(roles, role)
	}
	return roles, true
}

func resolveClientID(mode ClientIDMode) string {
	switch mode {
	case ClientIDHostName:
		host, err := os.Hostname()
		if err != nil {
			log.Debug().Err(err).Msg("failed to resolve host name")
			return ""
		}
		return host
	case ClientIDAddress:
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			log.Debug().Err(err).Msg("failed to list interface addresses")
			return ""
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
		return "127.0.0.1"
	default:
		return ""
	}
}
