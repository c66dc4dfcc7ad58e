package chttp

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethanyzhang/chttp/chjson"
	"github.com/ethanyzhang/chttp/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Option keys accepted by Config.Set, ConfigFromOptions, DSN query strings
// and LoadConfig.
const (
	OptionEndpoint                   = "endpoint"
	OptionDatabase                   = "database"
	OptionConnectionProvider         = "http_connection_provider"
	OptionCustomHeaders              = "custom_http_headers"
	OptionCustomParams               = "custom_http_params"
	OptionDefaultResponse            = "http_server_default_response"
	OptionKeepAlive                  = "http_keep_alive"
	OptionMaxOpenConnections         = "max_open_connections"
	OptionReceiveQueryProgress       = "receive_query_progress"
	OptionSendClientID               = "send_http_client_id"
	OptionRememberLastSetRoles       = "remember_last_set_roles"
	OptionValidateAfterInactivity    = "ahc_validate_after_inactivity"
	OptionCustomSocketFactory        = "custom_socket_factory"
	OptionCustomSocketFactoryOptions = "custom_socket_factory_options"
	OptionConnectTimeout             = "connect_timeout"
	OptionSocketTimeout              = "socket_timeout"
	OptionConnectionRequestTimeout   = "connection_request_timeout"
	OptionValidationMode             = "validation_mode"
	OptionSocketDiagnostics          = "socket_diagnostics"
)

const (
	DefaultPort            = "8123"
	DefaultServerResponse  = "Ok.\n"
	DefaultMaxOpenConns    = 10
	DefaultValidateAfter   = 5 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultSocketTimeout   = 30 * time.Second
	EnvPrefix              = "chttp"
	defaultEndpointAddress = "http://localhost:" + DefaultPort + "/"
)

// ConnectionProvider selects whether connections are reused.
type ConnectionProvider int

const (
	ProviderPooled ConnectionProvider = iota
	ProviderDirect
)

var connectionProviderNames = utils.NewBiMap(map[ConnectionProvider]string{
	ProviderPooled: "pooled",
	ProviderDirect: "direct",
})

func (p ConnectionProvider) String() string {
	if name, ok := connectionProviderNames.Lookup(p); ok {
		return name
	}
	return fmt.Sprintf("ConnectionProvider(%d)", int(p))
}

// ClientIDMode selects what is sent in the Referer header to identify the client.
type ClientIDMode int

const (
	ClientIDNone ClientIDMode = iota
	ClientIDAddress
	ClientIDHostName
)

var clientIDModeNames = utils.NewBiMap(map[ClientIDMode]string{
	ClientIDNone:     "",
	ClientIDAddress:  "IP_ADDRESS",
	ClientIDHostName: "HOST_NAME",
})

func (m ClientIDMode) String() string {
	return clientIDModeNames.DirectLookup(m)
}

// ValidationMode selects how an idle connection is probed before reuse.
type ValidationMode int

const (
	// ValidateSocket checks that the peer has not closed the socket.
	ValidateSocket ValidationMode = iota
	// ValidatePing additionally round-trips GET /ping on the connection.
	ValidatePing
)

var validationModeNames = utils.NewBiMap(map[ValidationMode]string{
	ValidateSocket: "socket",
	ValidatePing:   "ping",
})

func (m ValidationMode) String() string {
	return validationModeNames.DirectLookup(m)
}

// Config holds everything needed to build a Client.
type Config struct {
	// Endpoint is the server base URL, e.g. http://localhost:8123/
	Endpoint *url.URL

	// Database is sent as the database parameter when not empty
	Database string

	ConnectionProvider ConnectionProvider
	CustomHeaders      []KeyValue
	CustomParams       []KeyValue
	DefaultResponse    string
	KeepAlive          bool

	// MaxOpenConnections caps idle plus in-use connections
	MaxOpenConnections int

	ReceiveQueryProgress bool
	SendClientID         ClientIDMode
	RememberLastSetRoles bool

	// ValidateAfterInactivity is how long a connection may sit idle before it
	// is probed on acquisition. Negative disables probing.
	ValidateAfterInactivity time.Duration

	CustomSocketFactory        string
	CustomSocketFactoryOptions string

	ConnectTimeout time.Duration
	SocketTimeout  time.Duration

	// ConnectionRequestTimeout bounds the wait for a free pool slot. Zero
	// waits until the caller's context is done.
	ConnectionRequestTimeout time.Duration

	ValidationMode    ValidationMode
	SocketDiagnostics bool
}

// DefaultConfig returns a Config pointing at localhost with default options.
func DefaultConfig() *Config {
	endpoint, _ := url.Parse(defaultEndpointAddress)
	return &Config{
		Endpoint:                endpoint,
		ConnectionProvider:      ProviderPooled,
		DefaultResponse:         DefaultServerResponse,
		KeepAlive:               true,
		MaxOpenConnections:      DefaultMaxOpenConns,
		ReceiveQueryProgress:    true,
		ValidateAfterInactivity: DefaultValidateAfter,
		ConnectTimeout:          DefaultConnectTimeout,
		SocketTimeout:           DefaultSocketTimeout,
		ValidationMode:          ValidateSocket,
	}
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Endpoint != nil {
		u := *c.Endpoint
		clone.Endpoint = &u
	}
	clone.CustomHeaders = append([]KeyValue(nil), c.CustomHeaders...)
	clone.CustomParams = append([]KeyValue(nil), c.CustomParams...)
	return &clone
}

// Address returns the host:port to dial.
func (c *Config) Address() string {
	if c.Endpoint == nil {
		return net.JoinHostPort("localhost", DefaultPort)
	}
	port := c.Endpoint.Port()
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Endpoint.Hostname(), port)
}

// Validate checks the invariants NewClient relies on.
func (c *Config) Validate() error {
	if c.Endpoint == nil {
		return configError(OptionEndpoint, "missing endpoint")
	}
	if c.Endpoint.Scheme != "http" {
		return configError(OptionEndpoint, "unsupported scheme %q: must be http", c.Endpoint.Scheme)
	}
	if c.Endpoint.Hostname() == "" {
		return configError(OptionEndpoint, "missing host")
	}
	if c.Endpoint.User != nil {
		return configError(OptionEndpoint, "credentials are not supported in the endpoint")
	}
	if c.MaxOpenConnections <= 0 {
		return configError(OptionMaxOpenConnections, "must be positive, got %d", c.MaxOpenConnections)
	}
	if c.ConnectionRequestTimeout < 0 {
		return configError(OptionConnectionRequestTimeout, "must not be negative")
	}
	return nil
}

// Set assigns one option from its string form.
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case OptionEndpoint:
		var u *url.URL
		if u, err = url.Parse(value); err == nil {
			c.Endpoint = u
		}
	case OptionDatabase:
		c.Database = value
	case OptionConnectionProvider:
		p, ok := connectionProviderNames.RLookup(strings.ToLower(strings.TrimSpace(value)))
		if !ok {
			return configError(key, "unknown provider %q, expected one of %v", value, connectionProviderNames.ValueNames())
		}
		c.ConnectionProvider = p
	case OptionCustomHeaders:
		c.CustomHeaders, err = parseKeyValuePairs(value)
	case OptionCustomParams:
		c.CustomParams, err = parseKeyValuePairs(value)
	case OptionDefaultResponse:
		c.DefaultResponse = value
	case OptionKeepAlive:
		c.KeepAlive, err = cast.ToBoolE(value)
	case OptionMaxOpenConnections:
		c.MaxOpenConnections, err = cast.ToIntE(strings.TrimSpace(value))
	case OptionReceiveQueryProgress:
		c.ReceiveQueryProgress, err = cast.ToBoolE(value)
	case OptionSendClientID:
		m, ok := clientIDModeNames.RLookup(strings.ToUpper(strings.TrimSpace(value)))
		if !ok {
			return configError(key, "unknown client id mode %q, expected one of %v", value, clientIDModeNames.ValueNames())
		}
		c.SendClientID = m
	case OptionRememberLastSetRoles:
		c.RememberLastSetRoles, err = cast.ToBoolE(value)
	case OptionValidateAfterInactivity:
		c.ValidateAfterInactivity, err = chjson.ParseDuration(value)
	case OptionCustomSocketFactory:
		c.CustomSocketFactory = strings.TrimSpace(value)
	case OptionCustomSocketFactoryOptions:
		c.CustomSocketFactoryOptions = value
	case OptionConnectTimeout:
		c.ConnectTimeout, err = chjson.ParseDuration(value)
	case OptionSocketTimeout:
		c.SocketTimeout, err = chjson.ParseDuration(value)
	case OptionConnectionRequestTimeout:
		c.ConnectionRequestTimeout, err = chjson.ParseDuration(value)
	case OptionValidationMode:
		m, ok := validationModeNames.RLookup(strings.ToLower(strings.TrimSpace(value)))
		if !ok {
			return configError(key, "unknown validation mode %q, expected one of %v", value, validationModeNames.ValueNames())
		}
		c.ValidationMode = m
	case OptionSocketDiagnostics:
		c.SocketDiagnostics, err = cast.ToBoolE(value)
	default:
		return configError(key, "unknown option")
	}
	if err != nil {
		return &ConfigurationError{Option: key, Cause: err}
	}
	return nil
}

// ConfigFromOptions applies options on top of DefaultConfig.
func ConfigFromOptions(options map[string]string) (*Config, error) {
	cfg := DefaultConfig()
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cfg.Set(k, options[k]); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDSN parses a data source name of the form
//
//	http://host:8123/database?max_open_connections=4&socket_timeout=10s
//
// The path names the database and query parameters are option keys.
func ParseDSN(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, configError(OptionEndpoint, "invalid DSN: %w", err)
	}

	if u.Scheme != "http" {
		return nil, configError(OptionEndpoint, "unsupported scheme %q: must be http", u.Scheme)
	}
	if u.User != nil {
		return nil, configError(OptionEndpoint, "credentials are not supported in the DSN")
	}
	if u.Hostname() == "" {
		return nil, configError(OptionEndpoint, "missing host in DSN")
	}

	cfg := DefaultConfig()
	cfg.Endpoint = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	cfg.Database = strings.Trim(u.Path, "/")

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == OptionEndpoint {
			return nil, configError(key, "endpoint cannot be set from the DSN query")
		}
		if err := cfg.Set(key, query.Get(key)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// optionKeys lists every key understood by Config.Set.
var optionKeys = []string{
	OptionEndpoint,
	OptionDatabase,
	OptionConnectionProvider,
	OptionCustomHeaders,
	OptionCustomParams,
	OptionDefaultResponse,
	OptionKeepAlive,
	OptionMaxOpenConnections,
	OptionReceiveQueryProgress,
	OptionSendClientID,
	OptionRememberLastSetRoles,
	OptionValidateAfterInactivity,
	OptionCustomSocketFactory,
	OptionCustomSocketFactoryOptions,
	OptionConnectTimeout,
	OptionSocketTimeout,
	OptionConnectionRequestTimeout,
	OptionValidationMode,
	OptionSocketDiagnostics,
}

// LoadConfig builds a Config from v. The given env files are loaded first
// (missing files are ignored), then every option key is looked up in v with
// environment variables prefixed CHTTP_ taking part, so max_open_connections
// may come from CHTTP_MAX_OPEN_CONNECTIONS.
func LoadConfig(v *viper.Viper, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.Load(v, envFiles...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is LoadConfig layered over c: only the keys set in v or the
// environment replace what c already holds.
func (c *Config) Load(v *viper.Viper, envFiles ...string) error {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, key := range optionKeys {
		if !v.IsSet(key) {
			continue
		}
		if err := c.Set(key, v.GetString(key)); err != nil {
			return err
		}
	}
	return c.Validate()
}
