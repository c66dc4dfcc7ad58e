// Package chttp is a client-side transport for ClickHouse-compatible servers
// speaking the HTTP interface.
//
// It keeps a bounded pool of reusable connections per client, probes idle
// connections before reuse once they have been idle for a configurable time,
// retries a request exactly once when a stale or broken connection fails it
// before the response head arrives, and exposes the execution summary the
// server sends in the X-ClickHouse-Summary header.
//
// # Getting Started
//
// Create a client and execute a query:
//
//	client, err := chttp.Open("http://localhost:8123/default?max_open_connections=4")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Query(ctx, "SELECT number FROM system.numbers LIMIT 10")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//	io.Copy(os.Stdout, resp.Body)
//
// The response body streams from the pooled connection; closing it returns the
// connection to the pool. Exec reads and discards the body and returns only
// the Summary.
//
// # Sessions
//
// The client embeds a default Session. NewSession clones it so that database,
// settings and roles can be changed without affecting other callers:
//
//	s := client.NewSession().Database("staging").Setting("max_threads", 2)
//	summary, err := s.Exec(ctx, "INSERT INTO t SELECT * FROM src")
//
// # Configuration
//
// Options use the server's option keys, e.g. ahc_validate_after_inactivity or
// custom_socket_factory, and can come from a DSN query string, a map
// (ConfigFromOptions), Config.Set or LoadConfig, which reads viper keys and
// CHTTP_* environment variables. Durations accept plain milliseconds or
// strings such as "5s".
//
// # Socket Factories
//
// Connections are opened by a SocketFactory selected by name. "default" dials
// TCP, "ratelimited" throttles socket creation. Applications register their
// own with RegisterSocketFactory; custom_socket_factory_options is parsed with
// ParseFactoryOptions and handed to the constructor.
//
// # Errors
//
// Transport failures are *NetworkError, server exceptions *ServerError and
// invalid options or factories *ConfigurationError. Context cancellation is
// returned as the context's error.
package chttp
