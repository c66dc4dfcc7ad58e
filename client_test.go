package chttp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ethanyzhang/chttp/chttptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient(nil)
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, "localhost:8123", client.Config().Address())
		assert.Equal(t, DefaultMaxOpenConns, client.Stats().MaxOpen)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxOpenConnections = 0
		_, err := NewClient(cfg)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, OptionMaxOpenConnections, cfgErr.Option)
	})

	t.Run("config is copied", func(t *testing.T) {
		cfg := DefaultConfig()
		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()
		cfg.MaxOpenConnections = 1
		assert.Equal(t, DefaultMaxOpenConns, client.Config().MaxOpenConnections)
	})
}

func TestSession_RequestParameters(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, func(cfg *Config) {
		cfg.Database = "analytics"
		cfg.CustomHeaders = []KeyValue{{Key: "X-Team", Value: "data"}}
		cfg.CustomParams = []KeyValue{{Key: "max_threads", Value: "2"}}
	})
	client.Setting("max_memory_usage", 1000)

	_, err := client.Exec(context.Background(), "SELECT 100", WithSetting("readonly", "1"), WithHeader("X-Trace", "abc"))
	require.NoError(t, err)

	req, ok := server.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "SELECT 100", req.Body)
	assert.Equal(t, "analytics", req.Params.Get(DatabaseParam))
	assert.Equal(t, "2", req.Params.Get("max_threads"))
	assert.Equal(t, "1000", req.Params.Get("max_memory_usage"))
	assert.Equal(t, "1", req.Params.Get("readonly"))
	assert.Equal(t, "1", req.Params.Get(SendProgressParam))
	assert.NotEmpty(t, req.Params.Get(QueryIDParam))
	assert.Equal(t, "data", req.Header.Get("X-Team"))
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Equal(t, userAgent, req.Header.Get("User-Agent"))
	assert.Empty(t, req.Header.Get(ClientIDRefererHeader))
}

func TestSession_Isolation(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, nil)

	session := client.NewSession().Database("other").Setting("readonly", 1)
	client.Setting("readonly", 2)
	session.Setting("readonly", nil)

	_, err := session.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	req, _ := server.LastRequest()
	assert.Equal(t, "other", req.Params.Get(DatabaseParam))
	assert.Empty(t, req.Params.Get("readonly"))

	_, err = client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	req, _ = server.LastRequest()
	assert.Empty(t, req.Params.Get(DatabaseParam))
	assert.Equal(t, "2", req.Params.Get("readonly"))

	client.ClearSettings()
	_, err = client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	req, _ = server.LastRequest()
	assert.Empty(t, req.Params.Get("readonly"))
}

func TestSession_Progress(t *testing.T) {
	server := newTestServer(t)
	server.AddQuery(&chttptest.QueryTemplate{
		SQL:  "SELECT count() FROM big",
		Body: "3\n",
		Progress: []map[string]string{
			{"read_rows": "1", "total_rows_to_read": "3"},
			{"read_rows": "3", "total_rows_to_read": "3"},
		},
	})

	t.Run("enabled", func(t *testing.T) {
		client := newTestClient(t, server, nil)
		resp, err := client.Query(context.Background(), "SELECT count() FROM big")
		require.NoError(t, err)
		defer resp.Close()
		assert.Equal(t, uint64(3), resp.Progress.ReadRows)
		assert.Equal(t, uint64(3), resp.Progress.TotalRowsToRead)
	})

	t.Run("disabled", func(t *testing.T) {
		client := newTestClient(t, server, func(cfg *Config) { cfg.ReceiveQueryProgress = false })
		resp, err := client.Query(context.Background(), "SELECT count() FROM big")
		require.NoError(t, err)
		defer resp.Close()
		assert.Zero(t, resp.Progress.ReadRows)
		req, _ := server.LastRequest()
		assert.Empty(t, req.Params.Get(SendProgressParam))
	})
}

func TestSession_ClientID(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, func(cfg *Config) { cfg.SendClientID = ClientIDHostName })

	_, err := client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	req, _ := server.LastRequest()
	assert.Equal(t, host, req.Header.Get(ClientIDRefererHeader))
}

func TestSession_RememberRoles(t *testing.T) {
	server := newTestServer(t)

	t.Run("enabled", func(t *testing.T) {
		client := newTestClient(t, server, func(cfg *Config) { cfg.RememberLastSetRoles = true })
		_, err := client.Exec(context.Background(), "SET ROLE reader, `writer`")
		require.NoError(t, err)
		assert.Equal(t, []string{"reader", "writer"}, client.CurrentRoles())

		_, err = client.Exec(context.Background(), "SELECT 100")
		require.NoError(t, err)
		req, _ := server.LastRequest()
		assert.Equal(t, []string{"reader", "writer"}, req.Params[RoleParam])

		_, err = client.Exec(context.Background(), "set role none")
		require.NoError(t, err)
		assert.Empty(t, client.CurrentRoles())
	})

	t.Run("disabled", func(t *testing.T) {
		client := newTestClient(t, server, nil)
		_, err := client.Exec(context.Background(), "SET ROLE reader")
		require.NoError(t, err)
		assert.Empty(t, client.CurrentRoles())
	})
}

func TestParseSetRole(t *testing.T) {
	tests := []struct {
		query string
		roles []string
		ok    bool
	}{
		{query: "SET ROLE a", roles: []string{"a"}, ok: true},
		{query: "  set role a , \"b\";", roles: []string{"a", "b"}, ok: true},
		{query: "SET ROLE DEFAULT", roles: nil, ok: true},
		{query: "SELECT 'SET ROLE a'", ok: false},
		{query: "SET max_threads = 1", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			roles, ok := parseSetRole(tt.query)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.roles, roles)
		})
	}
}

func TestClient_Ping(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, nil)

	require.NoError(t, client.Ping(context.Background()))

	server.SetPingResponse("nope")
	assert.Error(t, client.Ping(context.Background()))
}

func TestClient_ValidatePing(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, func(cfg *Config) {
		cfg.ValidationMode = ValidatePing
		cfg.ValidateAfterInactivity = 0
	})

	for i := 0; i < 3; i++ {
		_, err := client.Exec(context.Background(), "SELECT 100")
		require.NoError(t, err)
	}
	stats := client.Stats()
	assert.Equal(t, uint64(2), stats.Validations)
	assert.Zero(t, stats.Evictions)
	assert.Equal(t, int64(1), server.Connections())
}

func TestClient_RestartWithoutValidation(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, func(cfg *Config) {
		cfg.MaxOpenConnections = 1
		cfg.ValidateAfterInactivity = -1
	})

	summary, err := client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.ReadRows)

	server.Stop()

	_, err = client.Exec(context.Background(), "SELECT 100")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED), "got %v", err)
	assert.Zero(t, client.Stats().Open)

	require.NoError(t, server.Start())
	summary, err = client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.ReadRows)
}

func TestClient_RestartWithValidation(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, func(cfg *Config) {
		cfg.MaxOpenConnections = 1
		cfg.ValidateAfterInactivity = 100 * time.Millisecond
	})

	summary, err := client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.ReadRows)

	require.NoError(t, server.Restart())
	time.Sleep(150 * time.Millisecond)

	resp, err := client.Query(context.Background(), "SELECT 100")
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, uint64(1), resp.Summary.ReadRows)
	assert.Equal(t, 1, resp.Attempts)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(2), stats.Created)
}

func TestClient_Concurrency(t *testing.T) {
	server := newTestServer(t)
	server.AddQuery(&chttptest.QueryTemplate{
		SQL:     "SELECT slow",
		Body:    "1\n",
		Summary: map[string]string{"read_rows": "1"},
		Latency: 10 * time.Millisecond,
	})
	client := newTestClient(t, server, func(cfg *Config) { cfg.MaxOpenConnections = 2 })

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Exec(context.Background(), "SELECT slow"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.LessOrEqual(t, server.PeakConnections(), int64(2))
	stats := client.Stats()
	assert.LessOrEqual(t, stats.Open, 2)
	assert.Greater(t, stats.WaitCount, uint64(0))
}

func TestClient_WriteMetrics(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, server, nil)

	_, err := client.Exec(context.Background(), "SELECT 100")
	require.NoError(t, err)

	var buf bytes.Buffer
	client.WriteMetrics(&buf)
	out := buf.String()
	assert.Contains(t, out, "chttp_requests_total 1")
	assert.Contains(t, out, "chttp_pool_connections_created_total 1")
	assert.Contains(t, out, "chttp_pool_idle_connections 1")
}
