package chttptest_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ethanyzhang/chttp/chttptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, client *http.Client, url, sql string) (*http.Response, string, error) {
	t.Helper()
	resp, err := client.Post(url, "text/plain", strings.NewReader(sql))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, string(body), err
}

func TestMockServer_Query(t *testing.T) {
	server := chttptest.NewMockServer()
	defer server.Close()
	server.AddQuery(&chttptest.QueryTemplate{
		SQL:     "SELECT 100",
		Body:    "100\n",
		Summary: map[string]string{"read_rows": "1"},
	})

	client := &http.Client{}
	resp, body, err := post(t, client, server.URL()+"?query_id=abc", "SELECT 100")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100\n", body)
	assert.Equal(t, `{"read_rows":"1"}`, resp.Header.Get("X-ClickHouse-Summary"))
	assert.Equal(t, "abc", resp.Header.Get("X-ClickHouse-Query-Id"))

	_, body, err = post(t, client, server.URL(), "SELECT unknown")
	require.NoError(t, err)
	assert.Contains(t, body, "default success")

	requests := server.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "SELECT 100", requests[0].Body)
	assert.Equal(t, "abc", requests[0].Params.Get("query_id"))
}

func TestMockServer_Error(t *testing.T) {
	server := chttptest.NewMockServer()
	defer server.Close()
	server.AddQuery(&chttptest.QueryTemplate{SQL: "SELECT x", Body: "Missing columns", StatusCode: 404, ExceptionCode: 47})

	resp, body, err := post(t, &http.Client{}, server.URL(), "SELECT x")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "47", resp.Header.Get("X-ClickHouse-Exception-Code"))
	assert.Equal(t, "Code: 47. DB::Exception: Missing columns", body)
}

func TestMockServer_Faults(t *testing.T) {
	server := chttptest.NewMockServer()
	defer server.Close()
	server.AddQuery(&chttptest.QueryTemplate{SQL: "SELECT 1", Body: "1\n", Fault: chttptest.FaultEmptyResponse, FaultTimes: 1})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	_, _, err := post(t, client, server.URL(), "SELECT 1")
	assert.Error(t, err)

	_, body, err := post(t, client, server.URL(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "1\n", body)
}

func TestMockServer_StopStart(t *testing.T) {
	server := chttptest.NewMockServer()
	defer server.Close()
	addr := server.Addr()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(server.URL() + "ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, chttptest.DefaultPingResponse, string(body))

	server.Stop()
	_, err = client.Get(server.URL() + "ping")
	assert.Error(t, err)

	require.NoError(t, server.Start())
	assert.Equal(t, addr, server.Addr())
	resp, err = client.Get(server.URL() + "ping")
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, server.Restart())
	assert.GreaterOrEqual(t, server.Connections(), int64(2))
}
