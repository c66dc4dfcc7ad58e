package chttp

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_HTTPRequest(t *testing.T) {
	endpoint, err := url.Parse("http://db.local:8123/")
	require.NoError(t, err)

	r := NewRequest("SELECT 1",
		WithParam("z", "1"),
		WithSetting("a", "x y"),
		WithHeader("X-One", "1"),
		WithHeader("X-One", "2"),
		WithQueryID("qid"),
	)
	assert.Equal(t, http.MethodPost, r.Method())
	assert.Equal(t, "SELECT 1", r.Query())
	assert.Equal(t, "qid", r.QueryID())

	req, err := r.httpRequest(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, "z=1&a=x+y&query_id=qid", req.URL.RawQuery)
	assert.Equal(t, "/", req.URL.Path)
	assert.Equal(t, []string{"1", "2"}, req.Header.Values("X-One"))
	assert.Equal(t, int64(len("SELECT 1")), req.ContentLength)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", string(body))

	// Each attempt renders a fresh body.
	again, err := r.httpRequest(context.Background(), endpoint)
	require.NoError(t, err)
	body, err = io.ReadAll(again.Body)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", string(body))
}

func TestRequest_ExplicitQueryIDParam(t *testing.T) {
	endpoint, _ := url.Parse("http://db.local:8123/")
	r := NewRequest("SELECT 1", WithQueryID("generated"), WithParam("query_id", "mine"))

	req, err := r.httpRequest(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, "query_id=mine", req.URL.RawQuery)

	v, ok := r.Param("query_id")
	assert.True(t, ok)
	assert.Equal(t, "mine", v)
	_, ok = r.Param("missing")
	assert.False(t, ok)
}

func TestRequest_Accessors(t *testing.T) {
	r := NewRequest("SELECT 1", WithParam("a", "1"), WithHeader("h", "v"))
	params := r.Params()
	params[0].Value = "changed"
	assert.Equal(t, "1", r.Params()[0].Value)
	assert.Equal(t, []KeyValue{{Key: "h", Value: "v"}}, r.Headers())
}
