package chttp

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
)

const userAgent = "chttp"

// Request is a query ready to be sent. It is immutable once built, so the
// executor can render it again for a retry.
type Request struct {
	method  string
	path    string
	body    []byte
	headers []KeyValue
	params  []KeyValue
	queryID string
}

// RequestOption allows for functional overrides on individual requests
type RequestOption func(*Request)

// WithHeader appends a request header.
func WithHeader(name, value string) RequestOption {
	return func(r *Request) {
		r.headers = append(r.headers, KeyValue{Key: name, Value: value})
	}
}

// WithParam appends a query string parameter.
func WithParam(name, value string) RequestOption {
	return func(r *Request) {
		r.params = append(r.params, KeyValue{Key: name, Value: value})
	}
}

// WithSetting sets a server setting for this request only. Settings travel as
// query parameters.
func WithSetting(name, value string) RequestOption {
	return WithParam(name, value)
}

// WithQueryID sets the query id instead of a generated one.
func WithQueryID(id string) RequestOption {
	return func(r *Request) {
		r.queryID = id
	}
}

// NewRequest builds a POST request carrying query as its body.
func NewRequest(query string, options ...RequestOption) *Request {
	r := &Request{
		method: http.MethodPost,
		body:   []byte(query),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *Request) Method() string { return r.method }
func (r *Request) Query() string { return string(r.body) }
func (r *Request) QueryID() string { return r.queryID }
func (r *Request) Headers() []KeyValue { return append([]KeyValue(nil), r.headers...) }
func (r *Request) Params() []KeyValue { return append([]KeyValue(nil), r.params...) }

// Param returns the last value of the named parameter.
func (r *Request) Param(name string) (string, bool) {
	for i := len(r.params) - 1; i >= 0; i-- {
		if r.params[i].Key == name {
			return r.params[i].Value, true
		}
	}
	return "", false
}

// httpRequest renders a fresh *http.Request for one attempt. Parameters keep
// their order, and query_id is added when set and not passed explicitly.
func (r *Request) httpRequest(ctx context.Context, endpoint *url.URL) (*http.Request, error) {
	u := endpoint.JoinPath(r.path)

	params := r.params
	if _, ok := r.Param("query_id"); !ok && r.queryID != "" {
		params = append(append([]KeyValue(nil), params...), KeyValue{Key: "query_id", Value: r.queryID})
	}
	if len(params) > 0 {
		pairs := make([]string, 0, len(params))
		for _, p := range params {
			pairs = append(pairs, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
		}
		u.RawQuery = strings.Join(pairs, "&")
	}

	var body *bytes.Reader
	if len(r.body) > 0 {
		body = bytes.NewReader(r.body)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.method, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	for _, h := range r.headers {
		req.Header.Add(h.Key, h.Value)
	}
	return req, nil
}
