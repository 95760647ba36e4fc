// Package httputil carries the HTTP plumbing the feed adapters and the
// API surface share: a minimal client abstraction with a request-recording
// mock, JSON round-trip helpers, and response writers.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// HTTPClient is the one method the adapters need. Cancellation and
// deadlines travel with the request's context, so there is nothing else
// to abstract.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient adapts *http.Client. It carries no client-level timeout:
// the hub's SSE stream and the ADSB NDJSON stream stay open far longer
// than any sane request timeout, so per-call bounds come from contexts.
type StandardClient struct {
	c *http.Client
}

// NewStandardClient wraps c, falling back to http.DefaultClient.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{c: c}
}

// Do sends the request.
func (c *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return c.c.Do(req)
}

// drainLimit caps how much of an unwanted body is read before closing.
// Past this, reusing the connection costs more than opening a new one.
const drainLimit = 256 * 1024

// DrainBody consumes and closes a response body so the underlying
// connection can be reused. Safe on a nil response.
func DrainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.CopyN(io.Discard, resp.Body, drainLimit)
	resp.Body.Close()
}

// StatusError reports a non-2xx response from an upstream endpoint.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// PostJSON marshals in, POSTs it to url, and decodes the 2xx response
// body into out. A nil out drains and discards the body. Non-2xx statuses
// come back as *StatusError with the body drained.
func PostJSON(ctx context.Context, c HTTPClient, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(c, req, out)
}

// GetJSON GETs url and decodes the 2xx response body into out.
func GetJSON(ctx context.Context, c HTTPClient, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return doJSON(c, req, out)
}

func doJSON(c HTTPClient, req *http.Request, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		DrainBody(resp)
		return &StatusError{Method: req.Method, URL: req.URL.String(), Code: resp.StatusCode}
	}
	if out == nil {
		DrainBody(resp)
		return nil
	}
	defer DrainBody(resp)
	return json.NewDecoder(resp.Body).Decode(out)
}

// RecordedRequest is a request captured by the mock with its body already
// read, so assertions do not race the handler over a one-shot reader.
type RecordedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// JSON unmarshals the recorded body into v.
func (r *RecordedRequest) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// MockHTTPClient queues canned responses and records every request it
// sees, including bodies.
type MockHTTPClient struct {
	mu sync.Mutex

	// DoFunc, when set, handles every request instead of the queue.
	DoFunc func(req *http.Request) (*http.Response, error)

	requests  []*RecordedRequest
	responses []*mockResponse
	next      int
}

type mockResponse struct {
	code int
	body string
	err  error
}

// NewMockHTTPClient returns an empty mock. With no queued responses every
// request gets an empty 200.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a canned response. Returns the mock for chaining.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &mockResponse{code: statusCode, body: body})
	return m
}

// AddErrorResponse queues a transport-level error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &mockResponse{err: err})
	return m
}

// Do records the request and returns the next queued response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &RecordedRequest{Method: req.Method, URL: req.URL, Header: req.Header.Clone()}
	if req.Body != nil {
		rec.Body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	m.requests = append(m.requests, rec)

	if m.DoFunc != nil {
		return m.DoFunc(req)
	}

	if m.next < len(m.responses) {
		r := m.responses[m.next]
		m.next++
		if r.err != nil {
			return nil, r.err
		}
		return &http.Response{
			StatusCode: r.code,
			Body:       io.NopCloser(bytes.NewBufferString(r.body)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// GetRequest returns the nth recorded request, or nil.
func (m *MockHTTPClient) GetRequest(n int) *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

// RequestCount returns how many requests the mock has seen.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and the response queue.
func (m *MockHTTPClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responses = nil
	m.next = 0
	m.DoFunc = nil
}
