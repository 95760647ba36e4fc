package adsb

import (
	"context"

	"github.com/banshee-data/trackfuse/internal/httputil"
)

// Client is the request/response side of the ADSB service: batch echo and
// historical queries, as opposed to the streaming Puller.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient builds a client for the given upstream base URL.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{baseURL: baseURL, http: hc}
}

// Fetch echoes a batch of raw aircraft records upstream and returns the
// upstream's (possibly enriched) copy.
func (c *Client) Fetch(ctx context.Context, batch []map[string]interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	if err := c.post(ctx, "/adsb/fetch", batch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryRequest shapes a historical query.
type QueryRequest struct {
	Hexident string `json:"Hexident,omitempty"`
	FromMS   int64  `json:"From,omitempty"`
	ToMS     int64  `json:"To,omitempty"`
	Limit    int    `json:"Limit,omitempty"`
}

// Query runs a historical query upstream.
func (c *Client) Query(ctx context.Context, q QueryRequest) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	if err := c.post(ctx, "/adsb/query", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return httputil.PostJSON(ctx, c.http, c.baseURL+path, in, out)
}
