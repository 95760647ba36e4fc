package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/banshee-data/trackfuse/internal/httputil"
)

// Conn is one live hub session. ReadFrame blocks until a frame arrives or
// the connection dies.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport dials one kind of hub connection.
type Transport interface {
	Name() string
	Connect(ctx context.Context, host, connectionID string) (Conn, error)
}

// DefaultTransports returns the fallback chain in preference order:
// websocket, server-sent events, long polling. The negotiated preference
// reorders the chain at connect time.
func DefaultTransports(client httputil.HTTPClient) []Transport {
	return []Transport{
		&wsTransport{},
		&sseTransport{client: client},
		&pollTransport{client: client},
	}
}

// connectURL builds the transport endpoint for a connection.
func connectURL(host, connectionID, transport string) string {
	return fmt.Sprintf("%s/connect?id=%s&transport=%s", host, connectionID, transport)
}

// wsTransport speaks websocket; frames are text messages.
type wsTransport struct{}

func (t *wsTransport) Name() string { return "webSockets" }

func (t *wsTransport) Connect(ctx context.Context, host, connectionID string) (Conn, error) {
	u := connectURL(host, connectionID, "webSockets")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 22) // query batches run large
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, b, err := w.c.Read(ctx)
	return b, err
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "shutdown")
}

// sseTransport reads a server-sent event stream; each `data:` line is one
// frame.
type sseTransport struct {
	client httputil.HTTPClient
}

func (t *sseTransport) Name() string { return "serverSentEvents" }

func (t *sseTransport) Connect(ctx context.Context, host, connectionID string) (Conn, error) {
	// The stream must outlive the connect timeout, so the request uses
	// the background context; Close aborts the body read.
	req, err := http.NewRequest(http.MethodGet, connectURL(host, connectionID, "serverSentEvents"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse connect: status %d", resp.StatusCode)
	}
	return &sseConn{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseConn) ReadFrame(_ context.Context) ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				return []byte(data), nil
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseConn) Close() error {
	return s.body.Close()
}

// pollTransport long-polls the connect endpoint; an empty 200 or a 204
// means no frame yet.
type pollTransport struct {
	client httputil.HTTPClient

	// Interval spaces empty polls. Zero gets one second.
	Interval time.Duration
}

func (t *pollTransport) Name() string { return "longPolling" }

func (t *pollTransport) Connect(ctx context.Context, host, connectionID string) (Conn, error) {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Second
	}
	c := &pollConn{
		client:   t.client,
		url:      connectURL(host, connectionID, "longPolling"),
		interval: interval,
	}
	// One probe poll up front so a dead endpoint fails the fallback chain
	// here instead of looping forever in the frame pump.
	if _, err := c.poll(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type pollConn struct {
	client   httputil.HTTPClient
	url      string
	interval time.Duration
	buffered [][]byte
	closed   bool
}

var errPollClosed = errors.New("poll connection closed")

func (p *pollConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if p.closed {
			return nil, errPollClosed
		}
		if len(p.buffered) > 0 {
			b := p.buffered[0]
			p.buffered = p.buffered[1:]
			return b, nil
		}
		got, err := p.poll(ctx)
		if err != nil {
			return nil, err
		}
		if !got {
			select {
			case <-time.After(p.interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// poll issues one request, buffering any returned frames (one per line).
func (p *pollConn) poll(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return false, nil
	case http.StatusOK:
	default:
		return false, fmt.Errorf("poll: status %d", resp.StatusCode)
	}

	got := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			p.buffered = append(p.buffered, []byte(line))
			got = true
		}
	}
	return got, scanner.Err()
}

func (p *pollConn) Close() error {
	p.closed = true
	return nil
}
