package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// PollingTransport speaks Engine.IO over HTTP long-polling
type PollingTransport struct {
	client *http.Client
}

// NewPollingTransport creates a long-polling transport. Request lifetimes are
// bounded by the session's read deadline rather than a client timeout.
func NewPollingTransport(tlsConfig *tls.Config) *PollingTransport {
	return &PollingTransport{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
				Proxy:           http.ProxyFromEnvironment,
			},
		},
	}
}

func (t *PollingTransport) Name() string {
	return TransportPolling
}

// Dial performs the opening GET to obtain a session id. The open packet is
// buffered so the caller reads it like any other packet.
func (t *PollingTransport) Dial(ctx context.Context, endpoint *url.URL) (Conn, error) {
	body, err := t.do(ctx, http.MethodGet, endpointURL(endpoint, TransportPolling, ""), nil)
	if err != nil {
		return nil, err
	}
	packets, err := decodePayload(body)
	if err != nil {
		return nil, fmt.Errorf("decode polling handshake: %w", err)
	}
	if len(packets) == 0 {
		return nil, errors.New("empty polling handshake")
	}
	hs, err := parseHandshake(packets[0])
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollingConn{
		transport: t,
		endpoint:  endpoint,
		sid:       hs.SID,
		pending:   packets,
		ctx:       connCtx,
		cancel:    cancel,
	}, nil
}

func (t *PollingTransport) do(ctx context.Context, method string, u *url.URL, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling %s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("polling %s returned status code: %d, response: %s", method, resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}

type pollingConn struct {
	transport *PollingTransport
	endpoint  *url.URL
	sid       string

	pending []Packet

	mu       sync.Mutex
	deadline time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *pollingConn) ReadPacket() (Packet, error) {
	for len(c.pending) == 0 {
		ctx, cancel := c.readContext()
		body, err := c.transport.do(ctx, http.MethodGet, endpointURL(c.endpoint, TransportPolling, c.sid), nil)
		cancel()
		if err != nil {
			return Packet{}, err
		}
		packets, err := decodePayload(body)
		if err != nil {
			return Packet{}, err
		}
		c.pending = packets
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, nil
}

func (c *pollingConn) readContext() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	if deadline.IsZero() {
		return context.WithCancel(c.ctx)
	}
	return context.WithDeadline(c.ctx, deadline)
}

func (c *pollingConn) WritePacket(p Packet) error {
	_, err := c.transport.do(c.ctx, http.MethodPost, endpointURL(c.endpoint, TransportPolling, c.sid), p.encode())
	return err
}

func (c *pollingConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// Close tells the server the session is over and aborts any pending poll
func (c *pollingConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = c.transport.do(ctx, http.MethodPost, endpointURL(c.endpoint, TransportPolling, c.sid), Packet{Type: packetClose}.encode())
	})
	return err
}
