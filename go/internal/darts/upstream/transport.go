package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transport opens Engine.IO connections to the upstream endpoint
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint *url.URL) (Conn, error)
}

// Conn is a live Engine.IO connection.
//
// ReadPacket and WritePacket are called from a single goroutine. Close may be
// called from any goroutine and unblocks a pending ReadPacket.
type Conn interface {
	ReadPacket() (Packet, error)
	WritePacket(p Packet) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// newTransports builds the configured transports in preference order
func newTransports(cfg Config) ([]Transport, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in for self-signed local upstreams
	}

	transports := make([]Transport, 0, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case TransportWebSocket:
			transports = append(transports, NewWebSocketTransport(tlsConfig, cfg.HandshakeTimeout))
		case TransportPolling:
			transports = append(transports, NewPollingTransport(tlsConfig))
		default:
			return nil, fmt.Errorf("unknown upstream transport %q", name)
		}
	}
	return transports, nil
}

// endpointURL resolves the Socket.IO endpoint for a transport
func endpointURL(base *url.URL, transport string, sid string) *url.URL {
	u := *base
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", transport)
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return &u
}

// parseEndpoint joins the configured URL and Socket.IO path
func parseEndpoint(rawURL, path string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q needs a scheme and host", rawURL)
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = path
	return u, nil
}
