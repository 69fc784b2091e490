package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks Engine.IO over a single websocket
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a websocket transport
func NewWebSocketTransport(tlsConfig *tls.Config, handshakeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (t *WebSocketTransport) Name() string {
	return TransportWebSocket
}

// Dial opens the websocket. The server's open packet is left for ReadPacket.
func (t *WebSocketTransport) Dial(ctx context.Context, endpoint *url.URL) (Conn, error) {
	u := endpointURL(endpoint, TransportWebSocket, "")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadPacket() (Packet, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return Packet{}, err
	}
	if mt == websocket.BinaryMessage {
		// binary attachments are not used by darts-caller
		return Packet{Type: packetNoop}, nil
	}
	return decodePacket(data)
}

func (c *wsConn) WritePacket(p Packet) error {
	return c.conn.WriteMessage(websocket.TextMessage, p.encode())
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
