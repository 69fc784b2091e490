package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSendBufferFull is returned when a subscriber is too slow to keep up.
	// The connection is closed when it happens.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned when delivering to a closed connection
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionConfig holds configuration for downstream websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	AllowedOrigins  []string
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		AllowedOrigins:  []string{"*"},
	}
}

// Connection is one browser websocket. It implements Subscriber.
type Connection struct {
	id          string
	remoteAddr  string
	conn        *websocket.Conn
	send        chan []byte
	listener    SubscriberEventListener
	config      ConnectionConfig
	connectedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, listener SubscriberEventListener, config ConnectionConfig) *Connection {
	return &Connection{
		id:          uuid.New().String(),
		remoteAddr:  conn.RemoteAddr().String(),
		conn:        conn,
		send:        make(chan []byte, config.SendBufferSize),
		listener:    listener,
		config:      config,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Deliver queues frame for the write pump without blocking
func (c *Connection) Deliver(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		log.Warn().
			Str("connection_id", c.id).
			Msg("connection send buffer full, closing connection")
		c.Close()
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and tear down the socket
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// writePump handles sending messages to the websocket
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to websocket")
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				c.Close()
				return
			}

		case <-c.closed:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteTimeout))
			return
		}
	}
}

// readPump handles reading messages from the websocket. It owns the leave
// notification.
func (c *Connection) readPump() {
	defer func() {
		c.listener.OnLeave(c)
		c.Close()
		c.conn.Close()
		log.Debug().
			Str("connection_id", c.id).
			Str("remote_addr", c.remoteAddr).
			Dur("duration", time.Since(c.connectedAt)).
			Msg("websocket connection closed")
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the browser
func (c *Connection) handleClientMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.id).
			Msg("ignoring undecodable client message")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.listener.OnPing(c)
	default:
		log.Debug().
			Str("connection_id", c.id).
			Str("type", string(msg.Type)).
			Msg("ignoring client message")
	}
}
