package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades browser requests and hands the connections to a
// SubscriberEventListener
type WebSocketHandler struct {
	listener SubscriberEventListener
	stats    func() HubStats
	config   ConnectionConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(listener SubscriberEventListener, stats func() HubStats, config ConnectionConfig) *WebSocketHandler {
	policy := NewOriginPolicy(config.AllowedOrigins)
	return &WebSocketHandler{
		listener: listener,
		stats:    stats,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     policy.CheckOrigin,
		},
	}
}

// HandleConnection upgrades the request and registers the new subscriber
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("failed to upgrade websocket connection")
		return
	}

	c := newConnection(conn, h.listener, h.config)
	log.Debug().
		Str("connection_id", c.id).
		Str("remote_addr", c.remoteAddr).
		Msg("websocket connection established")

	go c.writePump()
	h.listener.OnJoin(c)
	go c.readPump()
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
