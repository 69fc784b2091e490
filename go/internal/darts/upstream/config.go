package upstream

import (
	"errors"
	"fmt"
	"time"
)

const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

var (
	// ErrUpstreamUnreachable wraps every failed connection attempt
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrClientClosed is returned by Connect after Close
	ErrClientClosed = errors.New("upstream client closed")

	errRemoteClosed     = errors.New("upstream closed the session")
	errRemoteDisconnect = errors.New("upstream disconnected the namespace")
)

// Config holds configuration for the upstream darts-caller connection
type Config struct {
	URL                string        // e.g. https://127.0.0.1:8079
	Path               string        // Socket.IO endpoint path
	Transports         []string      // tried in order on every attempt
	HandshakeTimeout   time.Duration // bounds dial, open and namespace connect
	InsecureSkipVerify bool          // accept self-signed upstream certificates
	MaxAttempts        int           // attempts per outage before giving up
	RetryDelay         time.Duration
	ClientName         string // sent in the subscribe message; empty skips it
	EventName          string // Socket.IO event carrying dart messages
}

// DefaultConfig returns the configuration for a local darts-caller
func DefaultConfig() Config {
	return Config{
		URL:              "https://127.0.0.1:8079",
		Path:             "/socket.io/",
		Transports:       []string{TransportWebSocket, TransportPolling},
		HandshakeTimeout: 10 * time.Second,
		MaxAttempts:      5,
		RetryDelay:       2 * time.Second,
		ClientName:       "DeadEyeGames",
		EventName:        "message",
	}
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("upstream url must not be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("upstream max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("upstream retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("upstream handshake timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if len(c.Transports) == 0 {
		return errors.New("at least one upstream transport is required")
	}
	for _, t := range c.Transports {
		if t != TransportWebSocket && t != TransportPolling {
			return fmt.Errorf("unknown upstream transport %q", t)
		}
	}
	return nil
}
