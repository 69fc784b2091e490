package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/status"
	"github.com/mcdev12/deadeye/go/internal/darts/upstream"
)

// Service wires the upstream client, the relay and the subscriber hub
type Service struct {
	store     *status.Store
	hub       *SubscriberHub
	relay     *Relay
	client    *upstream.Client
	wsHandler *WebSocketHandler
	health    *HealthChecker
}

// Config holds configuration for the relay service
type Config struct {
	Connection  ConnectionConfig
	Upstream    upstream.Config
	RelayBuffer int
}

// DefaultConfig returns default configuration for the relay service
func DefaultConfig() Config {
	return Config{
		Connection:  DefaultConnectionConfig(),
		Upstream:    upstream.DefaultConfig(),
		RelayBuffer: 64,
	}
}

// NewService creates the relay service. Every dart throw is also handed to
// sinks, in order, after subscribers have it.
func NewService(config Config, metrics *Metrics, sinks []Sink, opts ...upstream.Option) (*Service, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if config.RelayBuffer < 0 {
		return nil, fmt.Errorf("relay buffer must not be negative, got %d", config.RelayBuffer)
	}

	store := status.NewStore()
	hub := NewSubscriberHub(store, metrics)
	relay := NewRelay(hub, metrics, config.RelayBuffer, sinks...)

	clientOpts := append([]upstream.Option{upstream.WithObserver(relay)}, opts...)
	client, err := upstream.NewClient(config.Upstream, store, relay, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	return &Service{
		store:     store,
		hub:       hub,
		relay:     relay,
		client:    client,
		wsHandler: NewWebSocketHandler(hub, hub.Stats, config.Connection),
		health:    NewHealthChecker(client, hub),
	}, nil
}

// Start runs the relay and the upstream client until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting dart relay service")

	go s.relay.Run(ctx)

	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect upstream: %w", err)
	}

	<-ctx.Done()

	log.Info().Msg("dart relay service shutting down")
	return s.Stop()
}

// Stop closes the upstream session and every subscriber
func (s *Service) Stop() error {
	if err := s.client.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close upstream client")
	}
	s.hub.Shutdown()

	log.Info().Msg("dart relay service stopped")
	return nil
}

// RegisterRoutes registers the websocket, stats and health routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.Handle("/health", s.health)
	log.Info().Msg("dart relay routes registered")
}

// Stats returns the hub statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// Client exposes the upstream client
func (s *Service) Client() *upstream.Client {
	return s.client
}
