package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/config"
	"github.com/mcdev12/deadeye/go/internal/darts/gateway"
	"github.com/mcdev12/deadeye/go/internal/darts/mirror"
	"github.com/mcdev12/deadeye/go/internal/darts/upstream"
)

type Services struct {
	Registry *prometheus.Registry
	Relay    *gateway.Service
	// Mirror is nil when no NATS url is configured
	Mirror *mirror.Publisher
}

func setupServices(cfg config.Config, opts ...upstream.Option) (*Services, error) {
	// Metrics registry → sinks → relay service
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(registry)

	services := &Services{Registry: registry}

	var sinks []gateway.Sink
	if cfg.MirrorEnabled() {
		publisher, err := mirror.NewPublisher(cfg.Mirror())
		if err != nil {
			return nil, fmt.Errorf("failed to start event mirror: %w", err)
		}
		services.Mirror = publisher
		sinks = append(sinks, publisher)
	} else {
		log.Info().Msg("event mirror disabled, no nats url configured")
	}

	relayConfig := gateway.DefaultConfig()
	relayConfig.Upstream = cfg.UpstreamClient()
	relayConfig.Connection.AllowedOrigins = cfg.Server.AllowedOrigins

	relay, err := gateway.NewService(relayConfig, metrics, sinks, opts...)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Relay = relay
	return services, nil
}

// Close releases connections opened by setupServices
func (s *Services) Close() {
	if s.Mirror != nil {
		if err := s.Mirror.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event mirror")
		}
	}
}
