package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/deadeye/go/internal/config"
	"github.com/mcdev12/deadeye/go/internal/darts/gateway"
)

func setupServer(cfg config.Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Register relay routes (/ws, /ws/stats, /health)
	services.Relay.RegisterRoutes(mux)

	setupMetrics(mux, services)
	setupStatic(mux, cfg.Server.StaticDir)

	// Wrap with CORS using the same allow list as the websocket upgrader
	handler := gateway.NewOriginPolicy(cfg.Server.AllowedOrigins).CORS(mux)

	// Setup HTTP/2 server. Websocket connections are hijacked, so only the
	// header read is bounded.
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupMetrics(mux *http.ServeMux, services *Services) {
	mux.Handle("/metrics", promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{
		Registry: services.Registry,
	}))
}

// setupStatic serves the game pages when a directory is configured
func setupStatic(mux *http.ServeMux, dir string) {
	if dir == "" {
		return
	}
	log.Info().Str("dir", dir).Msg("serving static files")
	mux.Handle("/", http.FileServer(http.Dir(dir)))
}
