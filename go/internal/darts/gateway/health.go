package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/upstream"
)

// HealthStatus is the body of the health endpoint
type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	UpstreamState     string   `json:"upstream_state"`
	UpstreamConnected bool     `json:"upstream_connected"`
	Attempt           int      `json:"attempt"`
	Subscribers       int      `json:"subscribers"`
	Errors            []string `json:"errors"`
}

type upstreamState interface {
	State() upstream.State
	Attempt() int
}

// HealthChecker reports relay health. The relay stays healthy while it is
// still trying to reach darts-caller; it is unhealthy once it gave up.
type HealthChecker struct {
	client upstreamState
	hub    *SubscriberHub
}

func NewHealthChecker(client upstreamState, hub *SubscriberHub) *HealthChecker {
	return &HealthChecker{client: client, hub: hub}
}

func (h *HealthChecker) Check() HealthStatus {
	stats := h.hub.Stats()
	state := h.client.State()

	status := HealthStatus{
		Healthy:           true,
		UpstreamState:     state.String(),
		UpstreamConnected: stats.UpstreamConnected,
		Attempt:           h.client.Attempt(),
		Subscribers:       stats.Subscribers,
		Errors:            []string{},
	}

	switch state {
	case upstream.StateFailed:
		status.Healthy = false
		status.Errors = append(status.Errors, "darts-caller unreachable, retries exhausted")
	case upstream.StateStopped:
		status.Healthy = false
		status.Errors = append(status.Errors, "upstream client stopped")
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
