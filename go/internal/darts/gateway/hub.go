package gateway

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
	"github.com/mcdev12/deadeye/go/internal/darts/status"
)

// Subscriber is a downstream connection handle owned by the hub
type Subscriber interface {
	ID() string
	// Deliver hands one encoded frame to the subscriber without blocking
	Deliver(frame []byte) error
}

// SubscriberEventListener receives downstream connection lifecycle events
type SubscriberEventListener interface {
	OnJoin(sub Subscriber)
	OnLeave(sub Subscriber)
	OnPing(sub Subscriber)
}

// HubStats summarizes the hub for the stats and health endpoints
type HubStats struct {
	Subscribers       int  `json:"subscribers"`
	UpstreamConnected bool `json:"upstream_connected"`
}

// SubscriberHub fans dart throws and status changes out to every subscriber
type SubscriberHub struct {
	subscribers map[Subscriber]struct{}
	mu          sync.RWMutex

	// statusMu orders join snapshots against status broadcasts so the last
	// status a subscriber sees is never older than the store
	statusMu sync.Mutex

	store   *status.Store
	metrics *Metrics
}

// NewSubscriberHub creates a hub that snapshots status from store
func NewSubscriberHub(store *status.Store, metrics *Metrics) *SubscriberHub {
	return &SubscriberHub{
		subscribers: make(map[Subscriber]struct{}),
		store:       store,
		metrics:     metrics,
	}
}

// OnJoin registers sub and sends it the current upstream status
func (h *SubscriberHub) OnJoin(sub Subscriber) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	total := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.setSubscribers(total)
	log.Info().
		Str("subscriber_id", sub.ID()).
		Int("total_subscribers", total).
		Msg("subscriber joined")

	h.sendStatus(sub, MessageTypeDartsStatus)
}

// OnLeave removes sub. Unknown handles are ignored.
func (h *SubscriberHub) OnLeave(sub Subscriber) {
	h.mu.Lock()
	_, exists := h.subscribers[sub]
	delete(h.subscribers, sub)
	total := len(h.subscribers)
	h.mu.Unlock()

	if !exists {
		return
	}
	h.metrics.setSubscribers(total)
	log.Info().
		Str("subscriber_id", sub.ID()).
		Int("total_subscribers", total).
		Msg("subscriber left")
}

// OnPing answers a client ping with the current upstream status
func (h *SubscriberHub) OnPing(sub Subscriber) {
	h.sendStatus(sub, MessageTypePong)
}

// BroadcastDartThrow sends ev to every registered subscriber
func (h *SubscriberHub) BroadcastDartThrow(ev events.DartThrowEvent) {
	frame, err := dartThrownFrame(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode dart throw for broadcast")
		return
	}
	delivered := h.broadcast(frame)
	h.metrics.dartThrown(ev.Kind)

	log.Debug().
		Str("event", string(ev.Kind)).
		Int("subscribers", delivered).
		Msg("dart throw broadcasted")
}

// BroadcastStatus sends the upstream status to every registered subscriber
func (h *SubscriberHub) BroadcastStatus(connected bool) {
	frame, err := statusFrame(MessageTypeDartsStatus, connected)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode status for broadcast")
		return
	}
	h.statusMu.Lock()
	delivered := h.broadcast(frame)
	h.statusMu.Unlock()

	log.Info().
		Bool("connected", connected).
		Int("subscribers", delivered).
		Msg("upstream status broadcasted")
}

// Stats returns the subscriber count and upstream flag
func (h *SubscriberHub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Subscribers:       len(h.subscribers),
		UpstreamConnected: h.store.IsConnected(),
	}
}

// Shutdown forgets every subscriber and closes those that can be closed
func (h *SubscriberHub) Shutdown() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[Subscriber]struct{})
	h.mu.Unlock()

	h.metrics.setSubscribers(0)
	for _, sub := range subs {
		if closer, ok := sub.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Debug().Err(err).Str("subscriber_id", sub.ID()).Msg("closing subscriber")
			}
		}
	}
	log.Info().Int("subscribers", len(subs)).Msg("subscriber hub shut down")
}

// broadcast delivers frame to a snapshot of the subscriber set and returns
// how many deliveries succeeded
func (h *SubscriberHub) broadcast(frame []byte) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if h.deliver(sub, frame) {
			delivered++
		}
	}
	return delivered
}

func (h *SubscriberHub) sendStatus(sub Subscriber, msgType MessageType) {
	frame, err := statusFrame(msgType, h.store.IsConnected())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode status")
		return
	}
	h.deliver(sub, frame)
}

func (h *SubscriberHub) deliver(sub Subscriber, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscriber_id", sub.ID()).Msg("subscriber delivery panicked")
			h.metrics.deliveryFailed()
			ok = false
		}
	}()

	if err := sub.Deliver(frame); err != nil {
		log.Warn().Err(err).Str("subscriber_id", sub.ID()).Msg("failed to deliver to subscriber")
		h.metrics.deliveryFailed()
		return false
	}
	return true
}
