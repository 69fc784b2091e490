package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
)

// Sink receives every forwarded dart throw after subscribers have it.
// Sinks run on their own goroutine and never hold up subscriber delivery.
type Sink interface {
	Publish(ctx context.Context, ev events.DartThrowEvent) error
}

// sinkPublishTimeout bounds a single Sink.Publish call
const sinkPublishTimeout = 5 * time.Second

type notificationKind int

const (
	notifyStatus notificationKind = iota
	notifyDartThrow
)

type notification struct {
	kind      notificationKind
	connected bool
	event     events.DartThrowEvent
}

// Relay moves upstream notifications onto the hub. It implements
// upstream.Listener and upstream.Observer; callbacks only enqueue, and Run
// drains the queue in arrival order on its own goroutine.
type Relay struct {
	hub     *SubscriberHub
	metrics *Metrics
	sinks   []Sink

	queue     chan notification
	sinkQueue chan events.DartThrowEvent
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewRelay creates a relay with a queue of bufferSize notifications
func NewRelay(hub *SubscriberHub, metrics *Metrics, bufferSize int, sinks ...Sink) *Relay {
	return &Relay{
		hub:     hub,
		metrics: metrics,
		sinks:   sinks,
		queue:     make(chan notification, bufferSize),
		sinkQueue: make(chan events.DartThrowEvent, bufferSize),
		stopped:   make(chan struct{}),
	}
}

func (r *Relay) OnConnect() {
	r.enqueue(notification{kind: notifyStatus, connected: true})
}

func (r *Relay) OnDisconnect(err error) {
	r.enqueue(notification{kind: notifyStatus, connected: false})
}

func (r *Relay) OnMessage(ev events.DartThrowEvent) {
	r.enqueue(notification{kind: notifyDartThrow, event: ev})
}

func (r *Relay) OnAttempt(transport string, err error) {
	r.metrics.connectAttempt(transport, err)
}

func (r *Relay) OnDrop(err error) {
	r.metrics.dropped(err)
}

// enqueue blocks while the queue is full so no notification is skipped,
// unless the relay has stopped
func (r *Relay) enqueue(n notification) {
	select {
	case r.queue <- n:
	case <-r.stopped:
	}
}

// Run dispatches notifications until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	defer r.stopOnce.Do(func() { close(r.stopped) })
	log.Info().Msg("relay started")

	if len(r.sinks) > 0 {
		go r.runSinks(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return
		case n := <-r.queue:
			r.dispatch(n)
		}
	}
}

func (r *Relay) dispatch(n notification) {
	switch n.kind {
	case notifyStatus:
		r.metrics.setUpstreamConnected(n.connected)
		r.hub.BroadcastStatus(n.connected)

	case notifyDartThrow:
		r.hub.BroadcastDartThrow(n.event)
		if len(r.sinks) == 0 {
			return
		}
		select {
		case r.sinkQueue <- n.event:
		default:
			r.metrics.sinkDropped()
			log.Warn().Str("event", string(n.event.Kind)).Msg("sink queue full, dart throw not published")
		}
	}
}

// runSinks publishes queued dart throws to every sink until ctx is cancelled
func (r *Relay) runSinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.sinkQueue:
			for _, sink := range r.sinks {
				r.publish(ctx, sink, ev)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, sink Sink, ev events.DartThrowEvent) {
	ctx, cancel := context.WithTimeout(ctx, sinkPublishTimeout)
	defer cancel()

	if err := sink.Publish(ctx, ev); err != nil {
		r.metrics.sinkFailed()
		log.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to publish dart throw to sink")
	}
}
