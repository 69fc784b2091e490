package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
	"github.com/mcdev12/deadeye/go/internal/darts/upstream"
)

var errSubscriberGone = errors.New("subscriber gone")

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// fakeSubscriber records every frame it is handed
type fakeSubscriber struct {
	id     string
	fail   error
	frames chan Message

	mu     sync.Mutex
	closed bool
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, frames: make(chan Message, 16)}
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Deliver(frame []byte) error {
	if s.fail != nil {
		return s.fail
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	s.frames <- msg
	return nil
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// panickingSubscriber blows up on delivery
type panickingSubscriber struct{ id string }

func (s panickingSubscriber) ID() string { return s.id }

func (s panickingSubscriber) Deliver([]byte) error { panic("subscriber exploded") }

func receive[T any](ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(2 * time.Second):
		var zero T
		return zero, false
	}
}

func statusOf(msg Message) (bool, error) {
	var payload StatusPayload
	err := json.Unmarshal(msg.Data, &payload)
	return payload.Connected, err
}

// recordingSink collects published dart throws
type recordingSink struct {
	fail   error
	events chan events.DartThrowEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan events.DartThrowEvent, 16)}
}

func (s *recordingSink) Publish(_ context.Context, ev events.DartThrowEvent) error {
	s.events <- ev
	return s.fail
}

const testOpen = `{"sid":"test-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

// scriptedConn is an in-memory Engine.IO connection that completes the
// Socket.IO handshake and then replays pushed packets
type scriptedConn struct {
	inbox  chan upstream.Packet
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	c := &scriptedConn{
		inbox:  make(chan upstream.Packet, 16),
		closed: make(chan struct{}),
	}
	c.inbox <- upstream.Packet{Type: '0', Data: []byte(testOpen)}
	c.inbox <- upstream.Packet{Type: '4', Data: []byte(`0{"sid":"ns-sid"}`)}
	return c
}

func (c *scriptedConn) pushEvent(payload string) {
	c.inbox <- upstream.Packet{Type: '4', Data: []byte(`2["message",` + payload + `]`)}
}

func (c *scriptedConn) ReadPacket() (upstream.Packet, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.closed:
		return upstream.Packet{}, errors.New("use of closed connection")
	}
}

func (c *scriptedConn) WritePacket(upstream.Packet) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
		return nil
	}
}

func (c *scriptedConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedTransport hands out conn, or err when conn is nil
type scriptedTransport struct {
	conn *scriptedConn
	err  error
}

func (t *scriptedTransport) Name() string { return "scripted" }

func (t *scriptedTransport) Dial(context.Context, *url.URL) (upstream.Conn, error) {
	if t.conn == nil {
		return nil, t.err
	}
	return t.conn, nil
}

// gatedSubscriber holds its first delivery until release is closed and
// records every status it is handed in order
type gatedSubscriber struct {
	id      string
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	first    bool
	statuses []bool
}

func newGatedSubscriber(id string) *gatedSubscriber {
	return &gatedSubscriber{
		id:      id,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		first:   true,
	}
}

func (s *gatedSubscriber) ID() string { return s.id }

func (s *gatedSubscriber) Deliver(frame []byte) error {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	connected, err := statusOf(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	first := s.first
	s.first = false
	s.mu.Unlock()
	if first {
		close(s.entered)
		<-s.release
	}

	s.mu.Lock()
	s.statuses = append(s.statuses, connected)
	s.mu.Unlock()
	return nil
}

func (s *gatedSubscriber) seen() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.statuses...)
}

// blockingSink parks every Publish until release is closed or ctx ends
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSink) Publish(ctx context.Context, _ events.DartThrowEvent) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
