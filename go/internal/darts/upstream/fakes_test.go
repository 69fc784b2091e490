package upstream

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
)

const testOpen = `{"sid":"test-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

var errFakeDial = errors.New("connection refused")

// fakeConn is an in-memory Conn fed through its inbox
type fakeConn struct {
	inbox  chan Packet
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Packet
}

// newFakeConn returns a conn that will complete the handshake
func newFakeConn() *fakeConn {
	c := &fakeConn{
		inbox:  make(chan Packet, 32),
		closed: make(chan struct{}),
	}
	c.inbox <- Packet{Type: packetOpen, Data: []byte(testOpen)}
	c.inbox <- Packet{Type: packetMessage, Data: []byte(`0{"sid":"ns-sid"}`)}
	return c
}

func (c *fakeConn) push(p Packet) {
	c.inbox <- p
}

func (c *fakeConn) pushEvent(payload string) {
	c.push(Packet{Type: packetMessage, Data: []byte(`2["message",` + payload + `]`)})
}

func (c *fakeConn) ReadPacket() (Packet, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.closed:
		return Packet{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WritePacket(p Packet) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, p)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, p := range c.written {
		out = append(out, string(p.encode()))
	}
	return out
}

// fakeTransport hands out scripted dial results
type fakeTransport struct {
	mu    sync.Mutex
	dials int
	next  func(ctx context.Context, n int) (Conn, error)
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Dial(ctx context.Context, _ *url.URL) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.mu.Unlock()
	return t.next(ctx, n)
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// recordingListener captures callbacks on channels
type recordingListener struct {
	connects    chan struct{}
	disconnects chan error
	messages    chan events.DartThrowEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connects:    make(chan struct{}, 16),
		disconnects: make(chan error, 16),
		messages:    make(chan events.DartThrowEvent, 16),
	}
}

func (l *recordingListener) OnConnect() { l.connects <- struct{}{} }
func (l *recordingListener) OnDisconnect(err error) { l.disconnects <- err }
func (l *recordingListener) OnMessage(ev events.DartThrowEvent) { l.messages <- ev }

type countingObserver struct {
	mu       sync.Mutex
	attempts int
	drops    []error
}

func (o *countingObserver) OnAttempt(string, error) {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()
}

func (o *countingObserver) OnDrop(err error) {
	o.mu.Lock()
	o.drops = append(o.drops, err)
	o.mu.Unlock()
}

func (o *countingObserver) dropCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.drops)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
