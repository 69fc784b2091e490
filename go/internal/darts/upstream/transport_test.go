package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/smartystreets/goconvey/convey"

	"github.com/mcdev12/deadeye/go/internal/darts/status"
)

// fakeCaller is a minimal darts-caller: it completes the Socket.IO handshake
// on either transport and sends its throws once the client subscribes.
type fakeCaller struct {
	throws      []string
	noWebSocket bool

	upgrader   websocket.Upgrader
	subscribed chan string

	mu    sync.Mutex
	polls map[string]chan string
}

func newFakeCaller(throws ...string) *fakeCaller {
	return &fakeCaller{
		throws:     throws,
		subscribed: make(chan string, 4),
		polls:      make(map[string]chan string),
	}
}

func (f *fakeCaller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	switch r.URL.Query().Get("transport") {
	case TransportWebSocket:
		if f.noWebSocket {
			http.Error(w, "websocket disabled", http.StatusBadRequest)
			return
		}
		f.serveWebSocket(w, r)
	case TransportPolling:
		f.servePolling(w, r)
	default:
		http.Error(w, "unknown transport", http.StatusBadRequest)
	}
}

func (f *fakeCaller) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("0"+testOpen)); err != nil {
		return
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, reply := range f.handle(string(msg)) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}
}

func (f *fakeCaller) servePolling(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		f.mu.Lock()
		sid = "poll-sid"
		f.polls[sid] = make(chan string, 16)
		f.mu.Unlock()
		io.WriteString(w, "0"+strings.Replace(testOpen, "test-sid", sid, 1))
		return
	}

	f.mu.Lock()
	out, ok := f.polls[sid]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "unknown sid", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		for _, pkt := range bytes.Split(body, []byte{recordSeparator}) {
			for _, reply := range f.handle(string(pkt)) {
				out <- reply
			}
		}
		io.WriteString(w, "ok")
		return
	}

	select {
	case first := <-out:
		batch := []string{first}
	drain:
		for {
			select {
			case next := <-out:
				batch = append(batch, next)
			default:
				break drain
			}
		}
		io.WriteString(w, strings.Join(batch, string(recordSeparator)))
	case <-r.Context().Done():
	}
}

// handle returns the packets to send in answer to one client packet
func (f *fakeCaller) handle(pkt string) []string {
	switch {
	case pkt == "40":
		return []string{`40{"sid":"ns-sid"}`}
	case strings.HasPrefix(pkt, `42["message",{"client"`):
		f.subscribed <- pkt
		replies := make([]string, 0, len(f.throws))
		for _, th := range f.throws {
			replies = append(replies, `42["message",`+th+`]`)
		}
		return replies
	}
	return nil
}

const aliceThrow = `{"event":"dart2-thrown","game":{"fieldNumber":20,"fieldMultiplier":3,"dartValue":60,"dartNumber":2},"player":"Alice"}`

func TestTransportsEndToEnd(t *testing.T) {
	cases := []struct {
		name        string
		transports  []string
		noWebSocket bool
	}{
		{name: "websocket", transports: []string{TransportWebSocket}},
		{name: "polling", transports: []string{TransportPolling}},
		{name: "fallback to polling", transports: []string{TransportWebSocket, TransportPolling}, noWebSocket: true},
	}

	for _, tc := range cases {
		convey.Convey("Given a darts-caller reachable over "+tc.name, t, func() {
			caller := newFakeCaller(aliceThrow)
			caller.noWebSocket = tc.noWebSocket
			srv := httptest.NewServer(caller)
			defer srv.Close()

			cfg := DefaultConfig()
			cfg.URL = srv.URL
			cfg.Transports = tc.transports
			cfg.MaxAttempts = 1

			store := status.NewStore()
			listener := newRecordingListener()
			client, err := NewClient(cfg, store, listener)
			convey.So(err, convey.ShouldBeNil)
			defer client.Close()

			convey.So(client.Connect(context.Background()), convey.ShouldBeNil)

			convey.Convey("Then the client subscribes and relays the throw", func() {
				_, ok := receive(listener.connects)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(store.IsConnected(), convey.ShouldBeTrue)

				sub, ok := receive(caller.subscribed)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(sub, convey.ShouldEqual, `42["message",{"client":"DeadEyeGames","event":"subscribe"}]`)

				ev, ok := receive(listener.messages)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(ev.Player, convey.ShouldEqual, "Alice")
				convey.So(ev.Value, convey.ShouldEqual, 60)
			})
		})
	}
}

func TestTLSVerification(t *testing.T) {
	convey.Convey("Given a darts-caller with a self-signed certificate", t, func() {
		srv := httptest.NewTLSServer(newFakeCaller())
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.URL = srv.URL
		cfg.Transports = []string{TransportWebSocket}
		cfg.MaxAttempts = 1

		convey.Convey("When certificate verification is left on", func() {
			store := status.NewStore()
			client, err := NewClient(cfg, store, newRecordingListener())
			convey.So(err, convey.ShouldBeNil)
			defer client.Close()

			convey.So(client.Connect(context.Background()), convey.ShouldBeNil)
			_, finished := receive(client.Done())

			convey.Convey("Then the connection is refused", func() {
				convey.So(finished, convey.ShouldBeTrue)
				convey.So(client.State(), convey.ShouldEqual, StateFailed)
				convey.So(store.IsConnected(), convey.ShouldBeFalse)
			})
		})

		convey.Convey("When verification is explicitly skipped", func() {
			cfg.InsecureSkipVerify = true
			listener := newRecordingListener()
			client, err := NewClient(cfg, status.NewStore(), listener)
			convey.So(err, convey.ShouldBeNil)
			defer client.Close()

			convey.So(client.Connect(context.Background()), convey.ShouldBeNil)
			_, ok := receive(listener.connects)

			convey.Convey("Then the client connects", func() {
				convey.So(ok, convey.ShouldBeTrue)
			})
		})
	})
}
