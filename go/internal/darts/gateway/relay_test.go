package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartystreets/goconvey/convey"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
	"github.com/mcdev12/deadeye/go/internal/darts/status"
)

func TestRelayStatusOrder(t *testing.T) {
	convey.Convey("Given a running relay with two subscribers", t, func() {
		metrics := newTestMetrics()
		hub := NewSubscriberHub(status.NewStore(), metrics)
		relay := NewRelay(hub, metrics, 4)

		subs := []*fakeSubscriber{newFakeSubscriber("a"), newFakeSubscriber("b")}
		for _, sub := range subs {
			hub.OnJoin(sub)
			receive(sub.frames)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go relay.Run(ctx)

		convey.Convey("When the upstream drops and comes back", func() {
			relay.OnDisconnect(errors.New("transport closed"))
			relay.OnConnect()

			convey.Convey("Then every subscriber sees false then true", func() {
				for _, sub := range subs {
					var got []bool
					for range 2 {
						msg, ok := receive(sub.frames)
						convey.So(ok, convey.ShouldBeTrue)
						convey.So(msg.Type, convey.ShouldEqual, MessageTypeDartsStatus)
						connected, err := statusOf(msg)
						convey.So(err, convey.ShouldBeNil)
						got = append(got, connected)
					}
					convey.So(got, convey.ShouldResemble, []bool{false, true})
				}
				convey.So(testutil.ToFloat64(metrics.upstreamConnected), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When a status change and a throw arrive back to back", func() {
			relay.OnConnect()
			relay.OnMessage(aliceThrow())

			convey.Convey("Then they are delivered in arrival order", func() {
				first, _ := receive(subs[0].frames)
				second, _ := receive(subs[0].frames)
				convey.So(first.Type, convey.ShouldEqual, MessageTypeDartsStatus)
				convey.So(second.Type, convey.ShouldEqual, MessageTypeDartThrown)
			})
		})
	})
}

func TestRelaySinks(t *testing.T) {
	convey.Convey("Given a relay with a failing and a healthy sink", t, func() {
		metrics := newTestMetrics()
		hub := NewSubscriberHub(status.NewStore(), metrics)
		failing := newRecordingSink()
		failing.fail = errors.New("nats: no servers available")
		healthy := newRecordingSink()
		relay := NewRelay(hub, metrics, 4, failing, healthy)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go relay.Run(ctx)

		convey.Convey("When a dart throw is relayed", func() {
			relay.OnMessage(aliceThrow())

			convey.Convey("Then both sinks receive it", func() {
				for _, sink := range []*recordingSink{failing, healthy} {
					ev, ok := receive(sink.events)
					convey.So(ok, convey.ShouldBeTrue)
					convey.So(ev.Player, convey.ShouldEqual, "Alice")
				}
			})
		})
	})
}

func TestRelaySlowSink(t *testing.T) {
	convey.Convey("Given a relay whose sink never finishes publishing", t, func() {
		metrics := newTestMetrics()
		hub := NewSubscriberHub(status.NewStore(), metrics)
		sub := newFakeSubscriber("a")
		hub.OnJoin(sub)
		receive(sub.frames)

		sink := newBlockingSink()
		defer close(sink.release)
		relay := NewRelay(hub, metrics, 1, sink)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go relay.Run(ctx)

		convey.Convey("When several dart throws arrive", func() {
			relay.OnMessage(aliceThrow())
			_, ok := receive(sink.entered)
			convey.So(ok, convey.ShouldBeTrue)

			started := time.Now()
			relay.OnMessage(aliceThrow())
			relay.OnMessage(aliceThrow())

			convey.Convey("Then subscribers get every throw without waiting on the sink", func() {
				for range 3 {
					msg, ok := receive(sub.frames)
					convey.So(ok, convey.ShouldBeTrue)
					convey.So(msg.Type, convey.ShouldEqual, MessageTypeDartThrown)
				}
				convey.So(time.Since(started), convey.ShouldBeLessThan, 500*time.Millisecond)
			})

			convey.Convey("Then throws beyond the sink queue are counted as dropped", func() {
				dropped := waitFor(func() bool {
					return testutil.ToFloat64(metrics.sinkFailures.WithLabelValues("queue_full")) == 1
				})
				convey.So(dropped, convey.ShouldBeTrue)
			})
		})
	})
}

func TestRelayObserver(t *testing.T) {
	convey.Convey("Given a relay", t, func() {
		metrics := newTestMetrics()
		relay := NewRelay(NewSubscriberHub(status.NewStore(), metrics), metrics, 1)

		convey.Convey("When attempts and drops are observed", func() {
			relay.OnAttempt("websocket", errors.New("refused"))
			relay.OnAttempt("polling", nil)
			relay.OnDrop(events.ErrUnknownEventKind)
			relay.OnDrop(events.ErrMalformedMessage)
			relay.OnDrop(events.ErrMalformedMessage)

			convey.Convey("Then the metrics are labelled by outcome", func() {
				convey.So(testutil.ToFloat64(metrics.connectAttempts.WithLabelValues("websocket", "failure")), convey.ShouldEqual, 1)
				convey.So(testutil.ToFloat64(metrics.connectAttempts.WithLabelValues("polling", "success")), convey.ShouldEqual, 1)
				convey.So(testutil.ToFloat64(metrics.droppedMessages.WithLabelValues("unknown_kind")), convey.ShouldEqual, 1)
				convey.So(testutil.ToFloat64(metrics.droppedMessages.WithLabelValues("malformed")), convey.ShouldEqual, 2)
			})
		})
	})
}

func TestRelayStopped(t *testing.T) {
	convey.Convey("Given a relay whose run loop has exited", t, func() {
		metrics := newTestMetrics()
		relay := NewRelay(NewSubscriberHub(status.NewStore(), metrics), metrics, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		relay.Run(ctx)

		convey.Convey("Then callbacks no longer block once the queue is full", func() {
			done := make(chan struct{})
			go func() {
				relay.OnConnect()
				relay.OnDisconnect(nil)
				relay.OnMessage(aliceThrow())
				close(done)
			}()
			_, ok := receive(done)
			convey.So(ok, convey.ShouldBeTrue)
		})
	})
}

func TestRelayBackpressure(t *testing.T) {
	convey.Convey("Given a relay with a one slot queue that is not running yet", t, func() {
		metrics := newTestMetrics()
		hub := NewSubscriberHub(status.NewStore(), metrics)
		sub := newFakeSubscriber("a")
		hub.OnJoin(sub)
		receive(sub.frames)
		relay := NewRelay(hub, metrics, 1)

		convey.Convey("When more notifications arrive than fit", func() {
			sent := make(chan struct{})
			go func() {
				relay.OnDisconnect(nil)
				relay.OnConnect()
				close(sent)
			}()

			convey.Convey("Then the producer waits instead of skipping", func() {
				select {
				case <-sent:
					t.Fatal("second notification should block until the relay drains")
				case <-time.After(50 * time.Millisecond):
				}

				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go relay.Run(ctx)

				_, ok := receive(sent)
				convey.So(ok, convey.ShouldBeTrue)
				first, _ := receive(sub.frames)
				second, _ := receive(sub.frames)
				convey.So(string(first.Data), convey.ShouldEqual, `{"connected":false}`)
				convey.So(string(second.Data), convey.ShouldEqual, `{"connected":true}`)
			})
		})
	})
}
