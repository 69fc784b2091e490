package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
	"github.com/mcdev12/deadeye/go/internal/darts/status"
)

// Listener receives upstream lifecycle changes and normalized dart throws.
// Callbacks run on the client's worker goroutine and must not block for long.
type Listener interface {
	OnConnect()
	OnDisconnect(err error)
	OnMessage(ev events.DartThrowEvent)
}

// Observer is notified of connection attempts and dropped messages
type Observer interface {
	OnAttempt(transport string, err error)
	OnDrop(err error)
}

// State is a step of the connect/retry state machine
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option customizes a Client
type Option func(*Client)

// WithClock replaces the clock used for retry delays
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithTransports replaces the transports built from the config
func WithTransports(transports ...Transport) Option {
	return func(c *Client) {
		c.transports = transports
	}
}

// WithObserver registers an observer for attempts and drops
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// Client maintains the connection to darts-caller and turns its messages
// into DartThrowEvents. It is the only writer of the status store.
type Client struct {
	config     Config
	endpoint   *url.URL
	store      *status.Store
	listener   Listener
	observer   Observer
	transports []Transport
	clock      clockwork.Clock

	mu      sync.Mutex
	state   State
	attempt int
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates an upstream client. Nothing is dialed until Connect.
func NewClient(config Config, store *status.Store, listener Listener, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := parseEndpoint(config.URL, config.Path)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		endpoint: endpoint,
		store:    store,
		listener: listener,
		clock:    clockwork.NewRealClock(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transports == nil {
		if c.transports, err = newTransports(config); err != nil {
			return nil, err
		}
	}
	if config.InsecureSkipVerify {
		log.Warn().Str("url", endpoint.Redacted()).Msg("upstream certificate verification disabled")
	}
	return c, nil
}

// Connect starts the connect/retry worker. Calling it while a session is
// pending or live is a no-op; after a terminal failure it starts over.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.running {
		log.Debug().Str("state", c.state.String()).Msg("upstream connect already in progress")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateIdle
	c.attempt = 0

	go c.run(runCtx, c.done)
	return nil
}

// Close stops the worker, closes the live session and abandons any pending
// retry. It blocks until the worker has exited.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}

// Done is closed when the current worker exits. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// State returns the current state machine step
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of attempts made in the current outage
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) setState(state State, attempt int) {
	c.mu.Lock()
	c.state = state
	c.attempt = attempt
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	attempt := 0
	wait := false
	for {
		if wait {
			c.setState(StateRetrying, attempt)
			log.Info().
				Dur("delay", c.config.RetryDelay).
				Int("next_attempt", attempt+1).
				Int("max_attempts", c.config.MaxAttempts).
				Msg("retrying upstream connection")
			select {
			case <-ctx.Done():
				c.setState(StateStopped, attempt)
				return
			case <-c.clock.After(c.config.RetryDelay):
			}
		}

		attempt++
		c.setState(StateConnecting, attempt)
		log.Info().
			Str("url", c.endpoint.Redacted()).
			Int("attempt", attempt).
			Int("max_attempts", c.config.MaxAttempts).
			Msg("connecting to darts-caller")

		sess, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateStopped, attempt)
				return
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("upstream connection attempt failed")
			if attempt >= c.config.MaxAttempts {
				c.setState(StateFailed, attempt)
				c.store.SetConnected(false)
				log.Error().
					Str("url", c.endpoint.Redacted()).
					Int("attempts", attempt).
					Msg("upstream unavailable, giving up")
				return
			}
			wait = true
			continue
		}

		attempt = 0
		c.setState(StateConnected, 0)
		c.store.SetConnected(true)
		log.Info().
			Str("transport", sess.transport).
			Str("sid", sess.hs.SID).
			Msg("connected to darts-caller")

		if c.config.ClientName != "" {
			subscribe := map[string]string{"event": "subscribe", "client": c.config.ClientName}
			if err := sess.emit(c.config.EventName, subscribe); err != nil {
				log.Warn().Err(err).Msg("failed to send subscribe message")
			}
		}
		c.listener.OnConnect()

		err = sess.run(c.handleEvent)
		sess.close()
		c.store.SetConnected(false)

		if ctx.Err() != nil {
			c.setState(StateStopped, 0)
			return
		}
		log.Warn().Err(err).Msg("disconnected from darts-caller")
		c.listener.OnDisconnect(err)
		wait = true
	}
}

// dial tries each transport in preference order
func (c *Client) dial(ctx context.Context) (*session, error) {
	var errs []error
	for _, t := range c.transports {
		sess, err := openSession(ctx, t, c.endpoint, c.config.HandshakeTimeout)
		if c.observer != nil {
			c.observer.OnAttempt(t.Name(), err)
		}
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Str("transport", t.Name()).Msg("upstream transport failed")
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, errors.Join(errs...))
}

// handleEvent is the parse boundary: nothing malformed gets past it
func (c *Client) handleEvent(name string, args []json.RawMessage) {
	if name != c.config.EventName {
		log.Debug().Str("event_name", name).Msg("ignoring upstream event")
		return
	}
	if len(args) == 0 {
		c.drop(fmt.Errorf("%w: event without payload", events.ErrMalformedMessage))
		return
	}

	ev, err := events.Normalize(args[0])
	if err != nil {
		c.drop(err)
		return
	}

	log.Info().
		Str("event", string(ev.Kind)).
		Str("player", ev.Player).
		Int("segment", ev.Segment).
		Int("multiplier", ev.Multiplier).
		Str("hit", ev.MultiplierName()).
		Int("value", ev.Value).
		Str("dart_number", ev.DartNumberString()).
		Msg("dart thrown")
	c.listener.OnMessage(ev)
}

func (c *Client) drop(err error) {
	if errors.Is(err, events.ErrUnknownEventKind) {
		log.Debug().Err(err).Msg("ignoring upstream message")
	} else {
		log.Warn().Err(err).Msg("dropping malformed upstream message")
	}
	if c.observer != nil {
		c.observer.OnDrop(err)
	}
}
