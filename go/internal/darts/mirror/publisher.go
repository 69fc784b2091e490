// Package mirror republishes forwarded dart throws onto NATS so other
// services can consume the live scoring feed.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
)

// Config holds the NATS connection and subject settings
type Config struct {
	URL           string
	SubjectPrefix string
	// StreamName turns on JetStream publishing with per-event dedup when set
	StreamName      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		SubjectPrefix:   "darts.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url must not be empty")
	}
	prefix := strings.TrimSpace(c.SubjectPrefix)
	if prefix == "" || strings.ContainsAny(prefix, " *>") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("invalid nats subject prefix %q", c.SubjectPrefix)
	}
	return nil
}

// Envelope is the body of every mirrored message
type Envelope struct {
	EventID   string                   `json:"eventId"`
	EventType events.EventKind         `json:"eventType"`
	Timestamp time.Time                `json:"timestamp"`
	Payload   events.DartThrownPayload `json:"payload"`
}

// Publisher mirrors dart throws to NATS. It satisfies gateway.Sink.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.Name("deadeye-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	p := &Publisher{nc: nc, config: cfg}
	if cfg.StreamName == "" {
		log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", cfg.SubjectPrefix).Msg("mirroring dart throws to NATS")
		return p, nil
	}

	if p.js, err = jetstream.New(nc); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("stream", cfg.StreamName).
		Str("prefix", cfg.SubjectPrefix).
		Msg("mirroring dart throws to JetStream")
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := streamConfig(p.config)

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup stream: %w", err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	return nil
}

// Publish sends ev to <prefix>.<kind>
func (p *Publisher) Publish(ctx context.Context, ev events.DartThrowEvent) error {
	msg, err := newMessage(p.config.SubjectPrefix, ev, uuid.New(), time.Now().UTC())
	if err != nil {
		return err
	}
	return p.publishMsg(ctx, msg)
}

// publishMsg sends msg on core NATS, or on JetStream keyed by its Event-ID
// header so redeliveries inside the duplicate window are discarded
func (p *Publisher) publishMsg(ctx context.Context, msg *nats.Msg) error {
	if p.js == nil {
		if err := p.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish to NATS: %w", err)
		}
		log.Debug().Str("subject", msg.Subject).Msg("mirrored dart throw")
		return nil
	}

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(msg.Header.Get("Event-ID")),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	log.Debug().
		Str("subject", msg.Subject).
		Uint64("sequence", ack.Sequence).
		Str("stream", ack.Stream).
		Bool("duplicate", ack.Duplicate).
		Msg("mirrored dart throw")
	return nil
}

// Connected reports whether the NATS connection is currently up
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func subject(prefix string, kind events.EventKind) string {
	return fmt.Sprintf("%s.%s", prefix, kind)
}

func newMessage(prefix string, ev events.DartThrowEvent, id uuid.UUID, now time.Time) (*nats.Msg, error) {
	data, err := json.Marshal(Envelope{
		EventID:   id.String(),
		EventType: ev.Kind,
		Timestamp: now,
		Payload:   ev.Payload(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{
		Subject: subject(prefix, ev.Kind),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(ev.Kind)},
			"Event-ID":   []string{id.String()},
			"Player":     []string{ev.Player},
		},
	}, nil
}

func streamConfig(cfg Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Live dart throws mirrored from darts-caller",
		Subjects:    []string{fmt.Sprintf("%s.>", cfg.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     -1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  cfg.DuplicateWindow,
	}
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		slices.Equal(a.Subjects, b.Subjects)
}
