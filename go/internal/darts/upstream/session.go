package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// eventHandler receives Socket.IO events from a live session
type eventHandler func(name string, args []json.RawMessage)

// session is one handshaken Socket.IO connection on the default namespace
type session struct {
	conn      Conn
	transport string
	hs        handshake
	stop      func() bool
}

// openSession dials through t and completes the Engine.IO and Socket.IO
// handshakes within timeout. Cancelling ctx closes the connection at any point.
func openSession(ctx context.Context, t Transport, endpoint *url.URL, timeout time.Duration) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.Dial(dialCtx, endpoint)
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:      conn,
		transport: t.Name(),
		stop:      context.AfterFunc(ctx, func() { conn.Close() }),
	}

	if err := s.handshake(time.Now().Add(timeout)); err != nil {
		s.close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return s, nil
}

func (s *session) handshake(deadline time.Time) error {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	p, err := s.conn.ReadPacket()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if s.hs, err = parseHandshake(p); err != nil {
		return err
	}

	if err := s.conn.WritePacket(connectPacket()); err != nil {
		return fmt.Errorf("send namespace connect: %w", err)
	}

	for {
		p, err := s.conn.ReadPacket()
		if err != nil {
			return fmt.Errorf("await namespace connect: %w", err)
		}
		switch p.Type {
		case packetPing:
			if err := s.conn.WritePacket(Packet{Type: packetPong, Data: p.Data}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case packetClose:
			return errRemoteClosed
		case packetMessage:
			sp, err := decodeSocketPacket(p.Data)
			if err != nil {
				return fmt.Errorf("decode namespace reply: %w", err)
			}
			if sp.Namespace != "/" {
				continue
			}
			switch sp.Type {
			case socketConnect:
				return nil
			case socketConnectError:
				return fmt.Errorf("namespace connect refused: %s", string(sp.Data))
			}
		}
	}
}

// emit sends a Socket.IO event
func (s *session) emit(name string, args ...any) error {
	p, err := eventPacket(name, args...)
	if err != nil {
		return err
	}
	return s.conn.WritePacket(p)
}

// run reads packets until the session ends, answering heartbeats and handing
// events to handle. It always returns a non-nil error.
func (s *session) run(handle eventHandler) error {
	window := s.hs.heartbeatWindow()
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		p, err := s.conn.ReadPacket()
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		switch p.Type {
		case packetPing:
			if err := s.conn.WritePacket(Packet{Type: packetPong, Data: p.Data}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case packetClose:
			return errRemoteClosed
		case packetMessage:
			if err := s.dispatch(p.Data, handle); err != nil {
				return err
			}
		}
	}
}

func (s *session) dispatch(data []byte, handle eventHandler) error {
	sp, err := decodeSocketPacket(data)
	if err != nil {
		log.Warn().Err(err).Str("transport", s.transport).Msg("dropping undecodable upstream packet")
		return nil
	}
	if sp.Namespace != "/" {
		return nil
	}

	switch sp.Type {
	case socketDisconnect:
		return errRemoteDisconnect
	case socketEvent:
		name, args, err := eventArgs(sp.Data)
		if err != nil {
			log.Warn().Err(err).Str("transport", s.transport).Msg("dropping malformed upstream event")
			return nil
		}
		handle(name, args)
	}
	return nil
}

func (s *session) close() {
	if s.stop != nil {
		s.stop()
	}
	// best effort: the server may already be gone
	_ = s.conn.WritePacket(disconnectPacket())
	if err := s.conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("transport", s.transport).Msg("closing upstream session")
	}
}
