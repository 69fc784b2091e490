package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Engine.IO v4 packet types
const (
	packetOpen    byte = '0'
	packetClose   byte = '1'
	packetPing    byte = '2'
	packetPong    byte = '3'
	packetMessage byte = '4'
	packetUpgrade byte = '5'
	packetNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message
const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
	socketBinaryEvent  byte = '5'
	socketBinaryAck    byte = '6'
)

// recordSeparator delimits packets in a long-polling payload
const recordSeparator = '\x1e'

var errEmptyPacket = errors.New("empty packet")

// Packet is one Engine.IO packet
type Packet struct {
	Type byte
	Data []byte
}

func (p Packet) encode() []byte {
	out := make([]byte, 0, len(p.Data)+1)
	out = append(out, p.Type)
	return append(out, p.Data...)
}

func decodePacket(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, errEmptyPacket
	}
	if b[0] < packetOpen || b[0] > packetNoop {
		return Packet{}, fmt.Errorf("unknown engine packet type %q", b[0])
	}
	data := make([]byte, len(b)-1)
	copy(data, b[1:])
	return Packet{Type: b[0], Data: data}, nil
}

// decodePayload splits a long-polling response body into packets
func decodePayload(body []byte) ([]Packet, error) {
	var packets []Packet
	for _, part := range bytes.Split(body, []byte{recordSeparator}) {
		if len(part) == 0 {
			continue
		}
		p, err := decodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// handshake is the JSON body of the Engine.IO open packet
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func parseHandshake(p Packet) (handshake, error) {
	if p.Type != packetOpen {
		return handshake{}, fmt.Errorf("expected open packet, got %q", p.Type)
	}
	var hs handshake
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		return handshake{}, fmt.Errorf("decode open packet: %w", err)
	}
	if hs.SID == "" {
		return handshake{}, errors.New("open packet without sid")
	}
	return hs, nil
}

// heartbeatWindow is how long the session may go without hearing from the server
func (h handshake) heartbeatWindow() time.Duration {
	interval := time.Duration(h.PingInterval) * time.Millisecond
	timeout := time.Duration(h.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return interval + timeout
}

// socketPacket is one Socket.IO packet on the default namespace
type socketPacket struct {
	Type      byte
	Namespace string
	AckID     int
	Data      json.RawMessage
}

func decodeSocketPacket(b []byte) (socketPacket, error) {
	if len(b) == 0 {
		return socketPacket{}, errEmptyPacket
	}
	sp := socketPacket{Type: b[0], Namespace: "/", AckID: -1}
	rest := b[1:]

	if sp.Type == socketBinaryEvent || sp.Type == socketBinaryAck {
		// attachment count prefix, e.g. "1-"
		if i := bytes.IndexByte(rest, '-'); i >= 0 {
			rest = rest[i+1:]
		}
	}

	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			sp.Namespace = string(rest)
			return sp, nil
		}
		sp.Namespace = string(rest[:i])
		rest = rest[i+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return socketPacket{}, fmt.Errorf("parse ack id: %w", err)
		}
		sp.AckID = id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		sp.Data = append(json.RawMessage(nil), rest...)
	}
	return sp, nil
}

// eventArgs splits an event packet body into its name and arguments
func eventArgs(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("decode event array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	return name, parts[1:], nil
}

// eventPacket builds the Engine.IO message carrying a Socket.IO event
func eventPacket(name string, args ...any) (Packet, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	data, err := json.Marshal(parts)
	if err != nil {
		return Packet{}, fmt.Errorf("encode event %s: %w", name, err)
	}
	body := make([]byte, 0, len(data)+1)
	body = append(body, socketEvent)
	body = append(body, data...)
	return Packet{Type: packetMessage, Data: body}, nil
}

func connectPacket() Packet {
	return Packet{Type: packetMessage, Data: []byte{socketConnect}}
}

func disconnectPacket() Packet {
	return Packet{Type: packetMessage, Data: []byte{socketDisconnect}}
}
