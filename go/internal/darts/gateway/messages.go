package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
)

// MessageType names a downstream message
type MessageType string

const (
	MessageTypeDartsStatus MessageType = "darts_status"
	MessageTypeDartThrown  MessageType = "dart_thrown"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message is the envelope for every frame exchanged with browser clients
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusPayload reports whether the relay currently has an upstream session
type StatusPayload struct {
	Connected bool `json:"connected"`
}

// encodeMessage builds one text frame
func encodeMessage(msgType MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	frame, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return frame, nil
}

func statusFrame(msgType MessageType, connected bool) ([]byte, error) {
	return encodeMessage(msgType, StatusPayload{Connected: connected})
}

func dartThrownFrame(ev events.DartThrowEvent) ([]byte, error) {
	return encodeMessage(MessageTypeDartThrown, ev.Payload())
}
