package events

import (
	"encoding/json"
)

// EventKind identifies which dart of the round a throw event describes
type EventKind string

const (
	EventKindDart1Thrown EventKind = "dart1-thrown"
	EventKindDart2Thrown EventKind = "dart2-thrown"
	EventKindDart3Thrown EventKind = "dart3-thrown"
)

// IsDartThrow reports whether k is one of the recognized dart throw kinds
func (k EventKind) IsDartThrow() bool {
	switch k {
	case EventKindDart1Thrown, EventKindDart2Thrown, EventKindDart3Thrown:
		return true
	default:
		return false
	}
}

const (
	defaultMultiplier = 1
	defaultPlayer     = "Unknown"
)

var defaultDartNumber = json.RawMessage(`"?"`)

// DartThrowEvent is the normalized form of an upstream dart throw.
//
// It is a value type: copies share nothing with each other or with the
// upstream payload it was built from.
type DartThrowEvent struct {
	Kind       EventKind
	Segment    int
	Multiplier int
	Value      int
	DartNumber json.RawMessage
	Player     string
}

// DartThrownPayload is the downstream wire shape of a DartThrowEvent
type DartThrownPayload struct {
	Event      EventKind       `json:"event"`
	Segment    int             `json:"segment"`
	Multiplier int             `json:"multiplier"`
	Value      int             `json:"value"`
	DartNumber json.RawMessage `json:"dartNumber"`
	Player     string          `json:"player"`
}

// Payload returns the wire representation of the event
func (e DartThrowEvent) Payload() DartThrownPayload {
	return DartThrownPayload{
		Event:      e.Kind,
		Segment:    e.Segment,
		Multiplier: e.Multiplier,
		Value:      e.Value,
		DartNumber: cloneRaw(e.DartNumber),
		Player:     e.Player,
	}
}

// MultiplierName returns Single, Double or Triple, or "" for any other multiplier
func (e DartThrowEvent) MultiplierName() string {
	switch e.Multiplier {
	case 1:
		return "Single"
	case 2:
		return "Double"
	case 3:
		return "Triple"
	default:
		return ""
	}
}

// DartNumberString renders the dart number for logs
func (e DartThrowEvent) DartNumberString() string {
	var s string
	if err := json.Unmarshal(e.DartNumber, &s); err == nil {
		return s
	}
	return string(e.DartNumber)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
