package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMalformedMessage is returned for payloads that are not valid JSON or
	// lack the fields a dart throw needs
	ErrMalformedMessage = errors.New("malformed upstream message")

	// ErrUnknownEventKind is returned when the event field names anything
	// other than a dart throw. Callers treat it as a no-op.
	ErrUnknownEventKind = errors.New("unknown event kind")
)

// upstreamMessage mirrors the envelope darts-caller sends
type upstreamMessage struct {
	Event  *string         `json:"event"`
	Game   json.RawMessage `json:"game"`
	Player *string         `json:"player"`
}

type upstreamGame struct {
	FieldNumber     *intField       `json:"fieldNumber"`
	FieldMultiplier *intField       `json:"fieldMultiplier"`
	DartValue       *intField       `json:"dartValue"`
	DartNumber      json.RawMessage `json:"dartNumber"`
}

// intField accepts an integer written as a JSON number, including forms
// like 60.0 or 6e1, or as a numeric string
type intField int

func (f *intField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
	}

	if n, err := strconv.Atoi(text); err == nil {
		*f = intField(n)
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(v, 0) || v != math.Trunc(v) {
		return fmt.Errorf("%s is not an integer", data)
	}
	*f = intField(v)
	return nil
}

// Normalize converts one raw upstream message into a DartThrowEvent.
//
// raw may be a JSON object or a JSON string holding an encoded object.
// Absent or null fields take their defaults. Numeric game fields may arrive
// as integral floats or numeric strings; anything else makes the whole
// message malformed.
func Normalize(raw []byte) (DartThrowEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return DartThrowEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		raw = bytes.TrimSpace([]byte(text))
	}

	if len(raw) == 0 || raw[0] != '{' {
		return DartThrowEvent{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedMessage)
	}

	var msg upstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DartThrowEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.Event == nil {
		return DartThrowEvent{}, fmt.Errorf("%w: missing event field", ErrMalformedMessage)
	}

	kind := EventKind(*msg.Event)
	if !kind.IsDartThrow() {
		return DartThrowEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, *msg.Event)
	}

	gameRaw := bytes.TrimSpace(msg.Game)
	if len(gameRaw) == 0 || gameRaw[0] != '{' {
		return DartThrowEvent{}, fmt.Errorf("%w: missing game object", ErrMalformedMessage)
	}

	var game upstreamGame
	if err := json.Unmarshal(gameRaw, &game); err != nil {
		return DartThrowEvent{}, fmt.Errorf("%w: game: %v", ErrMalformedMessage, err)
	}

	ev := DartThrowEvent{
		Kind:       kind,
		Multiplier: defaultMultiplier,
		DartNumber: cloneRaw(defaultDartNumber),
		Player:     defaultPlayer,
	}
	if game.FieldNumber != nil {
		ev.Segment = int(*game.FieldNumber)
	}
	if game.FieldMultiplier != nil {
		ev.Multiplier = int(*game.FieldMultiplier)
	}
	if game.DartValue != nil {
		ev.Value = int(*game.DartValue)
	}
	if dn := bytes.TrimSpace(game.DartNumber); len(dn) > 0 && !bytes.Equal(dn, []byte("null")) {
		ev.DartNumber = cloneRaw(dn)
	}
	if msg.Player != nil {
		ev.Player = *msg.Player
	}

	return ev, nil
}
