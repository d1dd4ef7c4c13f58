// Package signaling encodes, decodes and filters the messages exchanged over a
// transport channel. It knows nothing about the transport itself.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/models"
)

// DecodeError describes a malformed signaling message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode signal: %s: %v", e.Reason, e.Err)
	}
	return "decode signal: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets a DecodeError match callerr.ErrSignalingDecode.
func (e *DecodeError) Is(target error) bool {
	return errors.Is(callerr.ErrSignalingDecode, target)
}

// Clock returns the current time. Overridable in tests.
type Clock func() time.Time

// Codec builds and parses SignalMessage values.
type Codec struct {
	Now Clock
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Encode builds a message of type t from the local user. data may be nil, a
// json.RawMessage, or any value that marshals to JSON. An empty to means the
// message is addressed to every other participant in the room.
func (c Codec) Encode(t models.SignalType, roomID, from string, data any, to string) (models.SignalMessage, error) {
	if !t.Known() {
		return models.SignalMessage{}, fmt.Errorf("encode signal: unknown type %q", t)
	}
	if from == "" {
		return models.SignalMessage{}, errors.New("encode signal: from is required")
	}

	msg := models.SignalMessage{
		Type:      t,
		RoomID:    roomID,
		From:      from,
		To:        to,
		Timestamp: c.now().UnixMilli(),
	}

	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		msg.Data = d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return models.SignalMessage{}, fmt.Errorf("encode signal %s: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Marshal encodes and serializes in one step.
func (c Codec) Marshal(t models.SignalType, roomID, from string, data any, to string) ([]byte, error) {
	msg, err := c.Encode(t, roomID, from, data, to)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses raw into a message. Messages of an unknown type decode
// successfully; callers check Type.Known.
func (c Codec) Decode(raw []byte) (models.SignalMessage, error) {
	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.SignalMessage{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if msg.Type == "" {
		return models.SignalMessage{}, &DecodeError{Reason: "missing type"}
	}
	if msg.From == "" {
		return models.SignalMessage{}, &DecodeError{Reason: "missing from"}
	}
	if string(msg.Data) == "null" {
		msg.Data = nil
	}
	return msg, nil
}

// DecodeData unmarshals the message payload into v.
func DecodeData(msg models.SignalMessage, v any) error {
	if len(msg.Data) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("%s without data", msg.Type)}
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("%s data", msg.Type), Err: err}
	}
	return nil
}
