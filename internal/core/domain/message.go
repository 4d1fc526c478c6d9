package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SignalingMessage is the unit relayed between participants. Seq is stamped
// by the channel when the message is sent and increases per sender.
type SignalingMessage struct {
	Type      SignalType      `json:"type"`
	SessionID SessionID       `json:"sessionId"`
	From      ParticipantID   `json:"from"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       uint64          `json:"seq"`
}

func NewSignalingMessage(t SignalType, sessionID SessionID, from ParticipantID, payload json.RawMessage) (SignalingMessage, error) {
	msg := SignalingMessage{
		Type:      t,
		SessionID: sessionID,
		From:      from,
	}
	if len(payload) > 0 {
		msg.Payload = append(json.RawMessage(nil), payload...)
	}
	if err := msg.Validate(); err != nil {
		return SignalingMessage{}, err
	}
	return msg, nil
}

func (m SignalingMessage) Validate() error {
	if !m.Type.Valid() {
		return ErrInvalidPayload.Withf("unsupported message type %q", m.Type)
	}
	if m.SessionID == "" {
		return ErrInvalidPayload.Withf("%s message missing sessionId", m.Type)
	}
	if m.From == "" {
		return ErrInvalidPayload.Withf("%s message missing from", m.Type)
	}
	if !m.Type.HasPayload() {
		return nil
	}
	trimmed := bytes.TrimSpace(m.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrInvalidPayload.Withf("%s message missing payload", m.Type)
	}
	if !json.Valid(trimmed) {
		return ErrInvalidPayload.Withf("%s message payload is not valid JSON", m.Type)
	}
	return nil
}

// DecodeSignalingMessage parses a wire frame strictly: unknown fields,
// trailing data and a zero seq are rejected.
func DecodeSignalingMessage(data []byte) (SignalingMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalingMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalingMessage{}, ErrInvalidPayload.WithCause(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return SignalingMessage{}, ErrInvalidPayload.Withf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return SignalingMessage{}, err
	}
	if msg.Seq == 0 {
		return SignalingMessage{}, ErrInvalidPayload.Withf("%s message missing seq", msg.Type)
	}
	return msg, nil
}

func (m SignalingMessage) String() string {
	return fmt.Sprintf("%s(session=%s from=%s seq=%d)", m.Type, m.SessionID, m.From, m.Seq)
}
