package domain

import (
	"github.com/google/uuid"
)

// SessionID identifies one call. Values are opaque to the engine.
type SessionID string

// ParticipantID is supplied by the application layer and never interpreted.
type ParticipantID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (id SessionID) String() string {
	return string(id)
}

func (id ParticipantID) String() string {
	return string(id)
}
