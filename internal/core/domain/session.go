package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SessionState int

const (
	StateEmpty SessionState = iota
	StateJoining
	StateOffered
	StateAnswered
	StateConnected
	StateRenegotiating
	StateEnded
)

var stateNames = [...]string{
	StateEmpty:         "EMPTY",
	StateJoining:       "JOINING",
	StateOffered:       "OFFERED",
	StateAnswered:      "ANSWERED",
	StateConnected:     "CONNECTED",
	StateRenegotiating: "RENEGOTIATING",
	StateEnded:         "ENDED",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return stateNames[s]
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = SessionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Negotiating reports whether an offer is outstanding.
func (s SessionState) Negotiating() bool {
	return s == StateOffered || s == StateRenegotiating
}

// Offer is the single outstanding offer of a session.
type Offer struct {
	From    ParticipantID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
	Seq     uint64          `json:"seq"`
}

type SessionSnapshot struct {
	ID               SessionID             `json:"id"`
	Capacity         int                   `json:"capacity"`
	State            SessionState          `json:"state"`
	Participants     []Participant         `json:"participants"`
	PendingOffer     *Offer                `json:"pendingOffer,omitempty"`
	QueuedCandidates map[ParticipantID]int `json:"queuedCandidates,omitempty"`
	History          []SessionState        `json:"history"`
	CreatedAt        time.Time             `json:"createdAt"`
	LastActivity     time.Time             `json:"lastActivity"`
}

// SessionSummary is what remains of a session after it ended.
type SessionSummary struct {
	ID           SessionID       `json:"id"`
	Reason       string          `json:"reason"`
	Participants []ParticipantID `json:"participants"`
	CreatedAt    time.Time       `json:"createdAt"`
	EndedAt      time.Time       `json:"endedAt"`
}

const (
	EndReasonParticipantLeft = "participant_left"
	EndReasonIdle            = "idle"
	EndReasonShutdown        = "shutdown"
)
