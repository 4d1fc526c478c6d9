package domain

import "time"

type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventOfferReceived     EventKind = "offer_received"
	EventAnswerReceived    EventKind = "answer_received"
	EventCandidateReceived EventKind = "candidate_received"
	EventSessionEnded      EventKind = "session_ended"
	EventMediaStateChanged EventKind = "media_state_changed"
	EventOfferRejected     EventKind = "offer_rejected"
	EventDeliveryFailed    EventKind = "delivery_failed"
)

// Event is published after a command has been applied. State is the session
// state once the command completed; Seq orders events within one session.
type Event struct {
	SessionID   SessionID     `json:"sessionId"`
	Kind        EventKind     `json:"kind"`
	Participant ParticipantID `json:"participant,omitempty"`
	State       SessionState  `json:"state"`
	Seq         uint64        `json:"seq"`
	Payload     any           `json:"payload,omitempty"`
	At          time.Time     `json:"at"`
}

// OfferRejection is the payload of EventOfferRejected.
type OfferRejection struct {
	Code   ErrorCode     `json:"code"`
	Winner ParticipantID `json:"winner"`
}

// SessionEnd is the payload of EventSessionEnded.
type SessionEnd struct {
	Reason string `json:"reason"`
}

// DeliveryFailure is the payload of EventDeliveryFailed, sent to the author
// of candidates that are still queued for To after a flush failed. They are
// retried on the next command applied to the session.
type DeliveryFailure struct {
	Code    ErrorCode     `json:"code"`
	To      ParticipantID `json:"to"`
	Pending int           `json:"pending"`
}
