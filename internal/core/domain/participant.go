package domain

import "time"

type Role string

const (
	RoleInitiator  Role = "INITIATOR"
	RoleRespondent Role = "RESPONDENT"
)

type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// MediaPatch carries a partial media update. Nil fields are left untouched.
type MediaPatch struct {
	AudioEnabled *bool `json:"audioEnabled,omitempty"`
	VideoEnabled *bool `json:"videoEnabled,omitempty"`
}

// Apply returns the patched state and whether anything changed.
func (m MediaState) Apply(p MediaPatch) (MediaState, bool) {
	next := m
	if p.AudioEnabled != nil {
		next.AudioEnabled = *p.AudioEnabled
	}
	if p.VideoEnabled != nil {
		next.VideoEnabled = *p.VideoEnabled
	}
	return next, next != m
}

type Participant struct {
	ID        ParticipantID `json:"id"`
	SessionID SessionID     `json:"sessionId"`
	Role      Role          `json:"role"`
	Media     MediaState    `json:"media"`
	JoinedAt  time.Time     `json:"joinedAt"`
}

func NewParticipant(sessionID SessionID, id ParticipantID, role Role, now time.Time) Participant {
	return Participant{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Media:     MediaState{AudioEnabled: true, VideoEnabled: true},
		JoinedAt:  now,
	}
}
