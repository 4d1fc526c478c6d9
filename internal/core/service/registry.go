package service

import (
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Registry tracks which participants belong to which session and their media
// state. A participant id belongs to at most one session at a time.
type Registry struct {
	mu           sync.RWMutex
	participants map[domain.ParticipantID]*domain.Participant
	sessions     map[domain.SessionID][]domain.ParticipantID
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[domain.ParticipantID]*domain.Participant),
		sessions:     make(map[domain.SessionID][]domain.ParticipantID),
	}
}

func (r *Registry) Register(sessionID domain.SessionID, id domain.ParticipantID, role domain.Role, now time.Time) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[id]; ok {
		if existing.SessionID == sessionID {
			return domain.Participant{}, domain.ErrInvalidState.For(sessionID, id).Withf("participant already joined")
		}
		return domain.Participant{}, domain.ErrInvalidState.For(sessionID, id).Withf("participant already in session %s", existing.SessionID)
	}

	p := domain.NewParticipant(sessionID, id, role, now)
	r.participants[id] = &p
	r.sessions[sessionID] = append(r.sessions[sessionID], id)
	return p, nil
}

func (r *Registry) Unregister(id domain.ParticipantID) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrUnknownParticipant.For("", id)
	}
	delete(r.participants, id)

	members := r.sessions[p.SessionID]
	for i, m := range members {
		if m == id {
			members = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.sessions, p.SessionID)
	} else {
		r.sessions[p.SessionID] = members
	}
	return *p, nil
}

// SetMediaState applies patch and reports whether the state changed.
func (r *Registry) SetMediaState(id domain.ParticipantID, patch domain.MediaPatch) (domain.Participant, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false, domain.ErrUnknownParticipant.For("", id)
	}
	next, changed := p.Media.Apply(patch)
	p.Media = next
	return *p, changed, nil
}

func (r *Registry) Lookup(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Members returns the participants of a session in join order.
func (r *Registry) Members(sessionID domain.SessionID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.sessions[sessionID]
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.participants[id])
	}
	return out
}

func (r *Registry) Count(sessionID domain.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Clear removes every participant of a session and returns them.
func (r *Registry) Clear(sessionID domain.SessionID) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.sessions[sessionID]
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.participants[id])
		delete(r.participants, id)
	}
	delete(r.sessions, sessionID)
	return out
}
