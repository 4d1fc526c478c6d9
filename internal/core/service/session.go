package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

type sessionDeps struct {
	registry  *Registry
	channel   *Channel
	events    port.EventPublisher
	metrics   port.Metrics
	validator port.PayloadValidator
	now       func() time.Time
}

type inflightOp struct {
	parties []domain.ParticipantID
	cancel  context.CancelCauseFunc
}

// session is the state machine of one call. Every command takes mu for its
// whole duration, network sends included, so commands on one session apply
// in arrival order and a failed send leaves no trace.
type session struct {
	id       domain.SessionID
	capacity int
	deps     *sessionDeps

	mu           sync.Mutex
	state        domain.SessionState
	pending      *domain.Offer
	queued       map[domain.ParticipantID][]domain.SignalingMessage
	history      []domain.SessionState
	eventSeq     uint64
	joined       []domain.ParticipantID
	createdAt    time.Time
	lastActivity time.Time
	endReason    string
	endedAt      time.Time

	// inflightMu is never held while waiting on mu, so leave can cancel a
	// send that is blocking the session.
	inflightMu sync.Mutex
	inflight   map[uint64]*inflightOp
	leaving    map[domain.ParticipantID]int
	nextOp     uint64
}

func newSession(id domain.SessionID, capacity int, deps *sessionDeps) *session {
	now := deps.now()
	return &session{
		id:           id,
		capacity:     capacity,
		deps:         deps,
		state:        domain.StateEmpty,
		queued:       make(map[domain.ParticipantID][]domain.SignalingMessage),
		history:      []domain.SessionState{domain.StateEmpty},
		createdAt:    now,
		lastActivity: now,
		inflight:     make(map[uint64]*inflightOp),
		leaving:      make(map[domain.ParticipantID]int),
	}
}

func (s *session) join(pid domain.ParticipantID) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateEnded {
		return domain.Participant{}, domain.ErrSessionEnded.For(s.id, pid)
	}
	if s.isMember(pid) {
		return domain.Participant{}, domain.ErrInvalidState.For(s.id, pid).Withf("participant already joined")
	}
	n := s.deps.registry.Count(s.id)
	if n >= s.capacity {
		return domain.Participant{}, domain.ErrSessionFull.For(s.id, pid).Withf("session is full (capacity %d)", s.capacity)
	}

	role := domain.RoleRespondent
	if n == 0 {
		role = domain.RoleInitiator
	}
	p, err := s.deps.registry.Register(s.id, pid, role, s.deps.now())
	if err != nil {
		return domain.Participant{}, err
	}
	s.joined = append(s.joined, pid)
	if s.state == domain.StateEmpty {
		s.transition(domain.StateJoining)
	}
	s.touch()
	s.emit(domain.EventParticipantJoined, pid, p)
	return p, nil
}

func (s *session) sendOffer(ctx context.Context, from domain.ParticipantID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSender(from); err != nil {
		return err
	}
	s.retryFlush(ctx)

	var superseded *domain.Offer
	switch s.state {
	case domain.StateJoining, domain.StateConnected:
		if s.deps.registry.Count(s.id) < 2 {
			return domain.ErrInvalidState.For(s.id, from).Withf("no peer to offer to")
		}
	case domain.StateOffered, domain.StateRenegotiating:
		if s.pending.From == from {
			return domain.ErrInvalidState.For(s.id, from).Withf("offer from %s already pending", from)
		}
		if s.pending.From < from {
			return domain.ErrGlareConflict.For(s.id, from).Withf("offer from %s is pending", s.pending.From)
		}
		superseded = s.pending
	default:
		return domain.ErrInvalidState.For(s.id, from).Withf("cannot offer in state %s", s.state)
	}

	msg, err := s.message(domain.SignalOffer, from, payload)
	if err != nil {
		return err
	}
	sent, err := s.send(ctx, msg, s.others(from))
	if err != nil {
		return err
	}

	s.pending = &domain.Offer{From: from, Payload: sent.Payload, Seq: sent.Seq}
	switch s.state {
	case domain.StateJoining:
		s.transition(domain.StateOffered)
	case domain.StateConnected:
		s.transition(domain.StateRenegotiating)
	}
	s.touch()
	s.emit(domain.EventOfferReceived, from, sent.Payload)

	if superseded != nil {
		log.Info().
			Str("session_id", s.id.String()).
			Str("winner", from.String()).
			Str("loser", superseded.From.String()).
			Msg("Glare resolved")
		s.emit(domain.EventOfferRejected, superseded.From, domain.OfferRejection{
			Code:   domain.CodeGlareConflict,
			Winner: from,
		})
	}
	return nil
}

func (s *session) sendAnswer(ctx context.Context, from domain.ParticipantID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSender(from); err != nil {
		return err
	}
	s.retryFlush(ctx)
	if !s.state.Negotiating() || s.pending == nil {
		return domain.ErrNoPendingOffer.For(s.id, from)
	}
	if s.pending.From == from {
		return domain.ErrNoPendingOffer.For(s.id, from).Withf("cannot answer own offer")
	}

	msg, err := s.message(domain.SignalAnswer, from, payload)
	if err != nil {
		return err
	}
	sent, err := s.send(ctx, msg, s.others(from))
	if err != nil {
		return err
	}

	s.pending = nil
	s.transition(domain.StateAnswered)
	s.transition(domain.StateConnected)
	s.touch()
	s.emit(domain.EventAnswerReceived, from, sent.Payload)
	s.flush(ctx)
	return nil
}

func (s *session) addCandidate(ctx context.Context, from domain.ParticipantID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSender(from); err != nil {
		return err
	}
	msg, err := s.message(domain.SignalCandidate, from, payload)
	if err != nil {
		return err
	}

	recipients := s.others(from)
	if s.state == domain.StateConnected || s.state == domain.StateRenegotiating {
		for _, to := range recipients {
			if err := s.flushTo(ctx, to); err != nil {
				return err
			}
		}
		if _, err := s.send(ctx, msg, recipients); err != nil {
			return err
		}
	} else {
		for _, to := range recipients {
			s.queued[to] = append(s.queued[to], msg)
		}
	}

	s.touch()
	s.emit(domain.EventCandidateReceived, from, msg.Payload)
	return nil
}

// leave removes pid and reports whether the session ended as a result.
func (s *session) leave(ctx context.Context, pid domain.ParticipantID) (bool, error) {
	s.abort(pid)
	defer s.doneLeaving(pid)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateEnded {
		return false, domain.ErrSessionEnded.For(s.id, pid)
	}
	if !s.isMember(pid) {
		return false, domain.ErrUnknownParticipant.For(s.id, pid)
	}
	p, err := s.deps.registry.Unregister(pid)
	if err != nil {
		return false, err
	}
	s.dropQueued(pid)

	if s.pending != nil && s.pending.From == pid {
		s.pending = nil
		switch s.state {
		case domain.StateOffered:
			s.transition(domain.StateJoining)
		case domain.StateRenegotiating:
			s.transition(domain.StateConnected)
		}
	}

	remaining := s.memberIDs()
	if len(remaining) > 0 {
		if bye, err := domain.NewSignalingMessage(domain.SignalBye, s.id, pid, nil); err == nil {
			if _, err := s.deps.channel.Send(ctx, bye, remaining); err != nil {
				log.Debug().Err(err).
					Str("session_id", s.id.String()).
					Str("participant_id", pid.String()).
					Msg("Failed to deliver bye")
			}
		}
	}

	s.touch()
	s.emit(domain.EventParticipantLeft, pid, p)
	if len(remaining) < 2 {
		s.end(domain.EndReasonParticipantLeft)
		return true, nil
	}
	return false, nil
}

func (s *session) setMedia(ctx context.Context, pid domain.ParticipantID, patch domain.MediaPatch) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSender(pid); err != nil {
		return domain.Participant{}, err
	}
	s.retryFlush(ctx)
	p, changed, err := s.deps.registry.SetMediaState(pid, patch)
	if err != nil {
		return domain.Participant{}, err
	}
	if changed {
		s.touch()
		s.emit(domain.EventMediaStateChanged, pid, p.Media)
	}
	return p, nil
}

// expire ends the session regardless of its members.
func (s *session) expire(reason string) bool {
	s.abortAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateEnded {
		return false
	}
	s.end(reason)
	return true
}

func (s *session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != domain.StateEnded && now.Sub(s.lastActivity) >= timeout
}

func (s *session) snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.SessionSnapshot{
		ID:           s.id,
		Capacity:     s.capacity,
		State:        s.state,
		Participants: s.deps.registry.Members(s.id),
		History:      append([]domain.SessionState(nil), s.history...),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.pending != nil {
		offer := *s.pending
		snap.PendingOffer = &offer
	}
	if len(s.queued) > 0 {
		snap.QueuedCandidates = make(map[domain.ParticipantID]int, len(s.queued))
		for to, q := range s.queued {
			snap.QueuedCandidates[to] = len(q)
		}
	}
	return snap
}

func (s *session) summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSummary{
		ID:           s.id,
		Reason:       s.endReason,
		Participants: append([]domain.ParticipantID(nil), s.joined...),
		CreatedAt:    s.createdAt,
		EndedAt:      s.endedAt,
	}
}

// The helpers below expect mu to be held.

func (s *session) end(reason string) {
	s.deps.registry.Clear(s.id)
	s.pending = nil
	s.queued = make(map[domain.ParticipantID][]domain.SignalingMessage)
	s.endReason = reason
	s.endedAt = s.deps.now()
	s.transition(domain.StateEnded)
	s.emit(domain.EventSessionEnded, "", domain.SessionEnd{Reason: reason})
}

func (s *session) transition(next domain.SessionState) {
	if next == s.state {
		return
	}
	log.Debug().
		Str("session_id", s.id.String()).
		Stringer("from", s.state).
		Stringer("to", next).
		Msg("Session state changed")
	s.state = next
	s.history = append(s.history, next)
}

func (s *session) emit(kind domain.EventKind, pid domain.ParticipantID, payload any) {
	s.eventSeq++
	s.deps.events.Publish(domain.Event{
		SessionID:   s.id,
		Kind:        kind,
		Participant: pid,
		State:       s.state,
		Seq:         s.eventSeq,
		Payload:     payload,
		At:          s.deps.now(),
	})
}

func (s *session) touch() {
	s.lastActivity = s.deps.now()
}

func (s *session) checkSender(pid domain.ParticipantID) error {
	if s.state == domain.StateEnded {
		return domain.ErrSessionEnded.For(s.id, pid)
	}
	if !s.isMember(pid) {
		return domain.ErrUnknownParticipant.For(s.id, pid)
	}
	return nil
}

func (s *session) isMember(pid domain.ParticipantID) bool {
	p, ok := s.deps.registry.Lookup(pid)
	return ok && p.SessionID == s.id
}

func (s *session) memberIDs() []domain.ParticipantID {
	members := s.deps.registry.Members(s.id)
	ids := make([]domain.ParticipantID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

func (s *session) others(pid domain.ParticipantID) []domain.ParticipantID {
	ids := s.memberIDs()
	out := ids[:0]
	for _, id := range ids {
		if id != pid {
			out = append(out, id)
		}
	}
	return out
}

func (s *session) message(t domain.SignalType, from domain.ParticipantID, payload json.RawMessage) (domain.SignalingMessage, error) {
	if v := s.deps.validator; v != nil {
		if err := v.Validate(t, payload); err != nil {
			var de *domain.Error
			if errors.As(err, &de) {
				return domain.SignalingMessage{}, de.For(s.id, from)
			}
			return domain.SignalingMessage{}, domain.ErrInvalidPayload.For(s.id, from).WithCause(err)
		}
	}
	msg, err := domain.NewSignalingMessage(t, s.id, from, payload)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.SignalingMessage{}, de.For(s.id, from)
		}
		return domain.SignalingMessage{}, err
	}
	return msg, nil
}

// flush delivers queued candidates in order. A recipient that cannot be
// reached keeps its queue, and the authors of the stranded candidates get an
// EventDeliveryFailed.
func (s *session) flush(ctx context.Context) {
	for _, to := range s.memberIDs() {
		err := s.flushTo(ctx, to)
		if err == nil {
			continue
		}
		log.Warn().Err(err).
			Str("session_id", s.id.String()).
			Str("to", to.String()).
			Int("remaining", len(s.queued[to])).
			Msg("Candidate flush interrupted, keeping the rest queued")

		pending := make(map[domain.ParticipantID]int)
		var authors []domain.ParticipantID
		for _, msg := range s.queued[to] {
			if pending[msg.From] == 0 {
				authors = append(authors, msg.From)
			}
			pending[msg.From]++
		}
		for _, from := range authors {
			s.emit(domain.EventDeliveryFailed, from, domain.DeliveryFailure{
				Code:    domain.CodeOf(err),
				To:      to,
				Pending: pending[from],
			})
		}
	}
}

// retryFlush resumes a flush that failed earlier, once the session is
// connected.
func (s *session) retryFlush(ctx context.Context) {
	if len(s.queued) == 0 {
		return
	}
	if s.state != domain.StateConnected && s.state != domain.StateRenegotiating {
		return
	}
	s.flush(ctx)
}

func (s *session) flushTo(ctx context.Context, to domain.ParticipantID) error {
	for len(s.queued[to]) > 0 {
		if _, err := s.send(ctx, s.queued[to][0], []domain.ParticipantID{to}); err != nil {
			return err
		}
		s.queued[to] = s.queued[to][1:]
	}
	delete(s.queued, to)
	return nil
}

// dropQueued forgets everything queued for or from pid.
func (s *session) dropQueued(pid domain.ParticipantID) {
	delete(s.queued, pid)
	for to, q := range s.queued {
		kept := q[:0]
		for _, msg := range q {
			if msg.From != pid {
				kept = append(kept, msg)
			}
		}
		if len(kept) == 0 {
			delete(s.queued, to)
		} else {
			s.queued[to] = kept
		}
	}
}

// send relays msg while registered as in flight, so leave can cut it short.
func (s *session) send(ctx context.Context, msg domain.SignalingMessage, recipients []domain.ParticipantID) (domain.SignalingMessage, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	parties := append([]domain.ParticipantID{msg.From}, recipients...)
	id := s.track(parties, cancel)
	defer func() {
		s.untrack(id)
		cancel(nil)
	}()
	return s.deps.channel.Send(ctx, msg, recipients)
}

func (s *session) abortCause(pid domain.ParticipantID) error {
	return domain.ErrInvalidState.For(s.id, pid).Withf("negotiation aborted: participant %s left", pid)
}

func (s *session) track(parties []domain.ParticipantID, cancel context.CancelCauseFunc) uint64 {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, p := range parties {
		if s.leaving[p] > 0 {
			cancel(s.abortCause(p))
			break
		}
	}
	s.nextOp++
	s.inflight[s.nextOp] = &inflightOp{parties: parties, cancel: cancel}
	return s.nextOp
}

func (s *session) untrack(id uint64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

func (s *session) abort(pid domain.ParticipantID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.leaving[pid]++
	for _, op := range s.inflight {
		for _, p := range op.parties {
			if p == pid {
				op.cancel(s.abortCause(pid))
				break
			}
		}
	}
}

func (s *session) doneLeaving(pid domain.ParticipantID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.leaving[pid]--; s.leaving[pid] <= 0 {
		delete(s.leaving, pid)
	}
}

func (s *session) abortAll() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, op := range s.inflight {
		op.cancel(domain.ErrSessionEnded.For(s.id, ""))
	}
}
