package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCapacity    = 2
	defaultIdleTimeout = 10 * time.Minute
)

type Option func(*CallService)

func WithCapacity(n int) Option {
	return func(s *CallService) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *CallService) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func WithArchive(a port.SessionArchive) Option {
	return func(s *CallService) { s.archive = a }
}

func WithValidator(v port.PayloadValidator) Option {
	return func(s *CallService) { s.deps.validator = v }
}

func WithMetrics(m port.Metrics) Option {
	return func(s *CallService) { s.deps.metrics = m }
}

func WithRegistry(r *Registry) Option {
	return func(s *CallService) { s.deps.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *CallService) { s.deps.now = now }
}

// CallService is the command surface of the engine. It owns one state
// machine per session; commands on the same session are serialized, commands
// on different sessions run in parallel.
type CallService struct {
	deps        *sessionDeps
	capacity    int
	idleTimeout time.Duration
	archive     port.SessionArchive

	mu       sync.RWMutex
	sessions map[domain.SessionID]*session
}

func NewCallService(channel *Channel, events port.EventPublisher, opts ...Option) *CallService {
	s := &CallService{
		deps: &sessionDeps{
			registry: NewRegistry(),
			channel:  channel,
			events:   events,
			metrics:  NopMetrics{},
			now:      time.Now,
		},
		capacity:    DefaultCapacity,
		idleTimeout: defaultIdleTimeout,
		sessions:    make(map[domain.SessionID]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.archive == nil {
		s.archive = newMapArchive()
	}
	return s
}

// CreateSession opens an empty session with an explicit capacity; zero means
// the configured default.
func (s *CallService) CreateSession(ctx context.Context, capacity int) (domain.SessionSnapshot, error) {
	if capacity == 0 {
		capacity = s.capacity
	}
	if capacity < 2 {
		return domain.SessionSnapshot{}, s.reject("create", domain.ErrInvalidPayload.Withf("capacity must be at least 2, got %d", capacity))
	}
	sess := newSession(domain.NewSessionID(), capacity, s.deps)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.deps.metrics.SessionOpened()
	log.Info().Str("session_id", sess.id.String()).Int("capacity", capacity).Msg("Session created")
	return sess.snapshot(), nil
}

func (s *CallService) Join(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (domain.Participant, error) {
	if sessionID == "" || participantID == "" {
		return domain.Participant{}, s.reject("join", domain.ErrInvalidPayload.For(sessionID, participantID).Withf("session and participant ids are required"))
	}
	sess, err := s.getOrCreate(ctx, sessionID)
	if err != nil {
		return domain.Participant{}, s.reject("join", err)
	}
	p, err := sess.join(participantID)
	if err != nil {
		return domain.Participant{}, s.reject("join", err)
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID.String()).
		Str("role", string(p.Role)).
		Msg("Participant joined")
	return p, nil
}

// Leave is accepted at any point of a negotiation; a send blocked on the
// leaving participant is cancelled first.
func (s *CallService) Leave(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return s.reject("leave", err)
	}
	ended, err := sess.leave(ctx, participantID)
	if err != nil {
		return s.reject("leave", err)
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID.String()).
		Bool("session_ended", ended).
		Msg("Participant left")
	if ended {
		s.remove(ctx, sess)
	}
	return nil
}

func (s *CallService) SendOffer(ctx context.Context, sessionID domain.SessionID, from domain.ParticipantID, payload json.RawMessage) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return s.reject("offer", err)
	}
	if err := sess.sendOffer(ctx, from, payload); err != nil {
		return s.reject("offer", err)
	}
	return nil
}

func (s *CallService) SendAnswer(ctx context.Context, sessionID domain.SessionID, from domain.ParticipantID, payload json.RawMessage) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return s.reject("answer", err)
	}
	if err := sess.sendAnswer(ctx, from, payload); err != nil {
		return s.reject("answer", err)
	}
	return nil
}

func (s *CallService) AddCandidate(ctx context.Context, sessionID domain.SessionID, from domain.ParticipantID, payload json.RawMessage) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return s.reject("candidate", err)
	}
	if err := sess.addCandidate(ctx, from, payload); err != nil {
		return s.reject("candidate", err)
	}
	return nil
}

// SetMediaState is idempotent: repeating a patch publishes nothing new.
func (s *CallService) SetMediaState(ctx context.Context, participantID domain.ParticipantID, patch domain.MediaPatch) (domain.Participant, error) {
	p, ok := s.deps.registry.Lookup(participantID)
	if !ok {
		return domain.Participant{}, s.reject("media", domain.ErrUnknownParticipant.For("", participantID))
	}
	sess, err := s.lookup(ctx, p.SessionID)
	if err != nil {
		return domain.Participant{}, s.reject("media", err)
	}
	p, err = sess.setMedia(ctx, participantID, patch)
	if err != nil {
		return domain.Participant{}, s.reject("media", err)
	}
	return p, nil
}

// Unregister drops a participant wherever it is, tearing the session down
// when it held the last reference.
func (s *CallService) Unregister(ctx context.Context, participantID domain.ParticipantID) error {
	p, ok := s.deps.registry.Lookup(participantID)
	if !ok {
		return s.reject("unregister", domain.ErrUnknownParticipant.For("", participantID))
	}
	return s.Leave(ctx, p.SessionID, participantID)
}

func (s *CallService) Snapshot(ctx context.Context, sessionID domain.SessionID) (domain.SessionSnapshot, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return sess.snapshot(), nil
}

func (s *CallService) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ReapIdle ends sessions without activity for longer than the idle timeout
// and returns how many were ended.
func (s *CallService) ReapIdle(ctx context.Context) int {
	now := s.deps.now()
	n := 0
	for _, sess := range s.snapshotSessions() {
		if sess.idle(now, s.idleTimeout) && sess.expire(domain.EndReasonIdle) {
			s.remove(ctx, sess)
			n++
		}
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Reaped idle sessions")
	}
	return n
}

// Close ends every session.
func (s *CallService) Close(ctx context.Context) {
	for _, sess := range s.snapshotSessions() {
		if sess.expire(domain.EndReasonShutdown) {
			s.remove(ctx, sess)
		}
	}
}

func (s *CallService) snapshotSessions() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *CallService) getOrCreate(ctx context.Context, id domain.SessionID) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	if _, ended := s.archive.Lookup(ctx, id); ended {
		return nil, domain.ErrSessionEnded.For(id, "")
	}
	sess = newSession(id, s.capacity, s.deps)
	s.sessions[id] = sess
	s.deps.metrics.SessionOpened()
	log.Info().Str("session_id", id.String()).Int("capacity", s.capacity).Msg("Session opened")
	return sess, nil
}

func (s *CallService) lookup(ctx context.Context, id domain.SessionID) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if _, ended := s.archive.Lookup(ctx, id); ended {
		return nil, domain.ErrSessionEnded.For(id, "")
	}
	return nil, domain.ErrSessionNotFound.For(id, "")
}

// remove archives an ended session before dropping it, so its id keeps
// answering SessionEnded.
func (s *CallService) remove(ctx context.Context, sess *session) {
	summary := sess.summary()
	if err := s.archive.Archive(context.WithoutCancel(ctx), summary); err != nil {
		log.Error().Err(err).Str("session_id", sess.id.String()).Msg("Failed to archive session")
	}

	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()

	s.deps.channel.Forget(sess.id)
	s.deps.metrics.SessionEnded(summary.Reason)
	log.Info().
		Str("session_id", sess.id.String()).
		Str("reason", summary.Reason).
		Msg("Session ended")
}

func (s *CallService) reject(command string, err error) error {
	code := domain.CodeOf(err)
	s.deps.metrics.CommandRejected(command, code)
	log.Debug().Err(err).Str("command", command).Str("code", string(code)).Msg("Command rejected")
	return err
}

// mapArchive is the fallback archive when none is configured. It never
// forgets.
type mapArchive struct {
	mu    sync.RWMutex
	ended map[domain.SessionID]domain.SessionSummary
}

func newMapArchive() *mapArchive {
	return &mapArchive{ended: make(map[domain.SessionID]domain.SessionSummary)}
}

func (a *mapArchive) Archive(_ context.Context, summary domain.SessionSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended[summary.ID] = summary
	return nil
}

func (a *mapArchive) Lookup(_ context.Context, id domain.SessionID) (domain.SessionSummary, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	summary, ok := a.ended[id]
	return summary, ok
}
