package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/require"
)

// fakeRelay records deliveries per recipient. Behaviour per recipient can be
// overridden with a hook that runs before the delivery is recorded.
type fakeRelay struct {
	mu        sync.Mutex
	delivered map[domain.ParticipantID][]domain.SignalingMessage
	attempts  map[domain.ParticipantID]int
	hooks     map[domain.ParticipantID]func(ctx context.Context, msg domain.SignalingMessage, attempt int) error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		delivered: make(map[domain.ParticipantID][]domain.SignalingMessage),
		attempts:  make(map[domain.ParticipantID]int),
		hooks:     make(map[domain.ParticipantID]func(context.Context, domain.SignalingMessage, int) error),
	}
}

func (r *fakeRelay) on(to domain.ParticipantID, hook func(ctx context.Context, msg domain.SignalingMessage, attempt int) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[to] = hook
}

func (r *fakeRelay) Deliver(ctx context.Context, to domain.ParticipantID, msg domain.SignalingMessage) error {
	r.mu.Lock()
	r.attempts[to]++
	attempt := r.attempts[to]
	hook := r.hooks[to]
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, msg, attempt); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[to] = append(r.delivered[to], msg)
	return nil
}

func (r *fakeRelay) received(to domain.ParticipantID) []domain.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SignalingMessage(nil), r.delivered[to]...)
}

func (r *fakeRelay) types(to domain.ParticipantID) []domain.SignalType {
	var out []domain.SignalType
	for _, msg := range r.received(to) {
		out = append(out, msg.Type)
	}
	return out
}

// blockUntilDone makes a hook that blocks until the delivery context ends and
// closes started on the first call.
func blockUntilDone(started chan struct{}) func(context.Context, domain.SignalingMessage, int) error {
	var once sync.Once
	return func(ctx context.Context, _ domain.SignalingMessage, _ int) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func (l *eventLog) kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range l.all() {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) ofKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type countingMetrics struct {
	NopMetrics
	dropped   atomic.Int64
	opened    atomic.Int64
	ended     atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func (m *countingMetrics) EventDropped()                            { m.dropped.Add(1) }
func (m *countingMetrics) SessionOpened()                           { m.opened.Add(1) }
func (m *countingMetrics) SessionEnded(string)                      { m.ended.Add(1) }
func (m *countingMetrics) CommandRejected(string, domain.ErrorCode) { m.rejected.Add(1) }
func (m *countingMetrics) MessageDelivered(domain.SignalType)       { m.delivered.Add(1) }
func (m *countingMetrics) DeliveryFailed(domain.ErrorCode)          { m.failed.Add(1) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	relay   *fakeRelay
	events  *eventLog
	metrics *countingMetrics
	clock   *fakeClock
	svc     *CallService
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		relay:   newFakeRelay(),
		events:  &eventLog{},
		metrics: &countingMetrics{},
		clock:   newFakeClock(),
	}
	ch := NewChannel(h.relay, ChannelConfig{Attempts: 2, Backoff: time.Millisecond}, h.metrics)
	opts = append([]Option{WithMetrics(h.metrics), WithClock(h.clock.Now)}, opts...)
	h.svc = NewCallService(ch, h.events, opts...)
	return h
}

func (h *harness) join(t *testing.T, sid domain.SessionID, pids ...domain.ParticipantID) {
	t.Helper()
	for _, pid := range pids {
		_, err := h.svc.Join(context.Background(), sid, pid)
		require.NoError(t, err)
	}
}

func (h *harness) state(t *testing.T, sid domain.SessionID) domain.SessionState {
	t.Helper()
	snap, err := h.svc.Snapshot(context.Background(), sid)
	require.NoError(t, err)
	return snap.State
}

func sdp(s string) []byte {
	return []byte(`{"type":"offer","sdp":"` + s + `"}`)
}

func answerSDP(s string) []byte {
	return []byte(`{"type":"answer","sdp":"` + s + `"}`)
}

func candidate(s string) []byte {
	return []byte(`{"candidate":"` + s + `"}`)
}
