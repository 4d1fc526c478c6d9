package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id      domain.ParticipantID
	session domain.SessionID

	mu      sync.Mutex
	signals []domain.SignalingMessage
	events  []domain.Event
	closed  bool
}

func (c *fakeClient) ParticipantID() domain.ParticipantID { return c.id }
func (c *fakeClient) SessionID() domain.SessionID         { return c.session }

func (c *fakeClient) SendSignal(_ context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.signals = append(c.signals, msg)
	return nil
}

func (c *fakeClient) SendEvent(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) received() []domain.SignalingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalingMessage(nil), c.signals...)
}

func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	h := NewHub(opts...)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func TestHub_Deliver(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	c := &fakeClient{id: "p2", session: "s1"}
	require.NoError(t, h.Register(ctx, c))

	msg := domain.SignalingMessage{Type: domain.SignalBye, SessionID: "s1", From: "p1", Seq: 1}
	require.NoError(t, h.Deliver(ctx, "p2", msg))
	assert.Equal(t, []domain.SignalingMessage{msg}, c.received())

	err := h.Deliver(ctx, "p3", msg)
	assert.ErrorIs(t, err, domain.ErrRecipientUnreachable)
}

func TestHub_RefusesSecondConnection(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	first := &fakeClient{id: "p1", session: "s1"}
	second := &fakeClient{id: "p1", session: "s1"}

	require.NoError(t, h.Register(ctx, first))
	assert.ErrorIs(t, h.Register(ctx, second), ErrAlreadyConnected)
	assert.False(t, first.isClosed())
	assert.Equal(t, 1, h.Len())

	// the refused connection was never registered
	h.Unregister(second)
	msg := domain.SignalingMessage{Type: domain.SignalBye, SessionID: "s1", From: "p2", Seq: 1}
	require.NoError(t, h.Deliver(ctx, "p1", msg))
	assert.Equal(t, []domain.SignalingMessage{msg}, first.received())
	assert.Empty(t, second.received())

	h.Unregister(first)
	assert.Eventually(t, func() bool { return !h.Connected("p1") }, time.Second, time.Millisecond)
	assert.True(t, first.isClosed())

	// the id is free again once the first connection is gone
	require.NoError(t, h.Register(ctx, second))
	assert.True(t, h.Connected("p1"))
}

func TestHub_HandleEvent(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	a := &fakeClient{id: "p1", session: "s1"}
	b := &fakeClient{id: "p2", session: "s1"}
	other := &fakeClient{id: "p3", session: "s2"}
	for _, c := range []*fakeClient{a, b, other} {
		require.NoError(t, h.Register(ctx, c))
	}

	require.NoError(t, h.HandleEvent(ctx, domain.Event{SessionID: "s1", Kind: domain.EventOfferReceived}))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Empty(t, other.events)

	require.NoError(t, h.HandleEvent(ctx, domain.Event{SessionID: "s1", Kind: domain.EventSessionEnded}))
	assert.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, time.Millisecond)
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.False(t, other.isClosed())
}

type fakeListener struct {
	mu       sync.Mutex
	handlers map[domain.ParticipantID]func(domain.SignalingMessage)
	stopped  map[domain.ParticipantID]bool
}

func (l *fakeListener) Listen(_ context.Context, id domain.ParticipantID, h func(domain.SignalingMessage)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.stopped[id] = true
	}, nil
}

func TestHub_Listener(t *testing.T) {
	l := &fakeListener{
		handlers: make(map[domain.ParticipantID]func(domain.SignalingMessage)),
		stopped:  make(map[domain.ParticipantID]bool),
	}
	h := startHub(t, WithListener(l))
	c := &fakeClient{id: "p2", session: "s1"}
	require.NoError(t, h.Register(context.Background(), c))

	l.mu.Lock()
	handler := l.handlers["p2"]
	l.mu.Unlock()
	require.NotNil(t, handler)

	msg := domain.SignalingMessage{Type: domain.SignalBye, SessionID: "s1", From: "remote", Seq: 1}
	handler(msg)
	assert.Equal(t, []domain.SignalingMessage{msg}, c.received())

	h.Unregister(c)
	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stopped["p2"]
	}, time.Second, time.Millisecond)
}

func TestHub_LoopRefusesRacingRegistration(t *testing.T) {
	l := &fakeListener{
		handlers: make(map[domain.ParticipantID]func(domain.SignalingMessage)),
		stopped:  make(map[domain.ParticipantID]bool),
	}
	h := startHub(t, WithListener(l))
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, &fakeClient{id: "p1", session: "s1"}))

	// a registration that got past the Connected check is still refused, and
	// the listener of the live connection keeps running
	reg := &registration{client: &fakeClient{id: "p1", session: "s1"}, done: make(chan struct{})}
	h.register <- reg
	<-reg.done
	assert.ErrorIs(t, reg.err, ErrAlreadyConnected)
	assert.Equal(t, 1, h.Len())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.False(t, l.stopped["p1"])
}

func TestHub_Stop(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	c := &fakeClient{id: "p1", session: "s1"}
	require.NoError(t, h.Register(context.Background(), c))
	h.Stop()
	<-done

	assert.True(t, c.isClosed())
	assert.ErrorIs(t, h.Register(context.Background(), &fakeClient{id: "p2"}), ErrHubStopped)
}
