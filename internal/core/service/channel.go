package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	defaultDeliveryAttempts = 3
	defaultRetryBackoff     = 50 * time.Millisecond
	defaultInboxSize        = 4096
)

// MessageHandler observes a message after it reached recipient.
type MessageHandler func(recipient domain.ParticipantID, msg domain.SignalingMessage)

type ChannelConfig struct {
	Attempts int
	Backoff  time.Duration
}

type senderKey struct {
	session domain.SessionID
	from    domain.ParticipantID
}

type laneKey struct {
	session domain.SessionID
	from    domain.ParticipantID
	to      domain.ParticipantID
}

// Channel relays signaling messages to the other members of a session.
//
// Each (sender, recipient) pair has its own lane; a lane is held for the whole
// retry loop of one message, so messages of one sender reach a recipient in
// the order they were sent even when attempts fail. Nothing is ordered across
// senders.
type Channel struct {
	relay    port.Relay
	metrics  port.Metrics
	attempts int
	backoff  time.Duration

	mu      sync.Mutex
	seqs    map[senderKey]uint64
	lanes   map[laneKey]*sync.Mutex
	subs    map[domain.SessionID]map[uint64]MessageHandler
	nextSub uint64
}

func NewChannel(relay port.Relay, cfg ChannelConfig, metrics port.Metrics) *Channel {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultDeliveryAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultRetryBackoff
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Channel{
		relay:    relay,
		metrics:  metrics,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		seqs:     make(map[senderKey]uint64),
		lanes:    make(map[laneKey]*sync.Mutex),
		subs:     make(map[domain.SessionID]map[uint64]MessageHandler),
	}
}

// Send stamps msg with the sender's next seq and delivers it to every
// recipient in order. The first failure is returned; recipients before it
// have already received the message.
func (c *Channel) Send(ctx context.Context, msg domain.SignalingMessage, recipients []domain.ParticipantID) (domain.SignalingMessage, error) {
	msg.Seq = c.nextSeq(msg.SessionID, msg.From)
	for _, to := range recipients {
		if err := c.deliver(ctx, to, msg); err != nil {
			c.metrics.DeliveryFailed(domain.CodeOf(err))
			return msg, err
		}
	}
	if len(recipients) > 0 {
		c.metrics.MessageDelivered(msg.Type)
	}
	return msg, nil
}

// OnMessage registers h for messages delivered in a session. h runs while
// the lane is held and must not block.
func (c *Channel) OnMessage(sessionID domain.SessionID, h MessageHandler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[uint64]MessageHandler)
	}
	c.subs[sessionID][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[sessionID], id)
		if len(c.subs[sessionID]) == 0 {
			delete(c.subs, sessionID)
		}
	}
}

// Forget drops sequence counters, lanes and subscriptions of a session.
func (c *Channel) Forget(sessionID domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.seqs {
		if k.session == sessionID {
			delete(c.seqs, k)
		}
	}
	for k := range c.lanes {
		if k.session == sessionID {
			delete(c.lanes, k)
		}
	}
	delete(c.subs, sessionID)
}

func (c *Channel) nextSeq(sessionID domain.SessionID, from domain.ParticipantID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := senderKey{session: sessionID, from: from}
	c.seqs[k]++
	return c.seqs[k]
}

func (c *Channel) lane(k laneKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[k]
	if !ok {
		l = &sync.Mutex{}
		c.lanes[k] = l
	}
	return l
}

func (c *Channel) deliver(ctx context.Context, to domain.ParticipantID, msg domain.SignalingMessage) error {
	l := c.lane(laneKey{session: msg.SessionID, from: msg.From, to: to})
	l.Lock()
	defer l.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if ctx.Err() != nil {
			return contextError(ctx, msg.SessionID, to)
		}
		err := c.relay.Deliver(ctx, to, msg)
		if err == nil {
			c.dispatch(to, msg)
			return nil
		}
		if ctx.Err() != nil {
			return contextError(ctx, msg.SessionID, to)
		}
		lastErr = err
		log.Debug().Err(err).
			Str("session_id", msg.SessionID.String()).
			Str("to", to.String()).
			Int("attempt", attempt).
			Msg("Delivery attempt failed")

		if attempt < c.attempts {
			t := time.NewTimer(c.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return contextError(ctx, msg.SessionID, to)
			case <-t.C:
			}
		}
	}
	var de *domain.Error
	if errors.As(lastErr, &de) {
		return de.For(msg.SessionID, to)
	}
	return domain.ErrRecipientUnreachable.For(msg.SessionID, to).WithCause(lastErr)
}

func (c *Channel) dispatch(to domain.ParticipantID, msg domain.SignalingMessage) {
	c.mu.Lock()
	handlers := make([]MessageHandler, 0, len(c.subs[msg.SessionID]))
	for _, h := range c.subs[msg.SessionID] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(to, msg)
	}
}

// contextError maps a finished context to a domain error. A cancel cause
// that is already a domain error wins; otherwise the delivery timed out.
func contextError(ctx context.Context, sessionID domain.SessionID, to domain.ParticipantID) error {
	var de *domain.Error
	if cause := context.Cause(ctx); errors.As(cause, &de) {
		return de
	}
	return domain.ErrDeliveryTimeout.For(sessionID, to).WithCause(ctx.Err())
}

// Inbox is the receiving side of the channel: it remembers the highest seq
// accepted per (session, sender) and rejects anything not above it.
type Inbox struct {
	mu   sync.Mutex
	seen *lru.Cache[senderKey, uint64]
}

func NewInbox(size int) (*Inbox, error) {
	if size <= 0 {
		size = defaultInboxSize
	}
	seen, err := lru.New[senderKey, uint64](size)
	if err != nil {
		return nil, err
	}
	return &Inbox{seen: seen}, nil
}

func (in *Inbox) Accept(msg domain.SignalingMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	k := senderKey{session: msg.SessionID, from: msg.From}
	if last, ok := in.seen.Get(k); ok && msg.Seq <= last {
		return domain.ErrOutOfOrderMessage.For(msg.SessionID, msg.From).Withf("seq %d not after %d", msg.Seq, last)
	}
	in.seen.Add(k, msg.Seq)
	return nil
}

// Reset forgets a sender, e.g. when it reconnects and restarts numbering.
func (in *Inbox) Reset(sessionID domain.SessionID, from domain.ParticipantID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seen.Remove(senderKey{session: sessionID, from: from})
}
