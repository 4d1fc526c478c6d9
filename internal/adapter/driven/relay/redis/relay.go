// Package redis relays signaling messages between server instances over
// Redis pub/sub. Every participant owns one channel, named prefix+id, which is
// subscribed by the instance holding its websocket.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultPrefix = "yacall:participant:"

type Relay struct {
	client    redis.UniversalClient
	prefix    string
	inboxSize int

	mu        sync.Mutex
	listeners map[*redis.PubSub]struct{}
}

func NewRelay(client redis.UniversalClient, prefix string, inboxSize int) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Relay{
		client:    client,
		prefix:    prefix,
		inboxSize: inboxSize,
		listeners: make(map[*redis.PubSub]struct{}),
	}
}

func (r *Relay) channel(id domain.ParticipantID) string {
	return r.prefix + id.String()
}

// Deliver publishes msg on the recipient's channel. Nobody listening means
// the recipient is not connected to any instance.
func (r *Relay) Deliver(ctx context.Context, recipient domain.ParticipantID, msg domain.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}
	n, err := r.client.Publish(ctx, r.channel(recipient), data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", recipient, err)
	}
	if n == 0 {
		return domain.ErrRecipientUnreachable.For(msg.SessionID, recipient).Withf("no subscriber for %s", recipient)
	}
	return nil
}

// Listen subscribes to the participant's channel and calls h for every
// message, in publish order. Redeliveries of an already seen seq are
// dropped. The subscription is active when Listen returns.
func (r *Relay) Listen(ctx context.Context, id domain.ParticipantID, h func(domain.SignalingMessage)) (stop func(), err error) {
	inbox, err := service.NewInbox(r.inboxSize)
	if err != nil {
		return nil, err
	}

	ps := r.client.Subscribe(ctx, r.channel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}

	r.mu.Lock()
	r.listeners[ps] = struct{}{}
	r.mu.Unlock()

	l := log.With().Str("participant_id", id.String()).Logger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ps.Channel() {
			msg, err := domain.DecodeSignalingMessage([]byte(m.Payload))
			if err != nil {
				l.Warn().Err(err).Msg("Dropping malformed relay message")
				continue
			}
			if err := inbox.Accept(msg); err != nil {
				l.Debug().Err(err).Msg("Dropping redelivered message")
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, ps)
			r.mu.Unlock()
			if err := ps.Close(); err != nil {
				l.Debug().Err(err).Msg("Closing subscription")
			}
			<-done
		})
	}, nil
}

// Close ends every subscription still open.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ps := range r.listeners {
		_ = ps.Close()
		delete(r.listeners, ps)
	}
	return nil
}
