package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrHubStopped       = errors.New("hub stopped")
	ErrAlreadyConnected = errors.New("participant already connected")
)

// Listener receives signaling messages addressed to a participant from
// outside this process.
type Listener interface {
	Listen(ctx context.Context, id domain.ParticipantID, h func(domain.SignalingMessage)) (stop func(), err error)
}

type registration struct {
	client Client
	stop   func()
	err    error
	done   chan struct{}
}

// Hub tracks connected clients by participant id. It implements port.Relay
// for in-process delivery and forwards engine events to the clients of the
// session they belong to.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ParticipantID]Client
	stops   map[domain.ParticipantID]func()

	listener   Listener
	register   chan *registration
	unregister chan Client
	quit       chan struct{}
	stopOnce   sync.Once
}

type HubOption func(*Hub)

// WithListener makes the hub subscribe every registered participant on l,
// so messages published by other instances reach local sockets.
func WithListener(l Listener) HubOption {
	return func(h *Hub) { h.listener = l }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[domain.ParticipantID]Client),
		stops:      make(map[domain.ParticipantID]func()),
		register:   make(chan *registration),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Deliver(ctx context.Context, recipient domain.ParticipantID, msg domain.SignalingMessage) error {
	h.mu.RLock()
	client, ok := h.clients[recipient]
	h.mu.RUnlock()
	if !ok {
		return domain.ErrRecipientUnreachable.For(msg.SessionID, recipient).Withf("%s is not connected", recipient)
	}
	return client.SendSignal(ctx, msg)
}

// HandleEvent forwards ev to every local client of its session. Clients are
// disconnected once their session ended.
func (h *Hub) HandleEvent(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, c := range h.sessionClients(ev.SessionID) {
		if err := c.SendEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
		if ev.Kind == domain.EventSessionEnded {
			h.Unregister(c)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) sessionClients(id domain.SessionID) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Client
	for _, c := range h.clients {
		if c.SessionID() == id {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				h.drop(id, client)
			}
			h.mu.Unlock()
			return

		case reg := <-h.register:
			id := reg.client.ParticipantID()
			h.mu.Lock()
			if _, ok := h.clients[id]; ok {
				h.mu.Unlock()
				reg.err = ErrAlreadyConnected
				close(reg.done)
				log.Info().Str("participant_id", id.String()).Msg("Refusing second connection")
				continue
			}
			h.clients[id] = reg.client
			if reg.stop != nil {
				h.stops[id] = reg.stop
			}
			h.mu.Unlock()
			close(reg.done)
			log.Info().
				Str("participant_id", id.String()).
				Str("session_id", reg.client.SessionID().String()).
				Msg("Client registered")

		case client := <-h.unregister:
			id := client.ParticipantID()
			h.mu.Lock()
			if current, ok := h.clients[id]; ok && current == client {
				h.drop(id, client)
				log.Info().Str("participant_id", id.String()).Msg("Client unregistered")
			}
			h.mu.Unlock()
		}
	}
}

// drop expects mu to be held.
func (h *Hub) drop(id domain.ParticipantID, client Client) {
	delete(h.clients, id)
	if stop, ok := h.stops[id]; ok {
		stop()
		delete(h.stops, id)
	}
	if err := client.Close(); err != nil {
		log.Debug().Err(err).Str("participant_id", id.String()).Msg("Error closing client")
	}
}

// Register returns once c can receive messages. A participant holds at most
// one connection: registering a second one fails with ErrAlreadyConnected and
// leaves the first untouched.
func (h *Hub) Register(ctx context.Context, c Client) error {
	if h.Connected(c.ParticipantID()) {
		return ErrAlreadyConnected
	}
	reg := &registration{client: c, done: make(chan struct{})}
	if h.listener != nil {
		stop, err := h.listener.Listen(ctx, c.ParticipantID(), func(msg domain.SignalingMessage) {
			if err := c.SendSignal(context.Background(), msg); err != nil {
				log.Warn().Err(err).Str("participant_id", c.ParticipantID().String()).Msg("Error forwarding relayed message")
			}
		})
		if err != nil {
			return err
		}
		reg.stop = stop
	}

	select {
	case h.register <- reg:
	case <-h.quit:
		if reg.stop != nil {
			reg.stop()
		}
		return ErrHubStopped
	}
	<-reg.done
	if reg.err != nil && reg.stop != nil {
		reg.stop()
	}
	return reg.err
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Connected(id domain.ParticipantID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
