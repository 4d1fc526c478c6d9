package service

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const defaultEventBuffer = 256

// Handler consumes events for one subscriber. Calls for a subscriber never
// overlap and arrive in publish order.
type Handler func(ctx context.Context, ev domain.Event) error

type SubscribeOption func(*subscriber)

// WithSession restricts a subscription to one session.
func WithSession(id domain.SessionID) SubscribeOption {
	return func(s *subscriber) { s.session = id }
}

// WithKinds restricts a subscription to the given event kinds.
func WithKinds(kinds ...domain.EventKind) SubscribeOption {
	return func(s *subscriber) {
		s.kinds = make(map[domain.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
}

// WithBuffer overrides the queue length of a subscription.
func WithBuffer(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.buffer = n
		}
	}
}

type subscriber struct {
	id      uint64
	session domain.SessionID
	kinds   map[domain.EventKind]struct{}
	buffer  int
	queue   chan domain.Event
	handler Handler
	done    chan struct{}
	once    sync.Once

	draining  chan struct{}
	drainOnce sync.Once
}

func (s *subscriber) accepts(ev domain.Event) bool {
	if s.session != "" && s.session != ev.SessionID {
		return false
	}
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) drain() {
	s.drainOnce.Do(func() { close(s.draining) })
}

// EventBus fans events out to subscribers. Publish never blocks: each
// subscriber owns a bounded queue and events that do not fit are dropped for
// that subscriber only.
type EventBus struct {
	ctx     context.Context
	cancel  context.CancelFunc
	buffer  int
	metrics port.Metrics

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	wg          sync.WaitGroup
}

func NewEventBus(ctx context.Context, buffer int, metrics port.Metrics) *EventBus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &EventBus{
		ctx:         ctx,
		cancel:      cancel,
		buffer:      buffer,
		metrics:     metrics,
		subscribers: make(map[uint64]*subscriber),
	}
}

type Subscription struct {
	bus *EventBus
	sub *subscriber
}

// Close stops delivery to this subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.sub.id)
	s.bus.mu.Unlock()
	s.sub.stop()
}

func (b *EventBus) Subscribe(h Handler, opts ...SubscribeOption) *Subscription {
	s := &subscriber{
		buffer:   b.buffer,
		handler:  h,
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan domain.Event, s.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stop()
		return &Subscription{bus: b, sub: s}
	}
	b.nextID++
	s.id = b.nextID
	b.subscribers[s.id] = s
	b.wg.Add(1)
	go b.run(s)
	return &Subscription{bus: b, sub: s}
}

func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subscribers {
		if !s.accepts(ev) {
			continue
		}
		select {
		case s.queue <- ev:
		default:
			b.metrics.EventDropped()
			log.Warn().
				Str("session_id", ev.SessionID.String()).
				Str("kind", string(ev.Kind)).
				Uint64("subscriber", s.id).
				Msg("Subscriber queue full, dropping event")
		}
	}
}

// Close stops every subscriber and waits for in-flight handlers to return.
// Queued events are discarded.
func (b *EventBus) Close() {
	if !b.shut((*subscriber).stop) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// Drain stops accepting events and waits until every subscriber has handled
// what is already queued. When ctx ends first the rest is discarded and
// ctx.Err() returned.
func (b *EventBus) Drain(ctx context.Context) error {
	if !b.shut((*subscriber).drain) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.cancel()
	<-done
	return err
}

// shut marks the bus closed and applies end to every subscriber. It reports
// false when the bus was already closed.
func (b *EventBus) shut(end func(*subscriber)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	for id, s := range b.subscribers {
		end(s)
		delete(b.subscribers, id)
	}
	return true
}

func (b *EventBus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-s.done:
			return
		case <-s.draining:
			for b.ctx.Err() == nil {
				select {
				case ev := <-s.queue:
					b.dispatch(s, ev)
				default:
					return
				}
			}
			return
		case ev := <-s.queue:
			b.dispatch(s, ev)
		}
	}
}

func (b *EventBus) dispatch(s *subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscriber", s.id).
				Str("kind", string(ev.Kind)).
				Msg("Event handler panicked")
		}
	}()
	if err := s.handler(b.ctx, ev); err != nil {
		log.Warn().Err(err).
			Uint64("subscriber", s.id).
			Str("session_id", ev.SessionID.String()).
			Str("kind", string(ev.Kind)).
			Msg("Event handler failed")
	}
}
