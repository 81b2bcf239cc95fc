package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives published events.
type Handler func(Event)

// Subscription is a handle to an active subscription. Cancelling it drops
// the subscription; no list splicing at call sites.
type Subscription struct {
	id    uint64
	types map[string]bool
	fn    Handler
	bus   *Bus
}

// Cancel removes the subscription from the bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub.id == s.id {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			return
		}
	}
}

// Bus delivers events synchronously to subscribers in subscription order.
// A panicking subscriber is recovered and logged; it never stops delivery
// to the rest.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "eventbus").Logger()}
}

// Subscribe registers fn for the given event types. With no types, fn
// receives every event.
func (b *Bus) Subscribe(fn Handler, types ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, fn: fn, bus: b}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers e to all matching subscribers, synchronously, in
// subscription order.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("event_type", e.Type).
				Str("account_id", e.AccountID).
				Msg("event subscriber panicked")
		}
	}()
	sub.fn(e)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
