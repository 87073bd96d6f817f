// Package eventbus implements the event bus (C8): per-kind subscriber
// lists with bounded, non-blocking delivery. Grounded on
// internal/dashboard/websocket.go's wsHub, generalized from one
// broadcast channel to one list per event Kind, from a hub goroutine
// to a mutex-guarded subscriber map, and from "drop the whole client
// on a full buffer" to "drop the oldest queued event and warn once",
// per spec.md §4.8.
package eventbus

import (
	"log/slog"
	"sync"
)

const queueCapacity = 10000

// Subscription is a handle returned by Subscribe. Call Unsubscribe to
// stop receiving events; the subscriber's queue is drained and closed.
type Subscription struct {
	id     uint64
	kind   Kind
	events chan Event
	bus    *Bus
}

// Events returns the channel events for this subscription arrive on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

type subscriber struct {
	id      uint64
	ch      chan Event
	warned  bool
}

// Bus fans events out to per-kind subscriber lists. A mutex guards
// registration and removal; Publish holds it only long enough to copy
// the subscriber list for the event's kind, then delivers on the
// publishing goroutine with non-blocking channel sends.
type Bus struct {
	mu        sync.Mutex
	subs      map[Kind][]*subscriber
	nextID    uint64
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]*subscriber)}
}

// Subscribe registers for events of kind. The subscription is globally
// visible before Subscribe returns — any Publish call that starts
// after this call returns is guaranteed to be observed by this
// subscriber, per spec.md §4.8.
func (b *Bus) Subscribe(kind Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, queueCapacity)}
	b.subs[kind] = append(b.subs[kind], sub)

	return &Subscription{id: sub.id, kind: kind, events: sub.ch, bus: b}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.kind]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.kind] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers evt to every subscriber registered for evt.Kind.
// Delivery never blocks the caller: a subscriber whose queue is full
// has its oldest queued event dropped to make room, with a one-shot
// warning logged the first time that subscriber drops anything.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs[evt.Kind]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Queue full: drop the oldest event to make room, per the
	// soft-cap/oldest-drop policy in spec.md §4.8.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
		// Another publisher raced us and refilled the queue; give up
		// silently rather than spin.
	}

	b.mu.Lock()
	warn := !sub.warned
	sub.warned = true
	b.mu.Unlock()
	if warn {
		slog.Warn("event bus subscriber queue full, dropping oldest events", "kind", evt.Kind)
	}
}

// Close unsubscribes and closes every subscriber's channel. Used on
// server shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(b.subs, kind)
	}
}
