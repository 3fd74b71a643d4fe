package events

import "sync"

// Bus is a minimal synchronous pub/sub primitive. Publish invokes every
// subscriber in subscription order on the caller's goroutine; handlers must
// not block. Publishers must not hold locks that a handler may also take.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
	next int
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
