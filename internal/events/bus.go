// Package events provides the in-process publish/subscribe bus that
// ball devices use to coordinate with each other and with game logic.
//
// Events are posted under a string name (names follow the
// "balldevice_<device>_<what>" convention) with a typed payload
// struct. Dispatch is synchronous: Post returns after every handler
// has run, which lets relay-style events mutate a pointer payload and
// lets queue-style events collect holds before the poster waits.
package events

import (
	"context"
	"sync"
)

// Event is the payload of a posted event. Payloads are plain structs
// defined by the posting package; relay events are posted as pointers
// so handlers can mutate them.
type Event any

// Handler processes one event. Returning false stops propagation to
// later handlers, which is how a consumable notification (such as
// "balls available") is claimed by exactly one subscriber.
type Handler func(name string, ev Event) bool

type subscription struct {
	id int
	fn Handler
}

// Bus is a synchronous in-process event bus. Subscribers are keyed by
// event name; handlers run in subscription order in the goroutine of
// the poster.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers a handler for the named event and returns a
// function that removes it again.
func (b *Bus) Subscribe(name string, fn Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn}
	b.subs[name] = append(b.subs[name], sub)
	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Post delivers the event to every subscriber of name, in order, in
// the calling goroutine. If a handler returns false the remaining
// handlers are skipped.
func (b *Bus) Post(name string, ev Event) {
	b.mu.Lock()
	list := make([]*subscription, len(b.subs[name]))
	copy(list, b.subs[name])
	b.mu.Unlock()

	for _, sub := range list {
		if !sub.fn(name, ev) {
			return
		}
	}
}

// WaitFor returns a channel that receives the next event posted under
// name, and a cancel function that must be called if the caller stops
// waiting. The channel is buffered so the poster never blocks.
func (b *Bus) WaitFor(name string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	var once sync.Once
	var cancel func()
	cancel = b.Subscribe(name, func(_ string, ev Event) bool {
		once.Do(func() {
			ch <- ev
			cancel()
		})
		return true
	})
	return ch, func() { once.Do(cancel) }
}

// Blockers is the coordination object of a queue event. The poster
// attaches a fresh Blockers to the event payload, posts it, and then
// waits; any handler may take a hold during dispatch to delay the
// poster until it releases the hold again.
type Blockers struct {
	mu    sync.Mutex
	holds int
	zero  chan struct{}
}

// NewBlockers returns a Blockers with no outstanding holds.
func NewBlockers() *Blockers {
	zero := make(chan struct{})
	close(zero)
	return &Blockers{zero: zero}
}

// Hold takes one hold and returns the function that releases it.
// Releasing twice is safe.
func (q *Blockers) Hold() (release func()) {
	q.mu.Lock()
	if q.holds == 0 {
		q.zero = make(chan struct{})
	}
	q.holds++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.holds--
			if q.holds == 0 {
				close(q.zero)
			}
			q.mu.Unlock()
		})
	}
}

// Wait blocks until every hold taken so far has been released, or the
// context is done.
func (q *Blockers) Wait(ctx context.Context) error {
	q.mu.Lock()
	zero := q.zero
	q.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
