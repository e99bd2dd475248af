package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var busLog = logging.ForComponent(logging.CompEvents)

// Handler receives published events. It runs on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id  uint64
	typ Type
	all bool
	fn  Handler
}

// Bus is a typed, synchronous publish/subscribe channel.
//
// Publish snapshots the subscriber list before delivering, so a handler may
// subscribe, unsubscribe or publish again without deadlocking; changes it
// makes apply to the next Publish.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for events of type t. The returned function removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	return b.add(subscription{typ: t, fn: fn})
}

// SubscribeAll registers fn for every event regardless of type.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.add(subscription{all: true, fn: fn})
}

func (b *Bus) add(sub subscription) func() {
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// Copy instead of splicing in place; in-flight Publish calls hold
			// the old backing array.
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber in registration order.
// A panicking handler is recovered and logged; delivery continues.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		if !s.all && s.typ != ev.Type {
			continue
		}
		b.deliver(s, ev)
	}
}

// PublishValidated validates ev and publishes it. Invalid events are not
// delivered; the returned error wraps ErrInvalidPayload.
func (b *Bus) PublishValidated(ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	b.Publish(ev)
	return nil
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			busLog.Error("handler_panic",
				slog.String("type", string(ev.Type)),
				slog.Uint64("subscription", s.id),
				slog.String("recover", fmt.Sprintf("%v", rec)))
		}
	}()
	s.fn(ev)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
