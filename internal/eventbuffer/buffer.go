// Package eventbuffer keeps a bounded, sanitized history of bus events.
package eventbuffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/logging"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

var bufLog = logging.ForComponent(logging.CompEvents)

// Record is one stored event. Payload has already been sanitized.
type Record struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      events.Type `json:"type"`
	Payload   any         `json:"payload"`
	Source    string      `json:"source"`
}

// Listener is called for every new record.
type Listener func(Record)

type listener struct {
	id uint64
	fn Listener
}

// Buffer is an append-then-trim FIFO of records fed from a bus.
type Buffer struct {
	bus      *events.Bus
	capacity int

	mu        sync.Mutex
	records   []Record
	listeners []listener

	// pending holds appended records not yet handed to listeners. One
	// Push at a time delivers, so listeners see records in append order.
	pending    []Record
	delivering bool

	nextID  uint64
	started bool
	unsubs  []func()

	now   func() time.Time
	newID func() string
}

// New creates a buffer that records from bus once started.
func New(bus *events.Bus, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		bus:      bus,
		capacity: capacity,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Capacity returns the maximum number of stored records.
func (b *Buffer) Capacity() int { return b.capacity }

// Start subscribes to every known event type. A second call logs a warning
// and does nothing.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		bufLog.Warn("eventbuffer_already_started")
		return
	}
	b.started = true
	b.mu.Unlock()

	unsubs := make([]func(), 0, len(events.AllTypes()))
	for _, t := range events.AllTypes() {
		unsubs = append(unsubs, b.bus.Subscribe(t, func(ev events.Event) { b.Push(ev) }))
	}

	b.mu.Lock()
	b.unsubs = unsubs
	b.mu.Unlock()
	bufLog.Debug("eventbuffer_started", slog.Int("capacity", b.capacity))
}

// Stop unsubscribes from the bus. Stored records are kept. Safe to call
// repeatedly or without Start.
func (b *Buffer) Stop() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.started = false
	b.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Push sanitizes ev, stores it and notifies listeners in append order. The
// oldest records are evicted after listeners ran. A listener may Push; its
// record is delivered once the current one is done.
func (b *Buffer) Push(ev events.Event) Record {
	source := ev.Source
	if source == "" {
		source = "bus"
	}
	rec := Record{
		ID:        b.newID(),
		Timestamp: b.now(),
		Type:      ev.Type,
		Payload:   Sanitize(ev.Type, ev.Payload),
		Source:    source,
	}

	b.mu.Lock()
	b.records = append(b.records, rec)
	b.pending = append(b.pending, rec)
	if b.delivering {
		b.mu.Unlock()
		return rec
	}
	b.delivering = true
	for len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		listeners := b.listeners
		b.mu.Unlock()

		for _, r := range batch {
			for _, l := range listeners {
				b.notify(l, r)
			}
		}
		b.mu.Lock()
	}
	for len(b.records) > b.capacity {
		b.records[0] = Record{}
		b.records = b.records[1:]
	}
	b.delivering = false
	b.mu.Unlock()
	return rec
}

// visibleLocked is the newest capacity records. Records waiting on
// listeners may briefly push the slice past capacity.
func (b *Buffer) visibleLocked() []Record {
	if over := len(b.records) - b.capacity; over > 0 {
		return b.records[over:]
	}
	return b.records
}

func (b *Buffer) notify(l listener, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			bufLog.Error("record_listener_panic",
				slog.Uint64("listener", l.id),
				slog.String("type", string(rec.Type)),
				slog.String("recover", fmt.Sprintf("%v", r)))
		}
	}()
	l.fn(rec)
}

// OnRecord registers fn for every future record. The returned function
// removes it.
func (b *Buffer) OnRecord(fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			next := make([]listener, 0, len(b.listeners))
			for _, l := range b.listeners {
				if l.id != id {
					next = append(next, l)
				}
			}
			b.listeners = next
		})
	}
}

// All returns a copy of every stored record, oldest first.
func (b *Buffer) All() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	visible := b.visibleLocked()
	out := make([]Record, len(visible))
	copy(out, visible)
	return out
}

// Clear drops stored records. Subscriptions and listeners are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()
}

// Size returns the number of stored records.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visibleLocked())
}
