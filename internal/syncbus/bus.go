// Package syncbus fans state changes out to every surface of the dashboard.
//
// Events published together are delivered as one batch: no other batch is
// interleaved, so a subscriber always sees AlertsCleared for a slot before the
// SlotChanged that follows it. Handlers run synchronously on the publishing
// goroutine and must not publish on the same bus.
package syncbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gaiola-hub-backend/internal/store"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("syncbus: bus is closed")

// Handler receives events.
type Handler func(Event)

type subscriber struct {
	kind Kind // "" means every kind
	fn   Handler
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Panics      uint64
	Subscribers int
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	publishMu sync.Mutex

	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64

	logger *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]subscriber), logger: logger}
}

// Subscribe registers fn for events of kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	return b.add(subscriber{kind: kind, fn: fn})
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) (unsubscribe func()) {
	return b.add(subscriber{fn: fn})
}

func (b *Bus) add(s subscriber) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers events, in order, to every matching subscriber.
func (b *Bus) Publish(events ...Event) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]subscriber, 0, len(b.subs))
	for id := 0; id < b.next; id++ {
		if s, ok := b.subs[id]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, ev := range events {
		b.published.Add(1)
		for _, s := range subs {
			if s.kind != "" && s.kind != ev.Kind {
				continue
			}
			b.deliver(s.fn, ev)
		}
	}
	return nil
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("bus subscriber panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
	b.delivered.Add(1)
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Panics:      b.panics.Load(),
		Subscribers: n,
	}
}

// Close rejects further publishes. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ChangeSource is the part of a store the bridge listens on.
type ChangeSource interface {
	OnChange(collection store.Collection, fn func(store.Change)) func()
}

// Resolver turns a change written by another context into events, usually
// after refreshing local state from the store.
type Resolver func(store.Change) []Event

// Bridge forwards changes whose origin differs from origin onto the bus.
// With a nil resolver a bare SlotChanged or DriverChanged event is published.
func (b *Bus) Bridge(src ChangeSource, origin string, resolve Resolver) (stop func()) {
	if resolve == nil {
		resolve = defaultResolve
	}
	handler := func(c store.Change) {
		if c.Origin == origin {
			return
		}
		events := resolve(c)
		if len(events) == 0 {
			return
		}
		if err := b.Publish(events...); err != nil {
			b.logger.Debug("dropping external change", zap.String("id", c.ID), zap.Error(err))
		}
	}

	stops := []func(){
		src.OnChange(store.Slots, handler),
		src.OnChange(store.Drivers, handler),
		src.OnChange(store.DelayRequests, handler),
	}
	return func() {
		for _, s := range stops {
			s()
		}
	}
}

func defaultResolve(c store.Change) []Event {
	ev := Event{Source: SourceExternal, Deleted: c.Deleted, Timestamp: time.Now().UTC()}
	switch c.Collection {
	case store.Slots:
		ev.Kind = SlotChanged
		ev.SlotID = c.ID
	case store.Drivers:
		ev.Kind = DriverChanged
		ev.DriverCode = c.ID
	default:
		return nil
	}
	return []Event{ev}
}
