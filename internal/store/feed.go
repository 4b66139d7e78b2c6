package store

import (
	"context"
	"sync"
)

// Feed distributes committed changes to listeners.
type Feed interface {
	Publish(ctx context.Context, c Change)
	Subscribe(collection Collection, fn func(Change)) (unsubscribe func())
}

// LocalFeed dispatches changes synchronously inside the process.
type LocalFeed struct {
	mu   sync.RWMutex
	next int
	subs map[Collection]map[int]func(Change)
}

// NewLocalFeed creates an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[Collection]map[int]func(Change))}
}

// Subscribe registers fn for changes to collection.
func (f *LocalFeed) Subscribe(collection Collection, fn func(Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[collection] == nil {
		f.subs[collection] = make(map[int]func(Change))
	}
	id := f.next
	f.next++
	f.subs[collection][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[collection], id)
			f.mu.Unlock()
		})
	}
}

// Publish calls every listener of c.Collection. Listeners run outside the lock
// so they may write to the store again.
func (f *LocalFeed) Publish(_ context.Context, c Change) {
	f.dispatch(c)
}

func (f *LocalFeed) dispatch(c Change) {
	f.mu.RLock()
	handlers := make([]func(Change), 0, len(f.subs[c.Collection]))
	for _, fn := range f.subs[c.Collection] {
		handlers = append(handlers, fn)
	}
	f.mu.RUnlock()

	for _, fn := range handlers {
		fn(c)
	}
}
