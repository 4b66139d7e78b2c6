package hub

import (
	"slices"
	"sync"
)

// keyedMutex serializes operations per slot and per driver inside one engine.
// Callers lock slot keys before driver keys. Entries are dropped once no
// caller holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &keyedEntry{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return m
}

func (k *keyedMutex) release(key string, m *keyedEntry) {
	m.mu.Unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Lock acquires keys in order and returns a func releasing them in reverse.
func (k *keyedMutex) Lock(keys ...string) (unlock func()) {
	type held struct {
		key string
		m   *keyedEntry
	}
	locked := make([]held, 0, len(keys))
	for _, key := range keys {
		if key == "" || slices.ContainsFunc(locked, func(h held) bool { return h.key == key }) {
			continue
		}
		locked = append(locked, held{key, k.acquire(key)})
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			k.release(locked[i].key, locked[i].m)
		}
	}
}

func slotKey(id string) string {
	if id == "" {
		return ""
	}
	return "slot:" + id
}

func driverKey(code string) string {
	if code == "" {
		return ""
	}
	return "driver:" + code
}
