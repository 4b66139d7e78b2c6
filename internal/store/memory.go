package store

import (
	"context"
	"sort"
	"sync"

	"gaiola-hub-backend/internal/model"
)

// MemoryStore keeps every collection in process memory. Several engines may
// share one MemoryStore to act as independent contexts over the same data.
type MemoryStore struct {
	mu       sync.RWMutex
	slots    map[string]model.Slot
	drivers  map[string]model.Driver
	requests map[string]model.DelayRequest
	subs     map[string]model.PushSubscription
	feed     Feed
}

// NewMemoryStore creates an empty store publishing on feed. A nil feed gets a LocalFeed.
func NewMemoryStore(feed Feed) *MemoryStore {
	if feed == nil {
		feed = NewLocalFeed()
	}
	return &MemoryStore{
		slots:    make(map[string]model.Slot),
		drivers:  make(map[string]model.Driver),
		requests: make(map[string]model.DelayRequest),
		subs:     make(map[string]model.PushSubscription),
		feed:     feed,
	}
}

func (m *MemoryStore) publish(ctx context.Context, c Collection, id string, deleted bool) {
	m.feed.Publish(ctx, Change{Collection: c, ID: id, Origin: OriginFrom(ctx), Deleted: deleted})
}

// OnChange registers fn for committed writes to collection.
func (m *MemoryStore) OnChange(collection Collection, fn func(Change)) func() {
	return m.feed.Subscribe(collection, fn)
}

func (m *MemoryStore) GetSlot(_ context.Context, id string) (model.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSlots(_ context.Context) ([]model.Slot, error) {
	m.mu.RLock()
	out := make([]model.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	m.mu.RUnlock()
	SortSlots(out)
	return out, nil
}

func (m *MemoryStore) PutSlot(ctx context.Context, slot model.Slot) (model.Slot, error) {
	m.mu.Lock()
	slot.Revision = m.slots[slot.ID].Revision + 1
	m.slots[slot.ID] = slot
	m.mu.Unlock()

	m.publish(ctx, Slots, slot.ID, false)
	return slot, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, code string) (model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[code]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]model.Driver, error) {
	m.mu.RLock()
	out := make([]model.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) PutDriver(ctx context.Context, driver model.Driver) (model.Driver, error) {
	m.mu.Lock()
	driver.Revision = m.drivers[driver.ID].Revision + 1
	m.drivers[driver.ID] = driver
	m.mu.Unlock()

	m.publish(ctx, Drivers, driver.ID, false)
	return driver, nil
}

func (m *MemoryStore) SwapDriver(ctx context.Context, driver model.Driver, expected int64) (model.Driver, error) {
	m.mu.Lock()
	current, ok := m.drivers[driver.ID]
	if (!ok && expected != 0) || (ok && current.Revision != expected) {
		m.mu.Unlock()
		return model.Driver{}, ErrRevisionMismatch
	}
	driver.Revision = expected + 1
	m.drivers[driver.ID] = driver
	m.mu.Unlock()

	m.publish(ctx, Drivers, driver.ID, false)
	return driver, nil
}

func (m *MemoryStore) DeleteDriver(ctx context.Context, code string) error {
	m.mu.Lock()
	if _, ok := m.drivers[code]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.drivers, code)
	m.mu.Unlock()

	m.publish(ctx, Drivers, code, true)
	return nil
}

func (m *MemoryStore) GetDelayRequest(_ context.Context, id string) (model.DelayRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return model.DelayRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListDelayRequests(_ context.Context) ([]model.DelayRequest, error) {
	m.mu.RLock()
	out := make([]model.DelayRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutDelayRequest(ctx context.Context, req model.DelayRequest) error {
	m.mu.Lock()
	m.requests[req.RequestID] = req
	m.mu.Unlock()

	m.publish(ctx, DelayRequests, req.RequestID, false)
	return nil
}

func (m *MemoryStore) DeleteDelayRequests(ctx context.Context, ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.requests, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.publish(ctx, DelayRequests, id, true)
	}
	return nil
}

func (m *MemoryStore) PutSubscription(_ context.Context, sub model.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subs[sub.Endpoint]; ok {
		sub.CreatedAt = existing.CreatedAt
	}
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, endpoint string) (model.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[endpoint]
	if !ok {
		return model.PushSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, role, slotID string) ([]model.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PushSubscription
	for _, sub := range m.subs {
		if sub.Role != role {
			continue
		}
		if slotID != "" && sub.SlotID != slotID {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}
