package hub

import (
	"sort"
	"sync"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
)

// view is the local snapshot every reader is served from.
type view struct {
	mu       sync.RWMutex
	slots    map[string]model.Slot
	drivers  map[string]model.Driver
	requests map[string]model.DelayRequest
}

func newView() *view {
	return &view{
		slots:    make(map[string]model.Slot),
		drivers:  make(map[string]model.Driver),
		requests: make(map[string]model.DelayRequest),
	}
}

func (v *view) load(slots []model.Slot, drivers []model.Driver, requests []model.DelayRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots = make(map[string]model.Slot, len(slots))
	for _, s := range slots {
		v.slots[s.ID] = s
	}
	v.drivers = make(map[string]model.Driver, len(drivers))
	for _, d := range drivers {
		v.drivers[d.ID] = d
	}
	v.requests = make(map[string]model.DelayRequest, len(requests))
	for _, r := range requests {
		v.requests[r.RequestID] = r
	}
}

func (v *view) putSlot(s model.Slot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	// an older revision arriving late must not overwrite a newer one
	if cur, ok := v.slots[s.ID]; ok && cur.Revision > s.Revision {
		return
	}
	v.slots[s.ID] = s
}

func (v *view) putDriver(d model.Driver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.drivers[d.ID]; ok && cur.Revision > d.Revision {
		return
	}
	v.drivers[d.ID] = d
}

func (v *view) deleteDriver(code string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.drivers, code)
}

func (v *view) putRequest(r model.DelayRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests[r.RequestID] = r
}

func (v *view) deleteRequest(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.requests, id)
}

func (v *view) slot(id string) (model.Slot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.slots[id]
	return s, ok
}

func (v *view) driver(code string) (model.Driver, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.drivers[code]
	return d, ok
}

func (v *view) allSlots() []model.Slot {
	v.mu.RLock()
	out := make([]model.Slot, 0, len(v.slots))
	for _, s := range v.slots {
		out = append(out, s)
	}
	v.mu.RUnlock()
	store.SortSlots(out)
	return out
}

func (v *view) allDrivers() []model.Driver {
	v.mu.RLock()
	out := make([]model.Driver, 0, len(v.drivers))
	for _, d := range v.drivers {
		out = append(out, d)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (v *view) allRequests() []model.DelayRequest {
	v.mu.RLock()
	out := make([]model.DelayRequest, 0, len(v.requests))
	for _, r := range v.requests {
		out = append(out, r)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
