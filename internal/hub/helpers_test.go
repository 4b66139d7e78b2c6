package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

// recorder collects bus events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []syncbus.Event
}

func (r *recorder) handle(e syncbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []syncbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncbus.Event(nil), r.events...)
}

func (r *recorder) kinds() []syncbus.Kind {
	var out []syncbus.Kind
	for _, e := range r.all() {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func seedStore(t *testing.T, s store.Store, slots int, drivers ...model.Driver) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureSlots(ctx, s, slots))
	for _, d := range drivers {
		if d.ID == "" {
			d.ID = d.Code
		}
		if d.LastUpdate.IsZero() {
			d.LastUpdate = time.Now().UTC().Add(-time.Minute)
		}
		_, err := s.PutDriver(ctx, d)
		require.NoError(t, err)
	}
}

func arrived(code string) model.Driver {
	return model.Driver{Code: code, Status: model.DriverArrived}
}

func startEngine(t *testing.T, s store.Store, id string) (*Engine, *recorder) {
	t.Helper()
	bus := syncbus.New(nil)
	e := New(s, bus, Options{ContextID: id})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	return e, rec
}

func newTestEngine(t *testing.T, slots int, drivers ...model.Driver) (*Engine, *store.MemoryStore, *recorder) {
	t.Helper()
	s := store.NewMemoryStore(nil)
	seedStore(t, s, slots, drivers...)
	e, rec := startEngine(t, s, "tab-1")
	return e, s, rec
}

func getSlot(t *testing.T, s store.Store, id string) model.Slot {
	t.Helper()
	slot, err := s.GetSlot(context.Background(), id)
	require.NoError(t, err)
	return slot
}

func getDriver(t *testing.T, s store.Store, code string) model.Driver {
	t.Helper()
	d, err := s.GetDriver(context.Background(), code)
	require.NoError(t, err)
	return d
}

// requireInvariants scans every record and checks that assignments are
// symmetric, injective and only held in statuses that allow them.
func requireInvariants(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	slots, err := s.ListSlots(ctx)
	require.NoError(t, err)
	drivers, err := s.ListDrivers(ctx)
	require.NoError(t, err)

	byCode := make(map[string]model.Driver, len(drivers))
	for _, d := range drivers {
		byCode[d.Code] = d
	}
	holder := make(map[string]string)
	for _, slot := range slots {
		if slot.AssignedDriverID == "" {
			continue
		}
		require.Truef(t, slot.Status.Occupied(), "slot %s holds %s while %s", slot.ID, slot.AssignedDriverID, slot.Status)
		prev, dup := holder[slot.AssignedDriverID]
		require.Falsef(t, dup, "driver %s held by slots %s and %s", slot.AssignedDriverID, prev, slot.ID)
		holder[slot.AssignedDriverID] = slot.ID

		d, ok := byCode[slot.AssignedDriverID]
		require.Truef(t, ok, "slot %s references missing driver %s", slot.ID, slot.AssignedDriverID)
		require.Equalf(t, slot.ID, d.AssignedSlotID, "driver %s does not point back at slot %s", d.Code, slot.ID)
	}
	for _, d := range drivers {
		if d.AssignedSlotID == "" {
			continue
		}
		require.Containsf(t, []model.DriverStatus{model.DriverEnteringHub, model.DriverArrived}, d.Status,
			"driver %s holds slot %s while %s", d.Code, d.AssignedSlotID, d.Status)
		require.Equalf(t, d.AssignedSlotID, holder[d.Code], "slot %s does not point back at driver %s", d.AssignedSlotID, d.Code)
	}
}

// hookStore wraps a Store and lets tests intercept individual calls.
type hookStore struct {
	store.Store
	getDriver  func(ctx context.Context, code string) (model.Driver, error)
	putSlot    func(ctx context.Context, slot model.Slot) (model.Slot, error)
	swapDriver func(ctx context.Context, d model.Driver, expected int64) (model.Driver, error)
}

func (h *hookStore) GetDriver(ctx context.Context, code string) (model.Driver, error) {
	if h.getDriver != nil {
		return h.getDriver(ctx, code)
	}
	return h.Store.GetDriver(ctx, code)
}

func (h *hookStore) PutSlot(ctx context.Context, slot model.Slot) (model.Slot, error) {
	if h.putSlot != nil {
		return h.putSlot(ctx, slot)
	}
	return h.Store.PutSlot(ctx, slot)
}

func (h *hookStore) SwapDriver(ctx context.Context, d model.Driver, expected int64) (model.Driver, error) {
	if h.swapDriver != nil {
		return h.swapDriver(ctx, d, expected)
	}
	return h.Store.SwapDriver(ctx, d, expected)
}
