// Package hub implements the slot/driver synchronization and escalation engine.
//
// An Engine is one execution context (a dashboard tab, an API process). Several
// engines may share a store; each serializes its own operations per slot and
// per driver, and relies on the store's change feed, the coordinator's
// verified writes and periodic reconciliation to stay consistent with the rest.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

// DefaultDelayRetention is how long responded delay requests are kept.
const DefaultDelayRetention = time.Hour

// Options configures an Engine.
type Options struct {
	// ContextID tags this engine's writes; a random id is used when empty.
	ContextID string
	Logger    *zap.Logger
	// Now overrides the clock, for tests.
	Now            func() time.Time
	DelayRetention time.Duration
}

// Engine is the public face of the core.
type Engine struct {
	store     store.Store
	bus       *syncbus.Bus
	id        string
	logger    *zap.Logger
	now       func() time.Time
	retention time.Duration

	locks *keyedMutex
	view  *view

	reconcileMu sync.Mutex
	stopBridge  func()
}

// New creates an engine over s publishing on bus. Call Start before use.
func New(s store.Store, bus *syncbus.Bus, opts Options) *Engine {
	if opts.ContextID == "" {
		opts.ContextID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DelayRetention <= 0 {
		opts.DelayRetention = DefaultDelayRetention
	}
	return &Engine{
		store:     s,
		bus:       bus,
		id:        opts.ContextID,
		logger:    opts.Logger.With(zap.String("context_id", opts.ContextID)),
		now:       opts.Now,
		retention: opts.DelayRetention,
		locks:     newKeyedMutex(),
		view:      newView(),
	}
}

// ID returns the execution context id used as write origin.
func (e *Engine) ID() string { return e.id }

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *syncbus.Bus { return e.bus }

// Start loads the snapshot and begins listening for writes from other contexts.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		return err
	}
	e.stopBridge = e.bus.Bridge(e.store, e.id, e.resolveExternal)
	return nil
}

// Close stops listening for external changes.
func (e *Engine) Close() {
	if e.stopBridge != nil {
		e.stopBridge()
		e.stopBridge = nil
	}
}

// Refresh reloads the whole snapshot from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	slots, err := e.store.ListSlots(ctx)
	if err != nil {
		return storageErr("refresh", err)
	}
	drivers, err := e.store.ListDrivers(ctx)
	if err != nil {
		return storageErr("refresh", err)
	}
	requests, err := e.store.ListDelayRequests(ctx)
	if err != nil {
		return storageErr("refresh", err)
	}
	e.view.load(slots, drivers, requests)
	return nil
}

// Subscribe registers fn for events of kind.
func (e *Engine) Subscribe(kind syncbus.Kind, fn syncbus.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(kind, fn)
}

// Slots returns the local snapshot of every slot.
func (e *Engine) Slots() []model.Slot { return e.view.allSlots() }

// Slot returns the local snapshot of one slot.
func (e *Engine) Slot(id string) (model.Slot, bool) { return e.view.slot(id) }

// Drivers returns the local snapshot of every driver.
func (e *Engine) Drivers() []model.Driver { return e.view.allDrivers() }

// Driver returns the local snapshot of one driver.
func (e *Engine) Driver(code string) (model.Driver, bool) { return e.view.driver(code) }

// DelayRequests returns the local snapshot of delay requests.
func (e *Engine) DelayRequests() []model.DelayRequest { return e.view.allRequests() }

// origin tags ctx so the store attributes writes to this engine.
func (e *Engine) origin(ctx context.Context) context.Context {
	return store.WithOrigin(ctx, e.id)
}

// stamp returns a timestamp strictly after prev, keeping lastUpdate monotonic
// at the microsecond precision databases keep.
func (e *Engine) stamp(prev time.Time) time.Time {
	t := e.now().UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (e *Engine) publish(events ...syncbus.Event) {
	now := e.now().UTC()
	for i := range events {
		if events[i].Source == "" {
			events[i].Source = syncbus.SourceLocal
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	if err := e.bus.Publish(events...); err != nil {
		e.logger.Warn("failed to publish events", zap.Int("count", len(events)), zap.Error(err))
	}
}

func (e *Engine) loadSlot(ctx context.Context, op, id string) (model.Slot, error) {
	slot, err := e.store.GetSlot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Slot{}, &OpError{Op: op, SlotID: id, Err: ErrSlotNotFound}
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.SlotID = id
		return model.Slot{}, oe
	}
	return slot, nil
}

func (e *Engine) loadDriver(ctx context.Context, op, code string) (model.Driver, error) {
	driver, err := e.store.GetDriver(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return model.Driver{}, &OpError{Op: op, DriverCode: code, Err: ErrDriverNotFound}
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.DriverCode = code
		return model.Driver{}, oe
	}
	return driver, nil
}

// lockDriver locks a driver together with the slot it references, in
// slot-then-driver order, retrying if the reference moves while waiting.
func (e *Engine) lockDriver(ctx context.Context, op, code string) (model.Driver, func(), error) {
	for attempt := 0; attempt < 5; attempt++ {
		d, err := e.loadDriver(ctx, op, code)
		if err != nil {
			return model.Driver{}, nil, err
		}
		unlock := e.locks.Lock(slotKey(d.AssignedSlotID), driverKey(code))
		fresh, err := e.loadDriver(ctx, op, code)
		if err != nil {
			unlock()
			return model.Driver{}, nil, err
		}
		if fresh.AssignedSlotID == d.AssignedSlotID {
			return fresh, unlock, nil
		}
		unlock()
	}
	return model.Driver{}, nil, &OpError{Op: op, DriverCode: code, Err: fmt.Errorf("%w: assignment kept moving", ErrAssignmentConflict)}
}

func slotEvent(prev model.SlotStatus, s model.Slot) syncbus.Event {
	return syncbus.Event{
		Kind:           syncbus.SlotChanged,
		SlotID:         s.ID,
		DriverCode:     s.AssignedDriverID,
		PreviousStatus: string(prev),
		NewStatus:      string(s.Status),
		Timestamp:      s.LastUpdate,
	}
}

func driverEvent(prev model.DriverStatus, d model.Driver) syncbus.Event {
	return syncbus.Event{
		Kind:           syncbus.DriverChanged,
		SlotID:         d.AssignedSlotID,
		DriverCode:     d.Code,
		PreviousStatus: string(prev),
		NewStatus:      string(d.Status),
		Timestamp:      d.LastUpdate,
	}
}

// resolveExternal refreshes the snapshot for a write made by another context
// and describes it as bus events.
func (e *Engine) resolveExternal(c store.Change) []syncbus.Event {
	ctx := context.Background()
	switch c.Collection {
	case store.Slots:
		prev, _ := e.view.slot(c.ID)
		fresh, err := e.store.GetSlot(ctx, c.ID)
		if err != nil {
			e.logger.Warn("failed to refresh slot after external change", zap.String("slot_id", c.ID), zap.Error(err))
			return nil
		}
		e.view.putSlot(fresh)
		ev := slotEvent(prev.Status, fresh)
		ev.Source = syncbus.SourceExternal
		if fresh.Status == model.SlotCalled && fresh.AssignedDriverID != prev.AssignedDriverID {
			return []syncbus.Event{{Kind: syncbus.AlertsCleared, SlotID: fresh.ID, Source: syncbus.SourceExternal, Timestamp: fresh.LastUpdate}, ev}
		}
		return []syncbus.Event{ev}

	case store.Drivers:
		prev, _ := e.view.driver(c.ID)
		if c.Deleted {
			e.view.deleteDriver(c.ID)
			return []syncbus.Event{{Kind: syncbus.DriverChanged, DriverCode: c.ID, PreviousStatus: string(prev.Status), Deleted: true, Source: syncbus.SourceExternal}}
		}
		fresh, err := e.store.GetDriver(ctx, c.ID)
		if err != nil {
			e.logger.Warn("failed to refresh driver after external change", zap.String("driver_code", c.ID), zap.Error(err))
			return nil
		}
		e.view.putDriver(fresh)
		ev := driverEvent(prev.Status, fresh)
		ev.Source = syncbus.SourceExternal
		return []syncbus.Event{ev}

	case store.DelayRequests:
		if c.Deleted {
			e.view.deleteRequest(c.ID)
			return nil
		}
		req, err := e.store.GetDelayRequest(ctx, c.ID)
		if err != nil {
			e.logger.Warn("failed to refresh delay request after external change", zap.String("request_id", c.ID), zap.Error(err))
			return nil
		}
		e.view.putRequest(req)
		ev := requestEvent(req)
		ev.Source = syncbus.SourceExternal
		return []syncbus.Event{ev}
	}
	return nil
}
