package hub

import (
	"context"

	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/parse"
	"gaiola-hub-backend/internal/syncbus"
)

// lockSlot locks slot id, reads it fresh and then locks the driver it holds.
func (e *Engine) lockSlot(ctx context.Context, op, id string) (model.Slot, func(), error) {
	unlockSlot := e.locks.Lock(slotKey(id))
	slot, err := e.loadSlot(ctx, op, id)
	if err != nil {
		unlockSlot()
		return model.Slot{}, nil, err
	}
	unlockDriver := e.locks.Lock(driverKey(slot.AssignedDriverID))
	return slot, func() {
		unlockDriver()
		unlockSlot()
	}, nil
}

func (e *Engine) rejected(op string, err error) {
	e.logger.Info("operation rejected", zap.String("op", op), zap.String("code", Code(err)), zap.Error(err))
}

// CallDriver calls the driver with code into a waiting slot. On success the
// slot is Called and the driver EnteringHub, and every surface receives
// AlertsCleared for the slot before the SlotChanged of the call.
func (e *Engine) CallDriver(ctx context.Context, slotID, driverCode string) (model.Slot, error) {
	const op = "call driver"
	code, err := parse.ParseCode(driverCode)
	if err != nil {
		return model.Slot{}, &OpError{Op: op, SlotID: slotID, DriverCode: driverCode, Err: ErrInvalidInput}
	}

	unlock := e.locks.Lock(slotKey(slotID), driverKey(code))
	defer unlock()

	slot, err := e.loadSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if slot.Status != model.SlotWaiting {
		err := &OpError{Op: op, SlotID: slotID, DriverCode: code, Status: string(slot.Status), Err: ErrInvalidTransition}
		e.rejected(op, err)
		return model.Slot{}, err
	}

	called, driver, err := e.assign(ctx, op, slotID, code)
	if err != nil {
		e.rejected(op, err)
		return model.Slot{}, err
	}

	e.publish(
		syncbus.Event{Kind: syncbus.AlertsCleared, SlotID: slotID, DriverCode: code, Timestamp: called.LastUpdate},
		slotEvent(slot.Status, called),
		driverEvent(model.DriverArrived, driver),
	)
	e.logger.Info("driver called", zap.String("slot_id", slotID), zap.String("driver_code", code))
	return called, nil
}

// BeginLoading moves a called slot to Loading.
func (e *Engine) BeginLoading(ctx context.Context, slotID string) (model.Slot, error) {
	const op = "begin loading"
	unlock := e.locks.Lock(slotKey(slotID))
	defer unlock()

	slot, err := e.loadSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if slot.Status != model.SlotCalled {
		err := &OpError{Op: op, SlotID: slotID, Status: string(slot.Status), Err: ErrInvalidTransition}
		e.rejected(op, err)
		return model.Slot{}, err
	}

	next := slot
	next.Status = model.SlotLoading
	next.LastUpdate = e.stamp(slot.LastUpdate)
	saved, err := e.putSlot(ctx, op, next)
	if err != nil {
		return model.Slot{}, err
	}
	e.publish(slotEvent(slot.Status, saved))
	return saved, nil
}

// FinishLoading moves a loading slot to Finished, releasing its driver and
// clearing the checked-in flag.
func (e *Engine) FinishLoading(ctx context.Context, slotID string) (model.Slot, error) {
	const op = "finish loading"
	slot, unlock, err := e.lockSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	defer unlock()

	if slot.Status != model.SlotLoading {
		err := &OpError{Op: op, SlotID: slotID, Status: string(slot.Status), Err: ErrInvalidTransition}
		e.rejected(op, err)
		return model.Slot{}, err
	}

	next := slot
	now := e.stamp(slot.LastUpdate)
	next.Status = model.SlotFinished
	next.FinishedAt = &now
	next.AssignedDriverID = ""
	next.CheckedIn = false
	next.LastUpdate = now
	return e.clearSlot(ctx, op, slot, next)
}

// ResetSlot returns a slot to Waiting from any state, releasing its driver
// and clearing its timestamps. Resetting an idle slot writes nothing.
func (e *Engine) ResetSlot(ctx context.Context, slotID string) (model.Slot, error) {
	const op = "reset slot"
	slot, unlock, err := e.lockSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	defer unlock()

	if slot.Status == model.SlotWaiting && slot.AssignedDriverID == "" &&
		slot.CalledAt == nil && slot.FinishedAt == nil && !slot.Inconsistent {
		return slot, nil
	}

	next := slot
	next.Status = model.SlotWaiting
	next.AssignedDriverID = ""
	next.CalledAt = nil
	next.FinishedAt = nil
	next.Inconsistent = false
	next.LastUpdate = e.stamp(slot.LastUpdate)
	return e.clearSlot(ctx, op, slot, next)
}

// clearSlot writes next, which no longer holds prev's driver, then releases
// the driver side.
func (e *Engine) clearSlot(ctx context.Context, op string, prev, next model.Slot) (model.Slot, error) {
	saved, err := e.putSlot(ctx, op, next)
	if err != nil {
		return model.Slot{}, err
	}
	events := []syncbus.Event{slotEvent(prev.Status, saved)}

	if code := prev.AssignedDriverID; code != "" {
		events = append(events, clearedEvent(prev.ID, code, saved.LastUpdate))
		released, err := e.releaseDriver(ctx, op, code, prev.ID)
		if err != nil {
			// the slot side is already durable; reconciliation clears the driver
			e.logger.Error("failed to release driver", zap.String("slot_id", prev.ID), zap.String("driver_code", code), zap.Error(err))
			e.publish(events...)
			return model.Slot{}, err
		}
		events = append(events, released...)
	}
	e.publish(events...)
	return saved, nil
}

// SetCheckedIn sets the slot's checked-in bookkeeping flag.
func (e *Engine) SetCheckedIn(ctx context.Context, slotID string, checkedIn bool) (model.Slot, error) {
	const op = "set checked in"
	unlock := e.locks.Lock(slotKey(slotID))
	defer unlock()

	slot, err := e.loadSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if slot.CheckedIn == checkedIn {
		return slot, nil
	}
	next := slot
	next.CheckedIn = checkedIn
	next.LastUpdate = e.stamp(slot.LastUpdate)
	saved, err := e.putSlot(ctx, op, next)
	if err != nil {
		return model.Slot{}, err
	}
	e.publish(slotEvent(slot.Status, saved))
	return saved, nil
}

func (e *Engine) putSlot(ctx context.Context, op string, slot model.Slot) (model.Slot, error) {
	saved, err := e.store.PutSlot(e.origin(ctx), slot)
	if err != nil {
		e.logger.Error("failed to write slot", zap.String("op", op), zap.String("slot_id", slot.ID), zap.Error(err))
		oe := storageErr(op, err)
		oe.SlotID = slot.ID
		return model.Slot{}, oe
	}
	e.view.putSlot(saved)
	return saved, nil
}
