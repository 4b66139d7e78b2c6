package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

// assign links slotID and code on both sides. The caller holds the slot and
// driver locks. The driver is written first with a revision check, then the
// slot, then the driver is read back; if it no longer points at slotID the
// slot write is undone and ErrAssignmentConflict is returned. A failed read
// back undoes both writes.
func (e *Engine) assign(ctx context.Context, op, slotID, code string) (model.Slot, model.Driver, error) {
	slot, err := e.loadSlot(ctx, op, slotID)
	if err != nil {
		return model.Slot{}, model.Driver{}, err
	}
	driver, err := e.loadDriver(ctx, op, code)
	if err != nil {
		return model.Slot{}, model.Driver{}, err
	}

	switch {
	case driver.AssignedSlotID != "" && driver.AssignedSlotID != slotID:
		return model.Slot{}, model.Driver{}, &OpError{Op: op, SlotID: slotID, DriverCode: code,
			ConflictingSlotID: driver.AssignedSlotID, Err: ErrDriverAlreadyAssigned}
	case driver.Status != model.DriverArrived:
		return model.Slot{}, model.Driver{}, &OpError{Op: op, SlotID: slotID, DriverCode: code,
			Status: string(driver.Status), Err: ErrDriverNotReady}
	case slot.Status != model.SlotWaiting:
		return model.Slot{}, model.Driver{}, &OpError{Op: op, SlotID: slotID, DriverCode: code,
			Status: string(slot.Status), Err: ErrSlotNotAvailable}
	}

	wctx := e.origin(ctx)

	nextDriver := driver
	nextDriver.Status = model.DriverEnteringHub
	nextDriver.AssignedSlotID = slotID
	nextDriver.Inconsistent = false
	nextDriver.LastUpdate = e.stamp(driver.LastUpdate)
	written, err := e.store.SwapDriver(wctx, nextDriver, driver.Revision)
	if errors.Is(err, store.ErrRevisionMismatch) {
		return model.Slot{}, model.Driver{}, &OpError{Op: op, SlotID: slotID, DriverCode: code, Err: ErrAssignmentConflict}
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.SlotID, oe.DriverCode = slotID, code
		return model.Slot{}, model.Driver{}, oe
	}

	nextSlot := slot
	now := e.stamp(slot.LastUpdate)
	nextSlot.Status = model.SlotCalled
	nextSlot.AssignedDriverID = code
	nextSlot.CalledAt = &now
	nextSlot.FinishedAt = nil
	nextSlot.Inconsistent = false
	nextSlot.LastUpdate = now
	savedSlot, err := e.store.PutSlot(wctx, nextSlot)
	if err != nil {
		e.undoDriver(wctx, written, driver)
		oe := storageErr(op, err)
		oe.SlotID, oe.DriverCode = slotID, code
		return model.Slot{}, model.Driver{}, oe
	}

	check, err := e.store.GetDriver(ctx, code)
	if err != nil {
		e.logger.Error("assignment verification read failed, rolling back",
			zap.String("slot_id", slotID),
			zap.String("driver_code", code),
			zap.Error(err))
		e.undoDriver(wctx, written, driver)
		e.rollbackSlot(wctx, slot, savedSlot)
		oe := storageErr(op, err)
		oe.SlotID, oe.DriverCode = slotID, code
		return model.Slot{}, model.Driver{}, oe
	}
	if check.AssignedSlotID != slotID {
		e.logger.Warn("assignment lost verification, rolling back slot",
			zap.String("slot_id", slotID),
			zap.String("driver_code", code),
			zap.String("driver_slot", check.AssignedSlotID))
		e.rollbackSlot(wctx, slot, savedSlot)
		return model.Slot{}, model.Driver{}, &OpError{Op: op, SlotID: slotID, DriverCode: code, Err: ErrAssignmentConflict}
	}

	e.view.putDriver(check)
	e.view.putSlot(savedSlot)
	return savedSlot, check, nil
}

// rollbackSlot returns a slot written by assign to Waiting.
func (e *Engine) rollbackSlot(ctx context.Context, prev, written model.Slot) {
	rollback := prev
	rollback.Status = model.SlotWaiting
	rollback.AssignedDriverID = ""
	rollback.CalledAt = nil
	rollback.FinishedAt = nil
	rollback.LastUpdate = e.stamp(written.LastUpdate)
	restored, err := e.store.PutSlot(ctx, rollback)
	if err != nil {
		e.logger.Error("failed to roll back slot", zap.String("slot_id", prev.ID), zap.Error(err))
		return
	}
	e.view.putSlot(restored)
}

// undoDriver restores prev if the driver still holds what this engine wrote.
func (e *Engine) undoDriver(ctx context.Context, written, prev model.Driver) {
	prev.LastUpdate = e.stamp(written.LastUpdate)
	if _, err := e.store.SwapDriver(ctx, prev, written.Revision); err != nil {
		e.logger.Error("failed to undo driver write", zap.String("driver_code", prev.Code), zap.Error(err))
	}
}

// releaseDriver clears the driver side of an assignment to slotID. A driver
// entering the hub goes back to Arrived; other statuses are kept. Drivers that
// reference another slot are left alone.
func (e *Engine) releaseDriver(ctx context.Context, op, code, slotID string) ([]syncbus.Event, error) {
	if code == "" {
		return nil, nil
	}
	driver, err := e.store.GetDriver(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.DriverCode = code
		return nil, oe
	}
	if driver.AssignedSlotID != slotID {
		return nil, nil
	}
	prev := driver.Status
	driver.AssignedSlotID = ""
	if driver.Status == model.DriverEnteringHub {
		driver.Status = model.DriverArrived
	}
	driver.Inconsistent = false
	driver.LastUpdate = e.stamp(driver.LastUpdate)
	saved, err := e.store.PutDriver(e.origin(ctx), driver)
	if err != nil {
		oe := storageErr(op, err)
		oe.DriverCode = code
		return nil, oe
	}
	e.view.putDriver(saved)
	return []syncbus.Event{driverEvent(prev, saved)}, nil
}

// releaseSlot clears the slot side of an assignment to code, returning the
// slot to Waiting. Slots holding another driver are left alone.
func (e *Engine) releaseSlot(ctx context.Context, op, slotID, code string) ([]syncbus.Event, error) {
	if slotID == "" {
		return nil, nil
	}
	slot, err := e.store.GetSlot(ctx, slotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.SlotID = slotID
		return nil, oe
	}
	if slot.AssignedDriverID != code {
		return nil, nil
	}
	prev := slot.Status
	slot.Status = model.SlotWaiting
	slot.AssignedDriverID = ""
	slot.CalledAt = nil
	slot.FinishedAt = nil
	slot.Inconsistent = false
	slot.LastUpdate = e.stamp(slot.LastUpdate)
	saved, err := e.store.PutSlot(e.origin(ctx), slot)
	if err != nil {
		oe := storageErr(op, err)
		oe.SlotID = slotID
		return nil, oe
	}
	e.view.putSlot(saved)
	return []syncbus.Event{slotEvent(prev, saved), clearedEvent(slotID, code, saved.LastUpdate)}, nil
}

func clearedEvent(slotID, code string, ts time.Time) syncbus.Event {
	return syncbus.Event{Kind: syncbus.AssignmentCleared, SlotID: slotID, DriverCode: code, Timestamp: ts}
}
