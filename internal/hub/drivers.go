package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/parse"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

// DriverImport is one row of the bulk driver manifest.
type DriverImport struct {
	Code        string `json:"code"`
	VehicleType string `json:"vehicleType"`
}

// ImportReport summarizes an ImportDrivers call.
type ImportReport struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Invalid   []string `json:"invalid,omitempty"`
}

// setStatus writes d with status and slotID after checking that the slot
// reference fits the status. The caller holds the driver lock.
func (e *Engine) setStatus(ctx context.Context, op string, d model.Driver, status model.DriverStatus, slotID string) (model.Driver, error) {
	if !status.Valid() {
		return model.Driver{}, &OpError{Op: op, DriverCode: d.Code, Status: string(status), Err: ErrInvalidInput}
	}
	switch status {
	case model.DriverEnteringHub:
		if slotID == "" {
			return model.Driver{}, &OpError{Op: op, DriverCode: d.Code, Status: string(status),
				Err: fmt.Errorf("%w: entering the hub requires a slot", ErrInvalidTransition)}
		}
	case model.DriverWaitingOutside, model.DriverDelayed:
		if slotID != "" {
			return model.Driver{}, &OpError{Op: op, DriverCode: d.Code, SlotID: slotID, Status: string(status),
				Err: fmt.Errorf("%w: %s cannot hold a slot", ErrInvalidTransition, status)}
		}
	}

	d.Status = status
	d.AssignedSlotID = slotID
	d.Inconsistent = false
	d.LastUpdate = e.stamp(d.LastUpdate)
	switch status {
	case model.DriverArrived:
		if d.ArrivedAt == nil {
			at := d.LastUpdate
			d.ArrivedAt = &at
		}
	case model.DriverWaitingOutside:
		d.ArrivedAt = nil
	}

	saved, err := e.store.PutDriver(e.origin(ctx), d)
	if err != nil {
		e.logger.Error("failed to write driver", zap.String("op", op), zap.String("driver_code", d.Code), zap.Error(err))
		oe := storageErr(op, err)
		oe.DriverCode = d.Code
		return model.Driver{}, oe
	}
	e.view.putDriver(saved)
	return saved, nil
}

// markDelayed sets d Delayed. An assigned driver is only accepted with
// removeFromSlot, in which case slotID is released back to Waiting if it
// still holds d, even when d itself no longer points at it.
// The caller holds the slot and driver locks.
func (e *Engine) markDelayed(ctx context.Context, op string, d model.Driver, slotID string, removeFromSlot bool) (model.Driver, []syncbus.Event, error) {
	if d.AssignedSlotID != "" && !removeFromSlot {
		return model.Driver{}, nil, &OpError{Op: op, DriverCode: d.Code, SlotID: slotID, Status: string(d.Status),
			Err: fmt.Errorf("%w: driver is assigned", ErrInvalidTransition)}
	}

	prev := d.Status
	saved, err := e.setStatus(ctx, op, d, model.DriverDelayed, "")
	if err != nil {
		return model.Driver{}, nil, err
	}
	events, err := e.releaseSlot(ctx, op, slotID, d.Code)
	events = append(events, driverEvent(prev, saved))
	return saved, events, err
}

// MarkDriverDelayed marks a driver as not showing up in time.
func (e *Engine) MarkDriverDelayed(ctx context.Context, driverCode string, removeFromSlot bool) (model.Driver, error) {
	const op = "mark driver delayed"
	code, err := parse.ParseCode(driverCode)
	if err != nil {
		return model.Driver{}, &OpError{Op: op, DriverCode: driverCode, Err: ErrInvalidInput}
	}
	d, unlock, err := e.lockDriver(ctx, op, code)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()

	saved, events, err := e.markDelayed(ctx, op, d, d.AssignedSlotID, removeFromSlot)
	if len(events) > 0 {
		e.publish(events...)
	}
	if err != nil {
		e.rejected(op, err)
		return model.Driver{}, err
	}
	return saved, nil
}

// MarkDriverArrived records the on-site check-in of a driver. Waiting or
// delayed drivers become Arrived and callable; a driver entering the hub
// becomes Arrived and keeps its slot.
func (e *Engine) MarkDriverArrived(ctx context.Context, driverCode string) (model.Driver, error) {
	const op = "mark driver arrived"
	code, err := parse.ParseCode(driverCode)
	if err != nil {
		return model.Driver{}, &OpError{Op: op, DriverCode: driverCode, Err: ErrInvalidInput}
	}
	d, unlock, err := e.lockDriver(ctx, op, code)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()

	slotID := ""
	switch d.Status {
	case model.DriverArrived:
		return d, nil
	case model.DriverEnteringHub:
		slotID = d.AssignedSlotID
	case model.DriverWaitingOutside, model.DriverDelayed:
		if d.AssignedSlotID != "" {
			err := &OpError{Op: op, DriverCode: code, SlotID: d.AssignedSlotID, Status: string(d.Status), Err: ErrInvalidTransition}
			e.rejected(op, err)
			return model.Driver{}, err
		}
	}

	prev := d.Status
	saved, err := e.setStatus(ctx, op, d, model.DriverArrived, slotID)
	if err != nil {
		return model.Driver{}, err
	}
	e.publish(driverEvent(prev, saved))
	return saved, nil
}

// ResetDriver releases any assignment and puts the driver back outside.
func (e *Engine) ResetDriver(ctx context.Context, driverCode string) (model.Driver, error) {
	const op = "reset driver"
	code, err := parse.ParseCode(driverCode)
	if err != nil {
		return model.Driver{}, &OpError{Op: op, DriverCode: driverCode, Err: ErrInvalidInput}
	}
	d, unlock, err := e.lockDriver(ctx, op, code)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()

	if d.Status == model.DriverWaitingOutside && d.AssignedSlotID == "" && !d.Inconsistent {
		return d, nil
	}

	prev := d.Status
	slotID := d.AssignedSlotID
	saved, err := e.setStatus(ctx, op, d, model.DriverWaitingOutside, "")
	if err != nil {
		return model.Driver{}, err
	}
	events, err := e.releaseSlot(ctx, op, slotID, code)
	events = append(events, driverEvent(prev, saved))
	e.publish(events...)
	if err != nil {
		return model.Driver{}, err
	}
	return saved, nil
}

// RemoveDriver deletes a no-show driver, releasing its slot first.
func (e *Engine) RemoveDriver(ctx context.Context, driverCode string) error {
	const op = "remove driver"
	code, err := parse.ParseCode(driverCode)
	if err != nil {
		return &OpError{Op: op, DriverCode: driverCode, Err: ErrInvalidInput}
	}
	d, unlock, err := e.lockDriver(ctx, op, code)
	if err != nil {
		return err
	}
	defer unlock()

	events, err := e.releaseSlot(ctx, op, d.AssignedSlotID, code)
	if err != nil {
		return err
	}
	if err := e.store.DeleteDriver(e.origin(ctx), code); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &OpError{Op: op, DriverCode: code, Err: ErrDriverNotFound}
		}
		oe := storageErr(op, err)
		oe.DriverCode = code
		return oe
	}
	e.view.deleteDriver(code)
	events = append(events, syncbus.Event{
		Kind:           syncbus.DriverChanged,
		SlotID:         d.AssignedSlotID,
		DriverCode:     code,
		PreviousStatus: string(d.Status),
		Deleted:        true,
	})
	e.publish(events...)
	e.logger.Info("driver removed", zap.String("driver_code", code))
	return nil
}

// ImportDrivers upserts a driver manifest. New codes start WaitingOutside;
// known codes only get their vehicle type refreshed. Assignment fields are
// never touched.
func (e *Engine) ImportDrivers(ctx context.Context, rows []DriverImport) (ImportReport, error) {
	const op = "import drivers"
	var report ImportReport
	var events []syncbus.Event
	defer func() {
		if len(events) > 0 {
			e.publish(events...)
		}
	}()

	for _, row := range rows {
		code, err := parse.ParseCode(row.Code)
		if err != nil {
			report.Invalid = append(report.Invalid, row.Code)
			continue
		}
		ev, outcome, err := e.importOne(ctx, op, code, row.VehicleType)
		if err != nil {
			return report, err
		}
		switch outcome {
		case importCreated:
			report.Created++
		case importUpdated:
			report.Updated++
		default:
			report.Unchanged++
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	e.logger.Info("drivers imported",
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("invalid", len(report.Invalid)))
	return report, nil
}

type importOutcome int

const (
	importUnchanged importOutcome = iota
	importCreated
	importUpdated
)

// importOne writes a single manifest row with a revision check, retrying
// once if another writer got there first.
func (e *Engine) importOne(ctx context.Context, op, code, vehicleType string) (*syncbus.Event, importOutcome, error) {
	unlock := e.locks.Lock(driverKey(code))
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.store.GetDriver(ctx, code)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			oe := storageErr(op, err)
			oe.DriverCode = code
			return nil, importUnchanged, oe
		}

		next := current
		outcome := importUpdated
		if !exists {
			next = model.Driver{ID: code, Code: code, Status: model.DriverWaitingOutside}
			outcome = importCreated
		} else if current.VehicleType == vehicleType {
			e.view.putDriver(current)
			return nil, importUnchanged, nil
		}
		next.VehicleType = vehicleType
		next.LastUpdate = e.stamp(current.LastUpdate)

		saved, err := e.store.SwapDriver(e.origin(ctx), next, current.Revision)
		if errors.Is(err, store.ErrRevisionMismatch) {
			lastErr = err
			continue
		}
		if err != nil {
			oe := storageErr(op, err)
			oe.DriverCode = code
			return nil, importUnchanged, oe
		}
		e.view.putDriver(saved)
		ev := driverEvent(current.Status, saved)
		return &ev, outcome, nil
	}
	return nil, importUnchanged, &OpError{Op: op, DriverCode: code, Err: fmt.Errorf("%w: %w", ErrAssignmentConflict, lastErr)}
}
