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

// Repair describes one correction or flag made by reconciliation.
type Repair struct {
	SlotID     string `json:"slotId,omitempty"`
	DriverCode string `json:"driverCode,omitempty"`
	Action     string `json:"action"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Repairs []Repair `json:"repairs,omitempty"`
	Flagged []Repair `json:"flagged,omitempty"`
	Purged  int      `json:"purged"`
}

const (
	actionReleaseSlot   = "release_slot"
	actionReleaseDriver = "release_driver"
	actionForceSlot     = "force_slot"
	actionForceDriver   = "force_driver"
	actionArrive        = "entering_without_slot"
	actionFlag          = "inconsistent"
	actionUnflag        = "consistent"
)

// ReconcileOnce re-reads both collections, repairs any assignment that is not
// symmetric, flags what it cannot decide and purges old responded delay
// requests. Passes never overlap.
func (e *Engine) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	var report ReconcileReport
	slots, err := e.store.ListSlots(ctx)
	if err != nil {
		return report, storageErr("reconcile", err)
	}
	for _, s := range slots {
		if err := e.reconcileSlot(ctx, s.ID, &report); err != nil {
			return report, err
		}
	}

	// drivers still referenced by a slot after the slot pass were already
	// judged there
	if slots, err = e.store.ListSlots(ctx); err != nil {
		return report, storageErr("reconcile", err)
	}
	heldBy := make(map[string]string, len(slots))
	for _, s := range slots {
		if s.AssignedDriverID != "" {
			heldBy[s.AssignedDriverID] = s.ID
		}
	}
	drivers, err := e.store.ListDrivers(ctx)
	if err != nil {
		return report, storageErr("reconcile", err)
	}
	for _, d := range drivers {
		if err := e.reconcileDriver(ctx, d.Code, heldBy[d.Code], &report); err != nil {
			return report, err
		}
	}

	if report.Purged, err = e.purgeRequests(ctx); err != nil {
		return report, err
	}
	if err := e.Refresh(ctx); err != nil {
		return report, err
	}

	if len(report.Repairs) > 0 || len(report.Flagged) > 0 {
		e.logger.Warn("reconciliation repaired drift",
			zap.Int("repairs", len(report.Repairs)),
			zap.Int("flagged", len(report.Flagged)))
	}
	return report, nil
}

func (e *Engine) reconcileSlot(ctx context.Context, id string, report *ReconcileReport) error {
	const op = "reconcile slot"
	slot, unlock, err := e.lockSlot(ctx, op, id)
	if errors.Is(err, ErrSlotNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	var events []syncbus.Event
	defer func() { e.publishReconciled(events) }()

	code := slot.AssignedDriverID
	if code == "" {
		if slot.Status.Occupied() {
			ev, err := e.forceSlotWaiting(ctx, op, slot)
			events = append(events, ev...)
			report.add(id, "", actionReleaseSlot)
			return err
		}
		ev, err := e.setSlotFlag(ctx, op, slot, false, report)
		events = append(events, ev...)
		return err
	}

	// a finished or waiting slot never holds a driver
	if !slot.Status.Occupied() {
		next := slot
		next.AssignedDriverID = ""
		next.Inconsistent = false
		next.LastUpdate = e.stamp(slot.LastUpdate)
		saved, err := e.putSlot(ctx, op, next)
		if err != nil {
			return err
		}
		events = append(events, slotEvent(slot.Status, saved), clearedEvent(id, code, saved.LastUpdate))
		report.add(id, code, actionReleaseSlot)
		ev, err := e.releaseDriver(ctx, op, code, id)
		events = append(events, ev...)
		return err
	}

	driver, err := e.store.GetDriver(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		ev, err := e.forceSlotWaiting(ctx, op, slot)
		events = append(events, ev...)
		report.add(id, code, actionReleaseSlot)
		return err
	}
	if err != nil {
		return storageErr(op, err)
	}

	switch driver.AssignedSlotID {
	case id:
		ev, err := e.setSlotFlag(ctx, op, slot, false, report)
		events = append(events, ev...)
		if err != nil {
			return err
		}
		ev, err = e.setDriverFlag(ctx, op, driver, false, report)
		events = append(events, ev...)
		return err
	case "":
	default:
		// the driver points at another slot; if that slot points back, it wins
		other, err := e.store.GetSlot(ctx, driver.AssignedSlotID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return storageErr(op, err)
		}
		if err == nil && other.AssignedDriverID == code {
			ev, err := e.forceSlotWaiting(ctx, op, slot)
			events = append(events, ev...)
			report.add(id, code, actionReleaseSlot)
			return err
		}
	}

	switch {
	case slot.LastUpdate.After(driver.LastUpdate):
		next := driver
		if next.Status != model.DriverArrived {
			next.Status = model.DriverEnteringHub
		}
		next.AssignedSlotID = id
		next.Inconsistent = false
		next.LastUpdate = e.stamp(driver.LastUpdate)
		saved, err := e.store.PutDriver(e.origin(ctx), next)
		if err != nil {
			return storageErr(op, err)
		}
		e.view.putDriver(saved)
		events = append(events, driverEvent(driver.Status, saved))
		report.add(id, code, actionForceDriver)
		ev, err := e.setSlotFlag(ctx, op, slot, false, report)
		events = append(events, ev...)
		return err
	case driver.LastUpdate.After(slot.LastUpdate):
		ev, err := e.forceSlotWaiting(ctx, op, slot)
		events = append(events, ev...)
		report.add(id, code, actionReleaseSlot)
		return err
	default:
		ev, err := e.setSlotFlag(ctx, op, slot, true, report)
		events = append(events, ev...)
		if err != nil {
			return err
		}
		ev, err = e.setDriverFlag(ctx, op, driver, true, report)
		events = append(events, ev...)
		return err
	}
}

func (e *Engine) reconcileDriver(ctx context.Context, code, heldBy string, report *ReconcileReport) error {
	const op = "reconcile driver"
	driver, unlock, err := e.lockDriver(ctx, op, code)
	if errors.Is(err, ErrDriverNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	var events []syncbus.Event
	defer func() { e.publishReconciled(events) }()

	slotID := driver.AssignedSlotID
	if slotID == "" {
		if heldBy != "" {
			return nil
		}
		if driver.Status == model.DriverEnteringHub {
			saved, err := e.setStatus(ctx, op, driver, model.DriverArrived, "")
			if err != nil {
				return err
			}
			events = append(events, driverEvent(driver.Status, saved))
			report.add("", code, actionArrive)
			return nil
		}
		ev, err := e.setDriverFlag(ctx, op, driver, false, report)
		events = append(events, ev...)
		return err
	}

	slot, err := e.store.GetSlot(ctx, slotID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ev, err := e.forceDriverReleased(ctx, op, driver)
		events = append(events, ev...)
		report.add(slotID, code, actionReleaseDriver)
		return err
	case err != nil:
		return storageErr(op, err)
	}

	// a driver outside the hub never holds a slot
	if driver.Status == model.DriverWaitingOutside || driver.Status == model.DriverDelayed {
		ev, err := e.forceDriverReleased(ctx, op, driver)
		events = append(events, ev...)
		report.add(slotID, code, actionReleaseDriver)
		if err != nil {
			return err
		}
		if slot.AssignedDriverID == code {
			ev, err = e.forceSlotWaiting(ctx, op, slot)
			events = append(events, ev...)
			report.add(slotID, code, actionReleaseSlot)
		}
		return err
	}

	switch slot.AssignedDriverID {
	case code:
		ev, err := e.setDriverFlag(ctx, op, driver, false, report)
		events = append(events, ev...)
		return err
	case "":
		switch {
		case heldBy != "" && heldBy != slotID:
			// another slot claims this driver and tied in the slot pass
			ev, err := e.setDriverFlag(ctx, op, driver, true, report)
			events = append(events, ev...)
			return err
		case driver.LastUpdate.Equal(slot.LastUpdate):
			ev, err := e.setDriverFlag(ctx, op, driver, true, report)
			events = append(events, ev...)
			if err != nil {
				return err
			}
			ev, err = e.setSlotFlag(ctx, op, slot, true, report)
			events = append(events, ev...)
			return err
		case driver.LastUpdate.After(slot.LastUpdate) && slot.Status == model.SlotWaiting:
			next := slot
			at := driver.LastUpdate
			next.Status = model.SlotCalled
			next.AssignedDriverID = code
			next.CalledAt = &at
			next.FinishedAt = nil
			next.Inconsistent = false
			next.LastUpdate = e.stamp(slot.LastUpdate)
			saved, err := e.putSlot(ctx, op, next)
			if err != nil {
				return err
			}
			events = append(events, slotEvent(slot.Status, saved))
			report.add(slotID, code, actionForceSlot)
			ev, err := e.setDriverFlag(ctx, op, driver, false, report)
			events = append(events, ev...)
			return err
		}
	}

	ev, err := e.forceDriverReleased(ctx, op, driver)
	events = append(events, ev...)
	report.add(slotID, code, actionReleaseDriver)
	return err
}

// forceSlotWaiting releases slot unconditionally.
func (e *Engine) forceSlotWaiting(ctx context.Context, op string, slot model.Slot) ([]syncbus.Event, error) {
	next := slot
	next.Status = model.SlotWaiting
	next.AssignedDriverID = ""
	next.CalledAt = nil
	next.FinishedAt = nil
	next.Inconsistent = false
	next.LastUpdate = e.stamp(slot.LastUpdate)
	saved, err := e.putSlot(ctx, op, next)
	if err != nil {
		return nil, err
	}
	events := []syncbus.Event{slotEvent(slot.Status, saved)}
	if slot.AssignedDriverID != "" {
		events = append(events, clearedEvent(slot.ID, slot.AssignedDriverID, saved.LastUpdate))
	}
	return events, nil
}

// forceDriverReleased clears the driver's slot reference unconditionally.
func (e *Engine) forceDriverReleased(ctx context.Context, op string, d model.Driver) ([]syncbus.Event, error) {
	status := d.Status
	if status == model.DriverEnteringHub {
		status = model.DriverArrived
	}
	saved, err := e.setStatus(ctx, op, d, status, "")
	if err != nil {
		return nil, err
	}
	return []syncbus.Event{driverEvent(d.Status, saved)}, nil
}

// setSlotFlag writes the Inconsistent flag when it changes. The flag is not a
// state change, so lastUpdate is left alone and tie-breaks stay stable.
func (e *Engine) setSlotFlag(ctx context.Context, op string, slot model.Slot, flag bool, report *ReconcileReport) ([]syncbus.Event, error) {
	if slot.Inconsistent == flag {
		return nil, nil
	}
	slot.Inconsistent = flag
	saved, err := e.putSlot(ctx, op, slot)
	if err != nil {
		return nil, err
	}
	if flag {
		report.Flagged = append(report.Flagged, Repair{SlotID: slot.ID, DriverCode: slot.AssignedDriverID, Action: actionFlag})
	} else {
		report.add(slot.ID, "", actionUnflag)
	}
	return []syncbus.Event{slotEvent(slot.Status, saved)}, nil
}

func (e *Engine) setDriverFlag(ctx context.Context, op string, d model.Driver, flag bool, report *ReconcileReport) ([]syncbus.Event, error) {
	if d.Inconsistent == flag {
		return nil, nil
	}
	d.Inconsistent = flag
	saved, err := e.store.PutDriver(e.origin(ctx), d)
	if err != nil {
		oe := storageErr(op, err)
		oe.DriverCode = d.Code
		return nil, oe
	}
	e.view.putDriver(saved)
	if flag {
		report.Flagged = append(report.Flagged, Repair{SlotID: d.AssignedSlotID, DriverCode: d.Code, Action: actionFlag})
	} else {
		report.add("", d.Code, actionUnflag)
	}
	return []syncbus.Event{driverEvent(d.Status, saved)}, nil
}

// purgeRequests deletes responded delay requests older than the retention window.
func (e *Engine) purgeRequests(ctx context.Context) (int, error) {
	reqs, err := e.store.ListDelayRequests(ctx)
	if err != nil {
		return 0, storageErr("purge delay requests", err)
	}
	cutoff := e.now().UTC().Add(-e.retention)
	var ids []string
	for _, r := range reqs {
		if r.Status != model.DelayResponded {
			continue
		}
		at := r.CreatedAt
		if r.RespondedAt != nil {
			at = *r.RespondedAt
		}
		if at.Before(cutoff) {
			ids = append(ids, r.RequestID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.DeleteDelayRequests(e.origin(ctx), ids); err != nil {
		return 0, storageErr("purge delay requests", err)
	}
	for _, id := range ids {
		e.view.deleteRequest(id)
	}
	return len(ids), nil
}

func (e *Engine) publishReconciled(events []syncbus.Event) {
	if len(events) == 0 {
		return
	}
	for i := range events {
		events[i].Source = syncbus.SourceReconcile
	}
	e.publish(events...)
}

func (r *ReconcileReport) add(slotID, code, action string) {
	r.Repairs = append(r.Repairs, Repair{SlotID: slotID, DriverCode: code, Action: action})
}

// Reconciler runs ReconcileOnce on a timer.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler for engine.
func NewReconciler(engine *Engine, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{engine: engine, interval: interval, logger: logger}
}

// Run reconciles immediately and then every interval until ctx is done. The
// next pass is scheduled only after the previous one has finished.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("reconciliation disabled")
		return
	}
	r.logger.Info("starting reconciler", zap.Duration("interval", r.interval))
	r.runOnce(ctx)

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler shutting down")
			return
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(r.interval)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	report, err := r.engine.ReconcileOnce(ctx)
	if err != nil {
		r.logger.Error("reconciliation pass failed", zap.Error(err))
		return
	}
	r.logger.Debug("reconciliation pass finished",
		zap.Int("repairs", len(report.Repairs)),
		zap.Int("flagged", len(report.Flagged)),
		zap.Int("purged", report.Purged))
}
