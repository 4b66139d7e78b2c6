package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

func requestEvent(r model.DelayRequest) syncbus.Event {
	ev := syncbus.Event{
		Kind:       syncbus.DelayRequestCreated,
		SlotID:     r.SlotID,
		DriverCode: r.DriverCode,
		RequestID:  r.RequestID,
		NewStatus:  string(r.Status),
		Timestamp:  r.CreatedAt,
	}
	if r.Status == model.DelayResponded {
		ev.Kind = syncbus.DelayRequestResponded
		ev.PreviousStatus = string(model.DelayPending)
		ev.Response = string(r.Response)
		if r.RespondedAt != nil {
			ev.Timestamp = *r.RespondedAt
		}
	}
	return ev
}

// CreateDelayRequest escalates a called slot whose driver has not arrived.
// If the slot already has a pending request for the same driver, that
// request is returned instead of opening a second one.
func (e *Engine) CreateDelayRequest(ctx context.Context, slotID string) (model.DelayRequest, error) {
	const op = "create delay request"
	slot, unlock, err := e.lockSlot(ctx, op, slotID)
	if err != nil {
		return model.DelayRequest{}, err
	}
	defer unlock()

	if slot.Status != model.SlotCalled || slot.AssignedDriverID == "" {
		err := &OpError{Op: op, SlotID: slotID, Status: string(slot.Status), Err: ErrInvalidTransition}
		e.rejected(op, err)
		return model.DelayRequest{}, err
	}
	driver, err := e.loadDriver(ctx, op, slot.AssignedDriverID)
	if err != nil {
		return model.DelayRequest{}, err
	}
	if driver.Status != model.DriverEnteringHub || driver.AssignedSlotID != slotID {
		err := &OpError{Op: op, SlotID: slotID, DriverCode: driver.Code, Status: string(driver.Status),
			Err: fmt.Errorf("%w: driver is not on its way to this slot", ErrInvalidTransition)}
		e.rejected(op, err)
		return model.DelayRequest{}, err
	}

	existing, err := e.store.ListDelayRequests(ctx)
	if err != nil {
		oe := storageErr(op, err)
		oe.SlotID = slotID
		return model.DelayRequest{}, oe
	}
	for _, r := range existing {
		if r.SlotID == slotID && r.DriverCode == driver.Code && r.Status == model.DelayPending {
			return r, nil
		}
	}

	req := model.DelayRequest{
		RequestID:  uuid.NewString(),
		SlotID:     slotID,
		DriverCode: driver.Code,
		CreatedAt:  e.now().UTC(),
		Status:     model.DelayPending,
	}
	if err := e.store.PutDelayRequest(e.origin(ctx), req); err != nil {
		oe := storageErr(op, err)
		oe.SlotID = slotID
		return model.DelayRequest{}, oe
	}
	e.view.putRequest(req)
	e.publish(requestEvent(req))
	e.logger.Info("delay request created",
		zap.String("request_id", req.RequestID),
		zap.String("slot_id", slotID),
		zap.String("driver_code", driver.Code))
	return req, nil
}

// RespondToDelayRequest applies the administrator's decision. The request
// must still be pending and its slot must still hold the same driver;
// otherwise ErrStaleDelayResponse is returned and nothing changes.
func (e *Engine) RespondToDelayRequest(ctx context.Context, requestID string, response model.DelayResponse) (model.DelayRequest, error) {
	const op = "respond to delay request"
	if !response.Valid() {
		return model.DelayRequest{}, &OpError{Op: op, RequestID: requestID, Err: fmt.Errorf("%w: unknown response %q", ErrInvalidInput, response)}
	}

	req, err := e.loadRequest(ctx, op, requestID)
	if err != nil {
		return model.DelayRequest{}, err
	}

	unlock := e.locks.Lock(slotKey(req.SlotID), driverKey(req.DriverCode))
	defer unlock()

	// read again under the locks; another response may have won
	if req, err = e.loadRequest(ctx, op, requestID); err != nil {
		return model.DelayRequest{}, err
	}
	if req.Status != model.DelayPending {
		return model.DelayRequest{}, e.stale(op, req, "already responded")
	}
	slot, err := e.loadSlot(ctx, op, req.SlotID)
	if err != nil {
		return model.DelayRequest{}, err
	}
	if !slot.Status.Occupied() || slot.AssignedDriverID != req.DriverCode {
		return model.DelayRequest{}, e.stale(op, req, "slot moved on")
	}

	var events []syncbus.Event
	if response == model.ResponseRecycleCage {
		driver, err := e.loadDriver(ctx, op, req.DriverCode)
		if err != nil {
			return model.DelayRequest{}, err
		}
		_, released, err := e.markDelayed(ctx, op, driver, req.SlotID, true)
		if err != nil {
			if len(released) > 0 {
				e.publish(released...)
			}
			return model.DelayRequest{}, err
		}
		events = append(events, released...)
	}

	now := e.now().UTC()
	req.Status = model.DelayResponded
	req.Response = response
	req.RespondedAt = &now
	if err := e.store.PutDelayRequest(e.origin(ctx), req); err != nil {
		if len(events) > 0 {
			e.publish(events...)
		}
		oe := storageErr(op, err)
		oe.RequestID = requestID
		return model.DelayRequest{}, oe
	}
	e.view.putRequest(req)
	events = append(events, requestEvent(req))
	e.publish(events...)
	e.logger.Info("delay request responded",
		zap.String("request_id", requestID),
		zap.String("slot_id", req.SlotID),
		zap.String("response", string(response)))
	return req, nil
}

func (e *Engine) loadRequest(ctx context.Context, op, id string) (model.DelayRequest, error) {
	req, err := e.store.GetDelayRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.DelayRequest{}, e.stale(op, model.DelayRequest{RequestID: id}, "unknown request")
	}
	if err != nil {
		oe := storageErr(op, err)
		oe.RequestID = id
		return model.DelayRequest{}, oe
	}
	return req, nil
}

func (e *Engine) stale(op string, req model.DelayRequest, reason string) error {
	err := &OpError{Op: op, RequestID: req.RequestID, SlotID: req.SlotID, DriverCode: req.DriverCode,
		Status: string(req.Status), Err: fmt.Errorf("%w: %s", ErrStaleDelayResponse, reason)}
	e.logger.Warn("stale delay response rejected", zap.Error(err))
	return err
}
