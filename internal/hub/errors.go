package hub

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrAssignmentConflict    = errors.New("assignment conflict")
	ErrDriverAlreadyAssigned = errors.New("driver already assigned")
	ErrDriverNotReady        = errors.New("driver not ready")
	ErrSlotNotAvailable      = errors.New("slot not available")
	ErrDriverNotFound        = errors.New("driver not found")
	ErrSlotNotFound          = errors.New("slot not found")
	ErrStaleDelayResponse    = errors.New("stale delay response")
	ErrInvalidInput          = errors.New("invalid input")
	ErrStorageUnavailable    = errors.New("storage unavailable")
)

// OpError reports which guard rejected an operation and on what.
type OpError struct {
	Op                string
	SlotID            string
	DriverCode        string
	Status            string
	ConflictingSlotID string
	RequestID         string
	Err               error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.SlotID != "" {
		fmt.Fprintf(&b, " (slot %s)", e.SlotID)
	}
	if e.DriverCode != "" {
		fmt.Fprintf(&b, " (driver %s)", e.DriverCode)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " (status %s)", e.Status)
	}
	if e.ConflictingSlotID != "" {
		fmt.Fprintf(&b, " (assigned to slot %s)", e.ConflictingSlotID)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

func storageErr(op string, err error) *OpError {
	return &OpError{Op: op, Err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
}

// Code returns a stable machine-readable name for err's kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAssignmentConflict):
		return "assignment_conflict"
	case errors.Is(err, ErrDriverAlreadyAssigned):
		return "driver_already_assigned"
	case errors.Is(err, ErrDriverNotReady):
		return "driver_not_ready"
	case errors.Is(err, ErrSlotNotAvailable):
		return "slot_not_available"
	case errors.Is(err, ErrDriverNotFound):
		return "driver_not_found"
	case errors.Is(err, ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ErrStaleDelayResponse):
		return "stale_delay_response"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	}
	return "internal"
}
