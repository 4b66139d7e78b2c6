package syncbus

import "time"

// Kind identifies an event published on the bus.
type Kind string

const (
	SlotChanged           Kind = "slot_changed"
	DriverChanged         Kind = "driver_changed"
	AssignmentCleared     Kind = "assignment_cleared"
	DelayRequestCreated   Kind = "delay_request_created"
	DelayRequestResponded Kind = "delay_request_responded"
	AlertsCleared         Kind = "alerts_cleared"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{SlotChanged, DriverChanged, AssignmentCleared, DelayRequestCreated, DelayRequestResponded, AlertsCleared}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Source tells subscribers where a change came from.
type Source string

const (
	SourceLocal     Source = "local"
	SourceExternal  Source = "external"
	SourceReconcile Source = "reconcile"
)

// Event is a state change notification.
type Event struct {
	Kind           Kind      `json:"kind"`
	SlotID         string    `json:"slotId,omitempty"`
	DriverCode     string    `json:"driverCode,omitempty"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	NewStatus      string    `json:"newStatus,omitempty"`
	RequestID      string    `json:"requestId,omitempty"`
	Response       string    `json:"response,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	Source         Source    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}
