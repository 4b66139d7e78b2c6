package model

import "time"

// DelayRequestStatus tracks an escalation from a slot to an administrator.
type DelayRequestStatus string

const (
	DelayPending   DelayRequestStatus = "pending"
	DelayResponded DelayRequestStatus = "responded"
)

// DelayResponse is the administrator's decision on a delay request.
type DelayResponse string

const (
	ResponseRecycleCage   DelayResponse = "recycle_cage"
	ResponseDriverEnRoute DelayResponse = "driver_en_route"
)

// Valid reports whether r is a known response.
func (r DelayResponse) Valid() bool {
	return r == ResponseRecycleCage || r == ResponseDriverEnRoute
}

// DelayRequest correlates a slot's escalation with the admin decision.
type DelayRequest struct {
	RequestID   string             `gorm:"primaryKey;size:64" json:"requestId"`
	SlotID      string             `gorm:"size:16;index;not null" json:"slotId"`
	DriverCode  string             `gorm:"size:32;not null" json:"driverCode"`
	CreatedAt   time.Time          `gorm:"not null" json:"createdAt"`
	Status      DelayRequestStatus `gorm:"size:16;index;not null" json:"status"`
	Response    DelayResponse      `gorm:"size:24" json:"response,omitempty"`
	RespondedAt *time.Time         `json:"respondedAt,omitempty"`
}
