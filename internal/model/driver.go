package model

import "time"

// DriverStatus is the arrival lifecycle state of a driver.
type DriverStatus string

const (
	DriverWaitingOutside DriverStatus = "waiting_outside"
	DriverEnteringHub    DriverStatus = "entering_hub"
	DriverArrived        DriverStatus = "arrived"
	DriverDelayed        DriverStatus = "delayed"
)

// Valid reports whether s is a known driver status.
func (s DriverStatus) Valid() bool {
	switch s {
	case DriverWaitingOutside, DriverEnteringHub, DriverArrived, DriverDelayed:
		return true
	}
	return false
}

// Driver represents an arriving vehicle ("gaiola"). ID equals the normalized code.
type Driver struct {
	ID             string       `gorm:"primaryKey;size:32" json:"id"`
	Code           string       `gorm:"uniqueIndex;size:32;not null" json:"code"`
	Status         DriverStatus `gorm:"size:24;not null" json:"status"`
	AssignedSlotID string       `gorm:"size:16;index" json:"assignedSlotId,omitempty"`
	ArrivedAt      *time.Time   `json:"arrivedAt,omitempty"`
	VehicleType    string       `gorm:"size:64" json:"vehicleType,omitempty"`
	Inconsistent   bool         `gorm:"not null" json:"inconsistent,omitempty"`
	LastUpdate     time.Time    `gorm:"not null" json:"lastUpdate"`
	Revision       int64        `gorm:"not null" json:"revision"`
}
