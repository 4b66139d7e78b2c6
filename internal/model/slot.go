package model

import "time"

// SlotStatus is the lifecycle state of a loading bay.
type SlotStatus string

const (
	SlotWaiting  SlotStatus = "waiting"
	SlotCalled   SlotStatus = "called"
	SlotLoading  SlotStatus = "loading"
	SlotFinished SlotStatus = "finished"
)

// Valid reports whether s is a known slot status.
func (s SlotStatus) Valid() bool {
	switch s {
	case SlotWaiting, SlotCalled, SlotLoading, SlotFinished:
		return true
	}
	return false
}

// Occupied reports whether a slot in this status may hold a driver.
func (s SlotStatus) Occupied() bool {
	return s == SlotCalled || s == SlotLoading
}

// Slot represents a physical loading bay ("vaga").
type Slot struct {
	ID               string     `gorm:"primaryKey;size:16" json:"id"`
	Status           SlotStatus `gorm:"size:16;not null" json:"status"`
	AssignedDriverID string     `gorm:"size:32;index" json:"assignedDriverId,omitempty"`
	CalledAt         *time.Time `json:"calledAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	CheckedIn        bool       `gorm:"not null" json:"checkedIn"`
	Inconsistent     bool       `gorm:"not null" json:"inconsistent,omitempty"`
	LastUpdate       time.Time  `gorm:"not null" json:"lastUpdate"`
	Revision         int64      `gorm:"not null" json:"revision"`
}
