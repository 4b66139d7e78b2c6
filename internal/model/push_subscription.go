package model

import "time"

// Subscriber roles for push notifications.
const (
	RoleAdmin = "admin"
	RoleSlot  = "slot"
)

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	Role      string    `gorm:"size:16;index;not null" json:"role"`
	SlotID    string    `gorm:"size:16;index" json:"slotId,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}
