package store

import (
	"context"
	"errors"

	"gaiola-hub-backend/internal/model"
)

// Collection names the logical collections kept by a Store.
type Collection string

const (
	Slots         Collection = "slots"
	Drivers       Collection = "drivers"
	DelayRequests Collection = "delay_requests"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrRevisionMismatch is returned by SwapDriver when the stored revision moved on.
	ErrRevisionMismatch = errors.New("store: revision mismatch")
)

// Change describes a committed write to one record.
type Change struct {
	Collection Collection `json:"collection"`
	ID         string     `json:"id"`
	Origin     string     `json:"origin"`
	Deleted    bool       `json:"deleted,omitempty"`
}

type originKey struct{}

// WithOrigin tags writes made with ctx as coming from the given execution context.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin set by WithOrigin, or "".
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

// Store is the storage adapter for slots, drivers and delay requests.
// Puts replace the whole record and bump its Revision.
type Store interface {
	GetSlot(ctx context.Context, id string) (model.Slot, error)
	ListSlots(ctx context.Context) ([]model.Slot, error)
	PutSlot(ctx context.Context, slot model.Slot) (model.Slot, error)

	GetDriver(ctx context.Context, code string) (model.Driver, error)
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	PutDriver(ctx context.Context, driver model.Driver) (model.Driver, error)
	// SwapDriver writes driver only if the stored revision equals expected.
	// An expected revision of 0 matches a missing record.
	SwapDriver(ctx context.Context, driver model.Driver, expected int64) (model.Driver, error)
	DeleteDriver(ctx context.Context, code string) error

	GetDelayRequest(ctx context.Context, id string) (model.DelayRequest, error)
	ListDelayRequests(ctx context.Context) ([]model.DelayRequest, error)
	PutDelayRequest(ctx context.Context, req model.DelayRequest) error
	DeleteDelayRequests(ctx context.Context, ids []string) error

	// OnChange registers fn for committed writes to collection, including writes
	// made by other contexts and other processes sharing the feed.
	OnChange(collection Collection, fn func(Change)) (unsubscribe func())
}

// Subscriptions persists browser push subscriptions.
type Subscriptions interface {
	PutSubscription(ctx context.Context, sub model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	// ListSubscriptions returns subscriptions for role; slotID filters slot subscribers.
	ListSubscriptions(ctx context.Context, role, slotID string) ([]model.PushSubscription, error)
}

// Backend is a Store that also keeps push subscriptions.
type Backend interface {
	Store
	Subscriptions
}
