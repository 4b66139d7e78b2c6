package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gaiola-hub-backend/internal/model"
)

// newSQLiteStore opens a private in-memory database with the hub schema.
func newSQLiteStore(t *testing.T) Backend {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Slot{}, &model.Driver{}, &model.DelayRequest{}, &model.PushSubscription{}))
	return NewGormStore(db, nil)
}

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestGormStore_SlotLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, EnsureSlots(ctx, s, 3))

	slot, err := s.GetSlot(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, model.SlotWaiting, slot.Status)
	assert.Equal(t, int64(1), slot.Revision)

	now := time.Now().UTC()
	slot.Status = model.SlotCalled
	slot.AssignedDriverID = "A-1"
	slot.CalledAt = &now
	saved, err := s.PutSlot(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Revision)

	got, err := s.GetSlot(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.AssignedDriverID)
	assert.Equal(t, model.SlotCalled, got.Status)

	_, err = s.GetSlot(ctx, "99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_SwapDriver(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	created, err := s.SwapDriver(ctx, model.Driver{ID: "A-1", Code: "A-1", Status: model.DriverArrived}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Revision)

	_, err = s.SwapDriver(ctx, model.Driver{ID: "A-1", Code: "A-1"}, 0)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	created.Status = model.DriverEnteringHub
	created.AssignedSlotID = "4"
	_, err = s.SwapDriver(ctx, created, 1)
	require.NoError(t, err)

	_, err = s.SwapDriver(ctx, created, 1)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	got, err := s.GetDriver(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, model.DriverEnteringHub, got.Status)
	assert.Equal(t, "4", got.AssignedSlotID)
	assert.Equal(t, int64(2), got.Revision)
}

func TestGormStore_PublishesChanges(t *testing.T) {
	s := newSQLiteStore(t)

	var got []Change
	s.OnChange(Drivers, func(c Change) { got = append(got, c) })

	ctx := WithOrigin(context.Background(), "ctx-a")
	_, err := s.PutDriver(ctx, model.Driver{ID: "C-3", Code: "C-3", Status: model.DriverWaitingOutside})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDriver(ctx, "C-3"))
	assert.ErrorIs(t, s.DeleteDriver(ctx, "C-3"), ErrNotFound)

	require.Len(t, got, 2)
	assert.Equal(t, "ctx-a", got[0].Origin)
	assert.True(t, got[1].Deleted)
}

func TestGormStore_DelayRequestsAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	req := model.DelayRequest{RequestID: "r1", SlotID: "1", DriverCode: "A-1", CreatedAt: time.Now().UTC(), Status: model.DelayPending}
	require.NoError(t, s.PutDelayRequest(ctx, req))

	got, err := s.GetDelayRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DelayPending, got.Status)

	require.NoError(t, s.DeleteDelayRequests(ctx, []string{"r1"}))
	_, err = s.GetDelayRequest(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutSubscription(ctx, model.PushSubscription{Endpoint: "https://push/a", P256DH: "k", Auth: "a", Role: model.RoleAdmin, CreatedAt: time.Now()}))
	require.NoError(t, s.PutSubscription(ctx, model.PushSubscription{Endpoint: "https://push/b", P256DH: "k", Auth: "a", Role: model.RoleSlot, SlotID: "3", CreatedAt: time.Now()}))

	admins, err := s.ListSubscriptions(ctx, model.RoleAdmin, "")
	require.NoError(t, err)
	assert.Len(t, admins, 1)

	slotSubs, err := s.ListSubscriptions(ctx, model.RoleSlot, "3")
	require.NoError(t, err)
	require.Len(t, slotSubs, 1)
	assert.Equal(t, "https://push/b", slotSubs[0].Endpoint)

	require.NoError(t, s.DeleteSubscription(ctx, "https://push/b"))
	_, err = s.GetSubscription(ctx, "https://push/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListSlotsPropagatesErrors(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "slots"`)).
		WillReturnError(errors.New("connection refused"))

	_, err := s.ListSlots(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
