package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

func putSlot(t *testing.T, s store.Store, slot model.Slot) {
	t.Helper()
	_, err := s.PutSlot(context.Background(), slot)
	require.NoError(t, err)
}

func putDriver(t *testing.T, s store.Store, d model.Driver) {
	t.Helper()
	if d.ID == "" {
		d.ID = d.Code
	}
	_, err := s.PutDriver(context.Background(), d)
	require.NoError(t, err)
}

func hasAction(report ReconcileReport, action string) bool {
	for _, r := range report.Repairs {
		if r.Action == action {
			return true
		}
	}
	return false
}

func TestReconcile_ConsistentStateIsUntouched(t *testing.T) {
	e, s, rec := newTestEngine(t, 3, arrived("A-1"), arrived("B-2"))
	ctx := context.Background()
	_, err := e.CallDriver(ctx, "1", "A-1")
	require.NoError(t, err)
	before := getSlot(t, s, "1")
	rec.reset()

	report, err := e.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Repairs)
	assert.Empty(t, report.Flagged)
	assert.Equal(t, before, getSlot(t, s, "1"))
	assert.Empty(t, rec.all())
}

func TestReconcile_NewerSideWins(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Minute)
	called := base

	tests := []struct {
		name       string
		slotAt     time.Time
		driverAt   time.Time
		wantAction string
		check      func(t *testing.T, s store.Store)
	}{
		{
			name:       "slot newer forces the driver",
			slotAt:     base.Add(time.Second),
			driverAt:   base,
			wantAction: actionForceDriver,
			check: func(t *testing.T, s store.Store) {
				d := getDriver(t, s, "A-1")
				assert.Equal(t, "1", d.AssignedSlotID)
				assert.Equal(t, model.DriverArrived, d.Status, "an arrived driver stays arrived")
				assert.Equal(t, model.SlotCalled, getSlot(t, s, "1").Status)
			},
		},
		{
			name:       "driver newer releases the slot",
			slotAt:     base,
			driverAt:   base.Add(time.Second),
			wantAction: actionReleaseSlot,
			check: func(t *testing.T, s store.Store) {
				slot := getSlot(t, s, "1")
				assert.Equal(t, model.SlotWaiting, slot.Status)
				assert.Empty(t, slot.AssignedDriverID)
				assert.Empty(t, getDriver(t, s, "A-1").AssignedSlotID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore(nil)
			require.NoError(t, store.EnsureSlots(context.Background(), s, 2))
			putSlot(t, s, model.Slot{ID: "1", Status: model.SlotCalled, AssignedDriverID: "A-1", CalledAt: &called, LastUpdate: tt.slotAt})
			putDriver(t, s, model.Driver{Code: "A-1", Status: model.DriverArrived, LastUpdate: tt.driverAt})
			e, rec := startEngine(t, s, "reconciler")

			report, err := e.ReconcileOnce(context.Background())
			require.NoError(t, err)
			assert.True(t, hasAction(report, tt.wantAction), "report: %+v", report)
			tt.check(t, s)
			requireInvariants(t, s)

			for _, ev := range rec.all() {
				assert.Equal(t, syncbus.SourceReconcile, ev.Source)
			}
		})
	}
}

func TestReconcile_EqualTimestampsAreFlaggedNotFlipped(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Minute)
	s := store.NewMemoryStore(nil)
	putSlot(t, s, model.Slot{ID: "1", Status: model.SlotCalled, AssignedDriverID: "A-1", CalledAt: &at, LastUpdate: at})
	putDriver(t, s, model.Driver{Code: "A-1", Status: model.DriverArrived, LastUpdate: at})
	e, _ := startEngine(t, s, "reconciler")
	ctx := context.Background()

	report, err := e.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Flagged, 2)

	slot := getSlot(t, s, "1")
	d := getDriver(t, s, "A-1")
	assert.True(t, slot.Inconsistent)
	assert.True(t, d.Inconsistent)
	assert.Equal(t, "A-1", slot.AssignedDriverID, "nothing is reassigned on a tie")
	assert.Empty(t, d.AssignedSlotID)
	assert.True(t, slot.LastUpdate.Equal(at), "flagging does not touch lastUpdate")
	assert.True(t, d.LastUpdate.Equal(at))

	// a second pass keeps the flags and does not oscillate
	slotRev, driverRev := slot.Revision, d.Revision
	report, err = e.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Repairs)
	assert.Empty(t, report.Flagged)
	assert.Equal(t, slotRev, getSlot(t, s, "1").Revision)
	assert.Equal(t, driverRev, getDriver(t, s, "A-1").Revision)

	// an operator reset resolves it and the next pass clears the flag
	_, err = e.ResetSlot(ctx, "1")
	require.NoError(t, err)
	_, err = e.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.False(t, getSlot(t, s, "1").Inconsistent)
	assert.False(t, getDriver(t, s, "A-1").Inconsistent)
	requireInvariants(t, s)
}

func TestReconcile_Repairs(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Minute)

	tests := []struct {
		name       string
		slots      []model.Slot
		drivers    []model.Driver
		wantAction string
	}{
		{
			name:       "finished slot still holding a driver",
			slots:      []model.Slot{{ID: "1", Status: model.SlotFinished, AssignedDriverID: "A-1", LastUpdate: base}},
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverEnteringHub, AssignedSlotID: "1", LastUpdate: base}},
			wantAction: actionReleaseSlot,
		},
		{
			name:       "slot references a missing driver",
			slots:      []model.Slot{{ID: "1", Status: model.SlotLoading, AssignedDriverID: "Z-9", LastUpdate: base}},
			wantAction: actionReleaseSlot,
		},
		{
			name:       "called slot without a driver",
			slots:      []model.Slot{{ID: "1", Status: model.SlotCalled, LastUpdate: base}},
			wantAction: actionReleaseSlot,
		},
		{
			name:       "driver references a missing slot",
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverEnteringHub, AssignedSlotID: "42", LastUpdate: base}},
			wantAction: actionReleaseDriver,
		},
		{
			name:       "driver entering without a slot",
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverEnteringHub, LastUpdate: base}},
			wantAction: actionArrive,
		},
		{
			name:  "driver points at a slot holding someone else",
			slots: []model.Slot{{ID: "1", Status: model.SlotCalled, AssignedDriverID: "B-2", LastUpdate: base}},
			drivers: []model.Driver{
				{Code: "A-1", Status: model.DriverEnteringHub, AssignedSlotID: "1", LastUpdate: base},
				{Code: "B-2", Status: model.DriverEnteringHub, AssignedSlotID: "1", LastUpdate: base},
			},
			wantAction: actionReleaseDriver,
		},
		{
			name: "two slots claim one driver",
			slots: []model.Slot{
				{ID: "1", Status: model.SlotCalled, AssignedDriverID: "A-1", LastUpdate: base},
				{ID: "2", Status: model.SlotCalled, AssignedDriverID: "A-1", LastUpdate: base.Add(time.Second)},
			},
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverEnteringHub, AssignedSlotID: "1", LastUpdate: base}},
			wantAction: actionReleaseSlot,
		},
		{
			name:       "delayed driver holding a slot",
			slots:      []model.Slot{{ID: "1", Status: model.SlotCalled, AssignedDriverID: "A-1", LastUpdate: base}},
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverDelayed, AssignedSlotID: "1", LastUpdate: base}},
			wantAction: actionReleaseDriver,
		},
		{
			name:       "newer driver claims a waiting slot",
			slots:      []model.Slot{{ID: "1", Status: model.SlotWaiting, LastUpdate: base}},
			drivers:    []model.Driver{{Code: "A-1", Status: model.DriverEnteringHub, AssignedSlotID: "1", LastUpdate: base.Add(time.Second)}},
			wantAction: actionForceSlot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore(nil)
			for _, slot := range tt.slots {
				putSlot(t, s, slot)
			}
			for _, d := range tt.drivers {
				putDriver(t, s, d)
			}
			e, _ := startEngine(t, s, "reconciler")

			report, err := e.ReconcileOnce(context.Background())
			require.NoError(t, err)
			assert.True(t, hasAction(report, tt.wantAction), "report: %+v", report)
			requireInvariants(t, s)

			// the repaired state is stable
			again, err := e.ReconcileOnce(context.Background())
			require.NoError(t, err)
			assert.Empty(t, again.Repairs)
		})
	}
}

func TestReconcile_PurgesOldRespondedRequests(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	s := store.NewMemoryStore(nil)
	ctx := context.Background()
	for _, req := range []model.DelayRequest{
		{RequestID: "old", SlotID: "1", DriverCode: "A-1", CreatedAt: old, Status: model.DelayResponded, Response: model.ResponseDriverEnRoute, RespondedAt: &old},
		{RequestID: "recent", SlotID: "1", DriverCode: "A-1", CreatedAt: old, Status: model.DelayResponded, Response: model.ResponseDriverEnRoute, RespondedAt: &recent},
		{RequestID: "pending", SlotID: "2", DriverCode: "B-2", CreatedAt: old, Status: model.DelayPending},
	} {
		require.NoError(t, s.PutDelayRequest(ctx, req))
	}
	e, _ := startEngine(t, s, "reconciler")
	require.Len(t, e.DelayRequests(), 3)

	report, err := e.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = s.GetDelayRequest(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetDelayRequest(ctx, "recent")
	assert.NoError(t, err)
	_, err = s.GetDelayRequest(ctx, "pending")
	assert.NoError(t, err, "pending requests never expire")
	assert.Len(t, e.DelayRequests(), 2)
}

func TestReconciler_RunRepairsUntilCancelled(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Minute)
	s := store.NewMemoryStore(nil)
	putSlot(t, s, model.Slot{ID: "1", Status: model.SlotFinished, AssignedDriverID: "A-1", LastUpdate: base})
	putDriver(t, s, model.Driver{Code: "A-1", Status: model.DriverArrived, LastUpdate: base})
	e, _ := startEngine(t, s, "reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(e, 10*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		slot, err := s.GetSlot(context.Background(), "1")
		return err == nil && slot.AssignedDriverID == ""
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
