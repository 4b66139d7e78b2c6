package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gaiola-hub-backend/config"
	"gaiola-hub-backend/internal/api"
	"gaiola-hub-backend/internal/db"
	"gaiola-hub-backend/internal/feed"
	"gaiola-hub-backend/internal/hub"
	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

type hubUnderTest struct {
	backend store.Backend
	engine  *hub.Engine
	feed    *feed.Service
	router  *gin.Engine
}

func setupHub(t *testing.T, manifest []feed.ManifestItem) *hubUnderTest {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	gormDB, err := db.Init(&config.DatabaseConfig{Driver: config.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	backend := store.NewGormStore(gormDB, nil)
	require.NoError(t, store.EnsureSlots(ctx, backend, 4))

	bus := syncbus.New(zap.NewNop())
	engine := hub.New(backend, bus, hub.Options{ContextID: "integration"})
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp feed.ManifestResponse
		resp.Data.Page = 1
		resp.Data.PageSize = 10
		resp.Data.Total = len(manifest)
		resp.Data.Items = manifest
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)

	svc := feed.NewService(config.FeedConfig{
		Enabled:        true,
		TimeoutSeconds: 5,
		Request:        config.FeedRequest{URL: server.URL, PageSize: 10},
	}, engine, zap.NewNop())

	router, stop := api.NewRouter(api.RouterOptions{Engine: engine, Subscriptions: backend})
	t.Cleanup(stop)

	return &hubUnderTest{backend: backend, engine: engine, feed: svc, router: router}
}

func (h *hubUnderTest) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// TestSlotCycleLifecycle runs a gaiola from the manifest through a full
// loading cycle and checks what reached the database at each step.
func TestSlotCycleLifecycle(t *testing.T) {
	h := setupHub(t, []feed.ManifestItem{{Code: "a 1", VehicleType: "van"}, {Code: "B-2"}})
	ctx := context.Background()

	t.Run("manifest import", func(t *testing.T) {
		report, err := h.feed.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Created)

		d, err := h.backend.GetDriver(ctx, "A-1")
		require.NoError(t, err)
		assert.Equal(t, model.DriverWaitingOutside, d.Status)
		assert.Equal(t, "van", d.VehicleType)
	})

	t.Run("gate check-in", func(t *testing.T) {
		w := h.post(t, "/api/drivers/A-1/arrived", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("call, load and finish", func(t *testing.T) {
		require.Equal(t, http.StatusOK, h.post(t, "/api/slots/3/call", gin.H{"driverCode": "A1"}).Code)

		slot, err := h.backend.GetSlot(ctx, "3")
		require.NoError(t, err)
		assert.Equal(t, model.SlotCalled, slot.Status)
		assert.Equal(t, "A-1", slot.AssignedDriverID)
		d, err := h.backend.GetDriver(ctx, "A-1")
		require.NoError(t, err)
		assert.Equal(t, model.DriverEnteringHub, d.Status)
		assert.Equal(t, "3", d.AssignedSlotID)

		require.Equal(t, http.StatusOK, h.post(t, "/api/slots/3/loading", nil).Code)
		require.Equal(t, http.StatusOK, h.post(t, "/api/slots/3/finish", nil).Code)

		slot, err = h.backend.GetSlot(ctx, "3")
		require.NoError(t, err)
		assert.Equal(t, model.SlotFinished, slot.Status)
		assert.Empty(t, slot.AssignedDriverID)
		require.NotNil(t, slot.FinishedAt)
		d, err = h.backend.GetDriver(ctx, "A-1")
		require.NoError(t, err)
		assert.Empty(t, d.AssignedSlotID)
	})

	t.Run("re-import keeps assignment state", func(t *testing.T) {
		report, err := h.feed.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Created)

		d, err := h.backend.GetDriver(ctx, "A-1")
		require.NoError(t, err)
		assert.NotEqual(t, model.DriverWaitingOutside, d.Status)
	})

	t.Run("reconcile finds nothing to repair", func(t *testing.T) {
		report, err := h.engine.ReconcileOnce(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Repairs)
		assert.Empty(t, report.Flagged)
	})
}

// TestDelayEscalationLifecycle covers the slot-to-admin round trip with a
// recycle decision persisted through gorm.
func TestDelayEscalationLifecycle(t *testing.T) {
	h := setupHub(t, []feed.ManifestItem{{Code: "C-7"}})
	ctx := context.Background()

	_, err := h.feed.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, h.post(t, "/api/drivers/C-7/arrived", nil).Code)
	require.Equal(t, http.StatusOK, h.post(t, "/api/slots/1/call", gin.H{"driverCode": "C-7"}).Code)

	w := h.post(t, "/api/slots/1/delay_requests", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req model.DelayRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))

	w = h.post(t, "/api/delay_requests/"+req.RequestID+"/response", gin.H{"response": "recycle_cage"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := h.backend.GetDelayRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.DelayResponded, stored.Status)
	require.NotNil(t, stored.RespondedAt)
	assert.WithinDuration(t, time.Now(), *stored.RespondedAt, 5*time.Second)

	slot, err := h.backend.GetSlot(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.SlotWaiting, slot.Status)
	d, err := h.backend.GetDriver(ctx, "C-7")
	require.NoError(t, err)
	assert.Equal(t, model.DriverDelayed, d.Status)
	assert.Empty(t, d.AssignedSlotID)

	w = h.post(t, "/api/delay_requests/"+req.RequestID+"/response", gin.H{"response": "driver_en_route"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
