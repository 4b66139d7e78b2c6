package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gaiola-hub-backend/internal/hub"
	"gaiola-hub-backend/internal/store"
)

const defaultHeartbeat = 15 * time.Second

// Handler holds shared dependencies for API handlers.
type Handler struct {
	engine    *hub.Engine
	subs      store.Subscriptions
	webpush   *webpush.Options
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(engine *hub.Engine, subs store.Subscriptions, webpushOptions *webpush.Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		subs:      subs,
		webpush:   webpushOptions,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
}

// statusFor maps a hub error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hub.ErrSlotNotFound), errors.Is(err, hub.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, hub.ErrInvalidTransition),
		errors.Is(err, hub.ErrAssignmentConflict),
		errors.Is(err, hub.ErrDriverAlreadyAssigned),
		errors.Is(err, hub.ErrDriverNotReady),
		errors.Is(err, hub.ErrSlotNotAvailable),
		errors.Is(err, hub.ErrStaleDelayResponse):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as {"error", "code", ...} so the dashboard can say
// which guard refused the operation.
func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error(), "code": hub.Code(err)}

	var opErr *hub.OpError
	if errors.As(err, &opErr) {
		if opErr.SlotID != "" {
			body["slotId"] = opErr.SlotID
		}
		if opErr.DriverCode != "" {
			body["driverCode"] = opErr.DriverCode
		}
		if opErr.Status != "" {
			body["status"] = opErr.Status
		}
		if opErr.ConflictingSlotID != "" {
			body["conflictingSlotId"] = opErr.ConflictingSlotID
		}
		if opErr.RequestID != "" {
			body["requestId"] = opErr.RequestID
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_input"})
}
