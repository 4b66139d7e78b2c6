package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gaiola-hub-backend/internal/hub"
)

// ListDrivers returns every known gaiola.
func (h *Handler) ListDrivers(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Drivers())
}

// ImportDrivers upserts a manifest of gaiolas.
func (h *Handler) ImportDrivers(c *gin.Context) {
	var rows []hub.DriverImport
	if err := c.ShouldBindJSON(&rows); err != nil {
		badRequest(c, err.Error())
		return
	}
	report, err := h.engine.ImportDrivers(c.Request.Context(), rows)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// MarkDriverArrived records the gaiola at the hub gate.
func (h *Handler) MarkDriverArrived(c *gin.Context) {
	d, err := h.engine.MarkDriverArrived(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type markDelayedRequest struct {
	RemoveFromSlot bool `json:"removeFromSlot"`
}

// MarkDriverDelayed flags the gaiola as late, optionally freeing its slot.
func (h *Handler) MarkDriverDelayed(c *gin.Context) {
	var req markDelayedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	d, err := h.engine.MarkDriverDelayed(c.Request.Context(), c.Param("code"), req.RemoveFromSlot)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ResetDriver sends the gaiola back outside, releasing its slot.
func (h *Handler) ResetDriver(c *gin.Context) {
	d, err := h.engine.ResetDriver(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RemoveDriver deletes a no-show gaiola.
func (h *Handler) RemoveDriver(c *gin.Context) {
	if err := h.engine.RemoveDriver(c.Request.Context(), c.Param("code")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
