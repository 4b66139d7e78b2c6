package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListSlots returns every slot ordered by number.
func (h *Handler) ListSlots(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Slots())
}

// GetSlot returns a single slot.
func (h *Handler) GetSlot(c *gin.Context) {
	slot, ok := h.engine.Slot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "slot not found", "code": "slot_not_found"})
		return
	}
	c.JSON(http.StatusOK, slot)
}

type callDriverRequest struct {
	DriverCode string `json:"driverCode" binding:"required"`
}

// CallDriver assigns a gaiola to the slot.
func (h *Handler) CallDriver(c *gin.Context) {
	var req callDriverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	slot, err := h.engine.CallDriver(c.Request.Context(), c.Param("id"), req.DriverCode)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// BeginLoading moves a called slot to Loading.
func (h *Handler) BeginLoading(c *gin.Context) {
	slot, err := h.engine.BeginLoading(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// FinishLoading closes the slot's current cycle.
func (h *Handler) FinishLoading(c *gin.Context) {
	slot, err := h.engine.FinishLoading(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// ResetSlot returns the slot to Waiting.
func (h *Handler) ResetSlot(c *gin.Context) {
	slot, err := h.engine.ResetSlot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

type checkedInRequest struct {
	CheckedIn *bool `json:"checkedIn" binding:"required"`
}

// SetCheckedIn toggles the slot's check-in flag.
func (h *Handler) SetCheckedIn(c *gin.Context) {
	var req checkedInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	slot, err := h.engine.SetCheckedIn(c.Request.Context(), c.Param("id"), *req.CheckedIn)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// CreateDelayRequest escalates a late gaiola to the administrators.
func (h *Handler) CreateDelayRequest(c *gin.Context) {
	req, err := h.engine.CreateDelayRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}
