package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gaiola-hub-backend/internal/model"
)

// ListDelayRequests returns open and recently answered escalations.
func (h *Handler) ListDelayRequests(c *gin.Context) {
	status := c.Query("status")
	all := h.engine.DelayRequests()
	if status == "" {
		c.JSON(http.StatusOK, all)
		return
	}
	out := make([]model.DelayRequest, 0, len(all))
	for _, r := range all {
		if string(r.Status) == status {
			out = append(out, r)
		}
	}
	c.JSON(http.StatusOK, out)
}

type delayResponseRequest struct {
	Response model.DelayResponse `json:"response" binding:"required"`
}

// RespondToDelayRequest applies the administrator's decision.
func (h *Handler) RespondToDelayRequest(c *gin.Context) {
	var req delayResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	out, err := h.engine.RespondToDelayRequest(c.Request.Context(), c.Param("id"), req.Response)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Reconcile runs one reconciliation pass and reports what it repaired.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.engine.ReconcileOnce(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
