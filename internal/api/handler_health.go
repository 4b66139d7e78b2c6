package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports the engine's context id and bus counters.
func (h *Handler) Health(c *gin.Context) {
	stats := h.engine.Bus().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"context":     h.engine.ID(),
		"slots":       len(h.engine.Slots()),
		"published":   stats.Published,
		"delivered":   stats.Delivered,
		"subscribers": stats.Subscribers,
	})
}
