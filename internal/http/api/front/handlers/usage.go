package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/models"
)

// UsageLister lists a user's usage events.
type UsageLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error)
}

// UsageHandler serves the caller's usage history.
type UsageHandler struct {
	usage UsageLister
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(usage UsageLister) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// List returns the newest usage events for the caller.
func (h *UsageHandler) List(c *gin.Context) {
	rows, errList := h.usage.ListByUser(c.Request.Context(), getUserID(c), queryLimit(c, 50, 500))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}
