package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/models"
	"gorm.io/gorm"
)

// UsageHandler handles admin usage listing endpoints.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// List returns usage events with optional filters.
func (h *UsageHandler) List(c *gin.Context) {
	var (
		userID   = strings.TrimSpace(c.Query("user_id"))
		feature  = strings.TrimSpace(c.Query("feature"))
		fromStr  = strings.TrimSpace(c.Query("from"))
		toStr    = strings.TrimSpace(c.Query("to"))
		limitStr = strings.TrimSpace(c.Query("limit"))
	)

	limit := 100
	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	q := h.db.WithContext(c.Request.Context()).Model(&models.UsageEvent{})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if feature != "" {
		q = q.Where("feature = ?", feature)
	}
	if fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			q = q.Where("created_at >= ?", t.UTC())
		}
	}
	if toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			q = q.Where("created_at <= ?", t.UTC())
		}
	}

	var rows []models.UsageEvent
	if errFind := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}
