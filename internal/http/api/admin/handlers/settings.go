package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsHandler reads and writes DB-backed runtime settings.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns every stored setting plus the accepted keys.
func (h *SettingsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings":   internalsettings.All(),
		"known_keys": internalsettings.KnownKeys,
		"updated_at": internalsettings.DBConfigUpdatedAt(),
	})
}

// Put stores the raw JSON body as the value for :key and refreshes the snapshot.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !internalsettings.IsKnownKey(key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown setting"})
		return
	}
	raw, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be json"})
		return
	}
	if errUpsert := internalsettings.Upsert(c.Request.Context(), h.db, key, raw); errUpsert != nil {
		log.WithError(errUpsert).WithField("key", key).Error("admin settings: upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save setting failed"})
		return
	}
	value, _ := internalsettings.DBConfigValue(key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}
