package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/cache"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const healthCheckKey = "healthz:check"

// HealthHandler reports whether the database and the cache are reachable.
type HealthHandler struct {
	db    *gorm.DB
	cache cache.Store
}

// NewHealthHandler constructs a HealthHandler. store may be nil.
func NewHealthHandler(db *gorm.DB, store cache.Store) *HealthHandler {
	return &HealthHandler{db: db, cache: store}
}

// Healthz pings the database and round-trips a check key through the cache.
// Only the database decides the status code; the limiter fails open without a cache.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	ok := true
	resp := gin.H{"database": "ok", "cache": "disabled"}

	sqlDB, errDB := h.db.DB()
	if errDB == nil {
		errDB = sqlDB.PingContext(ctx)
	}
	if errDB != nil {
		log.WithError(errDB).Warn("healthz: database unreachable")
		ok = false
		resp["database"] = "unavailable"
	}

	if h.cache != nil {
		resp["cache"] = "ok"
		errCheck := h.cache.Set(ctx, healthCheckKey, []byte("1"), 10*time.Second)
		if errCheck == nil {
			_, _, errCheck = h.cache.Get(ctx, healthCheckKey)
		}
		if errCheck != nil {
			log.WithError(errCheck).Warn("healthz: cache unreachable")
			resp["cache"] = "unavailable"
		}
	}

	resp["ok"] = ok
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
