package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/cache"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	"github.com/rapidalle/rapidalle/internal/http/api/admin/handlers"
	"github.com/rapidalle/rapidalle/internal/runs"
	"github.com/rapidalle/rapidalle/internal/usage"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers the admin API and the health check.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, ledger *credits.Ledger, recorder *usage.Recorder, runStore *runs.Store, store cache.Store) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db, store)
	r.GET("/healthz", healthHandler.Healthz)

	admin := r.Group("/v0/admin")
	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	admin.POST("/login", authHandler.Login)

	authed := admin.Group("")
	authed.Use(internalhttp.AdminAuthMiddleware(db, jwtCfg.Secret))

	creditsHandler := handlers.NewCreditsHandler(ledger, recorder)
	authed.GET("/users/:id/credits", creditsHandler.Get)
	authed.PUT("/users/:id/credits", creditsHandler.Set)
	authed.POST("/users/:id/credits/grant", creditsHandler.Grant)

	settingsHandler := handlers.NewSettingsHandler(db)
	authed.GET("/settings", settingsHandler.List)
	authed.PUT("/settings/:key", settingsHandler.Put)

	usageHandler := handlers.NewUsageHandler(db)
	authed.GET("/usage", usageHandler.List)

	if runStore != nil {
		runsHandler := handlers.NewRunsHandler(runStore)
		authed.GET("/runs/:run_id", runsHandler.Get)
	}
}
