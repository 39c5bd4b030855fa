package front

import (
	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/billing"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/gallery"
	"github.com/rapidalle/rapidalle/internal/generation"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	"github.com/rapidalle/rapidalle/internal/http/api/front/handlers"
	"github.com/rapidalle/rapidalle/internal/usage"
	"gorm.io/gorm"
)

// Deps are the services behind the front routes.
type Deps struct {
	DB        *gorm.DB
	JWT       config.JWTConfig
	Ledger    *credits.Ledger
	Gate      *generation.Gate
	Completer handlers.Completer
	Artifacts *artifact.Store
	Gallery   *gallery.Gallery
	Usage     *usage.Recorder
	Billing   *billing.Service
}

// RegisterFrontRoutes registers public and authenticated front-end routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	front := r.Group("/v0/front")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Ledger, deps.JWT)
	front.POST("/register", authHandler.Register)
	front.POST("/login", authHandler.Login)
	front.GET("/config", handlers.GetPublicConfig)

	authed := front.Group("")
	authed.Use(internalhttp.UserAuthMiddleware(deps.JWT.Secret, deps.Ledger))

	profileHandler := handlers.NewProfileHandler(deps.Ledger, deps.Gate.Cost)
	authed.GET("/profile", profileHandler.Get)
	authed.GET("/credits", profileHandler.Credits)

	generateHandler := handlers.NewGenerateHandler(deps.Gate, deps.Completer)
	authed.POST("/generate", generateHandler.Generate)
	authed.POST("/completion", generateHandler.Completion)

	libraryHandler := handlers.NewLibraryHandler(deps.Artifacts, deps.Gallery)
	authed.GET("/library", libraryHandler.Library)
	authed.GET("/images/:id", libraryHandler.GetImage)
	authed.DELETE("/images/:id", libraryHandler.DeleteImage)
	authed.GET("/runs", libraryHandler.Runs)
	authed.GET("/runs/:run_id/images", libraryHandler.RunImages)

	promptHandler := handlers.NewPromptHandler(deps.Artifacts)
	authed.GET("/prompts", promptHandler.List)
	authed.POST("/prompts", promptHandler.Create)
	authed.GET("/prompts/:id", promptHandler.Get)
	authed.PUT("/prompts/:id", promptHandler.Update)
	authed.DELETE("/prompts/:id", promptHandler.Delete)

	usageHandler := handlers.NewUsageHandler(deps.Usage)
	authed.GET("/usage", usageHandler.List)

	billingHandler := handlers.NewBillingHandler(deps.Billing)
	authed.GET("/billing/packs", billingHandler.Packs)
	authed.POST("/billing/checkout", billingHandler.Checkout)
	authed.POST("/billing/portal", billingHandler.Portal)
}
