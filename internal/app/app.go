package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/ai"
	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/billing"
	"github.com/rapidalle/rapidalle/internal/cache"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/db"
	"github.com/rapidalle/rapidalle/internal/gallery"
	"github.com/rapidalle/rapidalle/internal/generation"
	"github.com/rapidalle/rapidalle/internal/http/api/admin"
	billingapi "github.com/rapidalle/rapidalle/internal/http/api/billing"
	"github.com/rapidalle/rapidalle/internal/http/api/front"
	runsapi "github.com/rapidalle/rapidalle/internal/http/api/runs"
	"github.com/rapidalle/rapidalle/internal/logging"
	"github.com/rapidalle/rapidalle/internal/media"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/pipeline"
	"github.com/rapidalle/rapidalle/internal/ratelimit"
	"github.com/rapidalle/rapidalle/internal/runs"
	"github.com/rapidalle/rapidalle/internal/security"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	"github.com/rapidalle/rapidalle/internal/usage"
	"github.com/rapidalle/rapidalle/internal/util"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conn, err := openDB(cfg)
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// CreateAdmin creates the admin account or resets its password.
func CreateAdmin(ctx context.Context, cfg config.AppConfig, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return errors.New("app: username and password are required")
	}
	conn, err := openDB(cfg)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	hashed, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("app: hash password: %w", errHash)
	}
	account := models.Admin{Username: username, Password: hashed, Active: true}
	errCreate := conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"password", "active", "updated_at"}),
	}).Create(&account).Error
	if errCreate != nil {
		return fmt.Errorf("app: save admin: %w", errCreate)
	}
	log.Infof("admin %s saved", username)
	return nil
}

func openDB(cfg config.AppConfig) (*gorm.DB, error) {
	dsn, err := config.LoadDatabaseDSN(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return nil, err
	}
	return db.Open(dsn)
}

// RunServer boots the HTTP API and the background workers and blocks until
// ctx is done.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
	if err != nil {
		return err
	}
	logCloser, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return fmt.Errorf("app: logging: %w", errLog)
	}
	defer func() { _ = logCloser.Close() }()

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("app: load settings snapshot failed, using config defaults")
	}

	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := store.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: close cache")
		}
	}()

	ledger := credits.NewLedger(conn, cfg.Generation.InitialCredits)
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	artifacts := artifact.NewStore(conn)
	library := gallery.New(artifacts, store)
	recorder := usage.NewRecorder(conn)
	aiClient := ai.NewClient(cfg.OpenAI)

	pipelineOpts := pipeline.Options{Gallery: library, Retry: cfg.Generation.Retry}
	rehoster, errMedia := media.New(ctx, cfg.Media)
	if errMedia != nil {
		return errMedia
	}
	if rehoster != nil {
		pipelineOpts.Rehoster = rehoster
	}
	runStore := runs.NewStore(cfg.Generation.RunTTL, cfg.Generation.MaxRuns)
	runner := runs.NewRunner(runStore, pipeline.New(aiClient, artifacts, pipelineOpts).Handler(), runs.Options{
		Workers:     cfg.Generation.Workers,
		QueueSize:   cfg.Generation.QueueSize,
		MaxDuration: cfg.Generation.MaxDuration,
	})

	runTokenExpiry := cfg.JWT.RunTokenExpiry
	if runTokenExpiry <= 0 {
		runTokenExpiry = 2 * time.Hour
	}
	gate := generation.NewGate(generation.Deps{
		Ledger:   ledger,
		Limiter:  limiter,
		Gallery:  library,
		Enqueuer: runner,
		Usage:    recorder,
		Tokens: func(runID, userID string) (string, error) {
			return security.GenerateRunToken(cfg.JWT.Secret, runID, userID, runTokenExpiry)
		},
	}, cfg.Generation)
	billingSvc := billing.NewService(conn, ledger, recorder, cfg.Billing)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.GinLogger())
	front.RegisterFrontRoutes(engine, front.Deps{
		DB:        conn,
		JWT:       cfg.JWT,
		Ledger:    ledger,
		Gate:      gate,
		Completer: aiClient,
		Artifacts: artifacts,
		Gallery:   library,
		Usage:     recorder,
		Billing:   billingSvc,
	})
	runsapi.RegisterRunRoutes(engine, cfg.JWT.Secret, runner)
	admin.RegisterAdminRoutes(engine, conn, cfg.JWT, ledger, recorder, runStore, store)
	billingapi.RegisterWebhookRoutes(engine, billingSvc)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler.Handler(engine),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.WithFields(log.Fields{
		"addr":       cfg.Server.Addr,
		"config":     cfg.Path,
		"cache":      cfg.Cache.Backend,
		"openai_key": util.HideAPIKey(cfg.OpenAI.APIKey),
		"stripe_key": util.HideAPIKey(cfg.Billing.StripeSecretKey),
		"rehosting":  rehoster != nil,
	}).Info("starting rapidalle")

	// Runs drain on shutdown, so the runner must outlive the signal context.
	runner.Start(context.WithoutCancel(ctx))
	usage.NewRetentionCleaner(conn, cfg.Usage.RetentionDays).Start(ctx)
	internalsettings.NewRefresher(conn, 0).Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", errServe)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("app: http shutdown")
		}
		if errDrain := runner.Shutdown(shutdownCtx); errDrain != nil {
			log.WithError(errDrain).Warn("app: runs still in flight were cancelled")
		}
		return nil
	})
	errWait := group.Wait()
	log.Info("rapidalle stopped")
	return errWait
}
