package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/runs"
	"github.com/rapidalle/rapidalle/internal/security"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	"github.com/rapidalle/rapidalle/internal/usage"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

type adminEnv struct {
	router *gin.Engine
	db     *gorm.DB
	store  *runs.Store
	token  string
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:admin_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		internalsettings.StoreDBConfig(time.Time{}, nil)
		_ = sqlDB.Close()
	})
	if errMigrate := conn.AutoMigrate(&models.User{}, &models.Admin{}, &models.UsageEvent{}, &models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	hash, errHash := security.HashPassword("admin-password")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if errCreate := conn.Create(&models.Admin{Username: "root", Password: hash, Active: true}).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	store := runs.NewStore(time.Hour, 10)
	jwtCfg := config.JWTConfig{Secret: "admin-secret", Expiry: time.Hour}
	RegisterAdminRoutes(router, conn, jwtCfg, credits.NewLedger(conn, 5), usage.NewRecorder(conn), store, nil)

	env := &adminEnv{router: router, db: conn, store: store}
	rec := env.do(t, http.MethodPost, "/v0/admin/login", `{"username":"root","password":"admin-password"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	env.token = body.Token
	return env
}

func (e *adminEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func creditsOf(t *testing.T, rec *httptest.ResponseRecorder) int64 {
	t.Helper()
	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return body.Credits
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newAdminEnv(t)
	env.token = ""
	rec := env.do(t, http.MethodGet, "/v0/admin/users/u1/credits", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	userToken, _ := security.GenerateToken("admin-secret", "u1", "", "", time.Hour)
	env.token = userToken
	rec = env.do(t, http.MethodGet, "/v0/admin/users/u1/credits", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("user tokens must not open admin routes, got %d", rec.Code)
	}
}

func TestAdminLoginRejectsBadPassword(t *testing.T) {
	env := newAdminEnv(t)
	env.token = ""
	rec := env.do(t, http.MethodPost, "/v0/admin/login", `{"username":"root","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminCreditOperations(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodGet, "/v0/admin/users/u1/credits", "")
	if rec.Code != http.StatusOK || creditsOf(t, rec) != 5 {
		t.Fatalf("expected provisioned balance 5, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v0/admin/users/u1/credits/grant", `{"amount":7}`)
	if rec.Code != http.StatusOK || creditsOf(t, rec) != 12 {
		t.Fatalf("expected 12 after grant, got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v0/admin/users/u1/credits/grant", `{"amount":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero grant, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/v0/admin/users/u1/credits", `{"credits":-3}`)
	if rec.Code != http.StatusOK || creditsOf(t, rec) != 0 {
		t.Fatalf("expected clamp to 0, got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPut, "/v0/admin/users/u1/credits", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without credits, got %d", rec.Code)
	}

	var adjustments int64
	env.db.Model(&models.UsageEvent{}).Where("feature = ?", models.UsageFeatureAdminAdjustment).Count(&adjustments)
	if adjustments != 2 {
		t.Fatalf("expected two audit rows, got %d", adjustments)
	}
}

func TestAdminSettingsUpdateSnapshot(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodPut, "/v0/admin/settings/NOT_A_KEY", `1`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown key, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/v0/admin/settings/"+internalsettings.GenerationCostCreditsKey, `{"value": 4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if got := internalsettings.Int(internalsettings.GenerationCostCreditsKey, 1); got != 4 {
		t.Fatalf("expected snapshot refresh to 4, got %d", got)
	}
	rec = env.do(t, http.MethodGet, "/v0/admin/settings", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), internalsettings.GenerationCostCreditsKey) {
		t.Fatalf("expected setting in listing, got %s", rec.Body.String())
	}
}

func TestAdminRunLookupAndHealth(t *testing.T) {
	env := newAdminEnv(t)
	run := env.store.Create(runs.Payload{UserID: "u9", Theme: "Loft"})

	rec := env.do(t, http.MethodGet, "/v0/admin/runs/"+run.ID, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Loft") {
		t.Fatalf("expected run with payload, got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/v0/admin/runs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	env.token = ""
	rec = env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}
