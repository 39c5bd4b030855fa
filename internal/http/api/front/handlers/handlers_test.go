package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/generation"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/ratelimit"
	"github.com/rapidalle/rapidalle/internal/security"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:front_handlers_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if errMigrate := conn.AutoMigrate(&models.User{}, &models.Prompt{}, &models.Image{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(internalhttp.ContextUserID, userID)
		c.Set(internalhttp.ContextUser, models.User{ID: userID})
		c.Next()
	}
}

type fakeSubmitter struct {
	handle generation.Handle
	err    generation.GateError
	got    generation.Request
}

func (f *fakeSubmitter) Submit(_ context.Context, req generation.Request) (generation.Handle, generation.GateError) {
	f.got = req
	return f.handle, f.err
}

type fakeCompleter struct {
	text string
	err  error
}

func (f fakeCompleter) Complete(context.Context, string) (string, error) { return f.text, f.err }

func newGenerateRouter(sub Submitter, comp Completer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewGenerateHandler(sub, comp)
	router.POST("/generate", withUser("u1"), h.Generate)
	router.POST("/completion", withUser("u1"), h.Completion)
	return router
}

func TestGenerateReturnsHandleAndRateLimitHeaders(t *testing.T) {
	reset := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{handle: generation.Handle{
		RunID:       "run-1",
		AccessToken: "tok",
		RateLimit:   ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 9, ResetAt: reset},
	}}
	router := newGenerateRouter(sub, nil)

	rec := doJSON(t, router, http.MethodPost, "/generate", map[string]string{"theme": "T", "description": "D", "size": "512x512"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["runId"] != "run-1" || body["accessToken"] != "tok" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, leaked := body["RateLimit"]; leaked {
		t.Fatalf("rate limit decision must not be serialized")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" || rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Fatalf("unexpected rate limit headers %v", rec.Header())
	}
	if rec.Header().Get("X-RateLimit-Reset") != fmt.Sprint(reset.Unix()) {
		t.Fatalf("unexpected reset header %q", rec.Header().Get("X-RateLimit-Reset"))
	}
	if sub.got.UserID != "u1" || sub.got.Theme != "T" || sub.got.Size != "512x512" {
		t.Fatalf("unexpected request %+v", sub.got)
	}
}

func TestGenerateAcceptsFormBody(t *testing.T) {
	sub := &fakeSubmitter{handle: generation.Handle{RunID: "run-2"}}
	router := newGenerateRouter(sub, nil)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("theme=Kitchen&description=Rustic"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sub.got.Theme != "Kitchen" || sub.got.Description != "Rustic" {
		t.Fatalf("form fields not bound: %+v", sub.got)
	}
}

func TestGenerateMapsGateErrors(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC()
	cases := []struct {
		name       string
		err        generation.GateError
		wantStatus int
		wantCode   string
	}{
		{"no credits", &generation.InsufficientCreditsError{CurrentCredits: 0, RequiredCredits: 1}, http.StatusPaymentRequired, "NO_CREDITS"},
		{"rate limited", &generation.RateLimitExceededError{Limit: 10, ResetTime: reset}, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"validation", &generation.ValidationError{Fields: map[string]string{"theme": "required"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"trigger", &generation.InternalError{ErrCode: generation.CodeTriggerError, Message: "Failed to start run"}, http.StatusInternalServerError, "TRIGGER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newGenerateRouter(&fakeSubmitter{err: tc.err}, nil)
			rec := doJSON(t, router, http.MethodPost, "/generate", map[string]string{"theme": "T", "description": "D"})
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			var body struct {
				Error map[string]any `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error["code"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, body.Error["code"])
			}
			hasHeader := rec.Header().Get("X-RateLimit-Reset") != ""
			if hasHeader != (tc.wantCode == "RATE_LIMIT_EXCEEDED") {
				t.Fatalf("rate limit headers present=%v for %s", hasHeader, tc.wantCode)
			}
		})
	}
}

func TestCompletion(t *testing.T) {
	router := newGenerateRouter(nil, fakeCompleter{text: "hello"})
	rec := doJSON(t, router, http.MethodPost, "/completion", map[string]string{"content": "hi"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hello") {
		t.Fatalf("unexpected completion response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/completion", map[string]string{"content": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", rec.Code)
	}

	router = newGenerateRouter(nil, fakeCompleter{err: errors.New("upstream")})
	rec = doJSON(t, router, http.MethodPost, "/completion", map[string]string{"content": "hi"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	conn := newTestDB(t)
	ledger := credits.NewLedger(conn, 10)
	jwtCfg := config.JWTConfig{Secret: "secret", Expiry: time.Hour}
	h := NewAuthHandler(conn, ledger, jwtCfg)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/register", h.Register)
	router.POST("/login", h.Login)

	rec := doJSON(t, router, http.MethodPost, "/register", map[string]string{
		"name": "Ada", "email": "Ada@Example.com", "password": "longpassword", "confirm_password": "different1",
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "passwords do not match") {
		t.Fatalf("expected mismatch rejection, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/register", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "short", "confirm_password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected short password rejection, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/register", map[string]string{
		"name": "Ada", "email": "Ada@Example.com", "password": "longpassword", "confirm_password": "longpassword",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Credits int64  `json:"credits"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" || created.Credits != 10 {
		t.Fatalf("expected new user with default credits, got %+v", created)
	}

	rec = doJSON(t, router, http.MethodPost, "/register", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "longpassword", "confirm_password": "longpassword",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate email conflict, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/login", map[string]string{"email": "ada@example.com", "password": "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/login", map[string]string{"email": "ADA@example.com", "password": "longpassword"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &login)
	claims, err := security.ParseToken("secret", login.Token)
	if err != nil || claims.UserID != created.ID {
		t.Fatalf("expected token for %s, got claims=%+v err=%v", created.ID, claims, err)
	}
}

func TestPromptLifecycle(t *testing.T) {
	conn := newTestDB(t)
	h := NewPromptHandler(artifact.NewStore(conn))
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("", withUser("u1"))
	group.GET("/prompts", h.List)
	group.POST("/prompts", h.Create)
	group.GET("/prompts/:id", h.Get)
	group.PUT("/prompts/:id", h.Update)
	group.DELETE("/prompts/:id", h.Delete)

	rec := doJSON(t, router, http.MethodPost, "/prompts", map[string]string{"theme": "Bedroom"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing description, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/prompts", map[string]string{"theme": "Bedroom", "description": "Minimal"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var prompt models.Prompt
	_ = json.Unmarshal(rec.Body.Bytes(), &prompt)

	rec = doJSON(t, router, http.MethodPut, "/prompts/"+prompt.ID, map[string]string{"theme": "Bedroom", "description": "Maximal"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Maximal") {
		t.Fatalf("update failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodDelete, "/prompts/"+prompt.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/prompts/"+prompt.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}
