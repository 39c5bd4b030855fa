package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/security"
)

const testSecret = "test-secret"

type stubProvisioner struct {
	users   map[string]models.User
	created []string
	err     error
}

func (s *stubProvisioner) EnsureUser(_ context.Context, userID string, profile credits.Profile) (models.User, error) {
	if s.err != nil {
		return models.User{}, s.err
	}
	if user, ok := s.users[userID]; ok {
		return user, nil
	}
	s.created = append(s.created, userID)
	user := models.User{ID: userID, Name: profile.Name, Email: profile.Email, Credits: 10}
	s.users[userID] = user
	return user, nil
}

func runRequestWithMiddleware(t *testing.T, middleware gin.HandlerFunc, route, path, header string) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET(route, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})

	responseRecorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(responseRecorder, req)
	return responseRecorder
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestUserAuthMiddlewareRequiresToken(t *testing.T) {
	provisioner := &stubProvisioner{users: map[string]models.User{}}
	rec := runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "")
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != CodeAuthRequired {
		t.Fatalf("expected 401 AUTH_REQUIRED, got %d %s", rec.Code, rec.Body.String())
	}

	rec = runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "Basic abc")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", rec.Code)
	}
}

func TestUserAuthMiddlewareRejectsRunToken(t *testing.T) {
	provisioner := &stubProvisioner{users: map[string]models.User{}}
	token, err := security.GenerateRunToken(testSecret, "run-1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("run token: %v", err)
	}
	rec := runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "Bearer "+token)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != CodeAuthInvalid {
		t.Fatalf("expected 401 AUTH_INVALID, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUserAuthMiddlewareProvisionsUnknownUser(t *testing.T) {
	provisioner := &stubProvisioner{users: map[string]models.User{}}
	token, err := security.GenerateToken(testSecret, "u-new", "Ada", "ada@example.com", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	rec := runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(provisioner.created) != 1 || provisioner.created[0] != "u-new" {
		t.Fatalf("expected lazy provisioning of u-new, got %v", provisioner.created)
	}
	if provisioner.users["u-new"].Email != "ada@example.com" {
		t.Fatalf("expected profile from claims to be applied")
	}
}

func TestUserAuthMiddlewareBlocksDisabledUser(t *testing.T) {
	provisioner := &stubProvisioner{users: map[string]models.User{"u1": {ID: "u1", Disabled: true}}}
	token, _ := security.GenerateToken(testSecret, "u1", "", "", time.Hour)
	rec := runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "Bearer "+token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestUserAuthMiddlewareMapsStoreFailure(t *testing.T) {
	provisioner := &stubProvisioner{users: map[string]models.User{}, err: errors.New("db down")}
	token, _ := security.GenerateToken(testSecret, "u1", "", "", time.Hour)
	rec := runRequestWithMiddleware(t, UserAuthMiddleware(testSecret, provisioner), "/me", "/me", "Bearer "+token)
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != CodeInternal {
		t.Fatalf("expected 500 INTERNAL_ERROR, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunAccessMiddlewareScopesTokenToRun(t *testing.T) {
	token, err := security.GenerateRunToken(testSecret, "run-1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("run token: %v", err)
	}
	mw := RunAccessMiddleware(testSecret)

	rec := runRequestWithMiddleware(t, mw, "/runs/:run_id", "/runs/run-1", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected header token to be accepted, got %d", rec.Code)
	}
	rec = runRequestWithMiddleware(t, mw, "/runs/:run_id", "/runs/run-1?access_token="+token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", rec.Code)
	}
	rec = runRequestWithMiddleware(t, mw, "/runs/:run_id", "/runs/run-2", "Bearer "+token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another run, got %d", rec.Code)
	}
	rec = runRequestWithMiddleware(t, mw, "/runs/:run_id", "/runs/run-1", "")
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != CodeAuthRequired {
		t.Fatalf("expected 401 AUTH_REQUIRED, got %d", rec.Code)
	}
}
