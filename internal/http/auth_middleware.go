package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Context keys set by the auth middlewares.
const (
	ContextUserID    = "userID"
	ContextUser      = "user"
	ContextAdminID   = "adminID"
	ContextRunClaims = "runClaims"
)

var (
	errMissingToken = errors.New("missing access token")
	errTokenFormat  = errors.New("invalid authorization format")
)

// UserProvisioner loads a user row, creating it on first sight.
type UserProvisioner interface {
	EnsureUser(ctx context.Context, userID string, profile credits.Profile) (models.User, error)
}

// BearerToken extracts a token from the Authorization header. With allowQuery
// the access_token query parameter is accepted as a fallback, for clients such
// as EventSource that cannot set headers.
func BearerToken(c *gin.Context, allowQuery bool) (string, error) {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader == "" {
		if allowQuery {
			if token := strings.TrimSpace(c.Query("access_token")); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return "", errTokenFormat
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// UserAuthMiddleware validates user JWTs. A valid token whose user row does not
// exist yet provisions it with the default balance.
func UserAuthMiddleware(secret string, users UserProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := BearerToken(c, false)
		if errToken != nil {
			AbortWithError(c, http.StatusUnauthorized, CodeAuthRequired, errToken.Error())
			return
		}
		claims, errJWT := security.ParseToken(secret, token)
		if errJWT != nil {
			AbortWithError(c, http.StatusUnauthorized, CodeAuthInvalid, errJWT.Error())
			return
		}

		user, errUser := users.EnsureUser(c.Request.Context(), claims.UserID, credits.Profile{
			Name:  claims.Name,
			Email: claims.Email,
		})
		if errUser != nil {
			if errors.Is(errUser, credits.ErrEmptyUserID) {
				AbortWithError(c, http.StatusUnauthorized, CodeAuthInvalid, "invalid token")
				return
			}
			log.WithError(errUser).WithField("user_id", claims.UserID).Error("user auth middleware: load user failed")
			AbortWithError(c, http.StatusInternalServerError, CodeInternal, "Authentication service error")
			return
		}
		if user.Disabled {
			AbortWithError(c, http.StatusForbidden, CodeAuthInvalid, "user disabled")
			return
		}

		c.Set(ContextUserID, user.ID)
		c.Set(ContextUser, user)
		c.Next()
	}
}

// AdminAuthMiddleware validates admin JWTs against active admin rows.
func AdminAuthMiddleware(db *gorm.DB, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		token, errToken := BearerToken(c, false)
		if errToken != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errToken.Error()})
			return
		}
		claims, errJWT := security.ParseAdminToken(secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).Select("id", "active").First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set(ContextAdminID, admin.ID)
		c.Next()
	}
}

// RunAccessMiddleware validates run access tokens. The token must name the
// run in the :run_id path parameter.
func RunAccessMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := BearerToken(c, true)
		if errToken != nil {
			AbortWithError(c, http.StatusUnauthorized, CodeAuthRequired, errToken.Error())
			return
		}
		claims, errJWT := security.ParseRunToken(secret, token)
		if errJWT != nil {
			AbortWithError(c, http.StatusUnauthorized, CodeAuthInvalid, errJWT.Error())
			return
		}
		if claims.RunID != c.Param("run_id") {
			AbortWithError(c, http.StatusForbidden, CodeAuthInvalid, "token does not grant access to this run")
			return
		}
		c.Set(ContextRunClaims, claims)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside UserAuthMiddleware.
func UserID(c *gin.Context) string {
	val, exists := c.Get(ContextUserID)
	if !exists {
		return ""
	}
	id, _ := val.(string)
	return id
}

// CurrentUser returns the user row loaded by UserAuthMiddleware.
func CurrentUser(c *gin.Context) (models.User, bool) {
	val, exists := c.Get(ContextUser)
	if !exists {
		return models.User{}, false
	}
	user, ok := val.(models.User)
	return user, ok
}
