package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable error codes shared by the generation, run and auth endpoints.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeAuthInvalid  = "AUTH_INVALID"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL_ERROR"
	CodeValidation   = "VALIDATION_ERROR"
)

// ErrorBody is the structured error envelope: {"error": {"message", "code", ...}}.
func ErrorBody(code, message string, extra map[string]any) gin.H {
	body := gin.H{"message": message, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	return gin.H{"error": body}
}

// AbortWithError writes the structured envelope and stops the handler chain.
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody(code, message, nil))
}

// NotFound writes a NOT_FOUND envelope.
func NotFound(c *gin.Context, message string) {
	AbortWithError(c, http.StatusNotFound, CodeNotFound, message)
}
