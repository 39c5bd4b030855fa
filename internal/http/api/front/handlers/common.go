package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
)

// getUserID extracts the user ID from gin context.
func getUserID(c *gin.Context) string {
	return internalhttp.UserID(c)
}

// queryLimit parses ?limit= bounded by max, falling back to def.
func queryLimit(c *gin.Context, def, max int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
