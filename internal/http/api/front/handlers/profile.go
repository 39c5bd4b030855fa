package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
)

// BalanceReader reads a user's credit balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// ProfileHandler handles user profile endpoints.
type ProfileHandler struct {
	ledger BalanceReader
	cost   func() int64
}

// NewProfileHandler constructs a ProfileHandler. cost reports the current
// price of one generation.
func NewProfileHandler(ledger BalanceReader, cost func() int64) *ProfileHandler {
	return &ProfileHandler{ledger: ledger, cost: cost}
}

// Get returns the current user's profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	user, ok := internalhttp.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"name":         user.Name,
		"email":        user.Email,
		"credits":      user.Credits,
		"billing_tier": user.BillingTier,
		"created_at":   user.CreatedAt,
	})
}

// Credits returns the live balance and the price of one generation.
func (h *ProfileHandler) Credits(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	balance, errBalance := h.ledger.Balance(c.Request.Context(), userID)
	if errBalance != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	var cost int64 = 1
	if h.cost != nil {
		cost = h.cost()
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance, "cost_per_image": cost})
}
