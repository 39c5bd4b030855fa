package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/usage"
	log "github.com/sirupsen/logrus"
)

// CreditLedger is the subset of the ledger the admin endpoints use.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	SetBalance(ctx context.Context, userID string, amount int64) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

// UsageRecorder appends audit events.
type UsageRecorder interface {
	Record(ctx context.Context, ev usage.Event) error
}

// CreditsHandler lets admins inspect and adjust balances.
type CreditsHandler struct {
	ledger CreditLedger
	usage  UsageRecorder
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(ledger CreditLedger, recorder UsageRecorder) *CreditsHandler {
	return &CreditsHandler{ledger: ledger, usage: recorder}
}

// Get returns a user's balance, provisioning the user if needed.
func (h *CreditsHandler) Get(c *gin.Context) {
	userID := c.Param("id")
	balance, errBalance := h.ledger.Balance(c.Request.Context(), userID)
	if errBalance != nil {
		h.respondError(c, errBalance, userID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "credits": balance})
}

// setCreditsRequest defines the request body for an absolute balance.
type setCreditsRequest struct {
	Credits *int64 `json:"credits"`
}

// Set replaces a user's balance. Negative values clamp to zero.
func (h *CreditsHandler) Set(c *gin.Context) {
	var body setCreditsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.Credits == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credits is required"})
		return
	}
	userID := c.Param("id")
	ctx := c.Request.Context()
	before, errBefore := h.ledger.Balance(ctx, userID)
	if errBefore != nil {
		h.respondError(c, errBefore, userID)
		return
	}
	balance, errSet := h.ledger.SetBalance(ctx, userID, *body.Credits)
	if errSet != nil {
		h.respondError(c, errSet, userID)
		return
	}
	h.audit(c, userID, before-balance, "set")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "credits": balance})
}

// grantCreditsRequest defines the request body for a grant.
type grantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// Grant adds credits to a user's balance.
func (h *CreditsHandler) Grant(c *gin.Context) {
	var body grantCreditsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	userID := c.Param("id")
	balance, errCredit := h.ledger.Credit(c.Request.Context(), userID, body.Amount)
	if errCredit != nil {
		h.respondError(c, errCredit, userID)
		return
	}
	h.audit(c, userID, -body.Amount, "grant")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "credits": balance})
}

// audit records an admin adjustment; consumed is negative for grants.
func (h *CreditsHandler) audit(c *gin.Context, userID string, consumed int64, action string) {
	if h.usage == nil {
		return
	}
	adminID, _ := c.Get("adminID")
	_ = h.usage.Record(c.Request.Context(), usage.Event{
		UserID:   userID,
		Feature:  models.UsageFeatureAdminAdjustment,
		Credits:  consumed,
		Metadata: map[string]any{"action": action, "admin_id": adminID},
	})
}

func (h *CreditsHandler) respondError(c *gin.Context, err error, userID string) {
	switch {
	case errors.Is(err, credits.ErrEmptyUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
	case errors.Is(err, credits.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		log.WithError(err).WithField("user_id", userID).Error("admin credits: ledger failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger update failed"})
	}
}
