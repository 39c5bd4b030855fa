package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/billing"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	log "github.com/sirupsen/logrus"
)

// BillingHandler starts Stripe checkout and portal sessions.
type BillingHandler struct {
	billing *billing.Service
}

// NewBillingHandler constructs a BillingHandler.
func NewBillingHandler(svc *billing.Service) *BillingHandler {
	return &BillingHandler{billing: svc}
}

// Packs lists purchasable credit packs.
func (h *BillingHandler) Packs(c *gin.Context) {
	packs := h.billing.Packs()
	out := make([]gin.H, 0, len(packs))
	for _, pack := range packs {
		out = append(out, gin.H{
			"id":           pack.ID,
			"name":         pack.Name,
			"credits":      pack.Credits,
			"subscription": pack.Subscription,
		})
	}
	c.JSON(http.StatusOK, gin.H{"enabled": h.billing.Enabled(), "packs": out})
}

// checkoutRequest defines the request body for checkout.
type checkoutRequest struct {
	PackID string `json:"pack_id"`
}

// Checkout opens a checkout session for a credit pack.
func (h *BillingHandler) Checkout(c *gin.Context) {
	var body checkoutRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	user, ok := internalhttp.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	url, errCheckout := h.billing.Checkout(c.Request.Context(), user, body.PackID)
	if errCheckout != nil {
		h.respondError(c, errCheckout, user.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Portal opens the billing portal for the caller.
func (h *BillingHandler) Portal(c *gin.Context) {
	user, ok := internalhttp.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	url, errPortal := h.billing.Portal(c.Request.Context(), user)
	if errPortal != nil {
		h.respondError(c, errPortal, user.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *BillingHandler) respondError(c *gin.Context, err error, userID string) {
	switch {
	case errors.Is(err, billing.ErrDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing is not configured"})
	case errors.Is(err, billing.ErrUnknownPack):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown pack"})
	case errors.Is(err, billing.ErrNoCustomer):
		c.JSON(http.StatusConflict, gin.H{"error": "no billing account yet"})
	default:
		log.WithError(err).WithField("user_id", userID).Error("billing session failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "billing provider error"})
	}
}
