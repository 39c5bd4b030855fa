package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	internalbilling "github.com/rapidalle/rapidalle/internal/billing"
)

// maxBodyBytes bounds webhook payloads.
const maxBodyBytes = int64(65536)

// WebhookProcessor applies verified billing events.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// RegisterWebhookRoutes registers the Stripe webhook endpoint.
func RegisterWebhookRoutes(r *gin.Engine, processor WebhookProcessor) {
	if r == nil || processor == nil {
		return
	}
	r.POST("/v0/billing/webhook", WebhookHandler(processor))
}

// WebhookHandler reads the raw body and hands it to processor. Processing
// failures answer 500 so Stripe redelivers the event.
func WebhookHandler(processor WebhookProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if errRead != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		if int64(len(payload)) > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}

		errHandle := processor.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
		switch {
		case errHandle == nil:
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(errHandle, internalbilling.ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
	}
}
