package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/generation"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	"github.com/rapidalle/rapidalle/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// Submitter is the generation gate.
type Submitter interface {
	Submit(ctx context.Context, req generation.Request) (generation.Handle, generation.GateError)
}

// Completer answers free-form text prompts.
type Completer interface {
	Complete(ctx context.Context, content string) (string, error)
}

// GenerateHandler serves the generation and completion endpoints.
type GenerateHandler struct {
	gate      Submitter
	completer Completer
}

// NewGenerateHandler constructs a GenerateHandler.
func NewGenerateHandler(gate Submitter, completer Completer) *GenerateHandler {
	return &GenerateHandler{gate: gate, completer: completer}
}

// generateRequest accepts JSON or form-encoded bodies.
type generateRequest struct {
	Theme       string `json:"theme" form:"theme"`
	Description string `json:"description" form:"description"`
	Size        string `json:"size" form:"size"`
}

// Generate submits one generation request to the gate.
func (h *GenerateHandler) Generate(c *gin.Context) {
	var body generateRequest
	if errBind := c.ShouldBind(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, internalhttp.ErrorBody(generation.CodeValidation, "Invalid input data", nil))
		return
	}

	handle, gerr := h.gate.Submit(c.Request.Context(), generation.Request{
		UserID:      getUserID(c),
		Theme:       body.Theme,
		Description: body.Description,
		Size:        body.Size,
	})
	if gerr != nil {
		if rl, ok := gerr.(*generation.RateLimitExceededError); ok {
			writeRateLimitHeaders(c, ratelimit.Decision{Limit: rl.Limit, Remaining: 0, ResetAt: rl.ResetTime})
		}
		c.JSON(gerr.HTTPStatus(), gin.H{"error": gerr.Payload()})
		return
	}

	writeRateLimitHeaders(c, handle.RateLimit)
	c.JSON(http.StatusOK, handle)
}

func writeRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// completionRequest defines the request body for a completion.
type completionRequest struct {
	Content string `json:"content"`
}

// Completion returns a single chat completion for content.
func (h *GenerateHandler) Completion(c *gin.Context) {
	var body completionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.Content) == "" {
		c.JSON(http.StatusBadRequest, internalhttp.ErrorBody(generation.CodeValidation, "content is required", nil))
		return
	}
	text, errComplete := h.completer.Complete(c.Request.Context(), body.Content)
	if errComplete != nil {
		log.WithError(errComplete).WithField("user_id", getUserID(c)).Warn("completion failed")
		c.JSON(http.StatusBadGateway, internalhttp.ErrorBody("GENERATION_FAILED", "Completion failed", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}
