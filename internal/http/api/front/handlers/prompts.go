package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/artifact"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
)

// PromptHandler manages saved theme/description prompts.
type PromptHandler struct {
	store *artifact.Store
}

// NewPromptHandler constructs a PromptHandler.
func NewPromptHandler(store *artifact.Store) *PromptHandler {
	return &PromptHandler{store: store}
}

// promptRequest is the body for creating or editing a prompt.
type promptRequest struct {
	Theme       string `json:"theme"`
	Description string `json:"description"`
}

func (b promptRequest) valid() bool {
	return strings.TrimSpace(b.Theme) != "" && strings.TrimSpace(b.Description) != ""
}

// List returns the caller's prompts.
func (h *PromptHandler) List(c *gin.Context) {
	prompts, errList := h.store.PromptsByUser(c.Request.Context(), getUserID(c))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// Create saves a new prompt.
func (h *PromptHandler) Create(c *gin.Context) {
	var body promptRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || !body.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "theme and description are required"})
		return
	}
	prompt, errCreate := h.store.CreatePrompt(c.Request.Context(), getUserID(c), body.Theme, body.Description)
	if errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create prompt failed"})
		return
	}
	c.JSON(http.StatusCreated, prompt)
}

// Get returns one prompt.
func (h *PromptHandler) Get(c *gin.Context) {
	prompt, errFind := h.store.PromptByID(c.Request.Context(), getUserID(c), c.Param("id"))
	if errFind != nil {
		h.respondError(c, errFind, "query failed")
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// Update replaces a prompt's theme and description.
func (h *PromptHandler) Update(c *gin.Context) {
	var body promptRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || !body.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "theme and description are required"})
		return
	}
	prompt, errUpdate := h.store.UpdatePrompt(c.Request.Context(), getUserID(c), c.Param("id"), body.Theme, body.Description)
	if errUpdate != nil {
		h.respondError(c, errUpdate, "update prompt failed")
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// Delete removes a prompt and unlinks its images.
func (h *PromptHandler) Delete(c *gin.Context) {
	if errDelete := h.store.DeletePrompt(c.Request.Context(), getUserID(c), c.Param("id")); errDelete != nil {
		h.respondError(c, errDelete, "delete prompt failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *PromptHandler) respondError(c *gin.Context, err error, message string) {
	if errors.Is(err, artifact.ErrNotFound) {
		internalhttp.NotFound(c, "prompt not found")
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}
