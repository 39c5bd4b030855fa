package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/gallery"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	log "github.com/sirupsen/logrus"
)

// LibraryHandler serves the user's generated images and run history.
type LibraryHandler struct {
	store   *artifact.Store
	gallery *gallery.Gallery
}

// NewLibraryHandler constructs a LibraryHandler.
func NewLibraryHandler(store *artifact.Store, g *gallery.Gallery) *LibraryHandler {
	return &LibraryHandler{store: store, gallery: g}
}

// Library returns the cached newest-first image list.
func (h *LibraryHandler) Library(c *gin.Context) {
	images, errList := h.gallery.Library(c.Request.Context(), getUserID(c))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

// GetImage returns one image owned by the caller.
func (h *LibraryHandler) GetImage(c *gin.Context) {
	image, errFind := h.store.ImageByID(c.Request.Context(), getUserID(c), c.Param("id"))
	if errFind != nil {
		if errors.Is(errFind, artifact.ErrNotFound) {
			internalhttp.NotFound(c, "image not found")
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, image)
}

// DeleteImage removes one image owned by the caller.
func (h *LibraryHandler) DeleteImage(c *gin.Context) {
	userID := getUserID(c)
	if errDelete := h.store.DeleteImage(c.Request.Context(), userID, c.Param("id")); errDelete != nil {
		if errors.Is(errDelete, artifact.ErrNotFound) {
			internalhttp.NotFound(c, "image not found")
			return
		}
		log.WithError(errDelete).WithField("user_id", userID).Error("delete image failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	h.gallery.Invalidate(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Runs lists per-run summaries, most recent first.
func (h *LibraryHandler) Runs(c *gin.Context) {
	summaries, errList := h.store.RunsByUser(c.Request.Context(), getUserID(c))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": summaries})
}

// RunImages lists the caller's images produced by one run.
func (h *LibraryHandler) RunImages(c *gin.Context) {
	images, errList := h.store.ImagesByRunID(c.Request.Context(), getUserID(c), c.Param("run_id"))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}
