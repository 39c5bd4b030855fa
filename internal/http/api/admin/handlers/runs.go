package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidalle/rapidalle/internal/runs"
)

// RunsHandler lets admins inspect any run.
type RunsHandler struct {
	store *runs.Store
}

// NewRunsHandler constructs a RunsHandler.
func NewRunsHandler(store *runs.Store) *RunsHandler {
	return &RunsHandler{store: store}
}

// Get returns a run including its owner and payload.
func (h *RunsHandler) Get(c *gin.Context) {
	run, ok := h.store.Get(c.Param("run_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "payload": run.Payload})
}
