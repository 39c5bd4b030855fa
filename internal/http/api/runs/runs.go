package runs

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/rapidalle/rapidalle/internal/http"
	internalruns "github.com/rapidalle/rapidalle/internal/runs"
	"github.com/rapidalle/rapidalle/internal/security"
)

const defaultKeepAlive = 15 * time.Second

// Canceler cancels runs.
type Canceler interface {
	Cancel(id string) error
}

// Handler serves run status, streaming and cancellation for run token holders.
type Handler struct {
	store     *internalruns.Store
	canceler  Canceler
	keepAlive time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(store *internalruns.Store, canceler Canceler) *Handler {
	return &Handler{store: store, canceler: canceler, keepAlive: defaultKeepAlive}
}

// RegisterRunRoutes registers the run endpoints under /v0/runs.
func RegisterRunRoutes(r *gin.Engine, secret string, runner *internalruns.Runner) {
	if r == nil || runner == nil {
		return
	}
	h := NewHandler(runner.Store(), runner)
	group := r.Group("/v0/runs/:run_id")
	group.Use(internalhttp.RunAccessMiddleware(secret))
	group.GET("", h.Get)
	group.GET("/stream", h.Stream)
	group.POST("/cancel", h.Cancel)
}

// Get returns the current run snapshot.
func (h *Handler) Get(c *gin.Context) {
	run, ok := h.lookup(c)
	if !ok {
		internalhttp.NotFound(c, "run not found")
		return
	}
	c.JSON(http.StatusOK, run)
}

// Stream sends one "status" event per transition and ends after the terminal
// state. A comment line is written periodically to keep proxies from closing
// an idle connection.
func (h *Handler) Stream(c *gin.Context) {
	run, ok := h.lookup(c)
	if !ok {
		internalhttp.NotFound(c, "run not found")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	lastStatus := ""
	lastAttempts := -1
	for {
		snapshot, changed, found := h.store.Watch(run.ID)
		if !found {
			return
		}
		if snapshot.Status != lastStatus || snapshot.Attempts != lastAttempts {
			c.SSEvent("status", snapshot)
			c.Writer.Flush()
			lastStatus, lastAttempts = snapshot.Status, snapshot.Attempts
		}
		if snapshot.Terminal() {
			return
		}

		timer := time.NewTimer(h.keepAlive)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-changed:
			timer.Stop()
		case <-timer.C:
			if _, errWrite := io.WriteString(c.Writer, ": keep-alive\n\n"); errWrite != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// Cancel stops a queued or executing run. Credits are not refunded.
func (h *Handler) Cancel(c *gin.Context) {
	run, ok := h.lookup(c)
	if !ok {
		internalhttp.NotFound(c, "run not found")
		return
	}
	if errCancel := h.canceler.Cancel(run.ID); errCancel != nil {
		switch {
		case errors.Is(errCancel, internalruns.ErrNotFound):
			internalhttp.NotFound(c, "run not found")
		case errors.Is(errCancel, internalruns.ErrTerminal):
			internalhttp.AbortWithError(c, http.StatusConflict, "RUN_FINISHED", "run already finished")
		default:
			internalhttp.AbortWithError(c, http.StatusInternalServerError, internalhttp.CodeInternal, "cancel failed")
		}
		return
	}
	updated, _ := h.store.Get(run.ID)
	c.JSON(http.StatusOK, updated)
}

// lookup loads the run named by the path, hiding runs that belong to a user
// other than the token's.
func (h *Handler) lookup(c *gin.Context) (internalruns.Run, bool) {
	run, ok := h.store.Get(c.Param("run_id"))
	if !ok {
		return internalruns.Run{}, false
	}
	if val, exists := c.Get(internalhttp.ContextRunClaims); exists {
		if claims, okClaims := val.(*security.RunClaims); okClaims && claims.UserID != "" && claims.UserID != run.UserID {
			return internalruns.Run{}, false
		}
	}
	return run, true
}
