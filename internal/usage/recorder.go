package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	dbutil "github.com/rapidalle/rapidalle/internal/db"
	"github.com/rapidalle/rapidalle/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event describes one credit movement to record.
type Event struct {
	UserID   string
	Feature  string
	Credits  int64
	Metadata map[string]any
}

// Recorder appends usage events.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *Recorder { return &Recorder{db: db} }

// Record persists ev on a detached context so a cancelled request still leaves
// its audit row. Failures are logged and returned.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.db == nil {
		return nil
	}
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.Feature = strings.TrimSpace(ev.Feature)
	if ev.UserID == "" || ev.Feature == "" {
		return errors.New("usage: user id and feature are required")
	}

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctxOrBackground(ctx)), 5*time.Second)
	defer cancel()

	row := models.UsageEvent{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		Feature:   ev.Feature,
		Credits:   ev.Credits,
		CreatedAt: time.Now().UTC(),
	}
	if len(ev.Metadata) > 0 {
		raw, errMarshal := json.Marshal(ev.Metadata)
		if errMarshal != nil {
			return fmt.Errorf("usage: encode metadata: %w", errMarshal)
		}
		row.Metadata = datatypes.JSON(raw)
	}
	if errCreate := r.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithField("user_id", ev.UserID).Warn("usage recorder: failed to persist event")
		return fmt.Errorf("usage: record: %w", errCreate)
	}
	return nil
}

// ListByUser returns the user's most recent events. limit <= 0 uses 50.
func (r *Recorder) ListByUser(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events := make([]models.UsageEvent, 0)
	if errFind := r.db.WithContext(ctxOrBackground(ctx)).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; errFind != nil {
		return nil, fmt.Errorf("usage: list: %w", errFind)
	}
	return events, nil
}

// ByRunID returns the events whose metadata references runID.
func (r *Recorder) ByRunID(ctx context.Context, runID string) ([]models.UsageEvent, error) {
	expr := dbutil.JSONExtractTextExpr(r.db, "metadata", "run_id")
	events := make([]models.UsageEvent, 0)
	if errFind := r.db.WithContext(ctxOrBackground(ctx)).
		Where(expr+" = ?", strings.TrimSpace(runID)).
		Order("created_at ASC").
		Find(&events).Error; errFind != nil {
		return nil, fmt.Errorf("usage: list by run: %w", errFind)
	}
	return events, nil
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
