package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rapidalle/rapidalle/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a prompt or image does not exist for the caller.
var ErrNotFound = errors.New("artifact: not found")

// Image aliases the persisted image row.
type Image = models.Image

// Prompt aliases the persisted prompt row.
type Prompt = models.Prompt

// RunSummary groups the images produced by one run.
type RunSummary struct {
	RunID          string    `json:"runId"`
	ImageCount     int64     `json:"imageCount"`
	FirstCreatedAt time.Time `json:"firstCreatedAt"`
	LastCreatedAt  time.Time `json:"lastCreatedAt"`
}

// Store persists prompts and images. Every read and delete is scoped by owner.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateImage inserts image. A missing ID is generated.
func (s *Store) CreateImage(ctx context.Context, image *Image) error {
	if image == nil {
		return errors.New("artifact: nil image")
	}
	if strings.TrimSpace(image.UserID) == "" {
		return errors.New("artifact: image user id is required")
	}
	if strings.TrimSpace(image.URL) == "" && strings.TrimSpace(image.Base64) == "" {
		return errors.New("artifact: image needs url or base64")
	}
	if image.ID == "" {
		image.ID = uuid.NewString()
	}
	if errCreate := s.db.WithContext(ctx).Create(image).Error; errCreate != nil {
		return fmt.Errorf("artifact: create image: %w", errCreate)
	}
	return nil
}

// ImagesByUser lists the user's images newest first. limit <= 0 returns all.
func (s *Store) ImagesByUser(ctx context.Context, userID string, limit int) ([]Image, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	images := make([]Image, 0)
	if errFind := q.Find(&images).Error; errFind != nil {
		return nil, fmt.Errorf("artifact: list images: %w", errFind)
	}
	return images, nil
}

// ImagesByRunID lists the images a run produced. An empty userID skips the owner filter.
func (s *Store) ImagesByRunID(ctx context.Context, userID, runID string) ([]Image, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", strings.TrimSpace(runID))
	if userID = strings.TrimSpace(userID); userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	images := make([]Image, 0)
	if errFind := q.Order("created_at ASC").Find(&images).Error; errFind != nil {
		return nil, fmt.Errorf("artifact: list run images: %w", errFind)
	}
	return images, nil
}

// ImageByID returns one image owned by userID.
func (s *Store) ImageByID(ctx context.Context, userID, id string) (Image, error) {
	var image Image
	errFind := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", strings.TrimSpace(id), strings.TrimSpace(userID)).
		Take(&image).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Image{}, ErrNotFound
	}
	if errFind != nil {
		return Image{}, fmt.Errorf("artifact: load image: %w", errFind)
	}
	return image, nil
}

// DeleteImage removes one image owned by userID.
func (s *Store) DeleteImage(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", strings.TrimSpace(id), strings.TrimSpace(userID)).
		Delete(&Image{})
	if res.Error != nil {
		return fmt.Errorf("artifact: delete image: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RunsByUser summarizes the user's runs, most recent first. Aggregation runs in
// Go because SQLite returns MIN/MAX over timestamps as untyped text.
func (s *Store) RunsByUser(ctx context.Context, userID string) ([]RunSummary, error) {
	var rows []Image
	errFind := s.db.WithContext(ctx).
		Select("run_id", "created_at").
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("artifact: list runs: %w", errFind)
	}

	out := make([]RunSummary, 0)
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.RunID]
		if !ok {
			index[r.RunID] = len(out)
			out = append(out, RunSummary{RunID: r.RunID, FirstCreatedAt: r.CreatedAt, LastCreatedAt: r.CreatedAt})
			i = len(out) - 1
		}
		out[i].ImageCount++
		if r.CreatedAt.Before(out[i].FirstCreatedAt) {
			out[i].FirstCreatedAt = r.CreatedAt
		}
	}
	return out, nil
}

// CreatePrompt inserts a prompt for userID.
func (s *Store) CreatePrompt(ctx context.Context, userID, theme, description string) (Prompt, error) {
	prompt := Prompt{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(userID),
		Theme:       strings.TrimSpace(theme),
		Description: strings.TrimSpace(description),
	}
	if prompt.UserID == "" {
		return Prompt{}, errors.New("artifact: prompt user id is required")
	}
	if errCreate := s.db.WithContext(ctx).Create(&prompt).Error; errCreate != nil {
		return Prompt{}, fmt.Errorf("artifact: create prompt: %w", errCreate)
	}
	return prompt, nil
}

// PromptsByUser lists the user's prompts newest first.
func (s *Store) PromptsByUser(ctx context.Context, userID string) ([]Prompt, error) {
	prompts := make([]Prompt, 0)
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Find(&prompts).Error; errFind != nil {
		return nil, fmt.Errorf("artifact: list prompts: %w", errFind)
	}
	return prompts, nil
}

// PromptByID returns one prompt owned by userID.
func (s *Store) PromptByID(ctx context.Context, userID, id string) (Prompt, error) {
	var prompt Prompt
	errFind := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", strings.TrimSpace(id), strings.TrimSpace(userID)).
		Take(&prompt).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Prompt{}, ErrNotFound
	}
	if errFind != nil {
		return Prompt{}, fmt.Errorf("artifact: load prompt: %w", errFind)
	}
	return prompt, nil
}

// UpdatePrompt replaces theme and description. Other fields are immutable.
func (s *Store) UpdatePrompt(ctx context.Context, userID, id, theme, description string) (Prompt, error) {
	res := s.db.WithContext(ctx).
		Model(&Prompt{}).
		Where("id = ? AND user_id = ?", strings.TrimSpace(id), strings.TrimSpace(userID)).
		Updates(map[string]any{
			"theme":       strings.TrimSpace(theme),
			"description": strings.TrimSpace(description),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return Prompt{}, fmt.Errorf("artifact: update prompt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Prompt{}, ErrNotFound
	}
	return s.PromptByID(ctx, userID, id)
}

// DeletePrompt removes one prompt owned by userID. Linked images keep their
// rows with the prompt reference cleared.
func (s *Store) DeletePrompt(ctx context.Context, userID, id string) error {
	id = strings.TrimSpace(id)
	userID = strings.TrimSpace(userID)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&Prompt{})
		if res.Error != nil {
			return fmt.Errorf("artifact: delete prompt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if errUnlink := tx.Model(&Image{}).
			Where("prompt_id = ? AND user_id = ?", id, userID).
			Update("prompt_id", nil).Error; errUnlink != nil {
			return fmt.Errorf("artifact: unlink images: %w", errUnlink)
		}
		return nil
	})
}
