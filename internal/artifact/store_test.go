package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	internaldb "github.com/rapidalle/rapidalle/internal/db"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:artifact_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if errMigrate := internaldb.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewStore(conn), conn
}

func TestCreateImageRequiresPayload(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.CreateImage(context.Background(), &Image{UserID: "u1", RunID: "r1", Size: "512x512"})
	if err == nil {
		t.Fatalf("expected error for image without url or base64")
	}
}

func TestImagesByUserAndRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := []Image{
		{UserID: "u1", RunID: "r1", Size: "512x512", URL: "https://cdn/1.png", CreatedAt: base},
		{UserID: "u1", RunID: "r2", Size: "1024x1024", Base64: "aGVsbG8=", CreatedAt: base.Add(time.Minute)},
		{UserID: "u1", RunID: "r2", Size: "1024x1024", URL: "https://cdn/3.png", CreatedAt: base.Add(2 * time.Minute)},
		{UserID: "u2", RunID: "r3", Size: "512x512", URL: "https://cdn/4.png", CreatedAt: base},
	}
	for i := range seed {
		if err := store.CreateImage(ctx, &seed[i]); err != nil {
			t.Fatalf("create image %d: %v", i, err)
		}
		if seed[i].ID == "" {
			t.Fatalf("expected generated id for image %d", i)
		}
	}

	images, err := store.ImagesByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("images by user: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	if images[0].URL != "https://cdn/3.png" {
		t.Fatalf("expected newest first, got %s", images[0].URL)
	}

	limited, err := store.ImagesByUser(ctx, "u1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 limited image, got %d err=%v", len(limited), err)
	}

	byRun, err := store.ImagesByRunID(ctx, "u1", "r2")
	if err != nil {
		t.Fatalf("images by run: %v", err)
	}
	if len(byRun) != 2 {
		t.Fatalf("expected 2 images for r2, got %d", len(byRun))
	}
	foreign, err := store.ImagesByRunID(ctx, "u1", "r3")
	if err != nil || len(foreign) != 0 {
		t.Fatalf("expected other users' runs hidden, got %d err=%v", len(foreign), err)
	}
	anyOwner, err := store.ImagesByRunID(ctx, "", "r3")
	if err != nil || len(anyOwner) != 1 {
		t.Fatalf("expected unscoped lookup to find r3, got %d err=%v", len(anyOwner), err)
	}

	runs, err := store.RunsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("runs by user: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" || runs[0].ImageCount != 2 {
		t.Fatalf("unexpected run summaries: %+v", runs)
	}
	if !runs[0].FirstCreatedAt.Before(runs[0].LastCreatedAt) {
		t.Fatalf("expected first < last for r2, got %+v", runs[0])
	}
}

func TestImageOwnerScoping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	image := Image{UserID: "u1", RunID: "r1", Size: "512x512", URL: "https://cdn/1.png"}
	if err := store.CreateImage(ctx, &image); err != nil {
		t.Fatalf("create image: %v", err)
	}

	if _, err := store.ImageByID(ctx, "u2", image.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	if err := store.DeleteImage(ctx, "u2", image.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting other user's image, got %v", err)
	}
	if err := store.DeleteImage(ctx, "u1", image.ID); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	if _, err := store.ImageByID(ctx, "u1", image.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted image gone, got %v", err)
	}
}

func TestPromptLifecycle(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	prompt, err := store.CreatePrompt(ctx, "u1", " Kitchen ", "Scandinavian")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	if prompt.Theme != "Kitchen" {
		t.Fatalf("expected trimmed theme, got %q", prompt.Theme)
	}

	image := Image{UserID: "u1", RunID: "r1", Size: "512x512", URL: "https://cdn/1.png", PromptID: &prompt.ID}
	if err := store.CreateImage(ctx, &image); err != nil {
		t.Fatalf("create image: %v", err)
	}

	updated, err := store.UpdatePrompt(ctx, "u1", prompt.ID, "Bedroom", "Japandi")
	if err != nil {
		t.Fatalf("update prompt: %v", err)
	}
	if updated.Theme != "Bedroom" || updated.Description != "Japandi" || updated.UserID != "u1" {
		t.Fatalf("unexpected updated prompt: %+v", updated)
	}
	if _, err := store.UpdatePrompt(ctx, "u2", prompt.ID, "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating other user's prompt, got %v", err)
	}

	prompts, err := store.PromptsByUser(ctx, "u1")
	if err != nil || len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d err=%v", len(prompts), err)
	}

	if err := store.DeletePrompt(ctx, "u1", prompt.ID); err != nil {
		t.Fatalf("delete prompt: %v", err)
	}
	if _, err := store.PromptByID(ctx, "u1", prompt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted prompt gone, got %v", err)
	}
	var reloaded Image
	if err := conn.Where("id = ?", image.ID).Take(&reloaded).Error; err != nil {
		t.Fatalf("reload image: %v", err)
	}
	if reloaded.PromptID != nil {
		t.Fatalf("expected prompt reference cleared, got %v", *reloaded.PromptID)
	}
}
