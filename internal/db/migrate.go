package db

import (
	"fmt"

	"github.com/rapidalle/rapidalle/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Admin{},
		&models.Prompt{},
		&models.Image{},
		&models.UsageEvent{},
		&models.BillingEvent{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}

	// Gallery and run listings read newest-first per user.
	if !conn.Migrator().HasIndex(&models.Image{}, "idx_images_user_created") {
		if errIndex := conn.Exec("CREATE INDEX IF NOT EXISTS idx_images_user_created ON images (user_id, created_at DESC)").Error; errIndex != nil {
			return fmt.Errorf("db: create images index: %w", errIndex)
		}
	}
	return nil
}
