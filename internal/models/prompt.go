package models

import "time"

// Prompt is the theme/description pair a user generated from.
type Prompt struct {
	ID     string `gorm:"type:varchar(64);primaryKey" json:"id"`         // Primary key.
	UserID string `gorm:"type:varchar(64);not null;index" json:"userId"` // Owner.

	Theme       string `gorm:"type:text;not null" json:"theme"`       // Room type or subject.
	Description string `gorm:"type:text;not null" json:"description"` // Style description.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"createdAt"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updatedAt"`       // Last edit timestamp.
}
