package models

import "time"

// Image is the persisted result of one successful generation run.
type Image struct {
	ID     string `gorm:"type:varchar(64);primaryKey" json:"id"`         // Primary key.
	UserID string `gorm:"type:varchar(64);not null;index" json:"userId"` // Owner.

	PromptID *string `gorm:"type:varchar(64);index" json:"promptId,omitempty"` // Source prompt, if linked.

	URL    string `gorm:"type:text" json:"url,omitempty"`         // Hosted or provider URL.
	Base64 string `gorm:"type:text" json:"imageBase64,omitempty"` // Inline payload when no URL is available.

	RunID string `gorm:"type:varchar(128);not null;index" json:"runId"` // Run that produced the image.
	Size  string `gorm:"type:varchar(32);not null" json:"size"`         // Requested dimensions, e.g. 1024x1024.

	Caption string `gorm:"type:text" json:"caption"` // Generated caption.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"createdAt"` // Creation timestamp.
}
