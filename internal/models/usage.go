package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage features.
const (
	UsageFeatureImageGeneration = "image_generation"
	UsageFeatureCreditPurchase  = "credit_purchase"
	UsageFeatureAdminAdjustment = "admin_adjustment"
)

// UsageEvent is an append-only audit record of a credit movement.
type UsageEvent struct {
	ID string `gorm:"type:varchar(64);primaryKey" json:"id"` // Primary key.

	UserID  string `gorm:"type:varchar(64);not null;index" json:"userId"`  // Affected user.
	Feature string `gorm:"type:varchar(64);not null;index" json:"feature"` // Feature that moved credits.
	Credits int64  `gorm:"not null;default:0" json:"credits"`              // Credits consumed (positive) or granted (negative).

	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata"` // Free-form context such as run_id or pack_id.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"createdAt"` // Creation timestamp.
}
