package models

import "time"

// Billing tiers.
const (
	BillingTierFree = "free"
	BillingTierPro  = "pro"
)

// User represents an end-user account and its credit balance.
type User struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Identity from the auth collaborator or generated at sign-up.

	Name     string `gorm:"type:text"`                     // Display name.
	Email    string `gorm:"type:text;uniqueIndex"`         // Email address.
	Password string `gorm:"type:text;not null;default:''"` // Hashed password, empty for lazily provisioned users.

	Credits int64 `gorm:"not null;default:0"` // Credit balance, never negative.

	BillingTier       string `gorm:"type:varchar(32);not null;default:'free'"` // Subscription tier.
	BillingCustomerID string `gorm:"type:varchar(255);index"`                  // External billing customer id.

	Disabled bool `gorm:"not null;default:false"` // Explicit disable flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
