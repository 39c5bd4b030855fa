package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingEvent records a processed billing provider webhook for idempotency.
type BillingEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider        string `gorm:"type:varchar(20);not null;uniqueIndex:ux_billing_events_provider_event,priority:1"`  // Provider name, e.g. stripe.
	ProviderEventID string `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_events_provider_event,priority:2"` // Provider event id.
	EventType       string `gorm:"type:varchar(100);not null;index"`                                                   // Provider event type.

	UserID  *string `gorm:"type:varchar(64);index"` // Credited user, when resolved.
	Credits int64   `gorm:"not null;default:0"`     // Credits granted by this event.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw event payload.

	ProcessingError string `gorm:"type:text"` // Last processing error, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Receipt timestamp.
}
