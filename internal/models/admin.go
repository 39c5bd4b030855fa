package models

import "time"

// Admin is an operator account for the /v0/admin API. Accounts are created
// with `rapidalle create-admin`.
type Admin struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Username string `gorm:"type:text;not null;uniqueIndex" json:"username"`
	Password string `gorm:"type:text;not null" json:"-"` // bcrypt hash.

	Active      bool       `gorm:"not null;default:true" json:"active"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updatedAt"`
}
