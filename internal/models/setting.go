package models

import (
	"encoding/json"
	"time"
)

// Setting is a runtime override keyed by name, such as GENERATION_COST_CREDITS.
// Value holds raw JSON: a bare number or string, or {"value": ...}.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey" json:"key"`
	Value     json.RawMessage `gorm:"type:jsonb" json:"value"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}
