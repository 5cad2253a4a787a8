package models

import "time"

// UsageQuota tracks the per-account usage window tied to the active
// subscription period. Activation resets the window to the new period end.
type UsageQuota struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"not null;uniqueIndex" json:"account_id"`
	PeriodStart time.Time `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null;index" json:"period_end"`
	UsedUnits   int64     `gorm:"not null;default:0" json:"used_units"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
