package models

import "time"

// SubscriptionPlan is the server-side plan catalog. Pricing always comes
// from this table, never from client-declared amounts.
type SubscriptionPlan struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name         string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	DisplayName  string    `gorm:"type:varchar(150);not null;default:''" json:"display_name"`
	PriceMajor   string    `gorm:"type:decimal(12,2);not null" json:"price_major"`
	Currency     string    `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	BillingCycle string    `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	Vertical     string    `gorm:"type:varchar(50);default:''" json:"vertical"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
