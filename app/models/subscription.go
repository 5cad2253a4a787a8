package models

import "time"

// Billing cycles accepted by subscription plans.
const (
	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

// Subscription statuses.
const (
	SubscriptionStatusTrial    = "TRIAL"
	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusPastDue  = "PAST_DUE"
	SubscriptionStatusCanceled = "CANCELED"
	SubscriptionStatusExpired  = "EXPIRED"
)

// Subscription is the per-account entitlement record activated by a
// successful payment. There is exactly one row per account; activation
// upserts it with deterministic period bounds so retries converge.
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	AccountID          uint       `gorm:"not null;uniqueIndex" json:"account_id"`
	PlanID             string     `gorm:"type:varchar(64);not null;default:''" json:"plan_id"`
	PlanName           string     `gorm:"type:varchar(100);default:''" json:"plan_name"`
	Vertical           string     `gorm:"type:varchar(50);default:''" json:"vertical"`
	BillingCycle       string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	MonthlyAmountMinor int64      `gorm:"not null;default:0" json:"monthly_amount_minor"`
	Status             string     `gorm:"type:varchar(16);not null;default:'TRIAL';index" json:"status"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	AutoRenew          bool       `gorm:"default:false" json:"auto_renew"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
