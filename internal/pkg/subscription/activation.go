package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Service activates subscriptions when a payment settles. It is invoked by
// the payment state machine inside the SUCCESS transition transaction, so
// activation commits atomically with the status change.
type Service struct {
	db *gorm.DB

	now func() time.Time
}

// NewService creates a subscription service from an injected DB handle used
// for reads outside the activation path.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// planContext is the slice of payment metadata activation consumes.
type planContext struct {
	PlanID          string `json:"plan_id"`
	PlanName        string `json:"plan_name"`
	PlanDisplayName string `json:"plan_display_name"`
	BillingCycle    string `json:"billing_cycle"`
	Vertical        string `json:"vertical"`
}

// Activate upserts the account's subscription for a paid period. The upsert
// keys on the account id and overwrites period bounds deterministically from
// "now", so a retried invocation converges instead of double-extending the
// period. The usage quota window is reset to the new period end in the same
// unit.
func (s *Service) Activate(ctx context.Context, db *gorm.DB, accountID uint, metadata models.JSON, amountMinor int64) error {
	_ = ctx
	if db == nil {
		return errors.New("activation requires a transaction handle")
	}
	if accountID == 0 {
		return errors.New("account id is required")
	}

	var meta planContext
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return fmt.Errorf("decoding payment metadata: %w", err)
		}
	}

	cycle := meta.BillingCycle
	if cycle != models.BillingCycleYearly {
		cycle = models.BillingCycleMonthly
	}

	now := s.now()
	periodEnd := now.AddDate(0, 1, 0)
	if cycle == models.BillingCycleYearly {
		periodEnd = now.AddDate(1, 0, 0)
	}

	sub := &models.Subscription{
		AccountID:          accountID,
		PlanID:             meta.PlanID,
		PlanName:           meta.PlanName,
		Vertical:           meta.Vertical,
		BillingCycle:       cycle,
		MonthlyAmountMinor: monthlyEquivalent(amountMinor, cycle),
		Status:             models.SubscriptionStatusActive,
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &periodEnd,
		TrialEndsAt:        nil,
		AutoRenew:          true,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id",
			"plan_name",
			"vertical",
			"billing_cycle",
			"monthly_amount_minor",
			"status",
			"current_period_start",
			"current_period_end",
			"trial_ends_at",
			"auto_renew",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}

	quota := &models.UsageQuota{
		AccountID:   accountID,
		PeriodStart: now,
		PeriodEnd:   periodEnd,
		UsedUnits:   0,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_start",
			"period_end",
			"used_units",
			"updated_at",
		}),
	}).Create(quota).Error; err != nil {
		return fmt.Errorf("resetting usage quota: %w", err)
	}

	log.Infof("[Subscription] Account %d activated on plan %s until %s", accountID, meta.PlanID, periodEnd.Format(time.RFC3339))
	return nil
}

// GetByAccount returns the account's subscription, if any.
func (s *Service) GetByAccount(ctx context.Context, accountID uint) (*models.Subscription, error) {
	_ = ctx
	var sub models.Subscription
	if err := s.db.Where("account_id = ?", accountID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// monthlyEquivalent normalizes a paid amount to a monthly figure for
// reporting: yearly payments divide by 12, rounded half up to whole minor
// units.
func monthlyEquivalent(amountMinor int64, cycle string) int64 {
	if cycle != models.BillingCycleYearly {
		return amountMinor
	}
	return decimal.NewFromInt(amountMinor).
		Div(decimal.NewFromInt(12)).
		Round(0).
		IntPart()
}
