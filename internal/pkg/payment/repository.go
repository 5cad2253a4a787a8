package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository provides the DB operations used by the payment coordinator.
// WithTx runs fn against a transaction-scoped repository; the state machine
// relies on it for atomic read-modify-write on a single payment row.
type Repository interface {
	WithTx(ctx context.Context, fn func(Repository) error) error
	// DB exposes the underlying (possibly transaction-scoped) handle for
	// collaborators that must write in the same atomic unit. In-memory test
	// fakes return nil.
	DB() *gorm.DB

	CreatePayment(p *models.Payment) error
	SavePayment(p *models.Payment) error
	GetPaymentByUUID(uuid string) (*models.Payment, error)
	GetPaymentForUpdate(id uint) (*models.Payment, error)
	GetPaymentByGatewayOrderID(gatewayOrderID string) (*models.Payment, error)
	GetPaymentByGatewayPaymentID(gatewayPaymentID string) (*models.Payment, error)
	ListPaymentsByAccount(accountID uint, statuses []string, limit, offset int) ([]models.Payment, int64, error)
	ListStuckProcessing(updatedBefore time.Time) ([]models.Payment, error)
	ListExpirable(createdBefore time.Time) ([]models.Payment, error)

	AppendEvent(e *models.PaymentEvent) error
	ListEventsByPayment(paymentID uint) ([]models.PaymentEvent, error)

	CreateWebhookEventIfNotExists(e *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	GetActivePlan(planID string) (*models.SubscriptionPlan, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) DB() *gorm.DB {
	return r.db
}

func (r *gormRepository) CreatePayment(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *gormRepository) SavePayment(p *models.Payment) error {
	return r.db.Save(p).Error
}

func (r *gormRepository) GetPaymentByUUID(uuid string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("uuid = ?", uuid).First(&p).Error; err != nil {
		return nil, mapNotFound(err, "uuid", uuid)
	}
	return &p, nil
}

// GetPaymentForUpdate loads a payment with a row lock so concurrent webhook
// and sweeper transitions on the same payment are serialized.
func (r *gormRepository) GetPaymentForUpdate(id uint) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&p).Error; err != nil {
		return nil, mapNotFound(err, "id", fmt.Sprint(id))
	}
	return &p, nil
}

func (r *gormRepository) GetPaymentByGatewayOrderID(gatewayOrderID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("gateway_order_id = ?", gatewayOrderID).First(&p).Error; err != nil {
		return nil, mapNotFound(err, "gateway_order_id", gatewayOrderID)
	}
	return &p, nil
}

func (r *gormRepository) GetPaymentByGatewayPaymentID(gatewayPaymentID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("gateway_payment_id = ?", gatewayPaymentID).First(&p).Error; err != nil {
		return nil, mapNotFound(err, "gateway_payment_id", gatewayPaymentID)
	}
	return &p, nil
}

func (r *gormRepository) ListPaymentsByAccount(accountID uint, statuses []string, limit, offset int) ([]models.Payment, int64, error) {
	q := r.db.Model(&models.Payment{}).Where("account_id = ?", accountID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []models.Payment
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&payments).Error
	return payments, total, err
}

func (r *gormRepository) ListStuckProcessing(updatedBefore time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("status = ?", models.PaymentStatusProcessing).
		Where("updated_at < ?", updatedBefore).
		Where("gateway_payment_id <> ''").
		Find(&payments).Error
	return payments, err
}

func (r *gormRepository) ListExpirable(createdBefore time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("status IN ?", []string{models.PaymentStatusCreated, models.PaymentStatusInitiated}).
		Where("created_at < ?", createdBefore).
		Find(&payments).Error
	return payments, err
}

func (r *gormRepository) AppendEvent(e *models.PaymentEvent) error {
	return r.db.Create(e).Error
}

func (r *gormRepository) ListEventsByPayment(paymentID uint) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := r.db.Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

// CreateWebhookEventIfNotExists inserts the dedup row for an inbound webhook.
// The unique index on gateway_event_id plus OnConflict-DoNothing elects a
// single owner per delivery; created=false means another delivery got there
// first and the stored row tells the caller whether it was already handled.
func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("gateway_event_id = ?", event.GatewayEventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	updates := map[string]interface{}{
		"processing_error": processingError,
	}
	if processingError == "" {
		now := time.Now()
		updates["processed"] = true
		updates["processed_at"] = &now
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetActivePlan(planID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.Where("id = ? AND is_active = ?", planID, true).First(&plan).Error; err != nil {
		return nil, mapNotFound(err, "plan", planID)
	}
	return &plan, nil
}

func mapNotFound(err error, field, value string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w (%s=%s)", ErrRecordNotFound, field, value)
	}
	return err
}
