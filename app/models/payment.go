package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payment statuses. FAILED, EXPIRED and REFUNDED are terminal.
const (
	PaymentStatusCreated    = "CREATED"
	PaymentStatusInitiated  = "INITIATED"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusSuccess    = "SUCCESS"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusExpired    = "EXPIRED"
	PaymentStatusDisputed   = "DISPUTED"
	PaymentStatusRefunded   = "REFUNDED"
)

// Payment is one billing attempt. Amount and currency are immutable after
// creation; the status only moves through the allowed-transition table and
// the row is never deleted.
type Payment struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UUID             string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	AccountID        uint       `gorm:"not null;index:idx_payments_account_status,priority:1" json:"account_id"`
	AmountMinor      int64      `gorm:"not null" json:"amount_minor"`
	Currency         string     `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	Status           string     `gorm:"type:varchar(16);not null;default:'CREATED';index:idx_payments_account_status,priority:2;index:idx_payments_status_updated,priority:1" json:"status"`
	GatewayOrderID   string     `gorm:"type:varchar(64);index;default:''" json:"gateway_order_id"`
	GatewayPaymentID string     `gorm:"type:varchar(64);index;default:''" json:"gateway_payment_id"`
	GatewaySignature string     `gorm:"type:varchar(128);default:''" json:"-"`
	Method           string     `gorm:"type:varchar(32);default:''" json:"method"`
	Receipt          string     `gorm:"type:varchar(64);default:''" json:"receipt"`
	Metadata         JSON       `gorm:"type:longtext" json:"metadata"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime;index:idx_payments_status_updated,priority:2" json:"updated_at"`
	CompletedAt      *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
}

// BeforeCreate assigns the public UUID
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	return nil
}

// IsTerminal reports whether the payment can never leave its current status.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusFailed, PaymentStatusExpired, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}
