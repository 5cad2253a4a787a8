package models

import "time"

// Payment event types
const (
	EventTypeOrderCreated       = "order_created"
	EventTypeSignatureVerified  = "signature_verified"
	EventTypePaymentCaptured    = "payment_captured"
	EventTypePaymentFailed      = "payment_failed"
	EventTypePaymentRefunded    = "payment_refunded"
	EventTypePaymentDisputed    = "payment_disputed"
	EventTypePaymentExpired     = "payment_expired"
	EventTypeManualUpdate       = "manual_update"
	EventTypeReconcileAttempted = "reconciliation_attempted"
	EventTypeWebhookReceived    = "webhook_received"
)

// Payment event sources
const (
	EventSourceSystem         = "system"
	EventSourceUser           = "user"
	EventSourceGatewayWebhook = "gateway_webhook"
	EventSourceGatewayAPI     = "gateway_api"
	EventSourceManual         = "manual"
	EventSourceReconciliation = "reconciliation"
	EventSourceAdmin          = "admin"
)

// PaymentEvent is one append-only audit entry. Rows are never updated or
// deleted; the auto-increment ID breaks created_at ties so the history of a
// payment is totally ordered.
type PaymentEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PaymentID   uint      `gorm:"not null;index" json:"payment_id"`
	EventType   string    `gorm:"type:varchar(40);not null;index" json:"event_type"`
	EventSource string    `gorm:"type:varchar(20);not null" json:"event_source"`
	OldStatus   string    `gorm:"type:varchar(16);default:''" json:"old_status"`
	NewStatus   string    `gorm:"type:varchar(16);not null" json:"new_status"`
	RawPayload  JSON      `gorm:"type:longtext" json:"raw_payload"`
	CreatedBy   string    `gorm:"type:varchar(64);not null;default:'system'" json:"created_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
