package models

import "time"

// WebhookEvent stores gateway webhook payloads with deduplication metadata.
// The unique index on GatewayEventID is what turns the gateway's
// at-least-once delivery into at-most-once processing.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	GatewayEventID  string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_gateway_event" json:"gateway_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Signature       string     `gorm:"type:varchar(128);default:''" json:"-"`
	RawPayload      JSON       `gorm:"type:longtext;not null" json:"raw_payload"`
	Processed       bool       `gorm:"default:false;index" json:"processed"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
