package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Gateway webhook event types this coordinator understands. Anything else is
// stored, acknowledged and skipped.
const (
	WebhookEventPaymentCaptured = "payment.captured"
	WebhookEventPaymentFailed   = "payment.failed"
	WebhookEventOrderPaid       = "order.paid"
	WebhookEventRefundProcessed = "refund.processed"
	WebhookEventDisputeCreated  = "payment.dispute.created"
)

// WebhookOutcome classifies how a delivery was handled.
type WebhookOutcome string

const (
	OutcomeProcessed        WebhookOutcome = "processed"
	OutcomeDuplicate        WebhookOutcome = "duplicate"
	OutcomeAlreadyProcessed WebhookOutcome = "already_processed"
	OutcomeAcknowledged     WebhookOutcome = "acknowledged"
	OutcomeIgnored          WebhookOutcome = "ignored"
)

// WebhookResult reports the outcome of one delivery.
type WebhookResult struct {
	Outcome     WebhookOutcome `json:"outcome"`
	EventID     string         `json:"event_id"`
	PaymentUUID string         `json:"payment_id,omitempty"`
	// DegradedID marks deliveries whose payload carried no entity id, where
	// the dedup key had to be synthesized from a counter.
	DegradedID bool `json:"degraded_id,omitempty"`
}

// SequenceFunc supplies a monotonic counter per event type, used only to
// synthesize a dedup key for payloads without an entity id.
type SequenceFunc func(eventType string) (int64, error)

// WebhookProcessor verifies, deduplicates and dispatches gateway webhook
// deliveries.
type WebhookProcessor struct {
	repo    Repository
	svc     *Service
	secret  string
	nextSeq SequenceFunc
}

// NewWebhookProcessor wires the ingestion pipeline.
func NewWebhookProcessor(repo Repository, svc *Service, webhookSecret string, nextSeq SequenceFunc) *WebhookProcessor {
	return &WebhookProcessor{repo: repo, svc: svc, secret: webhookSecret, nextSeq: nextSeq}
}

// webhookEnvelope is the once-parsed representation of a delivery. Exactly
// one entity pointer is set for known event types.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
		Refund *struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
		Dispute *struct {
			Entity disputeEntity `json:"entity"`
		} `json:"dispute"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type orderEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Status     string `json:"status"`
}

type refundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type disputeEntity struct {
	ID                string `json:"id"`
	PaymentID         string `json:"payment_id"`
	Amount            int64  `json:"amount"`
	ReasonDescription string `json:"reason_description"`
}

// entityID returns the id that identifies this delivery for deduplication.
func (e *webhookEnvelope) entityID() string {
	switch {
	case e.Payload.Payment != nil && e.Payload.Payment.Entity.ID != "":
		return e.Payload.Payment.Entity.ID
	case e.Payload.Order != nil && e.Payload.Order.Entity.ID != "":
		return e.Payload.Order.Entity.ID
	case e.Payload.Refund != nil && e.Payload.Refund.Entity.ID != "":
		return e.Payload.Refund.Entity.ID
	case e.Payload.Dispute != nil && e.Payload.Dispute.Entity.ID != "":
		return e.Payload.Dispute.Entity.ID
	default:
		return ""
	}
}

// Process runs the full ingestion pipeline for one delivery. An error return
// means the HTTP layer must answer non-2xx so the gateway redelivers; the
// redelivery re-dispatches once the failed attempt has recorded its error on
// the dedup row, and settles at most once either way.
func (w *WebhookProcessor) Process(ctx context.Context, rawBody []byte, signatureHeader string) (*WebhookResult, error) {
	// Signature is computed over the exact bytes received.
	if !VerifyWebhookSignature(rawBody, signatureHeader, w.secret) {
		log.Warnf("[Webhook] Rejected delivery with invalid signature (%d bytes)", len(rawBody))
		return nil, fmt.Errorf("%w: webhook signature rejected", ErrSignatureInvalid)
	}

	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", ErrValidation, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: webhook payload has no event type", ErrValidation)
	}

	result := &WebhookResult{EventID: env.entityID()}
	if result.EventID == "" {
		// No entity id in the payload; fall back to a synthesized key. This
		// degrades idempotency (a redelivery gets a fresh key), so flag it.
		seq, err := w.nextSeq(env.Event)
		if err != nil {
			return nil, fmt.Errorf("webhook sequence fallback: %w", err)
		}
		result.EventID = fmt.Sprintf("%s:%d", env.Event, seq)
		result.DegradedID = true
		log.Warnf("[Webhook] No entity id for event %s, using fallback key %s", env.Event, result.EventID)
	}

	created, stored, err := w.repo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
		GatewayEventID: result.EventID,
		EventType:      env.Event,
		Signature:      signatureHeader,
		RawPayload:     models.JSON(rawBody),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		if stored.Processed {
			log.Infof("[Webhook] Duplicate event ignored: %s", result.EventID)
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		if stored.ProcessingError == "" {
			// Another worker currently owns the row. Answer non-2xx so the
			// gateway keeps redelivering until a run marks it processed.
			return nil, fmt.Errorf("%w: delivery %s is still being processed", ErrDuplicateEvent, result.EventID)
		}
		// The previous owner failed and recorded why; nobody is in flight.
		// Take ownership of the redelivery and re-dispatch.
		log.Infof("[Webhook] Retrying delivery %s after earlier failure: %s", result.EventID, stored.ProcessingError)
	}

	outcome, paymentUUID, err := w.dispatch(ctx, &env)
	if err != nil {
		if markErr := w.repo.MarkWebhookProcessed(stored.ID, err.Error()); markErr != nil {
			log.Errorf("[Webhook] Failed to record processing error for %s: %v", result.EventID, markErr)
		}
		log.Errorf("[Webhook] Processing error for %s: %v", result.EventID, err)
		return nil, err
	}

	if err := w.repo.MarkWebhookProcessed(stored.ID, ""); err != nil {
		return nil, err
	}
	result.Outcome = outcome
	result.PaymentUUID = paymentUUID
	return result, nil
}

func (w *WebhookProcessor) dispatch(ctx context.Context, env *webhookEnvelope) (WebhookOutcome, string, error) {
	switch env.Event {
	case WebhookEventPaymentCaptured:
		if env.Payload.Payment == nil {
			return "", "", fmt.Errorf("%w: captured event without payment entity", ErrValidation)
		}
		return w.handleCaptured(ctx, &env.Payload.Payment.Entity)
	case WebhookEventPaymentFailed:
		if env.Payload.Payment == nil {
			return "", "", fmt.Errorf("%w: failed event without payment entity", ErrValidation)
		}
		return w.handleFailed(ctx, &env.Payload.Payment.Entity)
	case WebhookEventOrderPaid:
		if env.Payload.Order == nil {
			return "", "", fmt.Errorf("%w: order.paid event without order entity", ErrValidation)
		}
		return w.handleOrderPaid(ctx, &env.Payload.Order.Entity)
	case WebhookEventRefundProcessed:
		if env.Payload.Refund == nil {
			return "", "", fmt.Errorf("%w: refund event without refund entity", ErrValidation)
		}
		return w.handleRefund(ctx, &env.Payload.Refund.Entity)
	case WebhookEventDisputeCreated:
		if env.Payload.Dispute == nil {
			return "", "", fmt.Errorf("%w: dispute event without dispute entity", ErrValidation)
		}
		return w.handleDispute(ctx, &env.Payload.Dispute.Entity)
	default:
		log.Infof("[Webhook] Unhandled event type: %s", env.Event)
		return OutcomeIgnored, "", nil
	}
}

// handleCaptured is the only path that marks a payment SUCCESS from a
// webhook. The locally recorded amount is authoritative; a mismatch never
// transitions the record.
func (w *WebhookProcessor) handleCaptured(ctx context.Context, entity *paymentEntity) (WebhookOutcome, string, error) {
	p, err := w.repo.GetPaymentByGatewayOrderID(entity.OrderID)
	if err != nil {
		return "", "", err
	}

	if entity.Amount != p.AmountMinor {
		if logErr := w.svc.logAmountMismatch(p, entity.Amount, models.EventTypeWebhookReceived, models.EventSourceGatewayWebhook); logErr != nil {
			log.Errorf("[Webhook] Failed to log amount mismatch for %s: %v", p.UUID, logErr)
		}
		return "", "", fmt.Errorf("%w: expected %d, webhook declares %d", ErrAmountMismatch, p.AmountMinor, entity.Amount)
	}

	if p.Status == models.PaymentStatusSuccess {
		log.Infof("[Webhook] Payment %s already SUCCESS, skipping", p.UUID)
		return OutcomeAlreadyProcessed, p.UUID, nil
	}

	payload, _ := json.Marshal(entity)
	_, err = w.svc.Transition(ctx, p.ID, models.PaymentStatusSuccess,
		models.EventTypePaymentCaptured, models.EventSourceGatewayWebhook,
		models.JSON(payload), "system",
		&TransitionOpts{GatewayPaymentID: entity.ID, Method: entity.Method})
	if err != nil {
		// A concurrent webhook or reconciliation pass may have settled the
		// payment between our read and the locked transition.
		if isRedundantSuccess(err) {
			return OutcomeAlreadyProcessed, p.UUID, nil
		}
		return "", "", err
	}

	log.Infof("[Webhook] Payment %s marked SUCCESS, subscription activated", p.UUID)
	return OutcomeProcessed, p.UUID, nil
}

func (w *WebhookProcessor) handleFailed(ctx context.Context, entity *paymentEntity) (WebhookOutcome, string, error) {
	p, err := w.repo.GetPaymentByGatewayOrderID(entity.OrderID)
	if err != nil {
		return "", "", err
	}
	if p.Status == models.PaymentStatusFailed {
		return OutcomeAlreadyProcessed, p.UUID, nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"entity":            entity,
		"error_code":        entity.ErrorCode,
		"error_description": entity.ErrorDescription,
	})
	if _, err := w.svc.Transition(ctx, p.ID, models.PaymentStatusFailed,
		models.EventTypePaymentFailed, models.EventSourceGatewayWebhook,
		models.JSON(payload), "system",
		&TransitionOpts{GatewayPaymentID: entity.ID}); err != nil {
		return "", "", err
	}

	log.Infof("[Webhook] Payment %s marked FAILED: %s", p.UUID, entity.ErrorDescription)
	return OutcomeProcessed, p.UUID, nil
}

// handleOrderPaid only acknowledges: it races with payment.captured and
// lacks the payment details needed to settle, so it never transitions.
func (w *WebhookProcessor) handleOrderPaid(ctx context.Context, entity *orderEntity) (WebhookOutcome, string, error) {
	_ = ctx
	p, err := w.repo.GetPaymentByGatewayOrderID(entity.ID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Infof("[Webhook] No payment for order %s, expecting payment.captured", entity.ID)
			return OutcomeIgnored, "", nil
		}
		return "", "", err
	}

	if p.Status != models.PaymentStatusSuccess {
		payload, _ := json.Marshal(entity)
		if err := w.repo.AppendEvent(&models.PaymentEvent{
			PaymentID:   p.ID,
			EventType:   models.EventTypeWebhookReceived,
			EventSource: models.EventSourceGatewayWebhook,
			OldStatus:   p.Status,
			NewStatus:   p.Status,
			RawPayload:  models.JSON(payload),
			CreatedBy:   "system",
		}); err != nil {
			return "", "", err
		}
		log.Infof("[Webhook] Order %s paid, awaiting payment.captured", entity.ID)
	}
	return OutcomeAcknowledged, p.UUID, nil
}

func (w *WebhookProcessor) handleRefund(ctx context.Context, entity *refundEntity) (WebhookOutcome, string, error) {
	p, err := w.repo.GetPaymentByGatewayPaymentID(entity.PaymentID)
	if err != nil {
		return "", "", err
	}
	if p.Status == models.PaymentStatusRefunded {
		return OutcomeAlreadyProcessed, p.UUID, nil
	}

	payload, _ := json.Marshal(entity)
	if _, err := w.svc.Transition(ctx, p.ID, models.PaymentStatusRefunded,
		models.EventTypePaymentRefunded, models.EventSourceGatewayWebhook,
		models.JSON(payload), "system", nil); err != nil {
		return "", "", err
	}

	log.Infof("[Webhook] Payment %s refunded (%d minor units)", p.UUID, entity.Amount)
	return OutcomeProcessed, p.UUID, nil
}

func (w *WebhookProcessor) handleDispute(ctx context.Context, entity *disputeEntity) (WebhookOutcome, string, error) {
	p, err := w.repo.GetPaymentByGatewayPaymentID(entity.PaymentID)
	if err != nil {
		return "", "", err
	}
	if p.Status == models.PaymentStatusDisputed {
		return OutcomeAlreadyProcessed, p.UUID, nil
	}

	payload, _ := json.Marshal(entity)
	if _, err := w.svc.Transition(ctx, p.ID, models.PaymentStatusDisputed,
		models.EventTypePaymentDisputed, models.EventSourceGatewayWebhook,
		models.JSON(payload), "system", nil); err != nil {
		return "", "", err
	}

	log.Warnf("[Webhook] Dispute opened for payment %s: %s", p.UUID, entity.ReasonDescription)
	return OutcomeProcessed, p.UUID, nil
}

func isRedundantSuccess(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.From == models.PaymentStatusSuccess
	}
	return false
}
