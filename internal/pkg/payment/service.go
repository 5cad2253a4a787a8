package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

// Activator is the side-effect hook invoked inside the transition into
// SUCCESS. The db handle is the transaction the transition runs on, so the
// activation commits or rolls back together with the status change.
type Activator interface {
	Activate(ctx context.Context, db *gorm.DB, accountID uint, metadata models.JSON, amountMinor int64) error
}

// Config carries the shared secrets the coordinator verifies against.
type Config struct {
	KeySecret     string
	WebhookSecret string
}

// Service coordinates the payment lifecycle: order creation, client
// confirmation and the guarded status transitions everything else funnels
// through.
type Service struct {
	repo      Repository
	gateway   gateway.Client
	activator Activator
	cfg       Config

	now func() time.Time
}

// NewService creates a payment service from injected collaborators.
func NewService(repo Repository, gw gateway.Client, activator Activator, cfg Config) *Service {
	return &Service{
		repo:      repo,
		gateway:   gw,
		activator: activator,
		cfg:       cfg,
		now:       time.Now,
	}
}

// TransitionOpts are optional payment fields recorded alongside a transition.
type TransitionOpts struct {
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	Method           string
}

// Transition moves a payment to target inside one transaction: row lock,
// guard against the transition table, status + timestamp update, exactly one
// audit event, and - for SUCCESS - subscription activation on the same tx.
// On a guard failure the row is untouched and the (from, to) pair is
// reported via ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, paymentID uint, target, eventType, eventSource string, rawPayload models.JSON, actor string, opts *TransitionOpts) (*models.Payment, error) {
	var result *models.Payment
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		p, err := tx.GetPaymentForUpdate(paymentID)
		if err != nil {
			return err
		}

		if !IsValidTransition(p.Status, target) {
			return &TransitionError{From: p.Status, To: target}
		}

		oldStatus := p.Status
		now := s.now()
		p.Status = target
		p.UpdatedAt = now
		if target == models.PaymentStatusSuccess || target == models.PaymentStatusFailed {
			p.CompletedAt = &now
		}
		if opts != nil {
			if opts.GatewayOrderID != "" {
				p.GatewayOrderID = opts.GatewayOrderID
			}
			if opts.GatewayPaymentID != "" {
				p.GatewayPaymentID = opts.GatewayPaymentID
			}
			if opts.GatewaySignature != "" {
				p.GatewaySignature = opts.GatewaySignature
			}
			if opts.Method != "" {
				p.Method = opts.Method
			}
		}
		if err := tx.SavePayment(p); err != nil {
			return err
		}

		if err := tx.AppendEvent(&models.PaymentEvent{
			PaymentID:   p.ID,
			EventType:   eventType,
			EventSource: eventSource,
			OldStatus:   oldStatus,
			NewStatus:   target,
			RawPayload:  rawPayload,
			CreatedBy:   defaultActor(actor),
		}); err != nil {
			return err
		}

		if target == models.PaymentStatusSuccess && s.activator != nil {
			if err := s.activator.Activate(ctx, tx.DB(), p.AccountID, p.Metadata, p.AmountMinor); err != nil {
				return fmt.Errorf("subscription activation: %w", err)
			}
		}

		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateOrderInput identifies who is buying which plan. The amount is always
// derived from the stored plan, never taken from the client.
type CreateOrderInput struct {
	AccountID uint
	PlanID    string
}

// CreateOrderResult is what the checkout frontend needs to open the gateway
// widget.
type CreateOrderResult struct {
	PaymentUUID    string `json:"payment_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	PlanName       string `json:"plan_name"`
}

type paymentMetadata struct {
	PlanID          string `json:"plan_id"`
	PlanName        string `json:"plan_name"`
	PlanDisplayName string `json:"plan_display_name"`
	BillingCycle    string `json:"billing_cycle"`
	Vertical        string `json:"vertical"`
}

// CreateOrder creates a payment in CREATED, registers the order with the
// gateway and moves to INITIATED with the returned external order id. If the
// gateway call fails the record stays in CREATED and is eventually closed by
// the expiration sweeper.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	if in.AccountID == 0 || strings.TrimSpace(in.PlanID) == "" {
		return nil, fmt.Errorf("%w: account_id and plan_id are required", ErrValidation)
	}

	plan, err := s.repo.GetActivePlan(in.PlanID)
	if err != nil {
		return nil, err
	}

	amountMinor, err := majorToMinor(plan.PriceMajor)
	if err != nil {
		return nil, fmt.Errorf("%w: plan %s has invalid price: %v", ErrValidation, plan.ID, err)
	}

	vertical := plan.Vertical
	if vertical == "" {
		if idx := strings.Index(plan.Name, "_"); idx > 0 {
			vertical = plan.Name[:idx]
		}
	}
	meta, err := json.Marshal(paymentMetadata{
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		PlanDisplayName: plan.DisplayName,
		BillingCycle:    plan.BillingCycle,
		Vertical:        vertical,
	})
	if err != nil {
		return nil, err
	}

	receipt := fmt.Sprintf("rcpt_%d_%s", in.AccountID, uuid.New().String()[:8])
	p := &models.Payment{
		AccountID:   in.AccountID,
		AmountMinor: amountMinor,
		Currency:    plan.Currency,
		Status:      models.PaymentStatusCreated,
		Receipt:     receipt,
		Metadata:    models.JSON(meta),
	}
	if err := s.repo.CreatePayment(p); err != nil {
		return nil, err
	}

	order, err := s.gateway.CreateOrder(ctx, amountMinor, plan.Currency, receipt, map[string]string{
		"account_id": fmt.Sprint(in.AccountID),
		"plan_id":    plan.ID,
		"plan_name":  plan.Name,
	})
	if err != nil {
		log.Errorf("[Payment] Gateway order creation failed for payment %s: %v", p.UUID, err)
		return nil, fmt.Errorf("%w: order creation failed: %v", ErrGateway, err)
	}

	orderPayload, _ := json.Marshal(order)
	updated, err := s.Transition(ctx, p.ID, models.PaymentStatusInitiated,
		models.EventTypeOrderCreated, models.EventSourceSystem,
		models.JSON(orderPayload), fmt.Sprint(in.AccountID),
		&TransitionOpts{GatewayOrderID: order.ID})
	if err != nil {
		return nil, err
	}

	return &CreateOrderResult{
		PaymentUUID:    updated.UUID,
		GatewayOrderID: order.ID,
		AmountMinor:    amountMinor,
		Currency:       plan.Currency,
		PlanName:       plan.DisplayName,
	}, nil
}

// ConfirmInput is the client-submitted confirmation after checkout.
type ConfirmInput struct {
	AccountID        uint
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// ConfirmResult reports the post-confirmation status.
type ConfirmResult struct {
	PaymentUUID string `json:"payment_id"`
	Status      string `json:"status"`
}

// ConfirmPayment verifies the client signature and moves the payment from
// INITIATED to PROCESSING. The final SUCCESS only ever comes from the
// gateway (webhook or reconciliation), never from the client.
func (s *Service) ConfirmPayment(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	if in.GatewayOrderID == "" || in.GatewayPaymentID == "" || in.Signature == "" {
		return nil, fmt.Errorf("%w: order id, payment id and signature are required", ErrValidation)
	}

	p, err := s.repo.GetPaymentByGatewayOrderID(in.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if in.AccountID != 0 && p.AccountID != in.AccountID {
		return nil, fmt.Errorf("%w: account does not own this payment", ErrValidation)
	}
	if !IsValidTransition(p.Status, models.PaymentStatusProcessing) {
		return nil, &TransitionError{From: p.Status, To: models.PaymentStatusProcessing}
	}

	if !VerifyClientSignature(in.GatewayOrderID, in.GatewayPaymentID, in.Signature, s.cfg.KeySecret) {
		// Failed verification is a security event; keep it in the audit trail
		// without touching the payment status.
		payload, _ := json.Marshal(map[string]interface{}{
			"security_event":     "invalid_client_signature",
			"gateway_payment_id": in.GatewayPaymentID,
		})
		if logErr := s.repo.AppendEvent(&models.PaymentEvent{
			PaymentID:   p.ID,
			EventType:   models.EventTypeSignatureVerified,
			EventSource: models.EventSourceUser,
			OldStatus:   p.Status,
			NewStatus:   p.Status,
			RawPayload:  models.JSON(payload),
			CreatedBy:   fmt.Sprint(in.AccountID),
		}); logErr != nil {
			log.Errorf("[Payment] Failed to log signature rejection for %s: %v", p.UUID, logErr)
		}
		return nil, fmt.Errorf("%w: client confirmation rejected", ErrSignatureInvalid)
	}

	// Cross-check the gateway's view of the payment before accepting it.
	details, err := s.gateway.FetchPayment(ctx, in.GatewayPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment fetch failed: %v", ErrGateway, err)
	}
	if details.Amount != p.AmountMinor {
		if logErr := s.logAmountMismatch(p, details.Amount, models.EventTypeManualUpdate, models.EventSourceGatewayAPI); logErr != nil {
			log.Errorf("[Payment] Failed to log amount mismatch for %s: %v", p.UUID, logErr)
		}
		return nil, fmt.Errorf("%w: expected %d, gateway reports %d", ErrAmountMismatch, p.AmountMinor, details.Amount)
	}

	detailsPayload, _ := json.Marshal(details)
	updated, err := s.Transition(ctx, p.ID, models.PaymentStatusProcessing,
		models.EventTypeSignatureVerified, models.EventSourceUser,
		models.JSON(detailsPayload), fmt.Sprint(in.AccountID),
		&TransitionOpts{
			GatewayPaymentID: in.GatewayPaymentID,
			GatewaySignature: in.Signature,
			Method:           details.Method,
		})
	if err != nil {
		return nil, err
	}

	return &ConfirmResult{PaymentUUID: updated.UUID, Status: updated.Status}, nil
}

// GetPayment returns a payment by its public UUID, scoped to the owning
// account when accountID is non-zero.
func (s *Service) GetPayment(ctx context.Context, paymentUUID string, accountID uint) (*models.Payment, error) {
	_ = ctx
	p, err := s.repo.GetPaymentByUUID(paymentUUID)
	if err != nil {
		return nil, err
	}
	if accountID != 0 && p.AccountID != accountID {
		return nil, fmt.Errorf("%w (uuid=%s)", ErrRecordNotFound, paymentUUID)
	}
	return p, nil
}

// ListPayments returns an account's settled and in-flight payments, newest
// first.
func (s *Service) ListPayments(ctx context.Context, accountID uint, limit, offset int) ([]models.Payment, int64, error) {
	_ = ctx
	if accountID == 0 {
		return nil, 0, fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	statuses := []string{models.PaymentStatusSuccess, models.PaymentStatusProcessing, models.PaymentStatusFailed}
	return s.repo.ListPaymentsByAccount(accountID, statuses, limit, offset)
}

// ListEvents returns the audit trail of a payment in total order.
func (s *Service) ListEvents(ctx context.Context, paymentUUID string) ([]models.PaymentEvent, error) {
	_ = ctx
	p, err := s.repo.GetPaymentByUUID(paymentUUID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEventsByPayment(p.ID)
}

func (s *Service) logAmountMismatch(p *models.Payment, reportedMinor int64, eventType, source string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"security_event":  "amount_mismatch",
		"expected_amount": p.AmountMinor,
		"received_amount": reportedMinor,
	})
	return s.repo.AppendEvent(&models.PaymentEvent{
		PaymentID:   p.ID,
		EventType:   eventType,
		EventSource: source,
		OldStatus:   p.Status,
		NewStatus:   p.Status,
		RawPayload:  models.JSON(payload),
		CreatedBy:   "system",
	})
}

func defaultActor(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return actor
}

// majorToMinor converts a decimal major-unit price ("500.00") into minor
// units (50000 paise) without floating point.
func majorToMinor(priceMajor string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(priceMajor))
	if err != nil {
		return 0, err
	}
	minor := d.Mul(decimal.NewFromInt(100))
	if !minor.IsInteger() {
		return 0, errors.New("price has sub-minor precision")
	}
	if minor.Sign() <= 0 {
		return 0, errors.New("price must be positive")
	}
	return minor.IntPart(), nil
}
