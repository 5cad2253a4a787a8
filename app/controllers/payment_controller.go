package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/payment"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
)

const paymentStatusCacheTTL = 5 * time.Second

var validate = validator.New()

// PaymentController exposes the payment coordinator over HTTP. All
// collaborators are injected at construction.
type PaymentController struct {
	payments      *payment.Service
	webhooks      *payment.WebhookProcessor
	subscriptions *subscription.Service
	sweeper       *payment.Sweeper
	repo          payment.Repository
}

// NewPaymentController wires the payment HTTP surface.
func NewPaymentController(payments *payment.Service, webhooks *payment.WebhookProcessor, subs *subscription.Service, sweeper *payment.Sweeper, repo payment.Repository) *PaymentController {
	return &PaymentController{
		payments:      payments,
		webhooks:      webhooks,
		subscriptions: subs,
		sweeper:       sweeper,
		repo:          repo,
	}
}

type createOrderRequest struct {
	AccountID uint   `json:"account_id" validate:"required"`
	PlanID    string `json:"plan_id" validate:"required"`
}

// HandleCreateOrder creates a payment and registers the order with the
// gateway. The amount comes from the stored plan, never from the request.
func (pc *PaymentController) HandleCreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, payment.ErrValidation)
	}
	if err := validate.Struct(&req); err != nil {
		return errorResponse(c, payment.ErrValidation)
	}

	result, err := pc.payments.CreateOrder(c.Context(), payment.CreateOrderInput{
		AccountID: req.AccountID,
		PlanID:    req.PlanID,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

type confirmPaymentRequest struct {
	AccountID        uint   `json:"account_id" validate:"required"`
	GatewayOrderID   string `json:"gateway_order_id" validate:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" validate:"required"`
	Signature        string `json:"signature" validate:"required"`
}

// HandleConfirmPayment verifies the client-submitted signature and moves the
// payment to PROCESSING; settlement still waits for the gateway.
func (pc *PaymentController) HandleConfirmPayment(c *fiber.Ctx) error {
	var req confirmPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, payment.ErrValidation)
	}
	if err := validate.Struct(&req); err != nil {
		return errorResponse(c, payment.ErrValidation)
	}

	result, err := pc.payments.ConfirmPayment(c.Context(), payment.ConfirmInput{
		AccountID:        req.AccountID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleWebhook receives gateway notifications. Any internal failure answers
// non-2xx on purpose: the gateway redelivers, and the idempotency guard makes
// redelivery safe.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("X-Razorpay-Signature")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := pc.webhooks.Process(ctx, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrSignatureInvalid):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, payment.ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		case errors.Is(err, payment.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
		case errors.Is(err, payment.ErrDuplicateEvent):
			// Another worker owns the delivery; non-2xx keeps the gateway
			// redelivering until the row is marked processed.
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "delivery_in_flight"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":       true,
		"outcome":  result.Outcome,
		"event_id": result.EventID,
	})
}

// HandleGetPayment returns a payment's current state for frontend polling,
// cached briefly to absorb poll storms.
func (pc *PaymentController) HandleGetPayment(c *fiber.Ctx) error {
	paymentUUID := c.Params("uuid")
	accountID := uintQuery(c, "account_id")

	cacheKey := "payment:status:" + paymentUUID + ":" + strconv.FormatUint(uint64(accountID), 10)
	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).SendString(cached)
	}

	p, err := pc.payments.GetPayment(c.Context(), paymentUUID, accountID)
	if err != nil {
		return errorResponse(c, err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := cache.Set(cacheKey, string(body), paymentStatusCacheTTL); err != nil {
		log.Debugf("[Payment] Status cache write failed for %s: %v", paymentUUID, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusOK).Send(body)
}

// HandleListPayments returns an account's payment history, newest first.
func (pc *PaymentController) HandleListPayments(c *fiber.Ctx) error {
	accountID := uintQuery(c, "account_id")
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	payments, total, err := pc.payments.ListPayments(c.Context(), accountID, limit, offset)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"payments": payments,
		"pagination": fiber.Map{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

// HandleListPaymentEvents returns a payment's full audit trail.
func (pc *PaymentController) HandleListPaymentEvents(c *fiber.Ctx) error {
	events, err := pc.payments.ListEvents(c.Context(), c.Params("uuid"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

// HandleGetSubscription returns the account's current subscription state.
func (pc *PaymentController) HandleGetSubscription(c *fiber.Ctx) error {
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return errorResponse(c, payment.ErrValidation)
	}

	sub, err := pc.subscriptions.GetByAccount(c.Context(), uint(accountID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
		}
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleReconcilePayment triggers reconciliation of one payment on demand
// (ops path); it reuses the sweeper's per-record logic.
func (pc *PaymentController) HandleReconcilePayment(c *fiber.Ctx) error {
	p, err := pc.payments.GetPayment(c.Context(), c.Params("uuid"), 0)
	if err != nil {
		return errorResponse(c, err)
	}

	outcome, err := pc.sweeper.ReconcilePayment(c.Context(), p)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"outcome": outcome})
}

func uintQuery(c *fiber.Ctx, key string) uint {
	v := c.QueryInt(key, 0)
	if v < 0 {
		return 0
	}
	return uint(v)
}

// errorResponse maps coordinator error kinds to structured codes without
// leaking gateway internals.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, payment.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed"})
	case errors.Is(err, payment.ErrSignatureInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, payment.ErrAmountMismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount_mismatch"})
	case errors.Is(err, payment.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state_transition"})
	case errors.Is(err, payment.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
	case errors.Is(err, payment.ErrGateway):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_error"})
	default:
		log.Errorf("[Payment] Unexpected error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}
