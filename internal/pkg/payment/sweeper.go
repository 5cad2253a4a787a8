package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

// ReconcileOutcome classifies the result of reconciling one payment.
type ReconcileOutcome string

const (
	ReconcileResolvedSuccess ReconcileOutcome = "resolved_success"
	ReconcileResolvedFailed  ReconcileOutcome = "resolved_failed"
	ReconcileAlreadyResolved ReconcileOutcome = "already_resolved"
	ReconcileStillPending    ReconcileOutcome = "still_pending"
)

// Sweeper owns the two periodic passes: reconciliation of stuck PROCESSING
// payments against the gateway, and expiration of stale CREATED/INITIATED
// payments. Both are safe to run concurrently with webhook ingestion and
// with other sweeper instances; correctness comes from the locked,
// idempotent transitions rather than mutual exclusion.
type Sweeper struct {
	repo    Repository
	svc     *Service
	gateway gateway.Client

	stuckAfter   time.Duration
	expireAfter  time.Duration
	fetchTimeout time.Duration

	now func() time.Time
}

// NewSweeper wires a sweeper with the configured staleness thresholds.
func NewSweeper(repo Repository, svc *Service, gw gateway.Client, stuckAfter, expireAfter, fetchTimeout time.Duration) *Sweeper {
	return &Sweeper{
		repo:         repo,
		svc:          svc,
		gateway:      gw,
		stuckAfter:   stuckAfter,
		expireAfter:  expireAfter,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
}

// RunReconciliationSweep re-queries the gateway for every PROCESSING payment
// idle past the threshold. Records are handled independently; one failure
// never aborts the batch.
func (s *Sweeper) RunReconciliationSweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.stuckAfter)
	stuck, err := s.repo.ListStuckProcessing(cutoff)
	if err != nil {
		return fmt.Errorf("listing stuck payments: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	log.Infof("[Reconciliation] Sweeping %d stuck payments", len(stuck))
	for i := range stuck {
		p := &stuck[i]
		outcome, err := s.ReconcilePayment(ctx, p)
		if err != nil {
			log.Errorf("[Reconciliation] Payment %s: %v", p.UUID, err)
			continue
		}
		log.Infof("[Reconciliation] Payment %s: %s", p.UUID, outcome)
	}
	return nil
}

// ReconcilePayment fetches the gateway's current view of one payment and
// settles the local record accordingly. Calling it for a payment a
// concurrent webhook already settled yields already_resolved, not an error.
func (s *Sweeper) ReconcilePayment(ctx context.Context, p *models.Payment) (ReconcileOutcome, error) {
	if p.GatewayPaymentID == "" {
		return "", fmt.Errorf("%w: payment %s has no gateway payment id", ErrValidation, p.UUID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	details, err := s.gateway.FetchPayment(fetchCtx, p.GatewayPaymentID)
	if err != nil {
		s.logAttempt(p, map[string]interface{}{"fetch_error": err.Error()})
		return "", fmt.Errorf("%w: status fetch failed: %v", ErrGateway, err)
	}

	payload, _ := json.Marshal(details)
	switch details.Status {
	case gateway.PaymentStatusCaptured:
		_, err := s.svc.Transition(ctx, p.ID, models.PaymentStatusSuccess,
			models.EventTypePaymentCaptured, models.EventSourceReconciliation,
			models.JSON(payload), "system", &TransitionOpts{Method: details.Method})
		if err != nil {
			if isRedundantSuccess(err) {
				return ReconcileAlreadyResolved, nil
			}
			return "", err
		}
		return ReconcileResolvedSuccess, nil

	case gateway.PaymentStatusFailed:
		_, err := s.svc.Transition(ctx, p.ID, models.PaymentStatusFailed,
			models.EventTypePaymentFailed, models.EventSourceReconciliation,
			models.JSON(payload), "system", nil)
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) && te.From == models.PaymentStatusFailed {
				return ReconcileAlreadyResolved, nil
			}
			return "", err
		}
		return ReconcileResolvedFailed, nil

	default:
		// Still pending on the gateway side; record the attempt so the audit
		// trail shows reconciliation activity distinct from webhooks.
		s.logAttempt(p, map[string]interface{}{"gateway_status": details.Status})
		return ReconcileStillPending, nil
	}
}

// RunExpirationSweep force-terminates payments never completed within the
// timeout window. Only CREATED and INITIATED records qualify.
func (s *Sweeper) RunExpirationSweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.expireAfter)
	stale, err := s.repo.ListExpirable(cutoff)
	if err != nil {
		return fmt.Errorf("listing expirable payments: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	log.Infof("[Expiration] Sweeping %d stale payments", len(stale))
	for i := range stale {
		p := &stale[i]
		payload, _ := json.Marshal(map[string]interface{}{
			"expired_after": s.expireAfter.String(),
			"created_at":    p.CreatedAt,
		})
		if _, err := s.svc.Transition(ctx, p.ID, models.PaymentStatusExpired,
			models.EventTypePaymentExpired, models.EventSourceSystem,
			models.JSON(payload), "system", nil); err != nil {
			log.Errorf("[Expiration] Payment %s: %v", p.UUID, err)
			continue
		}
		log.Infof("[Expiration] Payment %s expired", p.UUID)
	}
	return nil
}

func (s *Sweeper) logAttempt(p *models.Payment, detail map[string]interface{}) {
	payload, _ := json.Marshal(detail)
	if err := s.repo.AppendEvent(&models.PaymentEvent{
		PaymentID:   p.ID,
		EventType:   models.EventTypeReconcileAttempted,
		EventSource: models.EventSourceReconciliation,
		OldStatus:   p.Status,
		NewStatus:   p.Status,
		RawPayload:  models.JSON(payload),
		CreatedBy:   "system",
	}); err != nil {
		log.Errorf("[Reconciliation] Failed to log attempt for %s: %v", p.UUID, err)
	}
}
