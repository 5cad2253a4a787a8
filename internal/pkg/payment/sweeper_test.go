package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

func newTestSweeper(env *testEnv) *Sweeper {
	s := NewSweeper(env.repo, env.svc, env.gw, 30*time.Minute, 60*time.Minute, time.Second)
	s.now = func() time.Time { return testClock }
	return s
}

func TestExpirationSweepSelectivity(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)

	staleCreated := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusCreated,
		CreatedAt: testClock.Add(-2 * time.Hour),
	})
	staleInitiated := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusInitiated,
		GatewayOrderID: "order_stale", CreatedAt: testClock.Add(-61 * time.Minute),
	})
	freshCreated := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusCreated,
		CreatedAt: testClock.Add(-10 * time.Minute),
	})
	staleProcessing := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusProcessing,
		GatewayPaymentID: "pay_1", CreatedAt: testClock.Add(-2 * time.Hour),
	})
	staleSuccess := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusSuccess,
		CreatedAt: testClock.Add(-2 * time.Hour),
	})

	require.NoError(t, s.RunExpirationSweep(context.Background()))

	assert.Equal(t, models.PaymentStatusExpired, env.repo.mustGet(staleCreated.ID).Status)
	assert.Equal(t, models.PaymentStatusExpired, env.repo.mustGet(staleInitiated.ID).Status)
	assert.Equal(t, models.PaymentStatusCreated, env.repo.mustGet(freshCreated.ID).Status, "records inside the window are untouched")
	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(staleProcessing.ID).Status, "PROCESSING belongs to reconciliation, not expiry")
	assert.Equal(t, models.PaymentStatusSuccess, env.repo.mustGet(staleSuccess.ID).Status)

	assert.Equal(t, []string{models.EventTypePaymentExpired}, env.repo.eventTypes(staleCreated.ID))
	assert.Equal(t, []string{models.EventTypePaymentExpired}, env.repo.eventTypes(staleInitiated.ID))
}

func TestExpirationSweepIsIdempotent(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusCreated,
		CreatedAt: testClock.Add(-2 * time.Hour),
	})

	require.NoError(t, s.RunExpirationSweep(context.Background()))
	require.NoError(t, s.RunExpirationSweep(context.Background()))

	assert.Equal(t, models.PaymentStatusExpired, env.repo.mustGet(p.ID).Status)
	assert.Equal(t, []string{models.EventTypePaymentExpired}, env.repo.eventTypes(p.ID))
}

func stuckProcessingFixture(env *testEnv) *models.Payment {
	return env.repo.seedPayment(&models.Payment{
		AccountID: 42, AmountMinor: 50000, Status: models.PaymentStatusProcessing,
		GatewayOrderID: "order_stuck", GatewayPaymentID: "pay_stuck",
		CreatedAt: testClock.Add(-2 * time.Hour),
		UpdatedAt: testClock.Add(-45 * time.Minute),
	})
}

func TestReconciliationResolvesCaptured(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := stuckProcessingFixture(env)
	env.gw.fetchPaymentFn = func(id string) (*gateway.PaymentDetails, error) {
		return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusCaptured, Amount: 50000, Method: "upi"}, nil
	}

	require.NoError(t, s.RunReconciliationSweep(context.Background()))

	stored := env.repo.mustGet(p.ID)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	assert.Equal(t, 1, env.activator.callCount(), "reconciliation settles with the same side effects as a webhook")

	events, _ := env.repo.ListEventsByPayment(p.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypePaymentCaptured, events[0].EventType)
	assert.Equal(t, models.EventSourceReconciliation, events[0].EventSource)
}

func TestReconciliationResolvesFailed(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := stuckProcessingFixture(env)
	env.gw.fetchPaymentFn = func(id string) (*gateway.PaymentDetails, error) {
		return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusFailed, ErrorCode: "GATEWAY_ERROR"}, nil
	}

	outcome, err := s.ReconcilePayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResolvedFailed, outcome)
	assert.Equal(t, models.PaymentStatusFailed, env.repo.mustGet(p.ID).Status)
	assert.Equal(t, 0, env.activator.callCount())
}

func TestReconciliationStillPending(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := stuckProcessingFixture(env)
	env.gw.fetchPaymentFn = func(id string) (*gateway.PaymentDetails, error) {
		return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusAuthorized}, nil
	}

	outcome, err := s.ReconcilePayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStillPending, outcome)

	// No status change, but the attempt lands in the audit trail.
	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(p.ID).Status)
	events, _ := env.repo.ListEventsByPayment(p.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeReconcileAttempted, events[0].EventType)
	assert.Contains(t, string(events[0].RawPayload), gateway.PaymentStatusAuthorized)
}

func TestReconciliationGatewayError(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := stuckProcessingFixture(env)
	env.gw.fetchPaymentFn = func(string) (*gateway.PaymentDetails, error) {
		return nil, errors.New("timeout")
	}

	_, err := s.ReconcilePayment(context.Background(), p)
	assert.ErrorIs(t, err, ErrGateway)

	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(p.ID).Status)
	events, _ := env.repo.ListEventsByPayment(p.ID)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].RawPayload), "fetch_error")
}

func TestReconciliationSweepErrorIsolation(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	broken := stuckProcessingFixture(env)
	healthy := env.repo.seedPayment(&models.Payment{
		AccountID: 42, AmountMinor: 1000, Status: models.PaymentStatusProcessing,
		GatewayOrderID: "order_ok", GatewayPaymentID: "pay_ok",
		CreatedAt: testClock.Add(-2 * time.Hour),
		UpdatedAt: testClock.Add(-40 * time.Minute),
	})
	env.gw.fetchPaymentFn = func(id string) (*gateway.PaymentDetails, error) {
		if id == "pay_stuck" {
			return nil, errors.New("timeout")
		}
		return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusCaptured, Amount: 1000}, nil
	}

	// One failing record must not stop the remaining sweep.
	require.NoError(t, s.RunReconciliationSweep(context.Background()))
	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(broken.ID).Status)
	assert.Equal(t, models.PaymentStatusSuccess, env.repo.mustGet(healthy.ID).Status)
}

func TestReconciliationSkipsFreshAndIncomplete(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)

	fresh := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusProcessing,
		GatewayPaymentID: "pay_fresh", UpdatedAt: testClock.Add(-5 * time.Minute),
		CreatedAt: testClock.Add(-5 * time.Minute),
	})
	// Stuck but confirmed through no gateway payment id: nothing to fetch.
	noPaymentID := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusProcessing,
		CreatedAt: testClock.Add(-2 * time.Hour), UpdatedAt: testClock.Add(-2 * time.Hour),
	})

	require.NoError(t, s.RunReconciliationSweep(context.Background()))

	assert.Empty(t, env.gw.fetchCalls)
	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(fresh.ID).Status)
	assert.Equal(t, models.PaymentStatusProcessing, env.repo.mustGet(noPaymentID.ID).Status)
}

func TestReconcilePaymentAlreadyResolved(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := stuckProcessingFixture(env)

	// A webhook settles the payment between listing and reconciling.
	_, err := env.svc.Transition(context.Background(), p.ID, models.PaymentStatusSuccess,
		models.EventTypePaymentCaptured, models.EventSourceGatewayWebhook, nil, "system", nil)
	require.NoError(t, err)
	env.gw.fetchPaymentFn = func(id string) (*gateway.PaymentDetails, error) {
		return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusCaptured, Amount: 50000}, nil
	}

	outcome, err := s.ReconcilePayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ReconcileAlreadyResolved, outcome)

	// Exactly one activation: the webhook's.
	assert.Equal(t, 1, env.activator.callCount())
}

func TestReconcilePaymentWithoutGatewayPaymentID(t *testing.T) {
	env := newTestEnv()
	s := newTestSweeper(env)
	p := env.repo.seedPayment(&models.Payment{
		AccountID: 1, AmountMinor: 1000, Status: models.PaymentStatusProcessing,
	})

	_, err := s.ReconcilePayment(context.Background(), p)
	assert.ErrorIs(t, err, ErrValidation)
}
