package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

var testClock = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// memRepo is an in-memory Repository. WithTx snapshots the stores and
// restores them when fn fails, which mirrors the rollback the GORM-backed
// repository gets from the database.
type memRepo struct {
	mu sync.Mutex

	payments map[uint]*models.Payment
	events   []models.PaymentEvent
	webhooks map[string]*models.WebhookEvent
	plans    map[string]*models.SubscriptionPlan

	nextPaymentID uint
	nextEventID   uint
	nextWebhookID uint

	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		payments: make(map[uint]*models.Payment),
		webhooks: make(map[string]*models.WebhookEvent),
		plans:    make(map[string]*models.SubscriptionPlan),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	_ = ctx
	r.mu.Lock()
	paymentsSnap := make(map[uint]*models.Payment, len(r.payments))
	for id, p := range r.payments {
		cp := *p
		paymentsSnap[id] = &cp
	}
	eventsLen := len(r.events)
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.payments = paymentsSnap
		r.events = r.events[:eventsLen]
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) DB() *gorm.DB { return nil }

func (r *memRepo) CreatePayment(p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPaymentID++
	p.ID = r.nextPaymentID
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = testClock
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memRepo) SavePayment(p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if _, ok := r.payments[p.ID]; !ok {
		return fmt.Errorf("%w (id=%d)", ErrRecordNotFound, p.ID)
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memRepo) GetPaymentByUUID(id string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.UUID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w (uuid=%s)", ErrRecordNotFound, id)
}

func (r *memRepo) GetPaymentForUpdate(id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w (id=%d)", ErrRecordNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetPaymentByGatewayOrderID(orderID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.GatewayOrderID == orderID && orderID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w (gateway_order_id=%s)", ErrRecordNotFound, orderID)
}

func (r *memRepo) GetPaymentByGatewayPaymentID(paymentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.GatewayPaymentID == paymentID && paymentID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w (gateway_payment_id=%s)", ErrRecordNotFound, paymentID)
}

func (r *memRepo) ListPaymentsByAccount(accountID uint, statuses []string, limit, offset int) ([]models.Payment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Payment
	for _, p := range r.payments {
		if p.AccountID != accountID {
			continue
		}
		if len(statuses) > 0 && !contains(statuses, p.Status) {
			continue
		}
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *memRepo) ListStuckProcessing(updatedBefore time.Time) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.Status == models.PaymentStatusProcessing && p.UpdatedAt.Before(updatedBefore) && p.GatewayPaymentID != "" {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListExpirable(createdBefore time.Time) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if (p.Status == models.PaymentStatusCreated || p.Status == models.PaymentStatusInitiated) && p.CreatedAt.Before(createdBefore) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) AppendEvent(e *models.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEventID++
	e.ID = r.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = testClock
	}
	r.events = append(r.events, *e)
	return nil
}

func (r *memRepo) ListEventsByPayment(paymentID uint) ([]models.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentEvent
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) CreateWebhookEventIfNotExists(e *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.webhooks[e.GatewayEventID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextWebhookID++
	e.ID = r.nextWebhookID
	e.CreatedAt = testClock
	cp := *e
	r.webhooks[e.GatewayEventID] = &cp
	out := cp
	return true, &out, nil
}

func (r *memRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.webhooks {
		if e.ID == id {
			e.ProcessingError = processingError
			if processingError == "" {
				now := testClock
				e.Processed = true
				e.ProcessedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w (webhook_event=%d)", ErrRecordNotFound, id)
}

func (r *memRepo) GetActivePlan(planID string) (*models.SubscriptionPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok || !plan.IsActive {
		return nil, fmt.Errorf("%w (plan=%s)", ErrRecordNotFound, planID)
	}
	cp := *plan
	return &cp, nil
}

func (r *memRepo) mustGet(id uint) *models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.payments[id]
	return &cp
}

func (r *memRepo) seedPlan(plan *models.SubscriptionPlan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan
}

func (r *memRepo) seedPayment(p *models.Payment) *models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPaymentID++
	p.ID = r.nextPaymentID
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = testClock
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	cp := *p
	r.payments[p.ID] = &cp
	return p
}

func (r *memRepo) eventTypes(paymentID uint) []string {
	events, _ := r.ListEventsByPayment(paymentID)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// fakeGateway is a scriptable gateway.Client.
type fakeGateway struct {
	mu sync.Mutex

	createOrderFn  func(amountMinor int64, currency, receipt string) (*gateway.Order, error)
	fetchPaymentFn func(id string) (*gateway.PaymentDetails, error)

	orderCount int
	fetchCalls []string
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*gateway.Order, error) {
	_ = ctx
	_ = notes
	g.mu.Lock()
	g.orderCount++
	n := g.orderCount
	fn := g.createOrderFn
	g.mu.Unlock()
	if fn != nil {
		return fn(amountMinor, currency, receipt)
	}
	return &gateway.Order{
		ID:       fmt.Sprintf("order_test%03d", n),
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) FetchPayment(ctx context.Context, id string) (*gateway.PaymentDetails, error) {
	_ = ctx
	g.mu.Lock()
	g.fetchCalls = append(g.fetchCalls, id)
	fn := g.fetchPaymentFn
	g.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return &gateway.PaymentDetails{ID: id, Status: gateway.PaymentStatusCaptured}, nil
}

// fakeActivator records activation calls.
type fakeActivator struct {
	mu sync.Mutex

	calls []activationCall
	err   error
}

type activationCall struct {
	accountID   uint
	amountMinor int64
	metadata    models.JSON
}

func (a *fakeActivator) Activate(ctx context.Context, db *gorm.DB, accountID uint, metadata models.JSON, amountMinor int64) error {
	_ = ctx
	_ = db
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.calls = append(a.calls, activationCall{accountID: accountID, amountMinor: amountMinor, metadata: metadata})
	return nil
}

func (a *fakeActivator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type testEnv struct {
	repo      *memRepo
	gw        *fakeGateway
	activator *fakeActivator
	svc       *Service
}

const (
	testKeySecret     = "test_key_secret"
	testWebhookSecret = "test_webhook_secret"
)

func newTestEnv() *testEnv {
	repo := newMemRepo()
	gw := &fakeGateway{}
	activator := &fakeActivator{}
	svc := NewService(repo, gw, activator, Config{
		KeySecret:     testKeySecret,
		WebhookSecret: testWebhookSecret,
	})
	svc.now = func() time.Time { return testClock }
	return &testEnv{repo: repo, gw: gw, activator: activator, svc: svc}
}

func (e *testEnv) newProcessor() *WebhookProcessor {
	seq := int64(0)
	return NewWebhookProcessor(e.repo, e.svc, testWebhookSecret, func(string) (int64, error) {
		seq++
		return seq, nil
	})
}

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func signBody(body []byte) string {
	return hmacHex(testWebhookSecret, string(body))
}
