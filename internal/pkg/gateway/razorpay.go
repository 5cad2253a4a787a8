package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const defaultRazorpayBaseURL = "https://api.razorpay.com/v1"

// Gateway-side payment statuses reported by FetchPayment.
const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusFailed     = "failed"
)

// Client is the outbound contract against the payment gateway. The gateway
// is the external system of record for settlement truth.
type Client interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Order, error)
	FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error)
}

// Order is the gateway's order entity as returned by order creation.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// PaymentDetails is the gateway's view of a single payment.
type PaymentDetails struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// RazorpayClient talks to the Razorpay REST API with basic-auth key credentials.
type RazorpayClient struct {
	KeyID     string
	KeySecret string
	BaseURL   string

	HTTPClient *http.Client
}

// NewRazorpayClientFromEnv builds a client from RAZORPAY_* settings. The
// request timeout bounds reconciliation fetches so one slow payment cannot
// stall a sweep.
func NewRazorpayClientFromEnv() *RazorpayClient {
	timeout := time.Duration(env.GetEnvInt("RAZORPAY_TIMEOUT_SECONDS", 5)) * time.Second
	return &RazorpayClient{
		KeyID:     strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", "")),
		KeySecret: strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", "")),
		BaseURL:   strings.TrimRight(env.GetEnv("RAZORPAY_API_BASE_URL", defaultRazorpayBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *RazorpayClient) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Order, error) {
	if strings.TrimSpace(c.KeyID) == "" || strings.TrimSpace(c.KeySecret) == "" {
		return nil, errors.New("RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET are not configured")
	}
	if amountMinor <= 0 {
		return nil, errors.New("order amount must be positive")
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, err
	}

	var order Order
	if err := c.doJSON(ctx, http.MethodPost, "/orders", bytes.NewReader(body), &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, errors.New("gateway returned order without id")
	}
	return &order, nil
}

func (c *RazorpayClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	if strings.TrimSpace(gatewayPaymentID) == "" {
		return nil, errors.New("gateway payment id is required")
	}

	var details PaymentDetails
	if err := c.doJSON(ctx, http.MethodGet, "/payments/"+gatewayPaymentID, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *RazorpayClient) doJSON(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway request %s %s failed with status %d: %s", method, path, resp.StatusCode, truncate(raw, 256))
	}
	return json.Unmarshal(raw, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
