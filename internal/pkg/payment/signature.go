package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyClientSignature checks the signature a client submits after checkout:
// HMAC-SHA256 over "orderID|paymentID" with the gateway key secret, hex
// encoded. Comparison is constant time.
func VerifyClientSignature(gatewayOrderID, gatewayPaymentID, providedSignature, secret string) bool {
	sig := strings.TrimSpace(providedSignature)
	if sig == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// VerifyWebhookSignature checks the gateway's webhook signature header:
// HMAC-SHA256 over the exact body bytes as received. The payload must not be
// re-serialized before verification or canonicalization differences break
// the comparison.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}
