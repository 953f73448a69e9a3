package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PaymentSignaturePayload builds the canonical string the gateway signs after a
// successful client-side payment: "{orderID}|{paymentID}".
func PaymentSignaturePayload(orderID, paymentID string) string {
	return strings.TrimSpace(orderID) + "|" + strings.TrimSpace(paymentID)
}

// VerifyPaymentSignature checks the HMAC-SHA256 signature the client echoes
// back after completing a payment. Comparison is constant time.
func VerifyPaymentSignature(orderID, paymentID, signature, secret string) bool {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(paymentID) == "" {
		return false
	}
	return verifyHexSignature([]byte(PaymentSignaturePayload(orderID, paymentID)), signature, secret)
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature the gateway attaches
// to webhook deliveries, computed over the raw request body.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 {
		return false
	}
	return verifyHexSignature(body, signature, secret)
}

func verifyHexSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	// Exact digest bytes only: a case-flipped variant of a valid signature
	// must not verify.
	return hmac.Equal([]byte(expected), []byte(signature))
}
