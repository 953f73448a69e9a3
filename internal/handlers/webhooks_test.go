package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/letscrackdev/api/internal/services"
)

const testWebhookSecret = "whsec_test"

func signWebhookBody(t *testing.T, body []byte, secret string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookRouter(service services.PurchaseService, secret string) chi.Router {
	handler := NewWebhookHandlers(service, secret)
	router := chi.NewRouter()
	router.Route("/purchases", handler.Routes)
	return router
}

func TestWebhookHandlersMissingSignature(t *testing.T) {
	router := newWebhookRouter(&stubPurchaseService{}, testWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBufferString(`{"event":"payment.captured"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "missing_signature" {
		t.Fatalf("expected missing_signature error, got %v", body["error"])
	}
}

func TestWebhookHandlersInvalidSignature(t *testing.T) {
	router := newWebhookRouter(&stubPurchaseService{}, testWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBufferString(`{"event":"payment.captured"}`))
	req.Header.Set("X-Razorpay-Signature", "deadbeef")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "invalid_signature" {
		t.Fatalf("expected invalid_signature error, got %v", body["error"])
	}
}

func TestWebhookHandlersPaymentCaptured(t *testing.T) {
	var captured services.GatewayEvent
	service := &stubPurchaseService{
		processFn: func(ctx context.Context, event services.GatewayEvent) (services.WebhookOutcome, error) {
			captured = event
			return services.WebhookOutcome{Handled: true, Applied: true, Status: "completed"}, nil
		},
	}
	router := newWebhookRouter(service, testWebhookSecret)

	payload := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_789","order_id":"order_rzp_456"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBuffer(payload))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(t, payload, testWebhookSecret))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Type != "payment.captured" {
		t.Fatalf("expected payment.captured, got %s", captured.Type)
	}
	if captured.GatewayOrderID != "order_rzp_456" {
		t.Fatalf("expected order order_rzp_456, got %s", captured.GatewayOrderID)
	}
	if captured.GatewayPaymentID != "pay_789" {
		t.Fatalf("expected payment pay_789, got %s", captured.GatewayPaymentID)
	}

	var body webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Received {
		t.Fatalf("expected received true")
	}
}

func TestWebhookHandlersPaymentFailedCarriesReason(t *testing.T) {
	var captured services.GatewayEvent
	service := &stubPurchaseService{
		processFn: func(ctx context.Context, event services.GatewayEvent) (services.WebhookOutcome, error) {
			captured = event
			return services.WebhookOutcome{Handled: true, Applied: true, Status: "failed"}, nil
		},
	}
	router := newWebhookRouter(service, testWebhookSecret)

	payload := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_789","order_id":"order_rzp_456","error_description":"card declined"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBuffer(payload))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(t, payload, testWebhookSecret))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Reason != "card declined" {
		t.Fatalf("expected failure reason, got %q", captured.Reason)
	}
}

func TestWebhookHandlersOrderPaidUsesOrderEntity(t *testing.T) {
	var captured services.GatewayEvent
	service := &stubPurchaseService{
		processFn: func(ctx context.Context, event services.GatewayEvent) (services.WebhookOutcome, error) {
			captured = event
			return services.WebhookOutcome{Handled: true, Applied: true, Status: "completed"}, nil
		},
	}
	router := newWebhookRouter(service, testWebhookSecret)

	payload := []byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_rzp_456"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBuffer(payload))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(t, payload, testWebhookSecret))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.GatewayOrderID != "order_rzp_456" {
		t.Fatalf("expected order from order entity, got %s", captured.GatewayOrderID)
	}
	if captured.GatewayPaymentID != "" {
		t.Fatalf("expected no payment id, got %s", captured.GatewayPaymentID)
	}
}

func TestWebhookHandlersUnhandledEventStillAcknowledged(t *testing.T) {
	service := &stubPurchaseService{
		processFn: func(ctx context.Context, event services.GatewayEvent) (services.WebhookOutcome, error) {
			return services.WebhookOutcome{Handled: false}, nil
		},
	}
	router := newWebhookRouter(service, testWebhookSecret)

	payload := []byte(`{"event":"refund.processed","payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBuffer(payload))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(t, payload, testWebhookSecret))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Received {
		t.Fatalf("expected received true")
	}
}

func TestWebhookHandlersNoSecretSkipsVerification(t *testing.T) {
	service := &stubPurchaseService{
		processFn: func(ctx context.Context, event services.GatewayEvent) (services.WebhookOutcome, error) {
			return services.WebhookOutcome{Handled: true, Applied: true, Status: "completed"}, nil
		},
	}
	router := newWebhookRouter(service, "")

	payload := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_789","order_id":"order_rzp_456"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/purchases/webhook", bytes.NewBuffer(payload))
	req.Header.Set("X-Razorpay-Signature", "anything")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
