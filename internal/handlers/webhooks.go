package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/letscrackdev/api/internal/payments"
	"github.com/letscrackdev/api/internal/platform/httpx"
	"github.com/letscrackdev/api/internal/platform/requestctx"
	"github.com/letscrackdev/api/internal/services"
)

const (
	webhookSignatureHeader = "X-Razorpay-Signature"
	maxWebhookBodySize     = 256 * 1024
)

// WebhookHandlers receives asynchronous payment gateway notifications. The
// endpoint authenticates with the gateway signature rather than user tokens.
type WebhookHandlers struct {
	purchases services.PurchaseService
	secret    string
}

// NewWebhookHandlers constructs the gateway webhook handler. An empty secret
// disables signature verification, which is only acceptable outside production.
func NewWebhookHandlers(purchases services.PurchaseService, secret string) *WebhookHandlers {
	return &WebhookHandlers{
		purchases: purchases,
		secret:    strings.TrimSpace(secret),
	}
}

// Routes registers the webhook endpoint on the purchases group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.handleWebhook)
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

func (h *WebhookHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.purchases == nil {
		httpx.WriteError(ctx, w, httpx.NewError("purchase_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	signature := strings.TrimSpace(r.Header.Get(webhookSignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("missing_signature", "webhook signature header is required", http.StatusBadRequest))
		return
	}

	if h.secret == "" {
		logger.Warn("webhook signature verification skipped: no secret configured")
	} else if !payments.VerifyWebhookSignature(body, signature, h.secret) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body must be valid JSON", http.StatusBadRequest))
		return
	}

	event := services.GatewayEvent{
		Type:             strings.TrimSpace(envelope.Event),
		GatewayOrderID:   strings.TrimSpace(envelope.Payload.Payment.Entity.OrderID),
		GatewayPaymentID: strings.TrimSpace(envelope.Payload.Payment.Entity.ID),
		Reason:           strings.TrimSpace(envelope.Payload.Payment.Entity.ErrorDescription),
	}
	if event.GatewayOrderID == "" {
		event.GatewayOrderID = strings.TrimSpace(envelope.Payload.Order.Entity.ID)
	}

	outcome, err := h.purchases.ProcessGatewayEvent(ctx, event)
	if err != nil {
		logger.Error("webhook processing failed",
			zap.String("event", event.Type),
			zap.String("orderId", event.GatewayOrderID),
			zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook event", http.StatusInternalServerError))
		return
	}

	if !outcome.Handled {
		logger.Info("ignoring unhandled webhook event", zap.String("event", event.Type))
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true})
}
