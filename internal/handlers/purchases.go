package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/letscrackdev/api/internal/domain"
	"github.com/letscrackdev/api/internal/platform/auth"
	"github.com/letscrackdev/api/internal/platform/httpx"
	"github.com/letscrackdev/api/internal/services"
)

const (
	defaultPurchasePageSize = 20
	maxPurchasePageSize     = 100
	maxCheckoutBodySize     = 8 * 1024
	maxVerifyBodySize       = 8 * 1024
)

// PurchaseHandlers exposes the purchase lifecycle endpoints for authenticated users.
type PurchaseHandlers struct {
	authn     *auth.Authenticator
	purchases services.PurchaseService
}

// NewPurchaseHandlers constructs purchase handlers guarded by Firebase authentication.
func NewPurchaseHandlers(authn *auth.Authenticator, purchases services.PurchaseService) *PurchaseHandlers {
	return &PurchaseHandlers{
		authn:     authn,
		purchases: purchases,
	}
}

// Routes registers the authenticated purchase endpoints. The webhook route is
// registered separately because it carries gateway signatures, not user tokens.
func (h *PurchaseHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/checkout", h.checkout)
	group.Post("/verify", h.verifyPayment)
	group.Get("/status/{orderID}", h.getStatus)
	group.Get("/", h.listPurchases)
	group.Get("/{purchaseID}", h.getPurchase)
}

type checkoutRequest struct {
	PurchaseType string `json:"purchaseType"`
	ServiceID    string `json:"serviceId"`
	CourseID     string `json:"courseId"`
	SuccessURL   string `json:"successUrl"`
	CancelURL    string `json:"cancelUrl"`
}

type checkoutResponse struct {
	PurchaseID string  `json:"purchaseId"`
	OrderID    string  `json:"orderId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	SuccessURL string  `json:"successUrl,omitempty"`
	CancelURL  string  `json:"cancelUrl,omitempty"`
	Mock       bool    `json:"mock,omitempty"`
}

type verifyPaymentRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewaySignature string `json:"gatewaySignature"`
}

type verifyPaymentResponse struct {
	Purchase purchasePayload `json:"purchase"`
	Verified bool            `json:"verified"`
}

type purchaseStatusResponse struct {
	OrderID  string  `json:"orderId"`
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type purchaseListResponse struct {
	Items         []purchasePayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

type purchasePayload struct {
	ID               string  `json:"id"`
	PurchaseType     string  `json:"purchaseType"`
	ServiceID        string  `json:"serviceId,omitempty"`
	CourseID         string  `json:"courseId,omitempty"`
	ItemName         string  `json:"itemName,omitempty"`
	Amount           float64 `json:"amount"`
	OriginalAmount   float64 `json:"originalAmount,omitempty"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	GatewayOrderID   string  `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string  `json:"gatewayPaymentId,omitempty"`
	FailureReason    string  `json:"failureReason,omitempty"`
	CompletedAt      string  `json:"completedAt,omitempty"`
	CreatedAt        string  `json:"createdAt,omitempty"`
	UpdatedAt        string  `json:"updatedAt,omitempty"`
}

func (h *PurchaseHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	session, err := h.purchases.Checkout(ctx, services.CheckoutCommand{
		UserID:       identity.UID,
		PurchaseType: domain.PurchaseType(strings.ToLower(strings.TrimSpace(req.PurchaseType))),
		ServiceID:    strings.TrimSpace(req.ServiceID),
		CourseID:     strings.TrimSpace(req.CourseID),
		SuccessURL:   strings.TrimSpace(req.SuccessURL),
		CancelURL:    strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		PurchaseID: session.PurchaseID,
		OrderID:    session.OrderID,
		Amount:     session.Amount,
		Currency:   session.Currency,
		SuccessURL: session.SuccessURL,
		CancelURL:  session.CancelURL,
		Mock:       session.Mock,
	})
}

func (h *PurchaseHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxVerifyBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req verifyPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	purchase, err := h.purchases.VerifyPayment(ctx, services.VerifyPaymentCommand{
		UserID:           identity.UID,
		GatewayOrderID:   strings.TrimSpace(req.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
		GatewaySignature: strings.TrimSpace(req.GatewaySignature),
	})
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, verifyPaymentResponse{
		Purchase: buildPurchasePayload(purchase),
		Verified: true,
	})
}

func (h *PurchaseHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	purchase, err := h.purchases.GetStatusByOrder(ctx, identity.UID, orderID)
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, purchaseStatusResponse{
		OrderID:  purchase.GatewayOrderID,
		Status:   string(purchase.Status),
		Amount:   purchase.Amount,
		Currency: purchase.Currency,
	})
}

func (h *PurchaseHandlers) listPurchases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	statuses, err := parsePurchaseStatuses(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pageSize := defaultPurchasePageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultPurchasePageSize
		case size > maxPurchasePageSize:
			pageSize = maxPurchasePageSize
		default:
			pageSize = size
		}
	}

	page, err := h.purchases.ListPurchases(ctx, services.PurchaseListQuery{
		UserID: identity.UID,
		Status: statuses,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	items := make([]purchasePayload, 0, len(page.Items))
	for _, purchase := range page.Items {
		items = append(items, buildPurchasePayload(purchase))
	}

	writeJSONResponse(w, http.StatusOK, purchaseListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *PurchaseHandlers) getPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	purchaseID := strings.TrimSpace(chi.URLParam(r, "purchaseID"))
	if purchaseID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "purchase id is required", http.StatusBadRequest))
		return
	}

	purchase, err := h.purchases.GetPurchase(ctx, identity.UID, purchaseID)
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPurchasePayload(purchase))
}

func (h *PurchaseHandlers) requireService(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.purchases == nil {
		httpx.WriteError(ctx, w, httpx.NewError("purchase_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildPurchasePayload(purchase services.Purchase) purchasePayload {
	return purchasePayload{
		ID:               purchase.ID,
		PurchaseType:     string(purchase.Type),
		ServiceID:        purchase.ServiceID,
		CourseID:         purchase.CourseID,
		ItemName:         purchase.ItemName,
		Amount:           purchase.Amount,
		OriginalAmount:   purchase.OriginalAmount,
		Currency:         purchase.Currency,
		Status:           string(purchase.Status),
		GatewayOrderID:   purchase.GatewayOrderID,
		GatewayPaymentID: purchase.GatewayPaymentID,
		FailureReason:    purchase.FailureReason,
		CompletedAt:      formatTimePointer(purchase.CompletedAt),
		CreatedAt:        formatTime(purchase.CreatedAt),
		UpdatedAt:        formatTime(purchase.UpdatedAt),
	}
}

func parsePurchaseStatuses(values []string) ([]domain.PurchaseStatus, error) {
	filters := parseFilterValues(values)
	if len(filters) == 0 {
		return nil, nil
	}
	statuses := make([]domain.PurchaseStatus, 0, len(filters))
	for _, filter := range filters {
		status := domain.PurchaseStatus(filter)
		switch status {
		case domain.PurchaseStatusPending, domain.PurchaseStatusCompleted, domain.PurchaseStatusFailed, domain.PurchaseStatusRefunded:
			statuses = append(statuses, status)
		default:
			return nil, errors.New("status filter must be one of pending, completed, failed, refunded")
		}
	}
	return statuses, nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

func writePurchaseError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPurchaseInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseServiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("service_not_found", "Service not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPurchaseCourseNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("course_not_found", "Course not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPurchaseInvalidPrice):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_item_price", "Item price must be greater than 0", http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_not_found", "purchase not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPurchaseAlreadyVerified):
		httpx.WriteError(ctx, w, httpx.NewError("payment_already_verified", "Payment already verified", http.StatusConflict))
	case errors.Is(err, services.ErrPurchaseSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "payment signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseConflict):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPurchaseGatewayFailure):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "failed to create payment order", http.StatusInternalServerError))
	case errors.Is(err, services.ErrPurchaseUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("purchase_error", "failed to process purchase request", http.StatusInternalServerError))
	}
}
