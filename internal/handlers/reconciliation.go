package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/letscrackdev/api/internal/platform/httpx"
	"github.com/letscrackdev/api/internal/services"
)

// ReconciliationHandlers serves operator-facing views over the purchase
// ledger. Authentication is supplied by the /internal group middleware.
type ReconciliationHandlers struct {
	purchases services.PurchaseService
	clock     func() time.Time
}

// NewReconciliationHandlers constructs the internal reconciliation handlers.
func NewReconciliationHandlers(purchases services.PurchaseService) *ReconciliationHandlers {
	return &ReconciliationHandlers{
		purchases: purchases,
		clock:     time.Now,
	}
}

// Routes registers the reconciliation endpoints on the internal group.
func (h *ReconciliationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/reconciliation/purchases", h.listStalePending)
}

type stalePurchasePayload struct {
	ID             string  `json:"id"`
	UserID         string  `json:"userId"`
	PurchaseType   string  `json:"purchaseType"`
	ItemName       string  `json:"itemName,omitempty"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	Status         string  `json:"status"`
	GatewayOrderID string  `json:"gatewayOrderId,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

type stalePurchaseListResponse struct {
	Items         []stalePurchasePayload `json:"items"`
	NextPageToken string                 `json:"nextPageToken,omitempty"`
	CreatedBefore string                 `json:"createdBefore"`
}

func (h *ReconciliationHandlers) listStalePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.purchases == nil {
		httpx.WriteError(ctx, w, httpx.NewError("purchase_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var createdBefore time.Time
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before "+err.Error(), http.StatusBadRequest))
			return
		}
		createdBefore = ts
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

	page, err := h.purchases.ListStalePending(ctx, services.StalePendingQuery{
		CreatedBefore: createdBefore,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writePurchaseError(ctx, w, err)
		return
	}

	items := make([]stalePurchasePayload, 0, len(page.Items))
	cutoff := createdBefore
	for _, purchase := range page.Items {
		items = append(items, stalePurchasePayload{
			ID:             purchase.ID,
			UserID:         purchase.UserID,
			PurchaseType:   string(purchase.Type),
			ItemName:       purchase.ItemName,
			Amount:         purchase.Amount,
			Currency:       purchase.Currency,
			Status:         string(purchase.Status),
			GatewayOrderID: purchase.GatewayOrderID,
			CreatedAt:      formatTime(purchase.CreatedAt),
		})
	}
	if cutoff.IsZero() {
		cutoff = h.clock().UTC().Add(-24 * time.Hour)
	}

	writeJSONResponse(w, http.StatusOK, stalePurchaseListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
		CreatedBefore: formatTime(cutoff),
	})
}
