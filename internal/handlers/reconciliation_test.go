package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/letscrackdev/api/internal/domain"
	"github.com/letscrackdev/api/internal/services"
)

func newReconciliationRouter(service services.PurchaseService, clock func() time.Time) chi.Router {
	handler := NewReconciliationHandlers(service)
	if clock != nil {
		handler.clock = clock
	}
	router := chi.NewRouter()
	router.Route("/internal", handler.Routes)
	return router
}

func TestReconciliationHandlersListStalePending(t *testing.T) {
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)

	var captured services.StalePendingQuery
	service := &stubPurchaseService{
		stalePendingFn: func(ctx context.Context, query services.StalePendingQuery) (domain.CursorPage[services.Purchase], error) {
			captured = query
			return domain.CursorPage[services.Purchase]{
				Items: []services.Purchase{
					{
						ID:             "pur_stale",
						UserID:         "user-1",
						Type:           domain.PurchaseTypeCourse,
						Amount:         499,
						Currency:       "INR",
						Status:         domain.PurchaseStatusPending,
						GatewayOrderID: "order_rzp_456",
						CreatedAt:      created,
					},
				},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	router := newReconciliationRouter(service, func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/internal/reconciliation/purchases?created_before=2024-05-01T00:00:00Z&page_size=50", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	wantCutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if !captured.CreatedBefore.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %s, got %s", wantCutoff, captured.CreatedBefore)
	}
	if captured.Pagination.PageSize != 50 {
		t.Fatalf("expected page size 50, got %d", captured.Pagination.PageSize)
	}

	var body stalePurchaseListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "pur_stale" {
		t.Fatalf("unexpected items: %#v", body.Items)
	}
	if body.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", body.NextPageToken)
	}
}

func TestReconciliationHandlersDefaultCutoff(t *testing.T) {
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	var captured services.StalePendingQuery
	service := &stubPurchaseService{
		stalePendingFn: func(ctx context.Context, query services.StalePendingQuery) (domain.CursorPage[services.Purchase], error) {
			captured = query
			return domain.CursorPage[services.Purchase]{}, nil
		},
	}

	router := newReconciliationRouter(service, func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/internal/reconciliation/purchases", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !captured.CreatedBefore.IsZero() {
		t.Fatalf("expected zero cutoff passed to service, got %s", captured.CreatedBefore)
	}

	var body stalePurchaseListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	want := now.Add(-24 * time.Hour).Format(time.RFC3339Nano)
	if body.CreatedBefore != want {
		t.Fatalf("expected createdBefore %s, got %s", want, body.CreatedBefore)
	}
}

func TestReconciliationHandlersBadTimestamp(t *testing.T) {
	router := newReconciliationRouter(&stubPurchaseService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/internal/reconciliation/purchases?created_before=yesterday", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
