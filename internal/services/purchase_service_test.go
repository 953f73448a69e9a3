package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/letscrackdev/api/internal/domain"
	"github.com/letscrackdev/api/internal/payments"
	"github.com/letscrackdev/api/internal/repositories"
)

type repoError struct {
	message     string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string       { return e.message }
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return e.conflict }
func (e repoError) IsUnavailable() bool { return e.unavailable }

type stubPurchaseRepo struct {
	insertFn      func(context.Context, domain.Purchase) error
	bindFn        func(context.Context, string, string, time.Time) (domain.Purchase, error)
	findByIDFn    func(context.Context, string) (domain.Purchase, error)
	findByOrderFn func(context.Context, string) (domain.Purchase, error)
	transitionFn  func(context.Context, repositories.PurchaseTransition) (domain.Purchase, bool, error)
	listByUserFn  func(context.Context, repositories.PurchaseListFilter) (domain.CursorPage[domain.Purchase], error)
	listStaleFn   func(context.Context, repositories.StalePendingFilter) (domain.CursorPage[domain.Purchase], error)
}

func (s *stubPurchaseRepo) Insert(ctx context.Context, purchase domain.Purchase) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, purchase)
	}
	return nil
}

func (s *stubPurchaseRepo) BindGatewayOrder(ctx context.Context, purchaseID, orderID string, now time.Time) (domain.Purchase, error) {
	if s.bindFn != nil {
		return s.bindFn(ctx, purchaseID, orderID, now)
	}
	return domain.Purchase{ID: purchaseID, GatewayOrderID: orderID}, nil
}

func (s *stubPurchaseRepo) FindByID(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, purchaseID)
	}
	return domain.Purchase{}, repoError{message: "not found", notFound: true}
}

func (s *stubPurchaseRepo) FindByGatewayOrder(ctx context.Context, orderID string) (domain.Purchase, error) {
	if s.findByOrderFn != nil {
		return s.findByOrderFn(ctx, orderID)
	}
	return domain.Purchase{}, repoError{message: "not found", notFound: true}
}

func (s *stubPurchaseRepo) Transition(ctx context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Purchase{}, false, errors.New("not implemented")
}

func (s *stubPurchaseRepo) ListByUser(ctx context.Context, filter repositories.PurchaseListFilter) (domain.CursorPage[domain.Purchase], error) {
	if s.listByUserFn != nil {
		return s.listByUserFn(ctx, filter)
	}
	return domain.CursorPage[domain.Purchase]{}, nil
}

func (s *stubPurchaseRepo) ListStalePending(ctx context.Context, filter repositories.StalePendingFilter) (domain.CursorPage[domain.Purchase], error) {
	if s.listStaleFn != nil {
		return s.listStaleFn(ctx, filter)
	}
	return domain.CursorPage[domain.Purchase]{}, nil
}

type stubCatalogRepo struct {
	findServiceFn func(context.Context, string) (domain.CatalogItem, error)
	findCourseFn  func(context.Context, string) (domain.CatalogItem, error)
}

func (s *stubCatalogRepo) FindService(ctx context.Context, serviceID string) (domain.CatalogItem, error) {
	if s.findServiceFn != nil {
		return s.findServiceFn(ctx, serviceID)
	}
	return domain.CatalogItem{}, repoError{message: "not found", notFound: true}
}

func (s *stubCatalogRepo) FindCourse(ctx context.Context, courseID string) (domain.CatalogItem, error) {
	if s.findCourseFn != nil {
		return s.findCourseFn(ctx, courseID)
	}
	return domain.CatalogItem{}, repoError{message: "not found", notFound: true}
}

type stubEntitlements struct {
	applied []Purchase
	err     error
}

func (s *stubEntitlements) ApplyCompletedPurchase(_ context.Context, purchase Purchase) error {
	s.applied = append(s.applied, purchase)
	return s.err
}

type stubPublisher struct {
	events []PurchaseEvent
	err    error
}

func (s *stubPublisher) PublishPurchaseEvent(_ context.Context, event PurchaseEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubGateway struct {
	createFn func(context.Context, payments.CreateOrderRequest) (payments.Order, error)
}

func (s *stubGateway) Name() string { return "stub" }

func (s *stubGateway) CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (payments.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Order{}, errors.New("not implemented")
}

const testKeySecret = "rzp_secret_test"

func signPayment(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(testKeySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestPurchaseService(t *testing.T, deps PurchaseServiceDeps) PurchaseService {
	t.Helper()
	if deps.KeySecret == "" {
		deps.KeySecret = testKeySecret
	}
	if deps.Currency == "" {
		deps.Currency = "INR"
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		}
	}
	if deps.IDGenerator == nil {
		counter := 0
		deps.IDGenerator = func() string {
			counter++
			return "TESTID" + strings.Repeat("0", counter)
		}
	}
	svc, err := NewPurchaseService(deps)
	if err != nil {
		t.Fatalf("failed to build purchase service: %v", err)
	}
	return svc
}

func TestNewPurchaseServiceKeySecretPolicy(t *testing.T) {
	deps := PurchaseServiceDeps{
		Purchases: &stubPurchaseRepo{},
		Catalog:   &stubCatalogRepo{},
		Currency:  "INR",
	}

	if _, err := NewPurchaseService(deps); err != nil {
		t.Fatalf("expected service without key secret to construct outside strict mode, got %v", err)
	}

	deps.StrictGateway = true
	if _, err := NewPurchaseService(deps); err == nil {
		t.Fatalf("expected strict mode to require a key secret")
	}
}

func TestNextStatusTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		current domain.PurchaseStatus
		event   transitionEvent
		want    domain.PurchaseStatus
		allowed bool
	}{
		{"verify pending", domain.PurchaseStatusPending, eventClientVerified, domain.PurchaseStatusCompleted, true},
		{"verify completed", domain.PurchaseStatusCompleted, eventClientVerified, domain.PurchaseStatusCompleted, false},
		{"verify failed", domain.PurchaseStatusFailed, eventClientVerified, domain.PurchaseStatusFailed, false},
		{"capture pending", domain.PurchaseStatusPending, eventPaymentCaptured, domain.PurchaseStatusCompleted, true},
		{"capture completed", domain.PurchaseStatusCompleted, eventPaymentCaptured, domain.PurchaseStatusCompleted, false},
		{"order paid pending", domain.PurchaseStatusPending, eventOrderPaid, domain.PurchaseStatusCompleted, true},
		{"fail pending", domain.PurchaseStatusPending, eventPaymentFailed, domain.PurchaseStatusFailed, true},
		{"fail completed", domain.PurchaseStatusCompleted, eventPaymentFailed, domain.PurchaseStatusFailed, true},
		{"fail failed", domain.PurchaseStatusFailed, eventPaymentFailed, domain.PurchaseStatusFailed, false},
		{"reject pending", domain.PurchaseStatusPending, eventSignatureRejected, domain.PurchaseStatusFailed, true},
		{"reject completed", domain.PurchaseStatusCompleted, eventSignatureRejected, domain.PurchaseStatusCompleted, false},
		{"unknown event", domain.PurchaseStatusPending, transitionEvent("bogus"), domain.PurchaseStatusPending, false},
		{"refunded terminal", domain.PurchaseStatusRefunded, eventPaymentCaptured, domain.PurchaseStatusRefunded, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, allowed := nextStatus(tc.current, tc.event)
			if allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %v", tc.allowed, allowed)
			}
			if got != tc.want {
				t.Fatalf("expected status %s, got %s", tc.want, got)
			}
		})
	}
}

func TestPurchaseServiceCheckoutCreatesPendingBeforeGateway(t *testing.T) {
	var inserted *domain.Purchase
	var gatewayCalledAfterInsert bool
	var captured payments.CreateOrderRequest
	var boundOrder string

	repo := &stubPurchaseRepo{
		insertFn: func(_ context.Context, purchase domain.Purchase) error {
			inserted = &purchase
			return nil
		},
		bindFn: func(_ context.Context, purchaseID, orderID string, _ time.Time) (domain.Purchase, error) {
			boundOrder = orderID
			return domain.Purchase{ID: purchaseID, Amount: 499, Currency: "INR", GatewayOrderID: orderID}, nil
		},
	}
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{
				ID:        "course-1",
				Type:      domain.PurchaseTypeCourse,
				Title:     "Advanced Crypto",
				Price:     499,
				Currency:  "INR",
				IsPremium: true,
				Active:    true,
			}, nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, req payments.CreateOrderRequest) (payments.Order, error) {
			gatewayCalledAfterInsert = inserted != nil
			captured = req
			return payments.Order{ID: "order_rzp_456", Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"}, nil
		},
	}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   catalog,
		Gateway:   gateway,
	})

	session, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:       "user-1",
		PurchaseType: domain.PurchaseTypeCourse,
		CourseID:     "course-1",
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if inserted == nil {
		t.Fatalf("expected pending purchase to be inserted")
	}
	if inserted.Status != domain.PurchaseStatusPending {
		t.Fatalf("expected pending status, got %s", inserted.Status)
	}
	if inserted.GatewayOrderID != "" {
		t.Fatalf("expected no order id at insert time, got %s", inserted.GatewayOrderID)
	}
	if !strings.HasPrefix(inserted.ID, "pur_") {
		t.Fatalf("expected pur_ id prefix, got %s", inserted.ID)
	}
	if inserted.CourseID != "course-1" {
		t.Fatalf("expected course id on purchase, got %s", inserted.CourseID)
	}
	if !gatewayCalledAfterInsert {
		t.Fatalf("expected gateway call after the pending insert")
	}
	if captured.Amount != 49900 {
		t.Fatalf("expected gateway amount in minor units 49900, got %d", captured.Amount)
	}
	if captured.Receipt != inserted.ID {
		t.Fatalf("expected receipt %s, got %s", inserted.ID, captured.Receipt)
	}
	if boundOrder != "order_rzp_456" {
		t.Fatalf("expected order bound to purchase, got %s", boundOrder)
	}
	if session.OrderID != "order_rzp_456" || session.Mock {
		t.Fatalf("unexpected session: %#v", session)
	}
}

func TestPurchaseServiceCheckoutMockOrderWithoutGateway(t *testing.T) {
	repo := &stubPurchaseRepo{}
	catalog := &stubCatalogRepo{
		findServiceFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{ID: "svc-1", Type: domain.PurchaseTypeService, Title: "Mentoring", Price: 999, Active: true}, nil
		},
	}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   catalog,
	})

	session, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:       "user-1",
		PurchaseType: domain.PurchaseTypeService,
		ServiceID:    "svc-1",
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !session.Mock {
		t.Fatalf("expected mock session without gateway")
	}
	if !strings.HasPrefix(session.OrderID, "order_mock_") {
		t.Fatalf("expected mock order prefix, got %s", session.OrderID)
	}
}

func TestPurchaseServiceCheckoutStrictRejectsMissingGateway(t *testing.T) {
	inserted := false
	repo := &stubPurchaseRepo{
		insertFn: func(context.Context, domain.Purchase) error {
			inserted = true
			return nil
		},
	}
	catalog := &stubCatalogRepo{
		findServiceFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{ID: "svc-1", Type: domain.PurchaseTypeService, Title: "Mentoring", Price: 999, Active: true}, nil
		},
	}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases:     repo,
		Catalog:       catalog,
		StrictGateway: true,
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:       "user-1",
		PurchaseType: domain.PurchaseTypeService,
		ServiceID:    "svc-1",
	})
	if !errors.Is(err, ErrPurchaseGatewayFailure) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if !inserted {
		t.Fatalf("expected the pending record to survive the gateway failure")
	}
}

func TestPurchaseServiceCheckoutValidation(t *testing.T) {
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{ID: "course-free", Type: domain.PurchaseTypeCourse, Title: "Freebie", Price: 0, Active: true}, nil
		},
	}
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: &stubPurchaseRepo{},
		Catalog:   catalog,
	})

	cases := []struct {
		name string
		cmd  CheckoutCommand
		want error
	}{
		{"missing user", CheckoutCommand{PurchaseType: domain.PurchaseTypeCourse, CourseID: "c"}, ErrPurchaseInvalidInput},
		{"missing course id", CheckoutCommand{UserID: "u", PurchaseType: domain.PurchaseTypeCourse}, ErrPurchaseInvalidInput},
		{"missing service id", CheckoutCommand{UserID: "u", PurchaseType: domain.PurchaseTypeService}, ErrPurchaseInvalidInput},
		{"bad type", CheckoutCommand{UserID: "u", PurchaseType: "subscription"}, ErrPurchaseInvalidInput},
		{"zero price", CheckoutCommand{UserID: "u", PurchaseType: domain.PurchaseTypeCourse, CourseID: "course-free"}, ErrPurchaseInvalidPrice},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPurchaseServiceCheckoutCourseNotFound(t *testing.T) {
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: &stubPurchaseRepo{},
		Catalog:   &stubCatalogRepo{},
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:       "user-1",
		PurchaseType: domain.PurchaseTypeCourse,
		CourseID:     "missing",
	})
	if !errors.Is(err, ErrPurchaseCourseNotFound) {
		t.Fatalf("expected course not found, got %v", err)
	}

	_, err = svc.Checkout(context.Background(), CheckoutCommand{
		UserID:       "user-1",
		PurchaseType: domain.PurchaseTypeService,
		ServiceID:    "missing",
	})
	if !errors.Is(err, ErrPurchaseServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
}

func TestPurchaseServiceVerifyPaymentSuccess(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Type:           domain.PurchaseTypeCourse,
		CourseID:       "course-1",
		Amount:         499,
		Currency:       "INR",
		Status:         domain.PurchaseStatusPending,
		GatewayOrderID: "order_rzp_456",
	}

	var captured repositories.PurchaseTransition
	repo := &stubPurchaseRepo{
		findByOrderFn: func(_ context.Context, orderID string) (domain.Purchase, error) {
			if orderID != "order_rzp_456" {
				return domain.Purchase{}, repoError{message: "not found", notFound: true}
			}
			return pending, nil
		},
		transitionFn: func(_ context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
			captured = cmd
			updated := pending
			updated.Status = cmd.To
			updated.GatewayPaymentID = cmd.GatewayPaymentID
			updated.GatewaySignature = cmd.GatewaySignature
			updated.CompletedAt = cmd.CompletedAt
			return updated, true, nil
		},
	}
	entitlements := &stubEntitlements{}
	publisher := &stubPublisher{}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases:    repo,
		Catalog:      &stubCatalogRepo{},
		Entitlements: entitlements,
		Events:       publisher,
		Clock:        func() time.Time { return now },
	})

	signature := signPayment("order_rzp_456", "pay_789")
	updated, err := svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:           "user-1",
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		GatewaySignature: signature,
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if updated.Status != domain.PurchaseStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if captured.To != domain.PurchaseStatusCompleted {
		t.Fatalf("expected transition to completed, got %s", captured.To)
	}
	if len(captured.From) != 1 || captured.From[0] != domain.PurchaseStatusPending {
		t.Fatalf("expected transition from pending only, got %v", captured.From)
	}
	if captured.GatewayPaymentID != "pay_789" || captured.GatewaySignature != signature {
		t.Fatalf("expected gateway evidence on transition, got %#v", captured)
	}
	if captured.CompletedAt == nil || !captured.CompletedAt.Equal(now) {
		t.Fatalf("expected completedAt %s, got %v", now, captured.CompletedAt)
	}
	if len(entitlements.applied) != 1 || entitlements.applied[0].ID != "pur_123" {
		t.Fatalf("expected entitlement applied once, got %#v", entitlements.applied)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "purchase.completed" {
		t.Fatalf("expected purchase.completed event, got %#v", publisher.events)
	}
}

func TestPurchaseServiceVerifyPaymentSignatureMismatch(t *testing.T) {
	pending := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Status:         domain.PurchaseStatusPending,
		GatewayOrderID: "order_rzp_456",
	}

	var captured repositories.PurchaseTransition
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return pending, nil
		},
		transitionFn: func(_ context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
			captured = cmd
			updated := pending
			updated.Status = cmd.To
			updated.FailureReason = cmd.FailureReason
			return updated, true, nil
		},
	}
	publisher := &stubPublisher{}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
		Events:    publisher,
	})

	_, err := svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:           "user-1",
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		GatewaySignature: "deadbeef",
	})
	if !errors.Is(err, ErrPurchaseSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if captured.To != domain.PurchaseStatusFailed {
		t.Fatalf("expected failed transition recorded, got %s", captured.To)
	}
	if captured.FailureReason != "signature mismatch" {
		t.Fatalf("expected failure reason recorded, got %q", captured.FailureReason)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "purchase.failed" {
		t.Fatalf("expected purchase.failed event, got %#v", publisher.events)
	}
}

func TestPurchaseServiceVerifyPaymentAlreadyVerified(t *testing.T) {
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return domain.Purchase{
				ID:             "pur_123",
				UserID:         "user-1",
				Status:         domain.PurchaseStatusCompleted,
				GatewayOrderID: "order_rzp_456",
			}, nil
		},
	}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
	})

	_, err := svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:           "user-1",
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		GatewaySignature: signPayment("order_rzp_456", "pay_789"),
	})
	if !errors.Is(err, ErrPurchaseAlreadyVerified) {
		t.Fatalf("expected already verified, got %v", err)
	}
}

func TestPurchaseServiceVerifyPaymentLostRace(t *testing.T) {
	pending := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Status:         domain.PurchaseStatusPending,
		GatewayOrderID: "order_rzp_456",
	}

	cases := []struct {
		name       string
		raceStatus domain.PurchaseStatus
		want       error
	}{
		{"completed by webhook", domain.PurchaseStatusCompleted, ErrPurchaseAlreadyVerified},
		{"failed by webhook", domain.PurchaseStatusFailed, ErrPurchaseConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubPurchaseRepo{
				findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
					return pending, nil
				},
				transitionFn: func(_ context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
					raced := pending
					raced.Status = tc.raceStatus
					return raced, false, nil
				},
			}
			svc := newTestPurchaseService(t, PurchaseServiceDeps{
				Purchases: repo,
				Catalog:   &stubCatalogRepo{},
			})

			_, err := svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
				UserID:           "user-1",
				GatewayOrderID:   "order_rzp_456",
				GatewayPaymentID: "pay_789",
				GatewaySignature: signPayment("order_rzp_456", "pay_789"),
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPurchaseServiceVerifyPaymentOtherUsersOrder(t *testing.T) {
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return domain.Purchase{ID: "pur_123", UserID: "someone-else", Status: domain.PurchaseStatusPending}, nil
		},
	}
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
	})

	_, err := svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:           "user-1",
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		GatewaySignature: signPayment("order_rzp_456", "pay_789"),
	})
	if !errors.Is(err, ErrPurchaseNotFound) {
		t.Fatalf("expected not found for another user's order, got %v", err)
	}
}

func TestPurchaseServiceProcessGatewayEventCaptured(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Type:           domain.PurchaseTypeCourse,
		CourseID:       "course-1",
		Status:         domain.PurchaseStatusPending,
		GatewayOrderID: "order_rzp_456",
	}

	var captured repositories.PurchaseTransition
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return pending, nil
		},
		transitionFn: func(_ context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
			captured = cmd
			updated := pending
			updated.Status = cmd.To
			updated.GatewayPaymentID = cmd.GatewayPaymentID
			updated.CompletedAt = cmd.CompletedAt
			return updated, true, nil
		},
	}
	entitlements := &stubEntitlements{}
	publisher := &stubPublisher{}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases:    repo,
		Catalog:      &stubCatalogRepo{},
		Entitlements: entitlements,
		Events:       publisher,
		Clock:        func() time.Time { return now },
	})

	outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{
		Type:             GatewayEventPaymentCaptured,
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !outcome.Handled || !outcome.Applied {
		t.Fatalf("expected handled and applied, got %#v", outcome)
	}
	if outcome.Status != domain.PurchaseStatusCompleted {
		t.Fatalf("expected completed status, got %s", outcome.Status)
	}
	if captured.GatewayPaymentID != "pay_789" {
		t.Fatalf("expected payment id on transition, got %s", captured.GatewayPaymentID)
	}
	if captured.CompletedAt == nil || !captured.CompletedAt.Equal(now) {
		t.Fatalf("expected completedAt set, got %v", captured.CompletedAt)
	}
	if len(entitlements.applied) != 1 {
		t.Fatalf("expected entitlement applied, got %d", len(entitlements.applied))
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "purchase.completed" {
		t.Fatalf("expected purchase.completed event, got %#v", publisher.events)
	}
}

func TestPurchaseServiceProcessGatewayEventFailedAfterCompletion(t *testing.T) {
	completed := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Status:         domain.PurchaseStatusCompleted,
		GatewayOrderID: "order_rzp_456",
	}

	var captured repositories.PurchaseTransition
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return completed, nil
		},
		transitionFn: func(_ context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
			captured = cmd
			updated := completed
			updated.Status = cmd.To
			updated.FailureReason = cmd.FailureReason
			return updated, true, nil
		},
	}
	publisher := &stubPublisher{}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
		Events:    publisher,
	})

	outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{
		Type:             GatewayEventPaymentFailed,
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		Reason:           "card declined",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !outcome.Applied || outcome.Status != domain.PurchaseStatusFailed {
		t.Fatalf("expected applied failed outcome, got %#v", outcome)
	}
	if len(captured.From) != 2 {
		t.Fatalf("expected failure allowed from pending and completed, got %v", captured.From)
	}
	if captured.FailureReason != "card declined" {
		t.Fatalf("expected failure reason carried through, got %q", captured.FailureReason)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "purchase.failed" {
		t.Fatalf("expected purchase.failed event, got %#v", publisher.events)
	}
}

func TestPurchaseServiceProcessGatewayEventIdempotentReplay(t *testing.T) {
	completed := domain.Purchase{
		ID:             "pur_123",
		UserID:         "user-1",
		Status:         domain.PurchaseStatusCompleted,
		GatewayOrderID: "order_rzp_456",
	}
	repo := &stubPurchaseRepo{
		findByOrderFn: func(context.Context, string) (domain.Purchase, error) {
			return completed, nil
		},
		transitionFn: func(context.Context, repositories.PurchaseTransition) (domain.Purchase, bool, error) {
			t.Fatalf("transition should not be attempted for a replayed capture")
			return domain.Purchase{}, false, nil
		},
	}
	entitlements := &stubEntitlements{}
	publisher := &stubPublisher{}

	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases:    repo,
		Catalog:      &stubCatalogRepo{},
		Entitlements: entitlements,
		Events:       publisher,
	})

	outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{
		Type:             GatewayEventPaymentCaptured,
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !outcome.Handled || outcome.Applied {
		t.Fatalf("expected handled no-op, got %#v", outcome)
	}
	if len(entitlements.applied) != 0 {
		t.Fatalf("expected no duplicate entitlement, got %d", len(entitlements.applied))
	}
	if len(publisher.events) != 0 {
		t.Fatalf("expected no duplicate events, got %#v", publisher.events)
	}
}

func TestPurchaseServiceProcessGatewayEventUnknowns(t *testing.T) {
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: &stubPurchaseRepo{},
		Catalog:   &stubCatalogRepo{},
	})

	t.Run("unknown event type", func(t *testing.T) {
		outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{Type: "refund.processed"})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if outcome.Handled {
			t.Fatalf("expected unhandled outcome")
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{
			Type:           GatewayEventPaymentCaptured,
			GatewayOrderID: "order_unknown",
		})
		if err != nil {
			t.Fatalf("expected nil error for unknown order, got %v", err)
		}
		if !outcome.Handled || outcome.Applied {
			t.Fatalf("expected handled no-op, got %#v", outcome)
		}
	})

	t.Run("missing order id", func(t *testing.T) {
		outcome, err := svc.ProcessGatewayEvent(context.Background(), GatewayEvent{Type: GatewayEventOrderPaid})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !outcome.Handled || outcome.Applied {
			t.Fatalf("expected handled no-op, got %#v", outcome)
		}
	})
}

func TestPurchaseServiceListPurchasesClampsPagination(t *testing.T) {
	var captured repositories.PurchaseListFilter
	repo := &stubPurchaseRepo{
		listByUserFn: func(_ context.Context, filter repositories.PurchaseListFilter) (domain.CursorPage[domain.Purchase], error) {
			captured = filter
			return domain.CursorPage[domain.Purchase]{}, nil
		},
	}
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
	})

	if _, err := svc.ListPurchases(context.Background(), PurchaseListQuery{
		UserID:     "user-1",
		Pagination: Pagination{PageSize: 500},
	}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Pagination.PageSize != maxPurchasePageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxPurchasePageSize, captured.Pagination.PageSize)
	}

	if _, err := svc.ListPurchases(context.Background(), PurchaseListQuery{UserID: "user-1"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Pagination.PageSize != defaultPurchasePageSize {
		t.Fatalf("expected default page size %d, got %d", defaultPurchasePageSize, captured.Pagination.PageSize)
	}
}

func TestPurchaseServiceListStalePendingDefaultCutoff(t *testing.T) {
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	var captured repositories.StalePendingFilter
	repo := &stubPurchaseRepo{
		listStaleFn: func(_ context.Context, filter repositories.StalePendingFilter) (domain.CursorPage[domain.Purchase], error) {
			captured = filter
			return domain.CursorPage[domain.Purchase]{}, nil
		},
	}
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
		Clock:     func() time.Time { return now },
	})

	if _, err := svc.ListStalePending(context.Background(), StalePendingQuery{}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := now.Add(-24 * time.Hour)
	if !captured.CreatedBefore.Equal(want) {
		t.Fatalf("expected default cutoff %s, got %s", want, captured.CreatedBefore)
	}
}

func TestPurchaseServiceGetPurchaseScopedToUser(t *testing.T) {
	repo := &stubPurchaseRepo{
		findByIDFn: func(_ context.Context, purchaseID string) (domain.Purchase, error) {
			return domain.Purchase{ID: purchaseID, UserID: "someone-else"}, nil
		},
	}
	svc := newTestPurchaseService(t, PurchaseServiceDeps{
		Purchases: repo,
		Catalog:   &stubCatalogRepo{},
	})

	_, err := svc.GetPurchase(context.Background(), "user-1", "pur_123")
	if !errors.Is(err, ErrPurchaseNotFound) {
		t.Fatalf("expected not found for foreign purchase, got %v", err)
	}
}

var _ repositories.PurchaseRepository = (*stubPurchaseRepo)(nil)
var _ repositories.CatalogRepository = (*stubCatalogRepo)(nil)
var _ EntitlementService = (*stubEntitlements)(nil)
var _ PurchaseEventPublisher = (*stubPublisher)(nil)
var _ payments.Gateway = (*stubGateway)(nil)
