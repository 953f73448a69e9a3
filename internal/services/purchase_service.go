package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/letscrackdev/api/internal/domain"
	"github.com/letscrackdev/api/internal/payments"
	"github.com/letscrackdev/api/internal/repositories"
)

const (
	purchaseIDPrefix = "pur_"
	mockOrderPrefix  = "order_mock_"

	purchaseEventCompleted = "purchase.completed"
	purchaseEventFailed    = "purchase.failed"

	// Gateway webhook event types this service reacts to.
	GatewayEventPaymentCaptured = "payment.captured"
	GatewayEventPaymentFailed   = "payment.failed"
	GatewayEventOrderPaid       = "order.paid"

	defaultPurchasePageSize = 20
	maxPurchasePageSize     = 100
	defaultStalePendingAge  = 24 * time.Hour
)

var (
	// ErrPurchaseInvalidInput signals the caller provided invalid data.
	ErrPurchaseInvalidInput = errors.New("purchase: invalid input")
	// ErrPurchaseNotFound indicates the purchase could not be located for the caller.
	ErrPurchaseNotFound = errors.New("purchase: not found")
	// ErrPurchaseServiceNotFound indicates the referenced service offering does not exist.
	ErrPurchaseServiceNotFound = errors.New("purchase: service not found")
	// ErrPurchaseCourseNotFound indicates the referenced course does not exist.
	ErrPurchaseCourseNotFound = errors.New("purchase: course not found")
	// ErrPurchaseInvalidPrice rejects items whose stored price is not positive.
	ErrPurchaseInvalidPrice = errors.New("purchase: item price must be greater than 0")
	// ErrPurchaseAlreadyVerified indicates the payment was verified before.
	ErrPurchaseAlreadyVerified = errors.New("purchase: payment already verified")
	// ErrPurchaseSignatureMismatch indicates the submitted payment signature did not validate.
	ErrPurchaseSignatureMismatch = errors.New("purchase: payment signature mismatch")
	// ErrPurchaseConflict indicates a concurrent writer reached a terminal state first.
	ErrPurchaseConflict = errors.New("purchase: conflict")
	// ErrPurchaseGatewayFailure indicates the payment gateway could not open an order.
	ErrPurchaseGatewayFailure = errors.New("purchase: gateway failure")
	// ErrPurchaseUnavailable indicates a transient persistence outage.
	ErrPurchaseUnavailable = errors.New("purchase: unavailable")
)

// transitionEvent names the causes that move a purchase between states. Both
// the verifier and the webhook ingestor resolve their writes through the same
// table so there is exactly one definition of the state machine.
type transitionEvent string

const (
	eventClientVerified    transitionEvent = "client.verified"
	eventSignatureRejected transitionEvent = "signature.rejected"
	eventPaymentCaptured   transitionEvent = "payment.captured"
	eventPaymentFailed     transitionEvent = "payment.failed"
	eventOrderPaid         transitionEvent = "order.paid"
)

type transitionRule struct {
	from []domain.PurchaseStatus
	to   domain.PurchaseStatus
}

var purchaseTransitions = map[transitionEvent]transitionRule{
	eventClientVerified:    {from: []domain.PurchaseStatus{domain.PurchaseStatusPending}, to: domain.PurchaseStatusCompleted},
	eventSignatureRejected: {from: []domain.PurchaseStatus{domain.PurchaseStatusPending}, to: domain.PurchaseStatusFailed},
	eventPaymentCaptured:   {from: []domain.PurchaseStatus{domain.PurchaseStatusPending}, to: domain.PurchaseStatusCompleted},
	eventOrderPaid:         {from: []domain.PurchaseStatus{domain.PurchaseStatusPending}, to: domain.PurchaseStatusCompleted},
	// payment.failed is recorded even after completion; a settled failure from
	// the gateway outranks an optimistic client-side verification.
	eventPaymentFailed: {from: []domain.PurchaseStatus{domain.PurchaseStatusPending, domain.PurchaseStatusCompleted}, to: domain.PurchaseStatusFailed},
}

// nextStatus is the pure transition function: given the current status and an
// event it yields the target status and whether the transition is allowed.
func nextStatus(current domain.PurchaseStatus, event transitionEvent) (domain.PurchaseStatus, bool) {
	rule, ok := purchaseTransitions[event]
	if !ok {
		return current, false
	}
	for _, from := range rule.from {
		if current == from {
			return rule.to, true
		}
	}
	return current, false
}

func transitionSources(event transitionEvent) []domain.PurchaseStatus {
	rule, ok := purchaseTransitions[event]
	if !ok {
		return nil
	}
	out := make([]domain.PurchaseStatus, len(rule.from))
	copy(out, rule.from)
	return out
}

// PurchaseServiceDeps bundles collaborators required to construct the purchase service.
type PurchaseServiceDeps struct {
	Purchases    repositories.PurchaseRepository
	Catalog      repositories.CatalogRepository
	Entitlements EntitlementService
	Gateway      payments.Gateway
	// StrictGateway refuses to synthesize mock orders when no gateway client is
	// configured. Decided once at composition time, never from request state.
	StrictGateway bool
	KeySecret     string
	Currency      string
	SuccessURL    string
	CancelURL     string
	Events        PurchaseEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Sanitize      func(string) string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type purchaseService struct {
	purchases    repositories.PurchaseRepository
	catalog      repositories.CatalogRepository
	entitlements EntitlementService
	gateway      payments.Gateway
	strict       bool
	keySecret    string
	currency     string
	successURL   string
	cancelURL    string
	events       PurchaseEventPublisher
	clock        func() time.Time
	newID        func() string
	sanitize     func(string) string
	logger       func(context.Context, string, map[string]any)
}

// NewPurchaseService wires dependencies into a concrete PurchaseService implementation.
func NewPurchaseService(deps PurchaseServiceDeps) (PurchaseService, error) {
	if deps.Purchases == nil {
		return nil, errors.New("purchase service: purchase repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("purchase service: catalog repository is required")
	}
	// Outside strict mode an absent key secret just means every verify
	// attempt fails its signature check; checkout still works via mock orders.
	if deps.StrictGateway && strings.TrimSpace(deps.KeySecret) == "" {
		return nil, errors.New("purchase service: gateway key secret is required")
	}
	currency := payments.NormalizeCurrency(deps.Currency)
	if currency == "" {
		return nil, errors.New("purchase service: default currency is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		policy := bluemonday.StrictPolicy()
		sanitize = func(value string) string {
			return strings.TrimSpace(policy.Sanitize(value))
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &purchaseService{
		purchases:    deps.Purchases,
		catalog:      deps.Catalog,
		entitlements: deps.Entitlements,
		gateway:      deps.Gateway,
		strict:       deps.StrictGateway,
		keySecret:    deps.KeySecret,
		currency:     currency,
		successURL:   strings.TrimSpace(deps.SuccessURL),
		cancelURL:    strings.TrimSpace(deps.CancelURL),
		events:       deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		sanitize: sanitize,
		logger:   logger,
	}, nil
}

func (s *purchaseService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrPurchaseInvalidInput)
	}

	item, err := s.resolveItem(ctx, cmd)
	if err != nil {
		return CheckoutSession{}, err
	}
	if item.Price <= 0 {
		return CheckoutSession{}, ErrPurchaseInvalidPrice
	}

	now := s.now()
	currency := item.Currency
	if currency == "" {
		currency = s.currency
	}

	purchase := domain.Purchase{
		ID:             purchaseIDPrefix + s.newID(),
		UserID:         userID,
		Type:           cmd.PurchaseType,
		ItemName:       s.sanitize(item.Title),
		Amount:         item.Price,
		OriginalAmount: item.OriginalPrice,
		Currency:       currency,
		Status:         domain.PurchaseStatusPending,
		Metadata: map[string]string{
			"itemId":    item.ID,
			"itemType":  string(item.Type),
			"itemTitle": s.sanitize(item.Title),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cmd.PurchaseType == domain.PurchaseTypeCourse {
		purchase.CourseID = item.ID
	} else {
		purchase.ServiceID = item.ID
	}

	// The pending record goes in before the gateway call so an outage still
	// leaves an auditable attempt behind.
	if err := s.purchases.Insert(ctx, purchase); err != nil {
		return CheckoutSession{}, s.mapRepositoryError(err)
	}

	order, mock, err := s.openGatewayOrder(ctx, purchase)
	if err != nil {
		s.logger(ctx, "purchase.checkout.gateway_failed", map[string]any{
			"purchase": purchase.ID,
			"error":    err.Error(),
		})
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrPurchaseGatewayFailure, err)
	}

	bound, err := s.purchases.BindGatewayOrder(ctx, purchase.ID, order.ID, now)
	if err != nil {
		return CheckoutSession{}, s.mapRepositoryError(err)
	}

	session := CheckoutSession{
		PurchaseID: bound.ID,
		OrderID:    order.ID,
		Amount:     bound.Amount,
		Currency:   bound.Currency,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
		Mock:       mock,
	}
	if trimmed := strings.TrimSpace(cmd.SuccessURL); trimmed != "" {
		session.SuccessURL = trimmed
	}
	if trimmed := strings.TrimSpace(cmd.CancelURL); trimmed != "" {
		session.CancelURL = trimmed
	}
	return session, nil
}

func (s *purchaseService) resolveItem(ctx context.Context, cmd CheckoutCommand) (domain.CatalogItem, error) {
	switch cmd.PurchaseType {
	case domain.PurchaseTypeService:
		serviceID := strings.TrimSpace(cmd.ServiceID)
		if serviceID == "" {
			return domain.CatalogItem{}, fmt.Errorf("%w: serviceId is required for service purchases", ErrPurchaseInvalidInput)
		}
		item, err := s.catalog.FindService(ctx, serviceID)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.CatalogItem{}, ErrPurchaseServiceNotFound
			}
			return domain.CatalogItem{}, s.mapRepositoryError(err)
		}
		return item, nil
	case domain.PurchaseTypeCourse:
		courseID := strings.TrimSpace(cmd.CourseID)
		if courseID == "" {
			return domain.CatalogItem{}, fmt.Errorf("%w: courseId is required for course purchases", ErrPurchaseInvalidInput)
		}
		item, err := s.catalog.FindCourse(ctx, courseID)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.CatalogItem{}, ErrPurchaseCourseNotFound
			}
			return domain.CatalogItem{}, s.mapRepositoryError(err)
		}
		return item, nil
	default:
		return domain.CatalogItem{}, fmt.Errorf("%w: purchaseType must be %q or %q", ErrPurchaseInvalidInput, domain.PurchaseTypeService, domain.PurchaseTypeCourse)
	}
}

func (s *purchaseService) openGatewayOrder(ctx context.Context, purchase domain.Purchase) (payments.Order, bool, error) {
	if s.gateway == nil {
		if s.strict {
			return payments.Order{}, false, errors.New("gateway client not configured")
		}
		order := payments.Order{
			ID:       mockOrderPrefix + s.newID(),
			Amount:   payments.MinorUnits(purchase.Amount),
			Currency: purchase.Currency,
			Receipt:  purchase.ID,
			Status:   "created",
		}
		s.logger(ctx, "purchase.checkout.mock_order", map[string]any{
			"purchase": purchase.ID,
			"order":    order.ID,
		})
		return order, true, nil
	}

	order, err := s.gateway.CreateOrder(ctx, payments.CreateOrderRequest{
		Amount:   payments.MinorUnits(purchase.Amount),
		Currency: purchase.Currency,
		Receipt:  purchase.ID,
		Notes: map[string]string{
			"purchaseId": purchase.ID,
			"userId":     purchase.UserID,
		},
	})
	if err != nil {
		return payments.Order{}, false, err
	}
	return order, false, nil
}

func (s *purchaseService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Purchase, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.GatewayOrderID)
	paymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	signature := strings.TrimSpace(cmd.GatewaySignature)
	if userID == "" {
		return Purchase{}, fmt.Errorf("%w: user id is required", ErrPurchaseInvalidInput)
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return Purchase{}, fmt.Errorf("%w: gatewayOrderId, gatewayPaymentId and gatewaySignature are required", ErrPurchaseInvalidInput)
	}

	purchase, err := s.findForUser(ctx, userID, orderID)
	if err != nil {
		return Purchase{}, err
	}
	if purchase.Status == domain.PurchaseStatusCompleted {
		return Purchase{}, ErrPurchaseAlreadyVerified
	}

	if !payments.VerifyPaymentSignature(orderID, paymentID, signature, s.keySecret) {
		failed, applied, ferr := s.applyTransition(ctx, purchase, eventSignatureRejected, transitionExtras{
			failureReason: "signature mismatch",
		})
		if ferr != nil {
			s.logger(ctx, "purchase.verify.record_failure_failed", map[string]any{
				"purchase": purchase.ID,
				"error":    ferr.Error(),
			})
		} else if applied {
			s.publishEvent(ctx, purchaseEventFailed, failed)
		}
		return Purchase{}, ErrPurchaseSignatureMismatch
	}

	now := s.now()
	updated, applied, err := s.applyTransition(ctx, purchase, eventClientVerified, transitionExtras{
		paymentID:   paymentID,
		signature:   signature,
		completedAt: &now,
	})
	if err != nil {
		return Purchase{}, err
	}
	if !applied {
		if updated.Status == domain.PurchaseStatusCompleted {
			return Purchase{}, ErrPurchaseAlreadyVerified
		}
		return Purchase{}, fmt.Errorf("%w: purchase is %s", ErrPurchaseConflict, updated.Status)
	}

	s.applyEntitlement(ctx, updated)
	s.publishEvent(ctx, purchaseEventCompleted, updated)
	return updated, nil
}

func (s *purchaseService) ProcessGatewayEvent(ctx context.Context, event GatewayEvent) (WebhookOutcome, error) {
	eventType := strings.TrimSpace(event.Type)
	orderID := strings.TrimSpace(event.GatewayOrderID)

	var cause transitionEvent
	switch eventType {
	case GatewayEventPaymentCaptured:
		cause = eventPaymentCaptured
	case GatewayEventPaymentFailed:
		cause = eventPaymentFailed
	case GatewayEventOrderPaid:
		cause = eventOrderPaid
	default:
		s.logger(ctx, "purchase.webhook.ignored", map[string]any{"type": eventType})
		return WebhookOutcome{Handled: false}, nil
	}

	if orderID == "" {
		s.logger(ctx, "purchase.webhook.missing_order", map[string]any{"type": eventType})
		return WebhookOutcome{Handled: true}, nil
	}

	purchase, err := s.purchases.FindByGatewayOrder(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "purchase.webhook.unknown_order", map[string]any{
				"type":  eventType,
				"order": orderID,
			})
			return WebhookOutcome{Handled: true}, nil
		}
		return WebhookOutcome{}, s.mapRepositoryError(err)
	}

	extras := transitionExtras{
		paymentID:     strings.TrimSpace(event.GatewayPaymentID),
		failureReason: strings.TrimSpace(event.Reason),
	}
	if cause == eventPaymentCaptured || cause == eventOrderPaid {
		now := s.now()
		extras.completedAt = &now
		extras.failureReason = ""
	}

	updated, applied, err := s.applyTransition(ctx, purchase, cause, extras)
	if err != nil {
		return WebhookOutcome{}, err
	}
	if !applied {
		s.logger(ctx, "purchase.webhook.noop", map[string]any{
			"type":     eventType,
			"purchase": purchase.ID,
			"status":   string(updated.Status),
		})
		return WebhookOutcome{Handled: true, Status: updated.Status}, nil
	}

	switch updated.Status {
	case domain.PurchaseStatusCompleted:
		s.applyEntitlement(ctx, updated)
		s.publishEvent(ctx, purchaseEventCompleted, updated)
	case domain.PurchaseStatusFailed:
		s.publishEvent(ctx, purchaseEventFailed, updated)
	}

	return WebhookOutcome{Handled: true, Applied: true, Status: updated.Status}, nil
}

func (s *purchaseService) GetStatusByOrder(ctx context.Context, userID string, gatewayOrderID string) (Purchase, error) {
	userID = strings.TrimSpace(userID)
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if userID == "" {
		return Purchase{}, fmt.Errorf("%w: user id is required", ErrPurchaseInvalidInput)
	}
	if gatewayOrderID == "" {
		return Purchase{}, fmt.Errorf("%w: order id is required", ErrPurchaseInvalidInput)
	}
	return s.findForUser(ctx, userID, gatewayOrderID)
}

func (s *purchaseService) GetPurchase(ctx context.Context, userID string, purchaseID string) (Purchase, error) {
	userID = strings.TrimSpace(userID)
	purchaseID = strings.TrimSpace(purchaseID)
	if userID == "" {
		return Purchase{}, fmt.Errorf("%w: user id is required", ErrPurchaseInvalidInput)
	}
	if purchaseID == "" {
		return Purchase{}, fmt.Errorf("%w: purchase id is required", ErrPurchaseInvalidInput)
	}

	purchase, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return Purchase{}, s.mapRepositoryError(err)
	}
	if purchase.UserID != userID {
		return Purchase{}, ErrPurchaseNotFound
	}
	return purchase, nil
}

func (s *purchaseService) ListPurchases(ctx context.Context, query PurchaseListQuery) (domain.CursorPage[Purchase], error) {
	userID := strings.TrimSpace(query.UserID)
	if userID == "" {
		return domain.CursorPage[Purchase]{}, fmt.Errorf("%w: user id is required", ErrPurchaseInvalidInput)
	}

	page, err := s.purchases.ListByUser(ctx, repositories.PurchaseListFilter{
		UserID:     userID,
		Status:     query.Status,
		Pagination: clampPagination(query.Pagination),
	})
	if err != nil {
		return domain.CursorPage[Purchase]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *purchaseService) ListStalePending(ctx context.Context, query StalePendingQuery) (domain.CursorPage[Purchase], error) {
	cutoff := query.CreatedBefore
	if cutoff.IsZero() {
		cutoff = s.now().Add(-defaultStalePendingAge)
	}

	page, err := s.purchases.ListStalePending(ctx, repositories.StalePendingFilter{
		CreatedBefore: cutoff,
		Pagination:    clampPagination(query.Pagination),
	})
	if err != nil {
		return domain.CursorPage[Purchase]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

type transitionExtras struct {
	paymentID     string
	signature     string
	failureReason string
	completedAt   *time.Time
}

// applyTransition resolves the target state through nextStatus and hands the
// repository a conditional update carrying the same source-state set, so the
// transaction re-checks exactly what the pure function allowed.
func (s *purchaseService) applyTransition(ctx context.Context, purchase domain.Purchase, event transitionEvent, extras transitionExtras) (domain.Purchase, bool, error) {
	target, ok := nextStatus(purchase.Status, event)
	if !ok {
		return purchase, false, nil
	}

	updated, applied, err := s.purchases.Transition(ctx, repositories.PurchaseTransition{
		PurchaseID:       purchase.ID,
		From:             transitionSources(event),
		To:               target,
		GatewayPaymentID: extras.paymentID,
		GatewaySignature: extras.signature,
		FailureReason:    extras.failureReason,
		CompletedAt:      extras.completedAt,
		Now:              s.now(),
	})
	if err != nil {
		return domain.Purchase{}, false, s.mapRepositoryError(err)
	}
	return updated, applied, nil
}

func (s *purchaseService) applyEntitlement(ctx context.Context, purchase domain.Purchase) {
	if s.entitlements == nil {
		return
	}
	if err := s.entitlements.ApplyCompletedPurchase(ctx, purchase); err != nil {
		s.logger(ctx, "purchase.entitlement.failed", map[string]any{
			"purchase": purchase.ID,
			"user":     purchase.UserID,
			"error":    err.Error(),
		})
	}
}

func (s *purchaseService) publishEvent(ctx context.Context, eventType string, purchase domain.Purchase) {
	if s.events == nil {
		return
	}
	event := PurchaseEvent{
		Type:             eventType,
		PurchaseID:       purchase.ID,
		UserID:           purchase.UserID,
		GatewayOrderID:   purchase.GatewayOrderID,
		GatewayPaymentID: purchase.GatewayPaymentID,
		Status:           string(purchase.Status),
		Amount:           purchase.Amount,
		Currency:         purchase.Currency,
		OccurredAt:       s.now(),
	}
	if err := s.events.PublishPurchaseEvent(ctx, event); err != nil {
		s.logger(ctx, "purchase.event.publish_failed", map[string]any{
			"type":     eventType,
			"purchase": purchase.ID,
			"error":    err.Error(),
		})
	}
}

func (s *purchaseService) findForUser(ctx context.Context, userID string, gatewayOrderID string) (domain.Purchase, error) {
	purchase, err := s.purchases.FindByGatewayOrder(ctx, gatewayOrderID)
	if err != nil {
		return domain.Purchase{}, s.mapRepositoryError(err)
	}
	if purchase.UserID != userID {
		// Another user's order handle is indistinguishable from a missing one.
		return domain.Purchase{}, ErrPurchaseNotFound
	}
	return purchase, nil
}

func (s *purchaseService) now() time.Time {
	return s.clock()
}

func (s *purchaseService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPurchaseNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPurchaseConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPurchaseUnavailable, err)
		}
	}

	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func clampPagination(pager Pagination) domain.Pagination {
	size := pager.PageSize
	if size <= 0 {
		size = defaultPurchasePageSize
	}
	if size > maxPurchasePageSize {
		size = maxPurchasePageSize
	}
	return domain.Pagination{
		PageSize:  size,
		PageToken: strings.TrimSpace(pager.PageToken),
	}
}
