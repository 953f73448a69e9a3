package services

import (
	"context"
	"time"

	domain "github.com/letscrackdev/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Purchase           = domain.Purchase
	PurchaseType       = domain.PurchaseType
	PurchaseStatus     = domain.PurchaseStatus
	CatalogItem        = domain.CatalogItem
	UserAccount        = domain.UserAccount
	SystemHealthReport = domain.SystemHealthReport
)

// PurchaseService owns the purchase ledger: checkout session creation, payment
// verification, gateway webhook processing, and caller-scoped reads.
type PurchaseService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutSession, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Purchase, error)
	ProcessGatewayEvent(ctx context.Context, event GatewayEvent) (WebhookOutcome, error)
	GetStatusByOrder(ctx context.Context, userID string, gatewayOrderID string) (Purchase, error)
	GetPurchase(ctx context.Context, userID string, purchaseID string) (Purchase, error)
	ListPurchases(ctx context.Context, query PurchaseListQuery) (domain.CursorPage[Purchase], error)
	ListStalePending(ctx context.Context, query StalePendingQuery) (domain.CursorPage[Purchase], error)
}

// EntitlementService applies the side effects a completed purchase grants.
// Implementations must tolerate missing catalogue or user records: an
// entitlement failure never unwinds a completed payment.
type EntitlementService interface {
	ApplyCompletedPurchase(ctx context.Context, purchase Purchase) error
}

// SystemService aggregates build information and dependency health summaries.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PurchaseEventPublisher accepts purchase lifecycle notifications for downstream consumers.
type PurchaseEventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, event PurchaseEvent) error
}

// PurchaseEvent captures metadata for emitted purchase lifecycle events.
type PurchaseEvent struct {
	Type             string
	PurchaseID       string
	UserID           string
	GatewayOrderID   string
	GatewayPaymentID string
	Status           string
	Amount           float64
	Currency         string
	OccurredAt       time.Time
}

// Command and DTO definitions ------------------------------------------------

// CheckoutCommand captures the authenticated checkout request.
type CheckoutCommand struct {
	UserID       string
	PurchaseType PurchaseType
	ServiceID    string
	CourseID     string
	SuccessURL   string
	CancelURL    string
}

// CheckoutSession is the client-facing result of opening a gateway order.
type CheckoutSession struct {
	PurchaseID string
	OrderID    string
	Amount     float64
	Currency   string
	SuccessURL string
	CancelURL  string
	Mock       bool
}

// VerifyPaymentCommand carries the gateway evidence a client echoes back after paying.
type VerifyPaymentCommand struct {
	UserID           string
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
}

// GatewayEvent is a parsed, signature-verified webhook notification.
type GatewayEvent struct {
	Type             string
	GatewayOrderID   string
	GatewayPaymentID string
	Reason           string
}

// WebhookOutcome reports what processing a gateway event did. Handled is false
// for event types the service does not react to; Applied is true only when a
// status transition was actually written.
type WebhookOutcome struct {
	Handled bool
	Applied bool
	Status  PurchaseStatus
}

// PurchaseListQuery filters the caller-scoped purchase history.
type PurchaseListQuery struct {
	UserID     string
	Status     []PurchaseStatus
	Pagination Pagination
}

// StalePendingQuery selects pending purchases created before the cutoff.
type StalePendingQuery struct {
	CreatedBefore time.Time
	Pagination    Pagination
}
