package repositories

import (
	"context"
	"time"

	domain "github.com/letscrackdev/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Purchases() PurchaseRepository
	Catalog() CatalogRepository
	Users() UserRepository
	Health() HealthRepository

	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PurchaseTransition describes a compare-and-set status update for a purchase.
// The repository re-reads the record inside a transaction, verifies the current
// status is one of From, and applies the target state together with any gateway
// evidence carried on the command. Callers learn through the applied flag
// whether their update won or another writer got there first.
type PurchaseTransition struct {
	PurchaseID       string
	From             []domain.PurchaseStatus
	To               domain.PurchaseStatus
	GatewayPaymentID string
	GatewaySignature string
	FailureReason    string
	CompletedAt      *time.Time
	Now              time.Time
}

// PurchaseListFilter controls user-scoped purchase listings.
type PurchaseListFilter struct {
	UserID     string
	Status     []domain.PurchaseStatus
	Pagination domain.Pagination
}

// StalePendingFilter selects pending purchases older than a cutoff for reconciliation.
type StalePendingFilter struct {
	CreatedBefore time.Time
	Pagination    domain.Pagination
}

// PurchaseRepository persists the purchase ledger. BindGatewayOrder must
// reject a second purchase claiming an already-bound gateway order id, and a
// second order handle on an already-bound purchase, with conflict errors.
type PurchaseRepository interface {
	Insert(ctx context.Context, purchase domain.Purchase) error
	BindGatewayOrder(ctx context.Context, purchaseID string, gatewayOrderID string, now time.Time) (domain.Purchase, error)
	FindByID(ctx context.Context, purchaseID string) (domain.Purchase, error)
	FindByGatewayOrder(ctx context.Context, gatewayOrderID string) (domain.Purchase, error)
	Transition(ctx context.Context, cmd PurchaseTransition) (domain.Purchase, bool, error)
	ListByUser(ctx context.Context, filter PurchaseListFilter) (domain.CursorPage[domain.Purchase], error)
	ListStalePending(ctx context.Context, filter StalePendingFilter) (domain.CursorPage[domain.Purchase], error)
}

// CatalogRepository reads the sellable service and course documents. Lookups
// must treat soft-deleted or inactive documents as absent.
type CatalogRepository interface {
	FindService(ctx context.Context, serviceID string) (domain.CatalogItem, error)
	FindCourse(ctx context.Context, courseID string) (domain.CatalogItem, error)
}

// UserRepository reads user accounts and applies entitlement updates.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserAccount, error)
	GrantPremium(ctx context.Context, userID string, expiresAt time.Time, now time.Time) (domain.UserAccount, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
