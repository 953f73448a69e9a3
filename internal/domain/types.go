package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// PurchaseType distinguishes the two sellable catalogue surfaces.
type PurchaseType string

const (
	// PurchaseTypeService marks a purchase of a one-off service offering.
	PurchaseTypeService PurchaseType = "service"
	// PurchaseTypeCourse marks a purchase of a course.
	PurchaseTypeCourse PurchaseType = "course"
)

// PurchaseStatus captures the payment lifecycle state of a purchase record.
type PurchaseStatus string

const (
	// PurchaseStatusPending means a gateway order exists but payment has not settled.
	PurchaseStatusPending PurchaseStatus = "pending"
	// PurchaseStatusCompleted means the payment was verified or confirmed by the gateway.
	PurchaseStatusCompleted PurchaseStatus = "completed"
	// PurchaseStatusFailed means verification failed or the gateway reported a failed payment.
	PurchaseStatusFailed PurchaseStatus = "failed"
	// PurchaseStatusRefunded is reserved for refund flows initiated by operators.
	PurchaseStatusRefunded PurchaseStatus = "refunded"
)

// Purchase is the ledger record tracking one checkout through the payment gateway.
// Amounts are stored in display units of Currency (e.g. 499.00 INR).
type Purchase struct {
	ID               string
	UserID           string
	Type             PurchaseType
	ServiceID        string
	CourseID         string
	ItemName         string
	Amount           float64
	OriginalAmount   float64
	Currency         string
	Status           PurchaseStatus
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	FailureReason    string
	Metadata         map[string]string
	CompletedAt      *time.Time
	RefundedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ItemID returns the catalogue identifier the purchase points at.
func (p Purchase) ItemID() string {
	if p.Type == PurchaseTypeCourse {
		return p.CourseID
	}
	return p.ServiceID
}

// IsTerminal reports whether the purchase has left the pending state for good.
func (p Purchase) IsTerminal() bool {
	switch p.Status {
	case PurchaseStatusCompleted, PurchaseStatusFailed, PurchaseStatusRefunded:
		return true
	default:
		return false
	}
}

// CatalogItem is the sellable projection of a service or course document.
type CatalogItem struct {
	ID            string
	Type          PurchaseType
	Title         string
	Price         float64
	OriginalPrice float64
	Currency      string
	IsPremium     bool
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserAccount is the slice of the user document the purchase flows read and write.
type UserAccount struct {
	ID               string
	Email            string
	DisplayName      string
	IsPremium        bool
	PremiumExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
