package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/letscrackdev/api/internal/domain"
	pfirestore "github.com/letscrackdev/api/internal/platform/firestore"
	"github.com/letscrackdev/api/internal/repositories"
)

const (
	purchasesCollection      = "purchases"
	purchaseOrdersCollection = "purchase_orders"
)

var errTransitionNotApplied = errors.New("purchase repository: transition not applied")

// PurchaseRepository persists the purchase ledger in Firestore. A side index
// collection keyed by gateway order id guarantees each order binds to exactly
// one purchase document.
type PurchaseRepository struct {
	base     *pfirestore.BaseRepository[purchaseDocument]
	orders   *pfirestore.BaseRepository[purchaseOrderIndexDocument]
	provider *pfirestore.Provider
}

// NewPurchaseRepository constructs a Firestore-backed purchase repository.
func NewPurchaseRepository(provider *pfirestore.Provider) (*PurchaseRepository, error) {
	if provider == nil {
		return nil, errors.New("purchase repository: firestore provider is required")
	}
	return &PurchaseRepository{
		base:     pfirestore.NewBaseRepository[purchaseDocument](provider, purchasesCollection, nil, nil),
		orders:   pfirestore.NewBaseRepository[purchaseOrderIndexDocument](provider, purchaseOrdersCollection, nil, nil),
		provider: provider,
	}, nil
}

// Insert stores a new purchase document. The ID must be unique.
func (r *PurchaseRepository) Insert(ctx context.Context, purchase domain.Purchase) error {
	if r == nil || r.base == nil {
		return errors.New("purchase repository not initialised")
	}
	purchaseID := strings.TrimSpace(purchase.ID)
	if purchaseID == "" {
		return errors.New("purchase repository: purchase id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, purchaseID)
	if err != nil {
		return err
	}
	doc := encodePurchaseDocument(purchase)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("purchases.insert", err)
	}
	return nil
}

// BindGatewayOrder claims the gateway order id for a purchase. The index
// document keyed by order id is created in the same transaction that stamps
// the purchase, so a duplicate binding on either side aborts with a conflict.
func (r *PurchaseRepository) BindGatewayOrder(ctx context.Context, purchaseID string, gatewayOrderID string, now time.Time) (domain.Purchase, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.Purchase{}, errors.New("purchase repository not initialised")
	}
	purchaseID = strings.TrimSpace(purchaseID)
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if purchaseID == "" {
		return domain.Purchase{}, errors.New("purchase repository: purchase id is required")
	}
	if gatewayOrderID == "" {
		return domain.Purchase{}, errors.New("purchase repository: gateway order id is required")
	}
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var bound domain.Purchase
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		purchaseRef, err := r.base.DocumentRef(ctx, purchaseID)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(purchaseRef)
		if err != nil {
			return err
		}
		var doc purchaseDocument
		if err := snap.DataTo(&doc); err != nil {
			return status.Errorf(codes.Internal, "decode purchase %s: %v", purchaseID, err)
		}
		if existing := strings.TrimSpace(doc.GatewayOrderID); existing != "" {
			return status.Errorf(codes.FailedPrecondition, "purchase %s already bound to order %s", purchaseID, existing)
		}
		bound = decodePurchaseDocument(snap.Ref.ID, doc, snap.CreateTime, snap.UpdateTime)

		if err := tx.Create(orderRef, purchaseOrderIndexDocument{
			PurchaseID: purchaseID,
			UserID:     doc.UserID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return tx.Update(purchaseRef, []firestore.Update{
			{Path: "gatewayOrderId", Value: gatewayOrderID},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	bound.GatewayOrderID = gatewayOrderID
	bound.UpdatedAt = now
	return bound, nil
}

// FindByID fetches a single purchase.
func (r *PurchaseRepository) FindByID(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	if r == nil || r.base == nil {
		return domain.Purchase{}, errors.New("purchase repository not initialised")
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return domain.Purchase{}, errors.New("purchase repository: purchase id is required")
	}
	doc, err := r.base.Get(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	return decodePurchaseDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByGatewayOrder resolves a purchase through the order index.
func (r *PurchaseRepository) FindByGatewayOrder(ctx context.Context, gatewayOrderID string) (domain.Purchase, error) {
	if r == nil || r.orders == nil {
		return domain.Purchase{}, errors.New("purchase repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.Purchase{}, errors.New("purchase repository: gateway order id is required")
	}
	index, err := r.orders.Get(ctx, gatewayOrderID)
	if err != nil {
		return domain.Purchase{}, err
	}
	return r.FindByID(ctx, index.Data.PurchaseID)
}

// Transition applies a compare-and-set status update inside a transaction. When
// the current status is not in cmd.From no write happens and applied is false;
// the caller receives the record as it stood at transaction time either way.
func (r *PurchaseRepository) Transition(ctx context.Context, cmd repositories.PurchaseTransition) (domain.Purchase, bool, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.Purchase{}, false, errors.New("purchase repository not initialised")
	}
	purchaseID := strings.TrimSpace(cmd.PurchaseID)
	if purchaseID == "" {
		return domain.Purchase{}, false, errors.New("purchase repository: purchase id is required")
	}
	if cmd.To == "" {
		return domain.Purchase{}, false, errors.New("purchase repository: target status is required")
	}

	now := cmd.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var current domain.Purchase
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, purchaseID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc purchaseDocument
		if err := snap.DataTo(&doc); err != nil {
			return status.Errorf(codes.Internal, "decode purchase %s: %v", purchaseID, err)
		}
		current = decodePurchaseDocument(snap.Ref.ID, doc, snap.CreateTime, snap.UpdateTime)

		if !statusAllowed(current.Status, cmd.From) {
			return errTransitionNotApplied
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(cmd.To)},
			{Path: "updatedAt", Value: now},
		}
		if v := strings.TrimSpace(cmd.GatewayPaymentID); v != "" {
			updates = append(updates, firestore.Update{Path: "gatewayPaymentId", Value: v})
		}
		if v := strings.TrimSpace(cmd.GatewaySignature); v != "" {
			updates = append(updates, firestore.Update{Path: "gatewaySignature", Value: v})
		}
		if v := strings.TrimSpace(cmd.FailureReason); v != "" {
			updates = append(updates, firestore.Update{Path: "failureReason", Value: v})
		}
		if cmd.CompletedAt != nil {
			updates = append(updates, firestore.Update{Path: "completedAt", Value: cmd.CompletedAt.UTC()})
		}
		return tx.Update(docRef, updates)
	})
	if err != nil {
		if errors.Is(err, errTransitionNotApplied) {
			return current, false, nil
		}
		return domain.Purchase{}, false, err
	}

	applied := current
	applied.Status = cmd.To
	applied.UpdatedAt = now
	if v := strings.TrimSpace(cmd.GatewayPaymentID); v != "" {
		applied.GatewayPaymentID = v
	}
	if v := strings.TrimSpace(cmd.GatewaySignature); v != "" {
		applied.GatewaySignature = v
	}
	if v := strings.TrimSpace(cmd.FailureReason); v != "" {
		applied.FailureReason = v
	}
	if cmd.CompletedAt != nil {
		completedAt := cmd.CompletedAt.UTC()
		applied.CompletedAt = &completedAt
	}
	return applied, true, nil
}

// ListByUser returns the user's purchases ordered by most recent first.
func (r *PurchaseRepository) ListByUser(ctx context.Context, filter repositories.PurchaseListFilter) (domain.CursorPage[domain.Purchase], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Purchase]{}, errors.New("purchase repository not initialised")
	}
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" {
		return domain.CursorPage[domain.Purchase]{}, errors.New("purchase repository: user id is required")
	}

	statuses := normalisePurchaseStatuses(filter.Status)

	return r.page(ctx, filter.Pagination, firestore.Desc, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID)
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			q = q.Where("status", "in", statuses)
		}
		return q
	})
}

// ListStalePending returns pending purchases created before the cutoff, oldest first.
func (r *PurchaseRepository) ListStalePending(ctx context.Context, filter repositories.StalePendingFilter) (domain.CursorPage[domain.Purchase], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Purchase]{}, errors.New("purchase repository not initialised")
	}
	if filter.CreatedBefore.IsZero() {
		return domain.CursorPage[domain.Purchase]{}, errors.New("purchase repository: cutoff time is required")
	}
	cutoff := filter.CreatedBefore.UTC()

	return r.page(ctx, filter.Pagination, firestore.Asc, func(q firestore.Query) firestore.Query {
		return q.
			Where("status", "==", string(domain.PurchaseStatusPending)).
			Where("createdAt", "<", cutoff)
	})
}

func (r *PurchaseRepository) page(ctx context.Context, pager domain.Pagination, dir firestore.Direction, build pfirestore.QueryBuilder) (domain.CursorPage[domain.Purchase], error) {
	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodePurchaseListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Purchase]{}, fmt.Errorf("purchase repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = build(q)
		q = q.OrderBy("createdAt", dir).OrderBy(firestore.DocumentID, dir)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Purchase]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodePurchaseListToken(tokenTime, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Purchase, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodePurchaseDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Purchase]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type purchaseDocument struct {
	UserID           string            `firestore:"userId"`
	Type             string            `firestore:"type"`
	ServiceID        string            `firestore:"serviceId,omitempty"`
	CourseID         string            `firestore:"courseId,omitempty"`
	ItemName         string            `firestore:"itemName,omitempty"`
	Amount           float64           `firestore:"amount"`
	OriginalAmount   float64           `firestore:"originalAmount,omitempty"`
	Currency         string            `firestore:"currency"`
	Status           string            `firestore:"status"`
	GatewayOrderID   string            `firestore:"gatewayOrderId"`
	GatewayPaymentID string            `firestore:"gatewayPaymentId,omitempty"`
	GatewaySignature string            `firestore:"gatewaySignature,omitempty"`
	FailureReason    string            `firestore:"failureReason,omitempty"`
	Metadata         map[string]string `firestore:"metadata,omitempty"`
	CompletedAt      *time.Time        `firestore:"completedAt,omitempty"`
	RefundedAt       *time.Time        `firestore:"refundedAt,omitempty"`
	CreatedAt        time.Time         `firestore:"createdAt"`
	UpdatedAt        time.Time         `firestore:"updatedAt"`
}

type purchaseOrderIndexDocument struct {
	PurchaseID string    `firestore:"purchaseId"`
	UserID     string    `firestore:"userId,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func encodePurchaseDocument(purchase domain.Purchase) purchaseDocument {
	createdAt := purchase.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := purchase.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	doc := purchaseDocument{
		UserID:           strings.TrimSpace(purchase.UserID),
		Type:             string(purchase.Type),
		ServiceID:        strings.TrimSpace(purchase.ServiceID),
		CourseID:         strings.TrimSpace(purchase.CourseID),
		ItemName:         strings.TrimSpace(purchase.ItemName),
		Amount:           purchase.Amount,
		OriginalAmount:   purchase.OriginalAmount,
		Currency:         strings.ToUpper(strings.TrimSpace(purchase.Currency)),
		Status:           string(purchase.Status),
		GatewayOrderID:   strings.TrimSpace(purchase.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(purchase.GatewayPaymentID),
		GatewaySignature: strings.TrimSpace(purchase.GatewaySignature),
		FailureReason:    strings.TrimSpace(purchase.FailureReason),
		Metadata:         cloneMetadata(purchase.Metadata),
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}
	if purchase.CompletedAt != nil {
		completedAt := purchase.CompletedAt.UTC()
		doc.CompletedAt = &completedAt
	}
	if purchase.RefundedAt != nil {
		refundedAt := purchase.RefundedAt.UTC()
		doc.RefundedAt = &refundedAt
	}
	return doc
}

func decodePurchaseDocument(id string, doc purchaseDocument, createTime, updateTime time.Time) domain.Purchase {
	purchase := domain.Purchase{
		ID:               id,
		UserID:           doc.UserID,
		Type:             domain.PurchaseType(doc.Type),
		ServiceID:        doc.ServiceID,
		CourseID:         doc.CourseID,
		ItemName:         doc.ItemName,
		Amount:           doc.Amount,
		OriginalAmount:   doc.OriginalAmount,
		Currency:         doc.Currency,
		Status:           domain.PurchaseStatus(doc.Status),
		GatewayOrderID:   doc.GatewayOrderID,
		GatewayPaymentID: doc.GatewayPaymentID,
		GatewaySignature: doc.GatewaySignature,
		FailureReason:    doc.FailureReason,
		Metadata:         cloneMetadata(doc.Metadata),
		CompletedAt:      doc.CompletedAt,
		RefundedAt:       doc.RefundedAt,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = createTime
	}
	if purchase.UpdatedAt.IsZero() {
		purchase.UpdatedAt = updateTime
	}
	return purchase
}

func statusAllowed(current domain.PurchaseStatus, allowed []domain.PurchaseStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, status := range allowed {
		if current == status {
			return true
		}
	}
	return false
}

func normalisePurchaseStatuses(statuses []domain.PurchaseStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(statuses))
	normalised := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(string(status)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalised = append(normalised, trimmed)
	}
	if len(normalised) == 0 {
		return nil
	}
	return normalised
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}

func encodePurchaseListToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodePurchaseListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

var _ repositories.PurchaseRepository = (*PurchaseRepository)(nil)
