package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/letscrackdev/api/internal/domain"
)

type stubUserRepo struct {
	findFn  func(context.Context, string) (domain.UserAccount, error)
	grantFn func(context.Context, string, time.Time, time.Time) (domain.UserAccount, error)
}

func (s *stubUserRepo) FindByID(ctx context.Context, userID string) (domain.UserAccount, error) {
	if s.findFn != nil {
		return s.findFn(ctx, userID)
	}
	return domain.UserAccount{}, repoError{message: "not found", notFound: true}
}

func (s *stubUserRepo) GrantPremium(ctx context.Context, userID string, expiresAt, now time.Time) (domain.UserAccount, error) {
	if s.grantFn != nil {
		return s.grantFn(ctx, userID, expiresAt, now)
	}
	return domain.UserAccount{}, repoError{message: "not found", notFound: true}
}

func newTestEntitlementService(t *testing.T, deps EntitlementServiceDeps) EntitlementService {
	t.Helper()
	svc, err := NewEntitlementService(deps)
	if err != nil {
		t.Fatalf("failed to build entitlement service: %v", err)
	}
	return svc
}

func TestEntitlementServiceGrantsPremiumForPremiumCourse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var grantedUser string
	var grantedExpiry time.Time
	users := &stubUserRepo{
		grantFn: func(_ context.Context, userID string, expiresAt, _ time.Time) (domain.UserAccount, error) {
			grantedUser = userID
			grantedExpiry = expiresAt
			return domain.UserAccount{ID: userID, IsPremium: true, PremiumExpiresAt: &expiresAt}, nil
		},
	}
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{ID: "course-1", IsPremium: true}, nil
		},
	}

	svc := newTestEntitlementService(t, EntitlementServiceDeps{
		Catalog: catalog,
		Users:   users,
		Clock:   func() time.Time { return now },
	})

	err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
		ID:       "pur_123",
		UserID:   "user-1",
		Type:     domain.PurchaseTypeCourse,
		CourseID: "course-1",
		Status:   domain.PurchaseStatusCompleted,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if grantedUser != "user-1" {
		t.Fatalf("expected grant for user-1, got %s", grantedUser)
	}
	want := now.AddDate(1, 0, 0)
	if !grantedExpiry.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, grantedExpiry)
	}
}

func TestEntitlementServiceSkipsNonPremiumCourse(t *testing.T) {
	users := &stubUserRepo{
		grantFn: func(context.Context, string, time.Time, time.Time) (domain.UserAccount, error) {
			t.Fatalf("grant should not be called for non-premium courses")
			return domain.UserAccount{}, nil
		},
	}
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{ID: "course-1", IsPremium: false}, nil
		},
	}

	svc := newTestEntitlementService(t, EntitlementServiceDeps{Catalog: catalog, Users: users})

	err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
		ID:       "pur_123",
		UserID:   "user-1",
		Type:     domain.PurchaseTypeCourse,
		CourseID: "course-1",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestEntitlementServiceSkipsServicePurchases(t *testing.T) {
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			t.Fatalf("catalog should not be consulted for service purchases")
			return domain.CatalogItem{}, nil
		},
	}
	svc := newTestEntitlementService(t, EntitlementServiceDeps{Catalog: catalog, Users: &stubUserRepo{}})

	err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
		ID:        "pur_123",
		UserID:    "user-1",
		Type:      domain.PurchaseTypeService,
		ServiceID: "svc-1",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestEntitlementServiceToleratesMissingRecords(t *testing.T) {
	t.Run("missing course", func(t *testing.T) {
		svc := newTestEntitlementService(t, EntitlementServiceDeps{
			Catalog: &stubCatalogRepo{},
			Users:   &stubUserRepo{},
		})
		err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
			ID:       "pur_123",
			UserID:   "user-1",
			Type:     domain.PurchaseTypeCourse,
			CourseID: "course-gone",
		})
		if err != nil {
			t.Fatalf("expected tolerated no-op, got %v", err)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		catalog := &stubCatalogRepo{
			findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
				return domain.CatalogItem{ID: "course-1", IsPremium: true}, nil
			},
		}
		svc := newTestEntitlementService(t, EntitlementServiceDeps{
			Catalog: catalog,
			Users:   &stubUserRepo{},
		})
		err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
			ID:       "pur_123",
			UserID:   "user-gone",
			Type:     domain.PurchaseTypeCourse,
			CourseID: "course-1",
		})
		if err != nil {
			t.Fatalf("expected tolerated no-op, got %v", err)
		}
	})

	t.Run("missing course id on purchase", func(t *testing.T) {
		svc := newTestEntitlementService(t, EntitlementServiceDeps{
			Catalog: &stubCatalogRepo{},
			Users:   &stubUserRepo{},
		})
		err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
			ID:     "pur_123",
			UserID: "user-1",
			Type:   domain.PurchaseTypeCourse,
		})
		if err != nil {
			t.Fatalf("expected tolerated no-op, got %v", err)
		}
	})
}

func TestEntitlementServicePropagatesTransientErrors(t *testing.T) {
	transient := repoError{message: "deadline exceeded", unavailable: true}
	catalog := &stubCatalogRepo{
		findCourseFn: func(context.Context, string) (domain.CatalogItem, error) {
			return domain.CatalogItem{}, transient
		},
	}
	svc := newTestEntitlementService(t, EntitlementServiceDeps{
		Catalog: catalog,
		Users:   &stubUserRepo{},
	})

	err := svc.ApplyCompletedPurchase(context.Background(), Purchase{
		ID:       "pur_123",
		UserID:   "user-1",
		Type:     domain.PurchaseTypeCourse,
		CourseID: "course-1",
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error surfaced, got %v", err)
	}
}
