package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/letscrackdev/api/internal/domain"
	"github.com/letscrackdev/api/internal/repositories"
)

// EntitlementServiceDeps bundles collaborators for the entitlement applier.
type EntitlementServiceDeps struct {
	Catalog repositories.CatalogRepository
	Users   repositories.UserRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type entitlementService struct {
	catalog repositories.CatalogRepository
	users   repositories.UserRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewEntitlementService wires dependencies into a concrete EntitlementService.
func NewEntitlementService(deps EntitlementServiceDeps) (EntitlementService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("entitlement service: catalog repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("entitlement service: user repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &entitlementService{
		catalog: deps.Catalog,
		users:   deps.Users,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ApplyCompletedPurchase grants premium access for completed premium course
// purchases. Missing catalogue or user records are tolerated no-ops so a
// completed payment is never unwound by entitlement bookkeeping.
func (s *entitlementService) ApplyCompletedPurchase(ctx context.Context, purchase Purchase) error {
	if purchase.Type != domain.PurchaseTypeCourse {
		return nil
	}
	courseID := strings.TrimSpace(purchase.CourseID)
	if courseID == "" {
		s.logger(ctx, "entitlement.skip.missing_course_id", map[string]any{
			"purchase": purchase.ID,
		})
		return nil
	}

	course, err := s.catalog.FindCourse(ctx, courseID)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "entitlement.skip.course_missing", map[string]any{
				"purchase": purchase.ID,
				"course":   courseID,
			})
			return nil
		}
		return err
	}
	if !course.IsPremium {
		return nil
	}

	now := s.clock()
	expiresAt := now.AddDate(1, 0, 0)

	account, err := s.users.GrantPremium(ctx, purchase.UserID, expiresAt, now)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "entitlement.skip.user_missing", map[string]any{
				"purchase": purchase.ID,
				"user":     purchase.UserID,
			})
			return nil
		}
		return err
	}

	s.logger(ctx, "entitlement.premium_granted", map[string]any{
		"purchase":  purchase.ID,
		"user":      account.ID,
		"course":    courseID,
		"expiresAt": expiresAt,
	})
	return nil
}
