package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/letscrackdev/api/internal/domain"
	pfirestore "github.com/letscrackdev/api/internal/platform/firestore"
	"github.com/letscrackdev/api/internal/repositories"
)

const (
	servicesCollection = "services"
	coursesCollection  = "courses"
)

// CatalogRepository reads sellable service and course documents from Firestore.
// Soft-deleted or deactivated documents behave as if they do not exist.
type CatalogRepository struct {
	services *pfirestore.BaseRepository[catalogDocument]
	courses  *pfirestore.BaseRepository[catalogDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository: firestore provider is required")
	}
	return &CatalogRepository{
		services: pfirestore.NewBaseRepository[catalogDocument](provider, servicesCollection, nil, nil),
		courses:  pfirestore.NewBaseRepository[catalogDocument](provider, coursesCollection, nil, nil),
	}, nil
}

// FindService loads an active service offering by id.
func (r *CatalogRepository) FindService(ctx context.Context, serviceID string) (domain.CatalogItem, error) {
	if r == nil || r.services == nil {
		return domain.CatalogItem{}, errors.New("catalog repository not initialised")
	}
	return findCatalogItem(ctx, r.services, serviceID, domain.PurchaseTypeService, "services.get")
}

// FindCourse loads an active course by id.
func (r *CatalogRepository) FindCourse(ctx context.Context, courseID string) (domain.CatalogItem, error) {
	if r == nil || r.courses == nil {
		return domain.CatalogItem{}, errors.New("catalog repository not initialised")
	}
	return findCatalogItem(ctx, r.courses, courseID, domain.PurchaseTypeCourse, "courses.get")
}

func findCatalogItem(ctx context.Context, base *pfirestore.BaseRepository[catalogDocument], itemID string, itemType domain.PurchaseType, op string) (domain.CatalogItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.CatalogItem{}, errors.New("catalog repository: item id is required")
	}
	doc, err := base.Get(ctx, itemID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	if doc.Data.DeletedAt != nil || doc.Data.Inactive {
		return domain.CatalogItem{}, pfirestore.WrapError(op, status.Errorf(codes.NotFound, "%s %s is not available", itemType, itemID))
	}
	return decodeCatalogDocument(doc.ID, itemType, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

type catalogDocument struct {
	Title         string     `firestore:"title"`
	Price         float64    `firestore:"price"`
	OriginalPrice float64    `firestore:"originalPrice,omitempty"`
	Currency      string     `firestore:"currency,omitempty"`
	IsPremium     bool       `firestore:"isPremium"`
	Inactive      bool       `firestore:"inactive,omitempty"`
	DeletedAt     *time.Time `firestore:"deletedAt,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func decodeCatalogDocument(id string, itemType domain.PurchaseType, doc catalogDocument, createTime, updateTime time.Time) domain.CatalogItem {
	item := domain.CatalogItem{
		ID:            id,
		Type:          itemType,
		Title:         strings.TrimSpace(doc.Title),
		Price:         doc.Price,
		OriginalPrice: doc.OriginalPrice,
		Currency:      strings.ToUpper(strings.TrimSpace(doc.Currency)),
		IsPremium:     doc.IsPremium,
		Active:        !doc.Inactive && doc.DeletedAt == nil,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if item.OriginalPrice == 0 {
		item.OriginalPrice = item.Price
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = createTime
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = updateTime
	}
	return item
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)
