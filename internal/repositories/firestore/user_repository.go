package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/letscrackdev/api/internal/domain"
	pfirestore "github.com/letscrackdev/api/internal/platform/firestore"
	"github.com/letscrackdev/api/internal/repositories"
)

const usersCollection = "users"

// UserRepository reads user accounts and applies premium entitlement updates.
type UserRepository struct {
	base     *pfirestore.BaseRepository[userDocument]
	provider *pfirestore.Provider
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[userDocument](provider, usersCollection, nil, nil)
	return &UserRepository{base: base, provider: provider}, nil
}

// FindByID loads the user account by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserAccount, error) {
	if r == nil || r.base == nil {
		return domain.UserAccount{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserAccount{}, errors.New("user repository: user id is required")
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserAccount{}, err
	}
	return decodeUserDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// GrantPremium flips the premium flag and expiry on the user document. The
// update runs in a transaction so the read confirms the account still exists
// before writing.
func (r *UserRepository) GrantPremium(ctx context.Context, userID string, expiresAt time.Time, now time.Time) (domain.UserAccount, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.UserAccount{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserAccount{}, errors.New("user repository: user id is required")
	}
	if expiresAt.IsZero() {
		return domain.UserAccount{}, errors.New("user repository: expiry time is required")
	}
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	expiresAt = expiresAt.UTC()

	var account domain.UserAccount
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, userID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		account = decodeUserDocument(snap.Ref.ID, doc, snap.CreateTime, snap.UpdateTime)
		return tx.Update(docRef, []firestore.Update{
			{Path: "isPremium", Value: true},
			{Path: "premiumExpiresAt", Value: expiresAt},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return domain.UserAccount{}, err
	}

	account.IsPremium = true
	account.PremiumExpiresAt = &expiresAt
	account.UpdatedAt = now
	return account, nil
}

type userDocument struct {
	Email            string     `firestore:"email,omitempty"`
	DisplayName      string     `firestore:"displayName,omitempty"`
	IsPremium        bool       `firestore:"isPremium"`
	PremiumExpiresAt *time.Time `firestore:"premiumExpiresAt,omitempty"`
	CreatedAt        time.Time  `firestore:"createdAt"`
	UpdatedAt        time.Time  `firestore:"updatedAt"`
}

func decodeUserDocument(id string, doc userDocument, createTime, updateTime time.Time) domain.UserAccount {
	account := domain.UserAccount{
		ID:               id,
		Email:            strings.TrimSpace(doc.Email),
		DisplayName:      strings.TrimSpace(doc.DisplayName),
		IsPremium:        doc.IsPremium,
		PremiumExpiresAt: doc.PremiumExpiresAt,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = createTime
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = updateTime
	}
	return account
}

var _ repositories.UserRepository = (*UserRepository)(nil)
