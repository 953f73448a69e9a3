package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/letscrackdev/api/internal/platform/firestore"
	"github.com/letscrackdev/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the accessor
// interface consumed by dependency injection.
type Registry struct {
	provider  *pfirestore.Provider
	purchases *PurchaseRepository
	catalog   *CatalogRepository
	users     *UserRepository
	health    repositories.HealthRepository
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository attaches the dependency health repository composed by the caller.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs the full set of Firestore repositories sharing one provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	purchases, err := NewPurchaseRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider:  provider,
		purchases: purchases,
		catalog:   catalog,
		users:     users,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Purchases returns the purchase ledger repository.
func (r *Registry) Purchases() repositories.PurchaseRepository {
	if r == nil || r.purchases == nil {
		return nil
	}
	return r.purchases
}

// Catalog returns the sellable catalog repository.
func (r *Registry) Catalog() repositories.CatalogRepository {
	if r == nil || r.catalog == nil {
		return nil
	}
	return r.catalog
}

// Users returns the user account repository.
func (r *Registry) Users() repositories.UserRepository {
	if r == nil || r.users == nil {
		return nil
	}
	return r.users
}

// Health returns the dependency health repository when one was attached.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
