package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/letscrackdev/api/internal/payments"
	"github.com/letscrackdev/api/internal/platform/config"
	"github.com/letscrackdev/api/internal/platform/requestctx"
	"github.com/letscrackdev/api/internal/repositories"
	"github.com/letscrackdev/api/internal/services"
)

const productionEnvironment = "production"

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Purchases    services.PurchaseService
	Entitlements services.EntitlementService
	System       services.SystemService
}

// Options carries collaborators that are constructed outside the repository
// registry, such as the payment gateway client and the event publisher.
type Options struct {
	Gateway payments.Gateway
	Events  services.PurchaseEventPublisher
	Logger  *zap.Logger
	Build   services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts Options) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, opts)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, opts Options) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, nil
	}

	logFields := serviceLogger(opts.Logger)

	catalogRepo := reg.Catalog()
	usersRepo := reg.Users()
	if catalogRepo != nil && usersRepo != nil {
		entitlementSvc, err := services.NewEntitlementService(services.EntitlementServiceDeps{
			Catalog: catalogRepo,
			Users:   usersRepo,
			Clock:   time.Now,
			Logger:  logFields,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build entitlement service: %w", err)
		}
		svc.Entitlements = entitlementSvc
	}

	if purchasesRepo := reg.Purchases(); purchasesRepo != nil && catalogRepo != nil {
		purchaseSvc, err := services.NewPurchaseService(services.PurchaseServiceDeps{
			Purchases:     purchasesRepo,
			Catalog:       catalogRepo,
			Entitlements:  svc.Entitlements,
			Gateway:       opts.Gateway,
			StrictGateway: cfg.Security.Environment == productionEnvironment,
			KeySecret:     cfg.Gateway.KeySecret,
			Currency:      cfg.Checkout.Currency,
			SuccessURL:    cfg.Checkout.SuccessURL,
			CancelURL:     cfg.Checkout.CancelURL,
			Events:        opts.Events,
			Clock:         time.Now,
			Logger:        logFields,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build purchase service: %w", err)
		}
		svc.Purchases = purchaseSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = time.Now().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// serviceLogger adapts zap to the map-based logging hook the services accept.
// The request-scoped logger takes precedence when one is on the context.
func serviceLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() && fallback != nil {
			logger = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
