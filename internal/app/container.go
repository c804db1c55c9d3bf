// Package app wires the commerce services from configuration. The server and
// commercectl share it so both see the same stack.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/cache"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/routes"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

const memoryCacheSize = 256

// Options overrides infrastructure, mainly for tests.
type Options struct {
	Provider  payments.Provider
	Publisher events.Publisher
	Cache     catalog.PriceCache
	Registry  *prometheus.Registry
}

type Container struct {
	Config   *config.Config
	DB       *gorm.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Emitter  *events.Emitter
	Provider payments.Provider
	Catalog  *catalog.Catalog
	Redis    *cache.RedisCache

	Audit      *services.AuditLog
	Store      *services.EntitlementStore
	Customers  *services.CustomerRegistry
	Checkout   *services.CheckoutService
	Cancel     *services.CancelService
	Webhooks   *services.WebhookService
	Reconciler *services.Reconciler
	Gate       *services.AccessGate
	Auth       *services.AuthService
}

// New builds the container. Redis and AMQP are optional: without them
// display prices are cached in process and domain events are only logged.
func New(cfg *config.Config, db *gorm.DB, opts Options) (*Container, error) {
	c := &Container{Config: cfg, DB: db, Registry: opts.Registry}

	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m, err := metrics.New(c.Registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	c.Metrics = m

	c.Provider = opts.Provider
	if c.Provider == nil {
		c.Provider = payments.NewStripeProvider(payments.StripeConfig{
			SecretKey:          cfg.StripeSecretKey,
			Timeout:            cfg.StripeTimeout,
			BreakerFailures:    cfg.BreakerFailures,
			BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		}, m.ProviderCall)
	}

	priceCache := opts.Cache
	if priceCache == nil {
		priceCache = cache.NewMemoryCache(memoryCacheSize, cfg.PriceCacheTTL)
		if cfg.RedisURL != "" {
			rc, err := cache.NewRedisCache(cfg.RedisURL)
			if err != nil {
				slog.Warn("redis unavailable, using in-process price cache", "error", err)
			} else {
				c.Redis = rc
				priceCache = rc
			}
		}
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(slog.Default())
		if cfg.AMQPURL != "" {
			rp, err := events.NewRabbitMQPublisher(cfg.AMQPURL, slog.Default())
			if err != nil {
				slog.Warn("rabbitmq unavailable, domain events will only be logged", "error", err)
			} else {
				publisher = rp
			}
		}
	}
	c.Emitter = events.NewEmitter(publisher, 0)

	cat, err := catalog.Open(cfg.CatalogPath, catalog.Options{
		Prices:        c.Provider,
		Cache:         priceCache,
		CacheTTL:      cfg.PriceCacheTTL,
		FallbackPrice: cfg.FallbackPrice,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c.Catalog = cat

	c.Audit = services.NewAuditLog(db)
	c.Store = services.NewEntitlementStore(db, cat, c.Audit)
	c.Customers = services.NewCustomerRegistry(db, c.Provider, c.Audit)
	c.Checkout = services.NewCheckoutService(db, services.CheckoutConfig{
		BillingEnvironment: cfg.BillingEnvironment(),
		FrontendURL:        cfg.FrontendURL,
	}, cat, c.Customers, c.Store, c.Provider, c.Audit, m)
	c.Cancel = services.NewCancelService(db, c.Store, c.Provider, c.Audit, c.Emitter)
	c.Webhooks = services.NewWebhookService(db, services.WebhookConfig{
		Secret:             cfg.StripeWebhookSecret,
		BillingEnvironment: cfg.BillingEnvironment(),
	}, cat, c.Store, c.Cancel, c.Provider, c.Audit, m, c.Emitter)
	c.Reconciler = services.NewReconciler(db, services.ReconcilerConfig{
		ExpiryInterval:       cfg.ExpirySweepInterval,
		PastDueInterval:      cfg.PastDueSweepInterval,
		StalePendingInterval: cfg.StalePendingInterval,
		UnverifiedInterval:   cfg.UnverifiedSweepInterval,
		EventPurgeInterval:   cfg.EventPurgeInterval,
		PastDueGrace:         cfg.PastDueGrace,
		StalePendingAfter:    cfg.StalePendingAfter,
		UnverifiedTTL:        cfg.UnverifiedAccountTTL,
		EventRetention:       cfg.ProcessedEventRetention,
		BatchSize:            cfg.ReconcilerBatchSize,
	}, c.Store, c.Provider, c.Webhooks, c.Audit, m, c.Emitter)
	c.Gate = services.NewAccessGate(c.Store, m, cfg.FrontendURL)
	c.Auth = services.NewAuthService(db, cfg)
	return c, nil
}

// Handlers builds the HTTP handlers over the container's services.
func (c *Container) Handlers() routes.Handlers {
	var pinger handlers.Pinger
	if c.Redis != nil {
		pinger = c.Redis
	}
	return routes.Handlers{
		Auth:         handlers.NewAuthHandler(c.Auth),
		Health:       handlers.NewHealthHandler(c.DB, pinger),
		Subscription: handlers.NewSubscriptionHandler(c.Catalog, c.Checkout, c.Store, c.Cancel),
		Program:      handlers.NewProgramHandler(c.Catalog, c.Checkout, c.Store),
		Webhook:      handlers.NewWebhookHandler(c.Webhooks),
		Entitlement:  handlers.NewEntitlementHandler(),
		Admin:        handlers.NewAdminHandler(c.Audit, c.Webhooks, c.Reconciler, c.Catalog),
	}
}

// Close drains the event queue and releases connections. The database is
// owned by the caller.
func (c *Container) Close() error {
	var errs []error
	if c.Emitter != nil {
		errs = append(errs, c.Emitter.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}
