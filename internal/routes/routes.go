package routes

import (
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Handlers groups everything Setup mounts.
type Handlers struct {
	Auth         *handlers.AuthHandler
	Health       *handlers.HealthHandler
	Subscription *handlers.SubscriptionHandler
	Program      *handlers.ProgramHandler
	Webhook      *handlers.WebhookHandler
	Entitlement  *handlers.EntitlementHandler
	Admin        *handlers.AdminHandler
}

func Setup(
	app *fiber.App,
	cfg *config.Config,
	db *gorm.DB,
	h Handlers,
	authService *services.AuthService,
	gate *services.AccessGate,
	gatherer prometheus.Gatherer,
) {
	if cfg.MetricsEnabled && gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/v1")

	// General API rate limiter: 60 req/min per IP. Provider webhooks arrive
	// in bursts from a few addresses and are never limited.
	api.Use(limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/v1/webhooks/")
		},
	}))

	api.Get("/health", h.Health.Check)

	// Auth-specific rate limit: 10 req/min per IP (stricter)
	auth := api.Group("/auth")
	auth.Use(limiter.New(limiter.Config{
		Max:               10,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))
	auth.Post("/register", h.Auth.Register)
	auth.Post("/login", h.Auth.Login)
	auth.Post("/refresh", h.Auth.Refresh)
	auth.Post("/verify-email", h.Auth.VerifyEmail)

	protected := []fiber.Handler{middleware.JWTProtected(cfg), middleware.LoadUser(authService)}
	with := func(handler fiber.Handler, extra ...fiber.Handler) []fiber.Handler {
		chain := append(append([]fiber.Handler{}, protected...), extra...)
		return append(chain, handler)
	}

	auth.Post("/logout", with(h.Auth.Logout)...)
	auth.Post("/logout-all", with(h.Auth.LogoutAll)...)
	auth.Get("/me", with(h.Auth.Me)...)

	subs := api.Group("/subscriptions")
	subs.Get("/plans", h.Subscription.Plans)
	subs.Post("/create", with(h.Subscription.Create)...)
	subs.Get("/user/current", with(h.Subscription.Current)...)
	subs.Get("/user/history", with(h.Subscription.History)...)
	subs.Delete("/:id/cancel", with(h.Subscription.Cancel)...)

	// my-programs is registered before :slug so it is not taken for a slug.
	programs := api.Group("/programs")
	programs.Get("/", h.Program.List)
	programs.Get("/my-programs", with(h.Program.MyPrograms)...)
	programs.Get("/:slug", h.Program.Detail)
	programs.Post("/:slug/purchase", with(h.Program.Purchase)...)
	programs.Get("/:slug/content", with(h.Program.Content, middleware.RequireProgramOwnership(gate, "slug"))...)

	ent := api.Group("/entitlements")
	ent.Get("/subscription", with(h.Entitlement.Subscription, middleware.RequireActiveSubscription(gate))...)
	ent.Get("/programs/:slug", with(h.Entitlement.Program, middleware.RequireProgramOwnership(gate, "slug"))...)

	// Webhooks authenticate by signature, not bearer token.
	webhooks := api.Group("/webhooks")
	webhooks.Post("/stripe", h.Webhook.HandleStripe)

	admin := api.Group("/admin", middleware.AdminAuth(db, cfg)...)
	admin.Get("/audit", h.Admin.Audit)
	admin.Get("/webhooks/dead", h.Admin.DeadWebhooks)
	admin.Post("/webhooks/:eventId/redrive", h.Admin.Redrive)
	admin.Post("/reconciler/run", h.Admin.RunReconciler)
	admin.Post("/catalog/reload", h.Admin.ReloadCatalog)
}
