package handlers

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

type SubscriptionHandler struct {
	catalog  *catalog.Catalog
	checkout *services.CheckoutService
	store    *services.EntitlementStore
	cancel   *services.CancelService
}

func NewSubscriptionHandler(cat *catalog.Catalog, checkout *services.CheckoutService, store *services.EntitlementStore, cancel *services.CancelService) *SubscriptionHandler {
	return &SubscriptionHandler{catalog: cat, checkout: checkout, store: store, cancel: cancel}
}

func requestOrigin(c *fiber.Ctx) services.Origin {
	return services.UserOrigin(c.IP(), c.Get(fiber.HeaderUserAgent))
}

// Plans lists active plans with display prices.
func (h *SubscriptionHandler) Plans(c *fiber.Ctx) error {
	listings := h.catalog.ListPlans(c.UserContext(), false)
	plans := make([]dto.PlanResponse, 0, len(listings))
	for _, l := range listings {
		plans = append(plans, dto.PlanResponse{
			Key:            l.Key,
			Name:           l.Name,
			DurationMonths: l.DurationMonths,
			DisplayPrice:   l.DisplayPrice,
			ProductID:      l.ProductID,
			PriceID:        l.PriceID,
			Savings:        l.Savings,
			Active:         l.Active,
		})
	}
	return c.JSON(dto.OK(fiber.Map{"plans": plans}))
}

func (h *SubscriptionHandler) Create(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	var req dto.CreateSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	if req.Plan == "" {
		return apierr.BadRequest(c, "plan is required")
	}

	resp, err := h.checkout.StartSubscriptionCheckout(c.UserContext(), userID, &req, requestOrigin(c))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.OK(resp))
}

func (h *SubscriptionHandler) Current(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	info, err := h.store.SubscriptionInfo(c.UserContext(), userID)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(info))
}

func (h *SubscriptionHandler) History(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	purchases, err := h.store.PurchaseHistory(c.UserContext(), userID, c.QueryInt("limit", 50))
	if err != nil {
		return apierr.Respond(c, err)
	}
	out := make([]dto.PurchaseResponse, 0, len(purchases))
	for i := range purchases {
		out = append(out, purchaseResponse(&purchases[i]))
	}
	return c.JSON(dto.OK(fiber.Map{"purchases": out}))
}

func purchaseResponse(p *models.Purchase) dto.PurchaseResponse {
	return dto.PurchaseResponse{
		ID:          p.ID,
		Kind:        string(p.Kind),
		Status:      string(p.Status),
		PlanKey:     p.PlanKey(),
		ProgramSlug: p.ProgramSlug(),
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
		RefundedAt:  p.RefundedAt,
	}
}

// Cancel handles DELETE /subscriptions/:id/cancel. atPeriodEnd defaults to
// true when the body omits it.
func (h *SubscriptionHandler) Cancel(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	var req dto.CancelSubscriptionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apierr.BadRequest(c, "invalid request body")
		}
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}

	resp, err := h.cancel.CancelSubscription(c.UserContext(), userID, c.Params("id"), atPeriodEnd, requestOrigin(c))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(resp))
}
