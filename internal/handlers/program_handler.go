package handlers

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

type ProgramHandler struct {
	catalog  *catalog.Catalog
	checkout *services.CheckoutService
	store    *services.EntitlementStore
}

func NewProgramHandler(cat *catalog.Catalog, checkout *services.CheckoutService, store *services.EntitlementStore) *ProgramHandler {
	return &ProgramHandler{catalog: cat, checkout: checkout, store: store}
}

func programResponse(p catalog.Program) dto.ProgramResponse {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return dto.ProgramResponse{
		Slug:        p.Slug,
		Name:        p.Name,
		Description: p.Description,
		Difficulty:  p.Difficulty,
		Tags:        tags,
		Price:       p.PriceDisplay,
	}
}

// List supports ?tag=, ?difficulty= and ?q= filters.
func (h *ProgramHandler) List(c *fiber.Ctx) error {
	programs := h.catalog.ListPrograms(catalog.ProgramFilter{
		Tag:        c.Query("tag"),
		Difficulty: c.Query("difficulty"),
		Search:     c.Query("q"),
	})
	out := make([]dto.ProgramResponse, 0, len(programs))
	for _, p := range programs {
		out = append(out, programResponse(p))
	}
	return c.JSON(dto.OK(fiber.Map{"programs": out}))
}

func (h *ProgramHandler) Detail(c *fiber.Ctx) error {
	program, err := h.catalog.ResolveProgram(c.Params("slug"))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(programResponse(program)))
}

func (h *ProgramHandler) Purchase(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	var req dto.ProgramCheckoutRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apierr.BadRequest(c, "invalid request body")
		}
	}

	resp, err := h.checkout.StartProgramCheckout(c.UserContext(), userID, c.Params("slug"), &req, requestOrigin(c))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(resp))
}

func (h *ProgramHandler) MyPrograms(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	owned, err := h.store.OwnedPrograms(c.UserContext(), userID)
	if err != nil {
		return apierr.Respond(c, err)
	}
	out := make([]dto.OwnedProgramResponse, 0, len(owned))
	for _, o := range owned {
		name := o.ProgramSlug
		if p, ok := h.catalog.ProgramBySlug(o.ProgramSlug); ok {
			name = p.Name
		}
		out = append(out, dto.OwnedProgramResponse{
			Slug:       o.ProgramSlug,
			Name:       name,
			GrantedAt:  o.GrantedAt,
			PurchaseID: o.PurchaseID,
		})
	}
	return c.JSON(dto.OK(fiber.Map{"programs": out}))
}

// Content is served behind middleware.RequireProgramOwnership. Owners keep
// access to programs retired from sale.
func (h *ProgramHandler) Content(c *fiber.Ctx) error {
	program, ok := h.catalog.ProgramBySlug(c.Params("slug"))
	if !ok {
		return apierr.Respond(c, services.ErrUnknownProgram)
	}
	return c.JSON(dto.OK(dto.ProgramContentResponse{
		Slug:       program.Slug,
		Name:       program.Name,
		ContentURL: program.ContentURL,
	}))
}
