package handlers

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

// EntitlementHandler exposes the access gate to out-of-process callers. The
// gate itself runs as route middleware; reaching a handler means permitted.
type EntitlementHandler struct{}

func NewEntitlementHandler() *EntitlementHandler {
	return &EntitlementHandler{}
}

func (h *EntitlementHandler) Subscription(c *fiber.Ctx) error {
	return c.JSON(dto.OK(dto.EntitlementResponse{Permitted: true, Requirement: services.RequirementSubscription}))
}

func (h *EntitlementHandler) Program(c *fiber.Ctx) error {
	return c.JSON(dto.OK(dto.EntitlementResponse{Permitted: true, Requirement: services.RequirementProgram}))
}
