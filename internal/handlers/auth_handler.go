package handlers

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

type AuthHandler struct {
	authService *services.AuthService
}

func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}

	resp, err := h.authService.Register(c.UserContext(), &req)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.OK(resp))
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}

	resp, err := h.authService.Login(c.UserContext(), &req)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(resp))
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}

	resp, err := h.authService.Refresh(c.UserContext(), &req)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(resp))
}

func (h *AuthHandler) VerifyEmail(c *fiber.Ctx) error {
	var req dto.VerifyEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}

	user, err := h.authService.VerifyEmail(c.UserContext(), &req)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(user))
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	var req dto.LogoutRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}

	if err := h.authService.Logout(c.UserContext(), userID, &req); err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(fiber.Map{"message": "Logged out successfully"}))
}

func (h *AuthHandler) LogoutAll(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	if err := h.authService.LogoutAll(c.UserContext(), userID); err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(fiber.Map{"message": "All sessions revoked"}))
}

// Me returns the account loaded by middleware.LoadUser.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user, err := identity.CurrentUser(c)
	if err != nil {
		return apierr.Unauthorized(c)
	}
	return c.JSON(dto.OK(dto.UserResponse{
		ID:            user.ID,
		Email:         user.Email,
		Role:          user.Role,
		EmailVerified: user.EmailVerified,
	}))
}
