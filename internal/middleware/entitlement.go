package middleware

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

// RequireActiveSubscription lets the request through only for callers with a
// running subscription. Must follow JWTProtected.
func RequireActiveSubscription(gate *services.AccessGate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := identity.GetUserID(c)
		if err != nil {
			return apierr.Unauthorized(c)
		}
		if err := gate.RequireActiveSubscription(c.UserContext(), userID); err != nil {
			return apierr.Respond(c, err)
		}
		return c.Next()
	}
}

// RequireProgramOwnership guards routes whose param names a program slug.
func RequireProgramOwnership(gate *services.AccessGate, param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := identity.GetUserID(c)
		if err != nil {
			return apierr.Unauthorized(c)
		}
		if err := gate.RequireProgramOwnership(c.UserContext(), userID, c.Params(param)); err != nil {
			return apierr.Respond(c, err)
		}
		return c.Next()
	}
}
