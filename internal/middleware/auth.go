package middleware

import (
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
)

func JWTProtected(cfg *config.Config) fiber.Handler {
	return jwtMiddleware(cfg, nil)
}

func jwtMiddleware(cfg *config.Config, skip func(*fiber.Ctx) bool) fiber.Handler {
	return jwtware.New(jwtware.Config{
		Filter:     skip,
		SigningKey: jwtware.SigningKey{Key: []byte(cfg.JWTSecret)},
		ContextKey: identity.TokenKey,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return apierr.Unauthorized(c)
		},
	})
}

// LoadUser resolves the token to an account, rejecting tokens revoked by a
// logout-all or belonging to an erased account.
func LoadUser(auth *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := identity.GetClaims(c)
		if err != nil {
			return apierr.Unauthorized(c)
		}
		user, err := auth.Authenticate(c.UserContext(), claims.UserID, claims.TokenVersion)
		if err != nil {
			return apierr.Respond(c, err)
		}
		identity.SetCurrentUser(c, user)
		return c.Next()
	}
}
