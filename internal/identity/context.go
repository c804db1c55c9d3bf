// Package identity reads the verified caller from request context.
package identity

import (
	"errors"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Locals keys.
const (
	TokenKey = "user"
	UserKey  = "current_user"
)

var ErrNoIdentity = errors.New("no authenticated caller")

// Claims is the subset of access-token claims the API relies on.
type Claims struct {
	UserID       uuid.UUID
	Email        string
	Role         string
	TokenVersion int
}

// GetClaims extracts the caller from the JWT placed in locals by the auth
// middleware.
func GetClaims(c *fiber.Ctx) (Claims, error) {
	token, ok := c.Locals(TokenKey).(*jwt.Token)
	if !ok || token == nil {
		return Claims{}, errors.New("invalid token in context")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return Claims{}, errors.New("missing sub claim")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return Claims{}, err
	}

	out := Claims{UserID: id}
	out.Email, _ = claims["email"].(string)
	out.Role, _ = claims["role"].(string)
	// JSON numbers decode as float64.
	if tv, ok := claims["tv"].(float64); ok {
		out.TokenVersion = int(tv)
	}
	return out, nil
}

// GetUserID extracts the user UUID from JWT claims in context.
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	claims, err := GetClaims(c)
	if err != nil {
		return uuid.Nil, err
	}
	return claims.UserID, nil
}

// CurrentUser returns the user loaded by middleware.LoadUser.
func CurrentUser(c *fiber.Ctx) (*models.User, error) {
	user, ok := c.Locals(UserKey).(*models.User)
	if !ok || user == nil {
		return nil, ErrNoIdentity
	}
	return user, nil
}

func SetCurrentUser(c *fiber.Ctx, user *models.User) {
	c.Locals(UserKey, user)
}
