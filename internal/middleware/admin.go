package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const adminTokenHeader = "X-Admin-Token"

// hasAdminToken reports whether the request carries the configured operator
// token.
func hasAdminToken(cfg *config.Config) func(*fiber.Ctx) bool {
	return func(c *fiber.Ctx) bool {
		if cfg.AdminToken == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(c.Get(adminTokenHeader)), []byte(cfg.AdminToken)) == 1
	}
}

// AdminAuth returns the handler chain for operator routes: the admin token
// header, or a bearer token whose caller passes AdminRequired.
func AdminAuth(db *gorm.DB, cfg *config.Config) []fiber.Handler {
	return []fiber.Handler{jwtMiddleware(cfg, hasAdminToken(cfg)), AdminRequired(db, cfg)}
}

// AdminRequired is a unified admin middleware that checks:
// 1. Config-based admin emails/IDs/token
// 2. DB-based user Role field
func AdminRequired(db *gorm.DB, cfg *config.Config) fiber.Handler {
	adminEmails := parseCSV(cfg.AdminEmails)
	adminUserIDs := parseCSV(cfg.AdminUserIDs)
	tokenOK := hasAdminToken(cfg)

	return func(c *fiber.Ctx) error {
		if tokenOK(c) {
			return c.Next()
		}

		claims, err := identity.GetClaims(c)
		if err != nil {
			return apierr.Unauthorized(c)
		}

		if contains(adminEmails, strings.ToLower(claims.Email)) || contains(adminUserIDs, claims.UserID.String()) {
			return c.Next()
		}

		var user models.User
		err = db.WithContext(c.UserContext()).Select("role", "token_version", "erased_at").
			First(&user, "id = ?", claims.UserID).Error
		if err == nil && user.ErasedAt == nil && user.TokenVersion == claims.TokenVersion && user.Role == models.RoleAdmin {
			return c.Next()
		}

		return c.Status(fiber.StatusForbidden).JSON(dto.Fail(dto.CodeForbidden, "admin access required"))
	}
}

func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(p))
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func contains(list []string, val string) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}
	return false
}
