package handlers

import (
	"context"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Pinger is an optional dependency reported by the health check.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db    *gorm.DB
	cache Pinger
}

func NewHealthHandler(db *gorm.DB, cache Pinger) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}
	if dbStatus != "ok" {
		status = "degraded"
	}

	resp := dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        dbStatus,
	}
	if h.cache != nil {
		resp.Cache = "ok"
		if err := h.cache.HealthCheck(ctx); err != nil {
			resp.Cache = "unhealthy: " + err.Error()
		}
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(dto.OK(resp))
}
