package handlers

import (
	"errors"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

type WebhookHandler struct {
	webhooks *services.WebhookService
}

func NewWebhookHandler(webhooks *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// HandleStripe answers 2xx once the event is durably handled (processed,
// duplicate, ignored or dead-lettered) and 5xx when the provider should
// redeliver.
func (h *WebhookHandler) HandleStripe(c *fiber.Ctx) error {
	// Fiber reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	outcome, err := h.webhooks.Ingest(c.UserContext(), payload, c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return apierr.Respond(c, err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(dto.Fail(dto.CodeInternal, "event not processed, retry"))
	}
	return c.JSON(fiber.Map{"received": true, "outcome": outcome})
}
