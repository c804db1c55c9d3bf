// Package apierr translates service errors into the API error envelope.
package apierr

import (
	"errors"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"
)

type mapping struct {
	target  error
	status  int
	code    string
	message string
}

// Known errors in match order. An empty message uses the error text.
var mappings = []mapping{
	{services.ErrUnknownPlan, fiber.StatusBadRequest, dto.CodeUnknownPlan, "unknown or inactive plan"},
	{services.ErrUnknownProgram, fiber.StatusNotFound, dto.CodeUnknownProgram, "unknown or inactive program"},
	{services.ErrAlreadyEntitled, fiber.StatusConflict, dto.CodeAlreadyEntitled, "you already have this entitlement"},
	{services.ErrSubscriptionConflict, fiber.StatusConflict, dto.CodeSubscriptionConflict, "cancel your current subscription before switching plans"},
	{services.ErrProviderUnavailable, fiber.StatusServiceUnavailable, dto.CodeProviderUnavailable, "payment provider is unavailable, please retry"},
	{payments.ErrRejected, fiber.StatusUnprocessableEntity, dto.CodePaymentFailed, "the payment provider rejected the request"},
	{services.ErrConflict, fiber.StatusConflict, dto.CodeConflict, "concurrent update, please retry"},
	{services.ErrNoSubscription, fiber.StatusNotFound, dto.CodeNoSubscription, "no active subscription"},
	{services.ErrEmailMismatch, fiber.StatusBadRequest, dto.CodeValidation, ""},
	{services.ErrUserNotFound, fiber.StatusNotFound, dto.CodeNotFound, "user not found"},
	{services.ErrPurchaseNotFound, fiber.StatusNotFound, dto.CodeNotFound, "purchase not found"},
	{services.ErrEmailTaken, fiber.StatusConflict, dto.CodeEmailTaken, ""},
	{services.ErrInvalidCredentials, fiber.StatusUnauthorized, dto.CodeInvalidCredentials, ""},
	{services.ErrInvalidToken, fiber.StatusUnauthorized, dto.CodeInvalidToken, ""},
	{services.ErrInvalidEmail, fiber.StatusBadRequest, dto.CodeValidation, ""},
	{services.ErrWeakPassword, fiber.StatusBadRequest, dto.CodeValidation, ""},
	{services.ErrEventNotFound, fiber.StatusNotFound, dto.CodeNotFound, ""},
	{services.ErrEventNotDead, fiber.StatusConflict, dto.CodeConflict, ""},
	{services.ErrUnknownSweep, fiber.StatusBadRequest, dto.CodeValidation, ""},
	{payments.ErrInvalidSignature, fiber.StatusUnauthorized, dto.CodeInvalidSignature, "invalid webhook signature"},
	{services.ErrMalformedEvent, fiber.StatusBadRequest, dto.CodeMalformedEvent, "malformed event"},
}

// Respond writes err as an error envelope. Unknown errors become a generic
// 500; their text is logged and reported, never returned.
func Respond(c *fiber.Ctx, err error) error {
	var required *services.EntitlementRequiredError
	if errors.As(err, &required) {
		return c.Status(fiber.StatusPaymentRequired).JSON(dto.FailWithDetails(
			dto.CodeEntitlementRequired, "an active entitlement is required", dto.EntitlementDetails{
				Requirement:     required.Requirement,
				CurrentStatus:   required.CurrentStatus,
				ExpiryDate:      required.ExpiryDate,
				SuggestedAction: required.SuggestedAction,
			}))
	}

	var payErr *payments.PaymentError
	if errors.As(err, &payErr) {
		return c.Status(fiber.StatusPaymentRequired).JSON(dto.FailWithDetails(
			dto.CodePaymentFailed, "payment failed", fiber.Map{"reason": payErr.Message, "code": payErr.Code}))
	}

	for _, m := range mappings {
		if errors.Is(err, m.target) {
			msg := m.message
			if msg == "" {
				msg = m.target.Error()
			}
			return c.Status(m.status).JSON(dto.Fail(m.code, msg))
		}
	}

	slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err.Error())
	if hub := sentryfiber.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(dto.Fail(dto.CodeInternal, "internal server error"))
}

// BadRequest is the envelope for unparsable input.
func BadRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.Fail(dto.CodeValidation, message))
}

func Unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.Fail(dto.CodeUnauthorized, "unauthorized: invalid or expired token"))
}

// ErrorHandler is the fiber.Config ErrorHandler: *fiber.Error keeps its
// status, anything else goes through Respond.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := dto.CodeValidation
		message := fe.Message
		switch {
		case fe.Code == fiber.StatusNotFound:
			code = dto.CodeNotFound
		case fe.Code == fiber.StatusTooManyRequests:
			code = dto.CodeRateLimited
		case fe.Code >= 500:
			// Only expose details for client errors.
			slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
			code = dto.CodeInternal
			message = "internal server error"
		}
		return c.Status(fe.Code).JSON(dto.Fail(code, message))
	}
	return Respond(c, err)
}
