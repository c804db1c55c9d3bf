package handlers

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type AdminHandler struct {
	audit      *services.AuditLog
	webhooks   *services.WebhookService
	reconciler *services.Reconciler
	catalog    *catalog.Catalog
}

func NewAdminHandler(audit *services.AuditLog, webhooks *services.WebhookService, reconciler *services.Reconciler, cat *catalog.Catalog) *AdminHandler {
	return &AdminHandler{audit: audit, webhooks: webhooks, reconciler: reconciler, catalog: cat}
}

func operatorOrigin(c *fiber.Ctx) services.Origin {
	return services.OperatorOrigin(c.IP(), c.Get(fiber.HeaderUserAgent))
}

// Audit handles GET /admin/audit?userId=&action=&from=&to=&limit=. Times
// are RFC 3339.
func (h *AdminHandler) Audit(c *fiber.Ctx) error {
	q := services.AuditQuery{Action: c.Query("action"), Limit: c.QueryInt("limit", 100)}
	if raw := c.Query("userId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apierr.BadRequest(c, "userId must be a UUID")
		}
		q.UserID = &id
	}
	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		return apierr.BadRequest(c, "from must be RFC 3339")
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		return apierr.BadRequest(c, "to must be RFC 3339")
	}

	entries, err := h.audit.Query(c.UserContext(), q)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(fiber.Map{"entries": entries}))
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (h *AdminHandler) DeadWebhooks(c *fiber.Ctx) error {
	events, err := h.webhooks.ListDead(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(fiber.Map{"events": events}))
}

func (h *AdminHandler) Redrive(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	outcome, err := h.webhooks.Redrive(c.UserContext(), eventID)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(dto.RedriveResponse{EventID: eventID, Outcome: outcome}))
}

// RunReconciler handles POST /admin/reconciler/run?sweep=.
func (h *AdminHandler) RunReconciler(c *fiber.Ctx) error {
	counts, err := h.reconciler.RunManual(c.UserContext(), c.Query("sweep", "all"), operatorOrigin(c))
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(dto.OK(fiber.Map{"counts": counts}))
}

// ReloadCatalog re-reads the catalog file. A file that fails validation
// leaves the running catalog untouched.
func (h *AdminHandler) ReloadCatalog(c *fiber.Ctx) error {
	if err := h.catalog.Reload(c.UserContext()); err != nil {
		return apierr.BadRequest(c, err.Error())
	}
	plans, programs := h.catalog.Size()
	return c.JSON(dto.OK(fiber.Map{"plans": plans, "programs": programs}))
}
