package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/middleware"
	"github.com/Kyuzan0/account-manager-sub000/internal/service"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

// ActivityHandler serves the activity read API: timelines, stats, security
// listings, and export.
type ActivityHandler struct {
	query *service.QueryService
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(query *service.QueryService) *ActivityHandler {
	return &ActivityHandler{query: query}
}

func (h *ActivityHandler) caller(c *fiber.Ctx) service.Caller {
	return service.Caller{
		ActorID: middleware.GetUserID(c),
		Roles:   middleware.GetRoles(c),
	}
}

func timelineFilter(c *fiber.Ctx) (store.TimelineFilter, error) {
	f := store.TimelineFilter{
		Kind:   activity.Kind(c.Query("kind")),
		Status: activity.Status(c.Query("status")),
		Page:   c.QueryInt("page"),
		Limit:  c.QueryInt("limit"),
	}

	var err error
	if f.From, err = parseTimeQuery(c.Query("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTimeQuery(c.Query("to")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTimeQuery(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.New("timestamps must be RFC3339")
	}
	return ts, nil
}

func (h *ActivityHandler) respondQueryError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return middleware.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return middleware.Forbidden(c, "insufficient permissions")
	default:
		return middleware.InternalServerError(c, "query failed")
	}
}

// UserTimeline returns one actor's activity, newest first.
func (h *ActivityHandler) UserTimeline(c *fiber.Ctx) error {
	f, err := timelineFilter(c)
	if err != nil {
		return middleware.BadRequest(c, err.Error())
	}

	page, err := h.query.UserTimeline(c.UserContext(), c.Params("id"), f)
	if err != nil {
		return h.respondQueryError(c, err)
	}
	return c.JSON(page)
}

// TargetTimeline returns the activity touching one account.
func (h *ActivityHandler) TargetTimeline(c *fiber.Ctx) error {
	f, err := timelineFilter(c)
	if err != nil {
		return middleware.BadRequest(c, err.Error())
	}

	page, err := h.query.TargetTimeline(c.UserContext(), "account", c.Params("id"), f)
	if err != nil {
		return h.respondQueryError(c, err)
	}
	return c.JSON(page)
}

// Stats returns grouped {kind, status} counts over a trailing window.
func (h *ActivityHandler) Stats(c *fiber.Ctx) error {
	window := c.Query("window", "30d")

	buckets, err := h.query.Stats(c.UserContext(), window, time.Now().UTC())
	if err != nil {
		return h.respondQueryError(c, err)
	}
	return c.JSON(fiber.Map{
		"window":  window,
		"buckets": buckets,
	})
}

// Security returns flagged and high-risk records, riskScore descending.
func (h *ActivityHandler) Security(c *fiber.Ctx) error {
	page, err := h.query.SecurityListing(
		c.UserContext(),
		h.caller(c),
		c.QueryInt("minRiskScore"),
		c.QueryBool("flaggedOnly"),
		c.QueryInt("page"),
		c.QueryInt("limit"),
	)
	if err != nil {
		return h.respondQueryError(c, err)
	}
	return c.JSON(page)
}

// Export streams records in a date range as JSON or CSV, bounded by the
// export row cap.
func (h *ActivityHandler) Export(c *fiber.Ctx) error {
	from, err := parseTimeQuery(c.Query("from"))
	if err != nil {
		return middleware.BadRequest(c, err.Error())
	}
	to, err := parseTimeQuery(c.Query("to"))
	if err != nil {
		return middleware.BadRequest(c, err.Error())
	}

	records, err := h.query.Export(c.UserContext(), h.caller(c), from, to)
	if err != nil {
		return h.respondQueryError(c, err)
	}

	format := c.Query("format", "json")
	switch format {
	case "json":
		return c.JSON(fiber.Map{
			"items": records,
			"total": len(records),
		})
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.WriteAll(service.ExportCSV(records)); err != nil {
			return middleware.InternalServerError(c, "failed to render csv")
		}
		c.Set(fiber.HeaderContentType, "text/csv")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="activity-export.csv"`)
		return c.Send(buf.Bytes())
	default:
		return middleware.BadRequest(c, "format must be json or csv")
	}
}
