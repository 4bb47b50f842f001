package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
)

// Locals keys handlers use to feed the activity record for their request.
const (
	TrackTargetKey   = "activity_target"
	TrackBeforeKey   = "activity_before"
	TrackAfterKey    = "activity_after"
	TrackChangesKey  = "activity_changes"
	TrackMetadataKey = "activity_metadata"
	TrackErrorKey    = "activity_error"
)

// TrackConfig holds configuration for the activity tracking middleware.
type TrackConfig struct {
	Interceptor *activity.Interceptor
	// KindMapper derives the activity kind from the request. Returning an
	// empty kind skips tracking for that request.
	KindMapper func(*fiber.Ctx) activity.Kind
}

// Track wraps matched routes in a two-phase activity write. A PENDING
// record is created before the handler runs; after it returns, the outcome
// (including target and state snapshots the handler left in locals) is
// queued for asynchronous finalization.
func Track(cfg TrackConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Interceptor == nil || cfg.KindMapper == nil {
			return c.Next()
		}

		kind := cfg.KindMapper(c)
		if kind == "" {
			return c.Next()
		}

		op := activity.Operation{
			Kind:    kind,
			ActorID: GetUserID(c),
			Request: activity.RequestContext{
				SourceAddress: c.IP(),
				ClientAgent:   c.Get("User-Agent"),
				RequestID:     GetRequestID(c),
				Endpoint:      c.Path(),
				Method:        c.Method(),
			},
		}

		handle := cfg.Interceptor.Begin(c.UserContext(), op)

		err := c.Next()

		outcome := activity.Outcome{Err: err}
		if err == nil && c.Response().StatusCode() >= fiber.StatusBadRequest {
			outcome.Err = trackError(c)
		}
		if errors.Is(err, fiber.ErrRequestTimeout) {
			outcome.TimedOut = true
		}

		if target, ok := c.Locals(TrackTargetKey).(*activity.Target); ok {
			outcome.Target = target
		}
		if before, ok := c.Locals(TrackBeforeKey).(map[string]any); ok {
			outcome.Before = before
		}
		if after, ok := c.Locals(TrackAfterKey).(map[string]any); ok {
			outcome.After = after
		}
		if changes, ok := c.Locals(TrackChangesKey).([]activity.FieldChange); ok {
			outcome.Changes = changes
		}
		if meta, ok := c.Locals(TrackMetadataKey).(*activity.Metadata); ok {
			outcome.Metadata = meta
		}

		cfg.Interceptor.Finish(handle, outcome)

		return err
	}
}

// trackError recovers a handler-reported failure for requests that ended
// with an error status but a nil fiber error.
func trackError(c *fiber.Ctx) error {
	if err, ok := c.Locals(TrackErrorKey).(error); ok && err != nil {
		return err
	}
	return errors.New("request failed with status " + statusText(c.Response().StatusCode()))
}

func statusText(status int) string {
	if msg := fiber.NewError(status).Message; msg != "" {
		return msg
	}
	return "error"
}

// AccountKindMapper maps the account CRUD routes onto activity kinds.
func AccountKindMapper(c *fiber.Ctx) activity.Kind {
	hasID := c.Params("id") != ""
	switch c.Method() {
	case fiber.MethodPost:
		return activity.KindAccountCreate
	case fiber.MethodPut, fiber.MethodPatch:
		return activity.KindAccountUpdate
	case fiber.MethodDelete:
		if hasID {
			return activity.KindAccountDelete
		}
		return activity.KindBulkDelete
	case fiber.MethodGet:
		if hasID {
			return activity.KindAccountView
		}
		// Listing is not a tracked operation.
		return ""
	default:
		return ""
	}
}
