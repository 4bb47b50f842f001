package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/accounts"
	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/middleware"
)

// AccountHandler handles account CRUD operations. Every mutation runs under
// the activity tracking middleware; handlers feed it target and state
// snapshots through locals.
type AccountHandler struct {
	store *accounts.Store
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(store *accounts.Store) *AccountHandler {
	return &AccountHandler{store: store}
}

// AccountRequest is the create/update payload.
type AccountRequest struct {
	Username      string `json:"username"`
	DisplayName   string `json:"displayName"`
	Platform      string `json:"platform"`
	Password      string `json:"password"`
	RecoveryEmail string `json:"recoveryEmail"`
	Phone         string `json:"phone"`
	Notes         string `json:"notes"`
}

func accountTarget(acct accounts.Account) *activity.Target {
	return &activity.Target{
		EntityType: "account",
		EntityID:   acct.ID,
		EntityName: acct.Username,
		Platform:   acct.Platform,
	}
}

// Create provisions a new account.
func (h *AccountHandler) Create(c *fiber.Ctx) error {
	var req AccountRequest
	if err := c.BodyParser(&req); err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.BadRequest(c, "invalid request body")
	}
	if req.Username == "" || req.Platform == "" {
		err := errors.New("username and platform are required")
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.BadRequest(c, err.Error())
	}

	acct, err := h.store.Create(accounts.Account{
		Username:      req.Username,
		DisplayName:   req.DisplayName,
		Platform:      req.Platform,
		Password:      req.Password,
		RecoveryEmail: req.RecoveryEmail,
		Phone:         req.Phone,
		Notes:         req.Notes,
	})
	if err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		if errors.Is(err, accounts.ErrDuplicate) {
			return middleware.Conflict(c, err.Error())
		}
		return middleware.InternalServerError(c, "failed to create account")
	}

	c.Locals(middleware.TrackTargetKey, accountTarget(acct))
	c.Locals(middleware.TrackAfterKey, acct.Snapshot())

	return c.Status(fiber.StatusCreated).JSON(sanitizeAccount(acct))
}

// Get returns one account.
func (h *AccountHandler) Get(c *fiber.Ctx) error {
	acct, err := h.store.Get(c.Params("id"))
	if err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.NotFound(c, "account not found")
	}

	c.Locals(middleware.TrackTargetKey, accountTarget(acct))

	return c.JSON(sanitizeAccount(acct))
}

// List returns accounts, optionally filtered by platform. Listing is not a
// tracked operation.
func (h *AccountHandler) List(c *fiber.Ctx) error {
	accts := h.store.List(c.Query("platform"))
	out := make([]accounts.Account, 0, len(accts))
	for _, acct := range accts {
		out = append(out, sanitizeAccount(acct))
	}
	return c.JSON(fiber.Map{"items": out, "total": len(out)})
}

// Update mutates an account and records the field-level diff.
func (h *AccountHandler) Update(c *fiber.Ctx) error {
	var req AccountRequest
	if err := c.BodyParser(&req); err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.BadRequest(c, "invalid request body")
	}

	before, after, err := h.store.Update(c.Params("id"), accounts.Account{
		Username:      req.Username,
		DisplayName:   req.DisplayName,
		Password:      req.Password,
		RecoveryEmail: req.RecoveryEmail,
		Phone:         req.Phone,
		Notes:         req.Notes,
	})
	if err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.NotFound(c, "account not found")
	}

	c.Locals(middleware.TrackTargetKey, accountTarget(after))
	c.Locals(middleware.TrackBeforeKey, before.Snapshot())
	c.Locals(middleware.TrackAfterKey, after.Snapshot())
	c.Locals(middleware.TrackChangesKey, diffAccounts(before, after))

	return c.JSON(sanitizeAccount(after))
}

// Delete removes one account.
func (h *AccountHandler) Delete(c *fiber.Ctx) error {
	acct, err := h.store.Delete(c.Params("id"))
	if err != nil {
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.NotFound(c, "account not found")
	}

	c.Locals(middleware.TrackTargetKey, accountTarget(acct))
	c.Locals(middleware.TrackBeforeKey, acct.Snapshot())

	return c.JSON(fiber.Map{"deleted": acct.ID})
}

// BulkDelete removes every account on a platform.
func (h *AccountHandler) BulkDelete(c *fiber.Ctx) error {
	platform := c.Query("platform")
	if platform == "" {
		err := errors.New("platform query parameter is required")
		c.Locals(middleware.TrackErrorKey, err)
		return middleware.BadRequest(c, err.Error())
	}

	deleted := h.store.BulkDelete(platform)

	c.Locals(middleware.TrackTargetKey, &activity.Target{
		EntityType: "platform",
		EntityID:   platform,
		Platform:   platform,
	})
	c.Locals(middleware.TrackMetadataKey, &activity.Metadata{
		BulkDelete: &activity.BulkDeleteMetadata{DeletedCount: deleted},
	})

	return c.JSON(fiber.Map{"deleted": deleted, "platform": platform})
}

// sanitizeAccount strips secrets from API responses. The activity pipeline
// has its own denylist; this covers the synchronous read path.
func sanitizeAccount(acct accounts.Account) accounts.Account {
	acct.Password = ""
	acct.RecoveryEmail = ""
	acct.Phone = ""
	return acct
}

func diffAccounts(before, after accounts.Account) []activity.FieldChange {
	changes := []activity.FieldChange{}
	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, activity.FieldChange{Field: field, OldValue: oldVal, NewValue: newVal})
		}
	}
	add("username", before.Username, after.Username)
	add("displayName", before.DisplayName, after.DisplayName)
	add("password", before.Password, after.Password)
	add("recoveryEmail", before.RecoveryEmail, after.RecoveryEmail)
	add("phone", before.Phone, after.Phone)
	add("notes", before.Notes, after.Notes)
	return changes
}
