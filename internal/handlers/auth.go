package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/auth"
	"github.com/Kyuzan0/account-manager-sub000/internal/middleware"
)

// Operator is one operator identity allowed to call the API.
type Operator struct {
	ID       string
	Password string
	Roles    []string
}

// AuthHandler handles operator login and token refresh. Login attempts are
// tracked: a successful login produces a login-success record, a rejected
// one a login-failure record with the rejection reason.
type AuthHandler struct {
	jwtService  *auth.JWTService
	operators   map[string]Operator
	interceptor *activity.Interceptor
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtService *auth.JWTService, operators map[string]Operator, interceptor *activity.Interceptor) *AuthHandler {
	return &AuthHandler{
		jwtService:  jwtService,
		operators:   operators,
		interceptor: interceptor,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response body
type LoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshRequest represents the refresh token request body
type RefreshRequest struct {
	RefreshToken string   `json:"refresh_token"`
	Username     string   `json:"username"`
	Roles        []string `json:"roles"`
}

// Login validates operator credentials and returns JWT tokens.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.BadRequest(c, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return middleware.BadRequest(c, "username and password are required")
	}

	op, ok := h.operators[req.Username]
	if !ok || op.Password != req.Password {
		reason := "bad password"
		if !ok {
			reason = "unknown operator"
		}
		h.recordLogin(c, activity.KindLoginFailure, req.Username, activity.Outcome{
			Err:      errors.New("invalid credentials"),
			Metadata: &activity.Metadata{LoginFailure: &activity.LoginFailureMetadata{Reason: reason}},
		})
		return middleware.Unauthorized(c, "invalid credentials")
	}

	token, err := h.jwtService.GenerateToken(op.ID, req.Username, op.Roles)
	if err != nil {
		return middleware.InternalServerError(c, "failed to generate token")
	}
	refreshToken, err := h.jwtService.GenerateRefreshToken(op.ID)
	if err != nil {
		return middleware.InternalServerError(c, "failed to generate refresh token")
	}

	h.recordLogin(c, activity.KindLoginSuccess, op.ID, activity.Outcome{})

	return c.JSON(LoginResponse{
		Token:        token,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(15 * 60),
	})
}

// Refresh handles token refresh
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.BadRequest(c, "invalid request body")
	}
	if req.RefreshToken == "" || req.Username == "" {
		return middleware.BadRequest(c, "refresh_token and username are required")
	}

	newToken, newRefreshToken, err := h.jwtService.RefreshToken(req.RefreshToken, req.Username, req.Roles)
	if err != nil {
		switch err {
		case auth.ErrTokenExpired:
			return middleware.Unauthorized(c, "refresh token expired")
		case auth.ErrTokenInvalid:
			return middleware.Unauthorized(c, "invalid refresh token")
		default:
			return middleware.InternalServerError(c, "failed to refresh token")
		}
	}

	return c.JSON(LoginResponse{
		Token:        newToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    int64(15 * 60),
	})
}

// Logout records a logout for the authenticated operator. Tokens are
// stateless; the record is the point.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	actorID := middleware.GetUserID(c)
	if actorID == "" {
		return middleware.Unauthorized(c, "no valid token found")
	}

	h.recordLogin(c, activity.KindLogout, actorID, activity.Outcome{})

	return c.JSON(fiber.Map{"message": "logged out"})
}

// Verify verifies the current JWT token
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	claims := middleware.GetClaims(c)
	if claims == nil {
		return middleware.Unauthorized(c, "no valid token found")
	}

	return c.JSON(fiber.Map{
		"user_id":  claims.UserID,
		"username": claims.Username,
		"roles":    claims.Roles,
		"issuer":   claims.Issuer,
		"expires":  claims.ExpiresAt.Unix(),
	})
}

// recordLogin writes a single-shot activity record for an auth event. The
// kind is only known once credentials have been checked, so both phases run
// here back to back.
func (h *AuthHandler) recordLogin(c *fiber.Ctx, kind activity.Kind, actorID string, outcome activity.Outcome) {
	if h.interceptor == nil {
		return
	}
	handle := h.interceptor.Begin(c.UserContext(), activity.Operation{
		Kind:    kind,
		ActorID: actorID,
		Request: activity.RequestContext{
			SourceAddress: c.IP(),
			ClientAgent:   c.Get("User-Agent"),
			RequestID:     middleware.GetRequestID(c),
			Endpoint:      c.Path(),
			Method:        c.Method(),
		},
	})
	h.interceptor.Finish(handle, outcome)
}
