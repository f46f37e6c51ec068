package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/hottake/studio/internal/auth"
)

// AuthHandler answers the gateway's ForwardAuth checks.
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: authenticator}
}

// Verify handles GET /auth/verify
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.authenticator.Authenticate(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
