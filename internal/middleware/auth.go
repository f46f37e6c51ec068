package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/hottake/studio/internal/auth"
	"github.com/hottake/studio/pkg/response"
)

// AuthMiddleware authenticates bearer tokens on the API routes.
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the Authorization header and stores the caller in
// the request locals.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := m.authenticator.Authenticate(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				return response.Unauthorized(c, "Missing authorization header")
			case errors.Is(err, auth.ErrMalformedToken):
				return response.Unauthorized(c, "Invalid authorization header format")
			case errors.Is(err, auth.ErrNotConfigured):
				return response.Unauthorized(c, "Authentication not configured")
			default:
				return response.Unauthorized(c, "Invalid or expired token")
			}
		}

		setIdentity(c, id.UserID, id.Email, id.Name)
		return c.Next()
	}
}

// GatewayAuthMiddleware trusts the X-User-* headers set by the gateway's
// ForwardAuth.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, userID, c.Get("X-User-Email"), c.Get("X-User-Name"))
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, userID, email, name string) {
	c.Locals("userId", userID)
	c.Locals("email", email)
	c.Locals("name", name)
}

func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
