package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ActionMiddleware admits requests carrying a valid action token, either
// as the token query parameter (notification links) or a Bearer header.
// The verified action is stored in Locals("action").
func ActionMiddleware(verifier ActionVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if authHeader == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Action token required",
				})
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization header format",
				})
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		action, err := verifier.VerifyAction(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid action token",
			})
		}

		c.Locals("action", action)
		return c.Next()
	}
}
