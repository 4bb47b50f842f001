package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
	"github.com/Kyuzan0/account-manager-sub000/internal/ratelimit"
)

// RateLimit rejects requests from clients that exceed their token bucket.
// Clients are keyed by source IP.
func RateLimit(svc *ratelimit.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		client := c.IP()

		if !svc.Allow(client) {
			metrics.RateLimitRequestsTotal.WithLabelValues("ip", "rejected").Inc()
			metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("ip", "allowed").Inc()
		metrics.RateLimitActiveClients.WithLabelValues("ip").Set(float64(svc.ActiveClients()))
		return c.Next()
	}
}
