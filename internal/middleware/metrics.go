package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
)

// Metrics tracks HTTP request counts, latencies, and in-flight requests.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip the metrics endpoint itself.
		if c.Path() == "/metrics" {
			return c.Next()
		}

		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(c.Response().StatusCode())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Route().Path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Method(), c.Route().Path, status).Observe(duration)

		return err
	}
}
