package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberutils "github.com/gofiber/fiber/v2/utils"

	"github.com/noah-isme/gema-peer-api/internal/utils"
)

// RateLimit throttles a route per authenticated learner, falling back to the client IP.
// A sliding window keeps a learner from bursting twice the budget across a window edge.
func RateLimit(scope string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}
	retryAfter := int(window.Round(time.Second) / time.Second)

	return limiter.New(limiter.Config{
		Max:               max,
		Expiration:        window,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return scope + ":" + rateLimitSubject(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.Fail(c, fiber.StatusTooManyRequests, "too many requests, slow down", fiber.Map{
				"scope":               scope,
				"limit":               max,
				"retry_after_seconds": retryAfter,
			})
		},
	})
}

// rateLimitSubject is stored as a limiter key, so it must not alias the request buffer.
func rateLimitSubject(c *fiber.Ctx) string {
	if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
		return fiberutils.CopyString(userID)
	}
	return fiberutils.CopyString(c.IP())
}
