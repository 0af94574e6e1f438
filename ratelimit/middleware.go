package ratelimit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// IdentityFunc extracts the throttling identity from a request. The API
// layer supplies one that reads the authenticated principal; before
// authentication the fallback is the caller's address.
type IdentityFunc func(c echo.Context) Identity

// DefaultIdentity throttles by client address, honoring the first
// X-Forwarded-For hop.
func DefaultIdentity(c echo.Context) Identity {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return IPIdentity(strings.TrimSpace(fwd))
	}
	return IPIdentity(c.RealIP())
}

// Middleware returns an Echo middleware enforcing the limiter. Rejected
// requests get a 429 JSON body and a Retry-After header; allowed ones
// carry the X-RateLimit-* headers.
func Middleware(limiter *Limiter, identify IdentityFunc) echo.MiddlewareFunc {
	if identify == nil {
		identify = DefaultIdentity
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := identify(c)
			meta := RequestMeta{
				UserAgent: c.Request().UserAgent(),
				IP:        c.RealIP(),
			}

			decision := limiter.Allow(c.Request().Context(), identity, c.Path(), meta)

			header := c.Response().Header()
			header.Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			header.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			header.Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(decision.Reset.Seconds())))

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				header.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "rate limit exceeded",
					"retry_after": retryAfter,
					"message":     fmt.Sprintf("too many requests, retry after %ds", retryAfter),
				})
			}

			return next(c)
		}
	}
}
