package api

import (
	"net/http"
	"strings"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"stagegate.evalgo.org/auth"
	"stagegate.evalgo.org/ratelimit"
)

// Session is the authenticated caller stored in the request context.
type Session struct {
	Principal auth.Principal
	SessionID string
	// LegacyKey marks calls authenticated with the static dashboard key.
	LegacyKey bool
}

const contextKeySession = "session"

// Permissions checked by the route table.
const (
	PermReviewsRead    = "reviews:read"
	PermReviewsWrite   = "reviews:write"
	PermProtocolWrite  = "protocol:write"
	PermQuarantineRead = "quarantine:read"
	// PermQuarantineWrite covers process, delete and cleanup.
	PermQuarantineWrite = "quarantine:write"
	PermRateLimitAdmin  = "ratelimit:admin"
)

var rolePermissions = map[string]map[string]bool{
	"admin": {
		PermReviewsRead: true, PermReviewsWrite: true,
		PermProtocolWrite: true, PermQuarantineRead: true,
		PermQuarantineWrite: true, PermRateLimitAdmin: true,
	},
	"reviewer": {
		PermReviewsRead: true, PermReviewsWrite: true,
		PermQuarantineRead: true,
	},
	"viewer": {
		PermReviewsRead: true, PermQuarantineRead: true,
	},
}

// publicPaths skip bearer authentication entirely.
var publicPaths = map[string]bool{
	"/auth/login":    true,
	"/auth/callback": true,
	"/auth/refresh":  true,
	"/health":        true,
	"/healthz":       true,
	"/mcp/health":    true,
	"/mcp/metrics":   true,
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(c echo.Context) (Session, bool) {
	s, ok := c.Get(contextKeySession).(Session)
	return s, ok
}

// legacyKeyAuth maps the static dashboard key onto an implicit admin
// identity. Each use is logged; the key is kept only for dashboards
// that predate token auth.
func (h *Handlers) legacyKeyAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || h.Config.DashboardAPIKey == "" || key != h.Config.DashboardAPIKey {
				return next(c)
			}
			h.Log.WithField("component", "api").
				Warn("deprecated dashboard API key used, migrate to bearer tokens")
			c.Set(contextKeySession, Session{
				Principal: auth.Principal{UserID: "dashboard", Username: "dashboard", Role: "admin"},
				LegacyKey: true,
			})
			return next(c)
		}
	}
}

// bearerAuth resolves Authorization: Bearer tokens to a session. Public
// paths and requests already authenticated by the legacy key skip it.
func (h *Handlers) bearerAuth() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		Skipper: func(c echo.Context) bool {
			if publicPaths[c.Request().URL.Path] {
				return true
			}
			_, ok := SessionFromContext(c)
			return ok
		},
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, raw string) (interface{}, error) {
			principal, sessionID, err := h.Tokens.Validate(raw, "access")
			if err != nil {
				return nil, err
			}
			return Session{Principal: principal, SessionID: sessionID}, nil
		},
		SuccessHandler: func(c echo.Context) {
			if s, ok := c.Get("user").(Session); ok {
				c.Set(contextKeySession, s)
			}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
		},
	})
}

// requirePermission enforces the role permission table for one route.
func requirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			session, ok := SessionFromContext(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			}
			if !rolePermissions[session.Principal.Role][perm] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "insufficient permissions"})
			}
			return next(c)
		}
	}
}

// RateLimitIdentity builds the limiter identity function for the API.
// Bearer tokens are resolved early so authenticated traffic is limited
// by role; everything else falls back to the client IP.
func RateLimitIdentity(tokens *auth.TokenService, apiKey string) ratelimit.IdentityFunc {
	return func(c echo.Context) ratelimit.Identity {
		if apiKey != "" && c.Request().Header.Get("X-API-Key") == apiKey {
			return ratelimit.UserIdentity("dashboard", ratelimit.RoleAdmin)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if strings.HasPrefix(header, "Bearer ") {
			if p, err := tokens.ValidateAccess(strings.TrimPrefix(header, "Bearer ")); err == nil {
				return ratelimit.UserIdentity(p.UserID, ratelimit.Role(p.Role))
			}
		}
		return ratelimit.DefaultIdentity(c)
	}
}
