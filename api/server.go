// Package api exposes the StageGate control surface: reviewer queue
// operations, silence-protocol administration, rate-limit inspection
// and authentication, all over an Echo HTTP server.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/auth"
	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/protocol"
	"stagegate.evalgo.org/ratelimit"
	"stagegate.evalgo.org/review"
)

// ReviewStore is the slice of the review state machine the handlers use.
type ReviewStore interface {
	ListPending(ctx context.Context, limit int, minPriority float64) ([]db.Interaction, error)
	Get(ctx context.Context, id string) (*db.Interaction, error)
	Claim(ctx context.Context, interactionID, reviewerID string) (*db.Interaction, error)
	Approve(ctx context.Context, req review.ApproveRequest) (*db.Interaction, error)
	Reject(ctx context.Context, interactionID, reviewerID, notes string) (*db.Interaction, error)
}

// ProtocolService is the slice of the silence protocol the handlers use.
type ProtocolService interface {
	Activate(ctx context.Context, userID, by, reason string) error
	Deactivate(ctx context.Context, userID, by, reason string) error
	GrantOneTimePass(ctx context.Context, userID, by string) error
	Status(ctx context.Context, userID string) (db.UserProtocolStatus, error)
	Messages(ctx context.Context, userID string, includeProcessed bool, limit int) ([]db.QuarantineMessage, error)
	Message(ctx context.Context, id string) (*db.QuarantineMessage, error)
	Process(ctx context.Context, messageIDs []string, by string) (int, error)
	Delete(ctx context.Context, messageIDs []string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (protocol.Stats, error)
	AuditTrail(ctx context.Context, userID string, limit int) ([]db.ProtocolAuditLog, error)
}

// AuthService is the slice of the auth package the handlers use.
type AuthService interface {
	Login(ctx context.Context, username, password string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error)
	LoginExternal(ctx context.Context, username, email string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error)
	Refresh(ctx context.Context, refreshToken string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error)
	Logout(ctx context.Context, principal auth.Principal, sessionID, ip string) error
	Sessions(ctx context.Context, userID string) ([]db.UserSession, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
	GetUser(ctx context.Context, userID string) (*db.User, error)
}

// LimiterAdmin is the slice of the rate limiter the admin surface uses.
type LimiterAdmin interface {
	Status(ctx context.Context, identityKey string) (blocked bool, until time.Time, violations int64)
	Unblock(ctx context.Context, identityKey string) error
	Violations(ctx context.Context, limit int) ([]ratelimit.ViolationRecord, error)
	Stats(ctx context.Context, window time.Duration) (ratelimit.UsageStats, error)
}

// AlertSource reads the monitor's alert stream.
type AlertSource interface {
	Alerts(ctx context.Context, limit int) ([]ratelimit.Alert, error)
}

// RuleView exposes the active limiter rule snapshot.
type RuleView interface {
	Current() ratelimit.Rules
}

// DeliveryQueue receives ids of approved interactions for delivery.
type DeliveryQueue interface {
	EnqueueDelivery(interactionID string)
}

// Config contains server settings the handlers need beyond their
// service dependencies.
type Config struct {
	ServiceName     string
	Version         string
	FrontendURL     string
	DashboardAPIKey string
}

// Handlers bundles every dependency of the control surface.
type Handlers struct {
	Config   Config
	Tokens   *auth.TokenService
	Auth     AuthService
	Provider IdentityProvider
	Reviews  ReviewStore
	Protocol ProtocolService
	Limiter  LimiterAdmin
	Alerts   AlertSource
	Rules    RuleView
	Delivery DeliveryQueue
	KV       *db.KV
	PG       *db.Postgres
	Log      *logrus.Logger

	started time.Time
}

// NewServer builds the Echo instance with the full middleware chain and
// all routes registered. The rate limiter middleware is passed in built,
// so tests can run with a miniredis-backed limiter or none at all.
func NewServer(h *Handlers, rateLimit echo.MiddlewareFunc) *echo.Echo {
	h.started = time.Now()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(h.Log))
	if rateLimit != nil {
		e.Use(rateLimit)
	}
	e.Use(h.legacyKeyAuth())
	e.Use(h.bearerAuth())

	SetupRoutes(e, h)
	return e
}

// SetupRoutes registers every endpoint of the control surface.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	// Public.
	e.POST("/auth/login", h.LoginHandler)
	e.GET("/auth/callback", h.CallbackHandler)
	e.POST("/auth/refresh", h.RefreshHandler)
	e.GET("/health", h.HealthHandler)
	e.GET("/healthz", h.HealthzHandler)
	e.GET("/mcp/health", h.MCPHealthHandler)
	e.GET("/mcp/metrics", h.MCPMetricsHandler)

	// Authenticated, no extra permission.
	e.POST("/auth/logout", h.LogoutHandler)
	e.GET("/auth/me", h.MeHandler)
	e.GET("/auth/sessions", h.SessionsHandler)
	e.DELETE("/auth/sessions/:id", h.DeleteSessionHandler)

	// Reviewer queue.
	e.GET("/reviews/pending", h.PendingReviewsHandler, requirePermission(PermReviewsRead))
	e.GET("/reviews/:id", h.GetReviewHandler, requirePermission(PermReviewsRead))
	e.POST("/reviews/:id/approve", h.ApproveHandler, requirePermission(PermReviewsWrite))
	e.POST("/reviews/:id/reject", h.RejectHandler, requirePermission(PermReviewsWrite))

	// Silence protocol and quarantine.
	e.POST("/users/:user_id/protocol", h.ProtocolActionHandler, requirePermission(PermProtocolWrite))
	e.GET("/quarantine/messages", h.QuarantineMessagesHandler, requirePermission(PermQuarantineRead))
	e.POST("/quarantine/batch-process", h.BatchProcessHandler, requirePermission(PermQuarantineWrite))
	e.POST("/quarantine/cleanup", h.CleanupHandler, requirePermission(PermQuarantineWrite))
	e.GET("/quarantine/stats", h.QuarantineStatsHandler, requirePermission(PermQuarantineRead))
	e.GET("/quarantine/audit-log", h.AuditLogHandler, requirePermission(PermQuarantineRead))
	e.POST("/quarantine/:id/process", h.ProcessMessageHandler, requirePermission(PermQuarantineWrite))
	e.DELETE("/quarantine/:id", h.DeleteMessageHandler, requirePermission(PermQuarantineWrite))

	// Rate limit administration.
	rl := e.Group("/api/rate-limits", requirePermission(PermRateLimitAdmin))
	rl.GET("/stats", h.RateLimitStatsHandler)
	rl.GET("/violations", h.RateLimitViolationsHandler)
	rl.GET("/alerts", h.RateLimitAlertsHandler)
	rl.GET("/config", h.RateLimitConfigHandler)
	rl.GET("/client/:id", h.RateLimitClientHandler)
	rl.DELETE("/client/:id/violations", h.RateLimitUnblockHandler)
}

// writeError maps service errors onto JSON responses.
func writeError(c echo.Context, err error) error {
	return c.JSON(common.HTTPStatus(err), map[string]string{"error": err.Error()})
}

func requestLogger(log *logrus.Logger) echo.MiddlewareFunc {
	entry := log.WithField("component", "api")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			entry.WithFields(logrus.Fields{
				"method":  c.Request().Method,
				"path":    c.Request().URL.Path,
				"status":  c.Response().Status,
				"latency": time.Since(start).String(),
			}).Info("request")
			return nil
		}
	}
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func floatQuery(c echo.Context, name string, fallback float64) float64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}
