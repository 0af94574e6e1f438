package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitStatsHandler summarizes limiter traffic.
func (h *Handlers) RateLimitStatsHandler(c echo.Context) error {
	window := time.Duration(intQuery(c, "window_minutes", 20)) * time.Minute
	stats, err := h.Limiter.Stats(c.Request().Context(), window)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// RateLimitViolationsHandler returns the newest violation records.
func (h *Handlers) RateLimitViolationsHandler(c echo.Context) error {
	records, err := h.Limiter.Violations(c.Request().Context(), intQuery(c, "limit", 100))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

// RateLimitAlertsHandler returns the newest monitor alerts.
func (h *Handlers) RateLimitAlertsHandler(c echo.Context) error {
	alerts, err := h.Alerts.Alerts(c.Request().Context(), intQuery(c, "limit", 50))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, alerts)
}

// RateLimitClientHandler reports one identity's block state. The id is
// the full identity key, e.g. "user:123" or "ip:10.0.0.1".
func (h *Handlers) RateLimitClientHandler(c echo.Context) error {
	blocked, until, violations := h.Limiter.Status(c.Request().Context(), c.Param("id"))
	body := map[string]interface{}{
		"identity":       c.Param("id"),
		"blocked":        blocked,
		"violations_24h": violations,
	}
	if blocked {
		body["blocked_until"] = until.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, body)
}

// RateLimitConfigHandler returns the active rule snapshot.
func (h *Handlers) RateLimitConfigHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Rules.Current())
}

// RateLimitUnblockHandler clears an identity's block and history.
func (h *Handlers) RateLimitUnblockHandler(c echo.Context) error {
	if err := h.Limiter.Unblock(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
