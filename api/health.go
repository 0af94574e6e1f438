package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	mcpHealthKey = "mcp_health_http"
	mcpHealthCap = 50
	mcpHealthTTL = 24 * time.Hour
)

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *Handlers) componentChecks(c echo.Context) (map[string]string, bool) {
	ctx := c.Request().Context()
	checks := map[string]string{}
	healthy := true

	if h.KV != nil {
		if err := h.KV.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if h.PG != nil {
		if err := h.PG.DB(ctx).Exec("SELECT 1").Error; err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	return checks, healthy
}

// HealthHandler reports service health with per-component checks.
func (h *Handlers) HealthHandler(c echo.Context) error {
	checks, healthy := h.componentChecks(c)
	resp := healthResponse{
		Status:  "healthy",
		Service: h.Config.ServiceName,
		Version: h.Config.Version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// HealthzHandler is the liveness probe.
func (h *Handlers) HealthzHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// MCPHealthHandler serves the machine-facing health feed and records
// each check into the capped history list.
func (h *Handlers) MCPHealthHandler(c echo.Context) error {
	checks, healthy := h.componentChecks(c)
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	entry, _ := json.Marshal(map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if h.KV != nil {
		if err := h.KV.PushCapped(c.Request().Context(), mcpHealthKey, string(entry), mcpHealthCap, mcpHealthTTL); err != nil {
			h.Log.WithError(err).Warn("failed to record health check")
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, healthResponse{
		Status:  status,
		Service: h.Config.ServiceName,
		Version: h.Config.Version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
	})
}

// MCPMetricsHandler aggregates the operational counters the dashboard
// polls: pipeline backpressure, quarantine totals and limiter traffic.
func (h *Handlers) MCPMetricsHandler(c echo.Context) error {
	ctx := c.Request().Context()
	metrics := map[string]interface{}{}

	if h.KV != nil {
		if raw, ok, err := h.KV.Get(ctx, "pipeline:backpressure_drops"); err == nil && ok {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				metrics["backpressure_drops"] = n
			}
		}
	}
	if h.Protocol != nil {
		if stats, err := h.Protocol.GetStats(ctx); err == nil {
			metrics["quarantine"] = stats
		}
	}
	if h.Limiter != nil {
		if stats, err := h.Limiter.Stats(ctx, 20*time.Minute); err == nil {
			metrics["rate_limit"] = stats
		}
	}
	metrics["uptime_seconds"] = int64(time.Since(h.started).Seconds())

	return c.JSON(http.StatusOK, metrics)
}
