package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"stagegate.evalgo.org/common"
)

// ProtocolActionHandler activates or deactivates the silence protocol
// for a user, or grants a one-time pass.
func (h *Handlers) ProtocolActionHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	ctx := c.Request().Context()
	userID := c.Param("user_id")
	reason := c.QueryParam("reason")

	var err error
	switch action := c.QueryParam("action"); action {
	case "activate":
		err = h.Protocol.Activate(ctx, userID, session.Principal.UserID, reason)
	case "deactivate":
		err = h.Protocol.Deactivate(ctx, userID, session.Principal.UserID, reason)
	case "one_time_pass":
		err = h.Protocol.GrantOneTimePass(ctx, userID, session.Principal.UserID)
	default:
		return writeError(c, common.NewValidation("unknown action %q", action))
	}
	if err != nil {
		return writeError(c, err)
	}

	status, err := h.Protocol.Status(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// QuarantineMessagesHandler lists quarantined messages for a user.
func (h *Handlers) QuarantineMessagesHandler(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return writeError(c, common.NewValidation("user_id is required"))
	}
	limit := intQuery(c, "limit", 50)
	includeProcessed := c.QueryParam("include_processed") == "true"

	msgs, err := h.Protocol.Messages(c.Request().Context(), userID, includeProcessed, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// ProcessMessageHandler marks one quarantined message handled;
// process_and_deactivate additionally lifts the user's protocol.
func (h *Handlers) ProcessMessageHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	ctx := c.Request().Context()
	id := c.Param("id")
	action := c.QueryParam("action")
	if action != "process" && action != "process_and_deactivate" {
		return writeError(c, common.NewValidation("unknown action %q", action))
	}

	msg, err := h.Protocol.Message(ctx, id)
	if err != nil {
		return writeError(c, err)
	}

	processed, err := h.Protocol.Process(ctx, []string{id}, session.Principal.UserID)
	if err != nil {
		return writeError(c, err)
	}

	if action == "process_and_deactivate" {
		if err := h.Protocol.Deactivate(ctx, msg.UserID, session.Principal.UserID, "processed via quarantine"); err != nil {
			return writeError(c, err)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"processed": processed})
}

// BatchProcessHandler marks up to 100 quarantined messages handled.
func (h *Handlers) BatchProcessHandler(c echo.Context) error {
	var ids []string
	if err := c.Bind(&ids); err != nil {
		return writeError(c, common.NewValidation("body must be a JSON array of message ids"))
	}

	session, _ := SessionFromContext(c)
	processed, err := h.Protocol.Process(c.Request().Context(), ids, session.Principal.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"processed": processed})
}

// DeleteMessageHandler removes one quarantined message.
func (h *Handlers) DeleteMessageHandler(c echo.Context) error {
	deleted, err := h.Protocol.Delete(c.Request().Context(), []string{c.Param("id")})
	if err != nil {
		return writeError(c, err)
	}
	if deleted == 0 {
		return writeError(c, common.NewNotFound("quarantine message %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// QuarantineStatsHandler returns protocol totals and 24h deltas.
func (h *Handlers) QuarantineStatsHandler(c echo.Context) error {
	stats, err := h.Protocol.GetStats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// AuditLogHandler returns the protocol audit trail, optionally scoped
// to one user via ?user_id=.
func (h *Handlers) AuditLogHandler(c echo.Context) error {
	rows, err := h.Protocol.AuditTrail(c.Request().Context(), c.QueryParam("user_id"), intQuery(c, "limit", 100))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

// CleanupHandler removes expired unprocessed quarantine messages.
func (h *Handlers) CleanupHandler(c echo.Context) error {
	removed, err := h.Protocol.CleanupExpired(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"removed": removed})
}
