package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/review"
)

type approveRequest struct {
	FinalBubbles  []string `json:"final_bubbles"`
	EditTags      []string `json:"edit_tags"`
	QualityScore  int      `json:"quality_score"`
	ReviewerNotes string   `json:"reviewer_notes"`
}

type rejectRequest struct {
	ReviewerNotes string `json:"reviewer_notes"`
}

// PendingReviewsHandler returns the priority-ordered review queue.
func (h *Handlers) PendingReviewsHandler(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	minPriority := floatQuery(c, "min_priority", 0)
	rows, err := h.Reviews.ListPending(c.Request().Context(), limit, minPriority)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

// GetReviewHandler returns one interaction.
func (h *Handlers) GetReviewHandler(c echo.Context) error {
	row, err := h.Reviews.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

// ApproveHandler claims the interaction for the calling reviewer,
// approves it with the posted edits and queues it for delivery.
func (h *Handlers) ApproveHandler(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.NewValidation("invalid request body"))
	}
	if req.QualityScore < 1 || req.QualityScore > 5 {
		return writeError(c, common.NewValidation("quality_score must be between 1 and 5"))
	}

	session, _ := SessionFromContext(c)
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.Reviews.Claim(ctx, id, session.Principal.UserID); err != nil {
		return writeError(c, err)
	}
	row, err := h.Reviews.Approve(ctx, review.ApproveRequest{
		InteractionID: id,
		ReviewerID:    session.Principal.UserID,
		FinalBubbles:  req.FinalBubbles,
		EditTags:      req.EditTags,
		QualityScore:  req.QualityScore,
		ReviewerNotes: req.ReviewerNotes,
	})
	if err != nil {
		return writeError(c, err)
	}

	h.Delivery.EnqueueDelivery(row.ID)
	return c.JSON(http.StatusOK, row)
}

// RejectHandler claims the interaction for the calling reviewer and
// rejects it. Nothing is delivered.
func (h *Handlers) RejectHandler(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.NewValidation("invalid request body"))
	}

	session, _ := SessionFromContext(c)
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.Reviews.Claim(ctx, id, session.Principal.UserID); err != nil {
		return writeError(c, err)
	}
	row, err := h.Reviews.Reject(ctx, id, session.Principal.UserID, req.ReviewerNotes)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, row)
}
