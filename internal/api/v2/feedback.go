package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/feedback"
)

// FeedbackRequest is the body of a feedback submission
type FeedbackRequest struct {
	ObservationID uint   `json:"observation_id"`
	UserID        uint   `json:"user_id"`
	Correct       bool   `json:"is_correct"`
	Label         string `json:"label,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

// ApproveFeedbackRequest carries the reviewer's notes
type ApproveFeedbackRequest struct {
	Notes string `json:"notes"`
}

func (c *Controller) initFeedbackRoutes() {
	c.Group.POST("/feedback", c.SubmitFeedback)
	c.Group.GET("/feedback/stats", c.GetFeedbackStats)
	c.Group.POST("/feedback/process-pending", c.ProcessPendingFeedback)
	c.Group.POST("/feedback/:id/approve", c.ApproveFeedback)
	c.Group.DELETE("/feedback/:id", c.DeleteFeedback)
	c.Group.GET("/predictions/:id/feedback", c.ListPredictionFeedback)
}

// SubmitFeedback records a verdict. A confirmed prediction is promoted to
// the curated pool in the same request; the reason field says whether it was.
func (c *Controller) SubmitFeedback(ctx echo.Context) error {
	var body FeedbackRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, bindError(err), "Invalid feedback request", http.StatusBadRequest)
	}

	result, err := c.feedback.Submit(ctx.Request().Context(), feedback.Submission{
		ObservationID: body.ObservationID,
		UserID:        body.UserID,
		Correct:       body.Correct,
		Label:         body.Label,
		ImageURL:      body.ImageURL,
		Comment:       body.Comment,
	})
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to submit feedback")
	}
	return ctx.JSON(http.StatusCreated, result)
}

// ListPredictionFeedback returns all feedback on one observation
func (c *Controller) ListPredictionFeedback(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	items, err := c.feedback.ListByObservation(ctx.Request().Context(), id)
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to list feedback")
	}
	if items == nil {
		items = []datastore.Feedback{}
	}
	return ctx.JSON(http.StatusOK, items)
}

// ApproveFeedback marks feedback as reviewed
func (c *Controller) ApproveFeedback(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid feedback ID", http.StatusBadRequest)
	}

	var body ApproveFeedbackRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, bindError(err), "Invalid approval request", http.StatusBadRequest)
	}

	fb, err := c.feedback.Approve(ctx.Request().Context(), id, body.Notes)
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to approve feedback")
	}
	return ctx.JSON(http.StatusOK, fb)
}

func (c *Controller) DeleteFeedback(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid feedback ID", http.StatusBadRequest)
	}

	if err := c.feedback.Delete(ctx.Request().Context(), id); err != nil {
		return c.handleServiceError(ctx, err, "Failed to delete feedback")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// GetFeedbackStats returns totals and accuracy across all feedback
func (c *Controller) GetFeedbackStats(ctx echo.Context) error {
	stats, err := c.feedback.Statistics(ctx.Request().Context())
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to get feedback statistics")
	}
	return ctx.JSON(http.StatusOK, stats)
}

// ProcessPendingFeedback retries promotion of every confirmed feedback that
// has not yet produced a curated image
func (c *Controller) ProcessPendingFeedback(ctx echo.Context) error {
	summary, err := c.feedback.ProcessPending(ctx.Request().Context())
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to process pending feedback")
	}
	return ctx.JSON(http.StatusOK, summary)
}
