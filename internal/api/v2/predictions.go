package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/inference"
	"github.com/leafwatch/leafwatch/internal/prediction"
)

// PredictionRequest is the JSON form of a prediction request
type PredictionRequest struct {
	UserID      uint   `json:"user_id"`
	PlantID     *uint  `json:"plant_id,omitempty"`
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// BranchResponse is one ranked branch with its kind spelled out
type BranchResponse struct {
	Kind       datastore.ObservationKind `json:"kind"`
	EntityID   uint                      `json:"entity_id"`
	Rank       int                       `json:"rank"`
	Label      string                    `json:"label"`
	Confidence float64                   `json:"confidence"`
	Healthy    *bool                     `json:"healthy,omitempty"`
}

// PredictionResponse is the body returned for a prediction
type PredictionResponse struct {
	Observation *datastore.Observation `json:"observation"`
	Branches    []BranchResponse       `json:"branches"`
	Candidates  []inference.Candidate  `json:"candidates,omitempty"`
	Status      prediction.Status      `json:"status,omitempty"`
}

// UpdatePredictionRequest is the body of an administrative update
type UpdatePredictionRequest struct {
	Confidence  *float64 `json:"confidence,omitempty"`
	Valid       *bool    `json:"valid,omitempty"`
	Description *string  `json:"description,omitempty"`
	AdminID     *uint    `json:"admin_id,omitempty"`
}

func (c *Controller) initPredictionRoutes() {
	c.Group.POST("/predictions", c.CreatePrediction)
	c.Group.GET("/predictions/:id", c.GetPrediction)
	c.Group.PATCH("/predictions/:id", c.UpdatePrediction)
	c.Group.DELETE("/predictions/:id", c.DeletePrediction)
	c.Group.GET("/predictions/:id/audit", c.GetPredictionAudit)
	c.Group.GET("/users/:id/predictions", c.ListUserPredictions)
}

// CreatePrediction accepts either a multipart form with an "image" file or a
// JSON body carrying the image as base64
func (c *Controller) CreatePrediction(ctx echo.Context) error {
	req, err := c.bindPredictionRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction request", http.StatusBadRequest)
	}

	result, err := c.predictions.Predict(ctx.Request().Context(), req)
	if err != nil {
		return c.handleServiceError(ctx, err, "Prediction failed")
	}

	return ctx.JSON(http.StatusCreated, PredictionResponse{
		Observation: result.Observation,
		Branches:    branchResponses(result.Branches),
		Candidates:  result.Candidates,
		Status:      result.Status,
	})
}

func (c *Controller) bindPredictionRequest(ctx echo.Context) (*prediction.Request, error) {
	contentType := ctx.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		return c.bindMultipartPrediction(ctx)
	}

	var body PredictionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, bindError(err)
	}
	if int64(decodeBase64Size(body.ImageBase64)) > c.config.MaxUploadSize {
		return nil, errors.Newf("image exceeds %d bytes", c.config.MaxUploadSize).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return &prediction.Request{
		UserID:      body.UserID,
		PlantID:     body.PlantID,
		Image:       body.ImageBase64,
		Description: body.Description,
		ImageURL:    body.ImageURL,
	}, nil
}

func (c *Controller) bindMultipartPrediction(ctx echo.Context) (*prediction.Request, error) {
	userID, err := strconv.ParseUint(ctx.FormValue("user_id"), 10, 32)
	if err != nil {
		return nil, bindError(err)
	}

	fileHeader, err := ctx.FormFile("image")
	if err != nil {
		return nil, bindError(err)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, bindError(err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, c.config.MaxUploadSize+1))
	if err != nil {
		return nil, bindError(err)
	}
	if int64(len(data)) > c.config.MaxUploadSize {
		return nil, errors.Newf("image exceeds %d bytes", c.config.MaxUploadSize).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}

	req := &prediction.Request{
		UserID:      uint(userID),
		Image:       inference.EncodeImage(data, fileHeader.Header.Get(echo.HeaderContentType)),
		Description: ctx.FormValue("description"),
		ImageURL:    ctx.FormValue("image_url"),
	}
	if raw := ctx.FormValue("plant_id"); raw != "" {
		plantID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, bindError(err)
		}
		id := uint(plantID)
		req.PlantID = &id
	}
	return req, nil
}

// GetPrediction returns one observation with its branches
func (c *Controller) GetPrediction(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	obs, branches, err := c.predictions.GetObservation(ctx.Request().Context(), id)
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to get prediction")
	}

	return ctx.JSON(http.StatusOK, PredictionResponse{
		Observation: obs,
		Branches:    branchResponses(branches),
	})
}

// UpdatePrediction overwrites confidence, validity or description
func (c *Controller) UpdatePrediction(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	var body UpdatePredictionRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, bindError(err), "Invalid update request", http.StatusBadRequest)
	}

	obs, err := c.predictions.UpdatePrediction(ctx.Request().Context(), id, prediction.Update{
		Confidence:  body.Confidence,
		Valid:       body.Valid,
		Description: body.Description,
		AdminID:     body.AdminID,
	})
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to update prediction")
	}
	return ctx.JSON(http.StatusOK, obs)
}

// DeletePrediction removes an observation and everything recorded for it
func (c *Controller) DeletePrediction(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	if err := c.predictions.DeletePrediction(ctx.Request().Context(), id); err != nil {
		return c.handleServiceError(ctx, err, "Failed to delete prediction")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// GetPredictionAudit returns the audit trail of an observation
func (c *Controller) GetPredictionAudit(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	entries, err := c.predictions.AuditTrail(ctx.Request().Context(), id)
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to get audit trail")
	}
	return ctx.JSON(http.StatusOK, entries)
}

// ListUserPredictions pages through a user's observations, newest first
func (c *Controller) ListUserPredictions(ctx echo.Context) error {
	userID, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid user ID", http.StatusBadRequest)
	}
	limit, offset := parsePage(ctx)

	observations, err := c.predictions.ListObservations(ctx.Request().Context(), userID, limit, offset)
	if err != nil {
		return c.handleServiceError(ctx, err, "Failed to list predictions")
	}
	if observations == nil {
		observations = []datastore.Observation{}
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"predictions": observations,
		"limit":       limit,
		"offset":      offset,
	})
}

func branchResponses(branches []datastore.Branch) []BranchResponse {
	out := make([]BranchResponse, 0, len(branches))
	for _, b := range branches {
		resp := BranchResponse{
			Kind:     b.Kind(),
			EntityID: b.EntityID(),
			Rank:     b.BranchRank(),
		}
		switch v := b.(type) {
		case *datastore.PlantBranch:
			resp.Label = v.Label
			resp.Confidence = v.Confidence
		case *datastore.DiseaseBranch:
			resp.Label = v.Label
			resp.Confidence = v.Confidence
			healthy := v.Healthy
			resp.Healthy = &healthy
		}
		out = append(out, resp)
	}
	return out
}

func bindError(err error) error {
	return errors.New(err).
		Component("api").
		Category(errors.CategoryValidation).
		Build()
}

// decodeBase64Size reports the decoded size of a base64 payload, ignoring a
// data URI prefix
func decodeBase64Size(image string) int {
	if _, rest, ok := strings.Cut(image, ";base64,"); ok {
		image = rest
	}
	return base64.StdEncoding.DecodedLen(len(image))
}
