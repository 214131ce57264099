// Package api serves the LeafWatch REST API under /api/v2.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/feedback"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/notification"
	"github.com/leafwatch/leafwatch/internal/prediction"
)

const (
	defaultMaxUploadSize = 10 << 20
	defaultSSERateLimit  = 10
	defaultPageSize      = 50
	maxPageSize          = 500
)

// PredictionService runs and reads predictions
type PredictionService interface {
	Predict(ctx context.Context, req *prediction.Request) (*prediction.Result, error)
	UpdatePrediction(ctx context.Context, id uint, upd prediction.Update) (*datastore.Observation, error)
	GetObservation(ctx context.Context, id uint) (*datastore.Observation, []datastore.Branch, error)
	ListObservations(ctx context.Context, userID uint, limit, offset int) ([]datastore.Observation, error)
	AuditTrail(ctx context.Context, id uint) ([]datastore.AuditEntry, error)
	DeletePrediction(ctx context.Context, id uint) error
}

// FeedbackService records and promotes feedback
type FeedbackService interface {
	Submit(ctx context.Context, sub feedback.Submission) (*feedback.Result, error)
	ProcessPending(ctx context.Context) (feedback.Summary, error)
	Approve(ctx context.Context, id uint, notes string) (*datastore.Feedback, error)
	Delete(ctx context.Context, id uint) error
	Statistics(ctx context.Context) (*datastore.FeedbackStats, error)
	ListByObservation(ctx context.Context, observationID uint) ([]datastore.Feedback, error)
}

// CatalogCache is the entity resolver's administrative surface
type CatalogCache interface {
	Stats() catalog.Stats
	InvalidateAll(ctx context.Context) error
}

// EventSource hands out per-user event streams
type EventSource interface {
	Subscribe(userID uint) (<-chan notification.Event, func())
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds the HTTP-facing limits
type Config struct {
	MaxUploadSize int64
	SSERateLimit  float64 // stream connections per minute per client
	MetricsPath   string
	Metrics       http.Handler
	Version       string
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	predictions PredictionService
	feedback    FeedbackService
	catalog     CatalogCache
	events      EventSource
	classifier  HealthChecker

	config    Config
	logger    logger.Logger
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithEvents enables the per-user SSE stream
func WithEvents(events EventSource) Option {
	return func(c *Controller) {
		c.events = events
	}
}

// WithClassifierHealth adds the classifier to the health check
func WithClassifierHealth(h HealthChecker) Option {
	return func(c *Controller) {
		c.classifier = h
	}
}

// New creates the controller and registers every route on e
func New(e *echo.Echo, predictions PredictionService, fb FeedbackService, cat CatalogCache,
	cfg Config, log logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaultMaxUploadSize
	}
	if cfg.SSERateLimit <= 0 {
		cfg.SSERateLimit = defaultSSERateLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		Echo:        e,
		predictions: predictions,
		feedback:    fb,
		catalog:     cat,
		config:      cfg,
		logger:      log.Module("api"),
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Group = e.Group("/api/v2")
	c.Group.Use(middleware.Recover())
	c.Group.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:        uuid.NewString,
		RequestIDHandler: c.attachTraceID,
	}))
	// base64 bodies are a third larger than the image they carry
	c.Group.Use(middleware.BodyLimit(strconv.FormatInt(cfg.MaxUploadSize*2, 10)))
	c.Group.Use(c.LoggingMiddleware())

	c.initRoutes()

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(cfg.Metrics))
	}

	return c
}

// attachTraceID puts the request id on the request context so module
// loggers pick it up through WithContext
func (c *Controller) attachTraceID(ctx echo.Context, requestID string) {
	req := ctx.Request()
	ctx.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), requestID)))
}

// LoggingMiddleware logs every API request
func (c *Controller) LoggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			req := ctx.Request()
			res := ctx.Response()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.Int("status", res.Status),
				logger.String("ip", ctx.RealIP()),
				logger.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				fields = append(fields, logger.Error(err))
			}
			c.logger.WithContext(req.Context()).Debug("api request", fields...)
			return err
		}
	}
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	c.initPredictionRoutes()
	c.initFeedbackRoutes()
	c.initCatalogRoutes()
	c.initStreamRoutes()
}

// HealthCheck reports uptime and classifier reachability. The service is
// degraded, not down, when the classifier is unreachable.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	response := map[string]any{
		"status":         "healthy",
		"version":        c.config.Version,
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime_seconds": time.Since(c.startTime).Seconds(),
	}

	if c.classifier != nil {
		checkCtx, cancel := context.WithTimeout(ctx.Request().Context(), 5*time.Second)
		defer cancel()
		if err := c.classifier.Health(checkCtx); err != nil {
			response["status"] = "degraded"
			response["classifier_status"] = "unreachable"
			response["classifier_error"] = errors.ScrubMessage(err.Error())
		} else {
			response["classifier_status"] = "reachable"
		}
	}

	return ctx.JSON(http.StatusOK, response)
}

// Shutdown ends open SSE streams
func (c *Controller) Shutdown() {
	c.cancel()
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = errors.ScrubMessage(err.Error())
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, prediction.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryNetwork), errors.IsCategory(err, errors.CategoryTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes an ErrorResponse and logs it with its correlation id
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	log := c.logger.WithContext(ctx.Request().Context())
	if code >= http.StatusInternalServerError {
		log.Error("api error", fields...)
	} else {
		log.Debug("api error", fields...)
	}

	return ctx.JSON(code, resp)
}

// handleServiceError picks the status code from err itself
func (c *Controller) handleServiceError(ctx echo.Context, err error, message string) error {
	return c.HandleError(ctx, err, message, statusFor(err))
}

// parseID reads a positive integer path parameter
func parseID(ctx echo.Context, name string) (uint, error) {
	raw := ctx.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.Newf("invalid %s %q", name, raw).
			Component("api").
			Category(errors.CategoryValidation).
			Context("param", name).
			Build()
	}
	return uint(id), nil
}

// parsePage reads limit and offset query parameters
func parsePage(ctx echo.Context) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(ctx.QueryParam("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(ctx.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
