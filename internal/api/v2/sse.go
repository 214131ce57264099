package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/notification"
)

const (
	sseHeartbeatInterval = 30 * time.Second
	sseWriteTimeout      = 10 * time.Second
)

// initStreamRoutes registers the per-user event stream
func (c *Controller) initStreamRoutes() {
	perMinute := c.config.SSERateLimit
	rateLimiterConfig := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(perMinute / 60),
				Burst:     max(1, int(perMinute)),
				ExpiresIn: 1 * time.Minute,
			},
		),
		IdentifierExtractor: middleware.DefaultRateLimiterConfig.IdentifierExtractor,
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded for event streams",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many stream connection attempts, please wait before trying again",
			})
		},
	}

	c.Group.GET("/users/:id/stream", c.StreamUserEvents, middleware.RateLimiterWithConfig(rateLimiterConfig))
}

// StreamUserEvents sends a user's prediction progress and results as
// Server-Sent Events until the client goes away or the server shuts down
func (c *Controller) StreamUserEvents(ctx echo.Context) error {
	userID, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid user ID", http.StatusBadRequest)
	}
	if c.events == nil {
		return c.HandleError(ctx, nil, "Event stream is not enabled", http.StatusServiceUnavailable)
	}

	events, unsubscribe := c.events.Subscribe(userID)
	defer unsubscribe()

	header := ctx.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	ctx.Response().WriteHeader(http.StatusOK)

	clientID := uuid.NewString()
	log := c.logger.WithContext(ctx.Request().Context()).With(
		logger.String("client_id", clientID),
		logger.Uint64("user_id", uint64(userID)))

	if err := c.sendSSEMessage(ctx, "connected", map[string]any{
		"clientId": clientID,
		"userId":   userID,
		"message":  "Connected to prediction stream",
	}); err != nil {
		return nil
	}
	log.Info("event stream opened", logger.String("ip", ctx.RealIP()))
	defer log.Info("event stream closed")

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.sendSSEMessage(ctx, string(event.Type), event); err != nil {
				log.Debug("event stream write failed", logger.Error(err))
				return nil
			}

		case <-ticker.C:
			if err := c.sendSSEMessage(ctx, "heartbeat", map[string]any{
				"timestamp": time.Now().Unix(),
			}); err != nil {
				log.Debug("heartbeat failed, client likely disconnected", logger.Error(err))
				return nil
			}

		case <-ctx.Request().Context().Done():
			return nil

		case <-c.ctx.Done():
			return nil
		}
	}
}

// sendSSEMessage writes one event frame and flushes it
func (c *Controller) sendSSEMessage(ctx echo.Context, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}

	// not every ResponseWriter supports deadlines
	rc := http.NewResponseController(ctx.Response().Writer)
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))

	if _, err := fmt.Fprintf(ctx.Response(), "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	ctx.Response().Flush()
	return nil
}

// compile-time check that the hub can back the stream
var _ EventSource = (*notification.Hub)(nil)
