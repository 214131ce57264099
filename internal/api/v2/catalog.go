package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leafwatch/leafwatch/internal/logger"
)

func (c *Controller) initCatalogRoutes() {
	c.Group.GET("/catalog/cache/stats", c.GetCatalogCacheStats)
	c.Group.POST("/catalog/cache/refresh", c.RefreshCatalogCache)
}

// GetCatalogCacheStats returns the number of cached entity lookups
func (c *Controller) GetCatalogCacheStats(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.catalog.Stats())
}

// RefreshCatalogCache drops every cached entry and reloads the catalog
func (c *Controller) RefreshCatalogCache(ctx echo.Context) error {
	if err := c.catalog.InvalidateAll(ctx.Request().Context()); err != nil {
		return c.handleServiceError(ctx, err, "Failed to refresh catalog cache")
	}

	stats := c.catalog.Stats()
	c.logger.WithContext(ctx.Request().Context()).Info("catalog cache refreshed",
		logger.Int("plants", stats.Plants),
		logger.Int("diseases", stats.Diseases),
		logger.String("ip", ctx.RealIP()))
	return ctx.JSON(http.StatusOK, stats)
}
