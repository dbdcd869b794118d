package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/metrics"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	r.Use(metrics.Middleware())

	// Health and metrics endpoints (no rate limit)
	r.GET("/healthz", h.Liveness)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiRateLimiter := RateLimiter(30, 60) // 30 requests/sec, burst of 60
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireJSONContentType())
	{
		api.GET("/sources", h.APIListSources)
		api.POST("/sources", h.APICreateSource)
		api.GET("/sources/:id", h.APIGetSource)
		api.DELETE("/sources/:id", h.APIDeleteSource)
		api.GET("/sources/:id/attempts", h.APIListAttempts)
		api.GET("/attempts/:id/results", h.APIAttemptResults)
		api.GET("/activity", h.APIActivity)
	}

	// Operations that reach external servers or rewrite many rows get a stricter limit
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensive := r.Group("/api")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/sources/:id/sync", h.APITriggerSync)
		expensive.POST("/sources/:id/filters/sync", h.APISyncFilters)
		expensive.POST("/keys/rotate", h.APIRotateKeys)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
