package api

import (
	"example.com/backstage/services/powerwatch/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, cfg config.ServerConfig, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler(logger))
	router.Use(CORS(cfg.CORSOrigins))

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(RateLimiter(cfg.RateLimitPerMinute))

	// Field app and device reporting
	api.POST("/powerwatch/events/batch", handlers.IngestEventBatch)
	api.POST("/telemetry", handlers.IngestTelemetry)
	api.POST("/sizing", handlers.RecommendSizing)

	partners := api.Group("/partners")
	partners.Use(PartnerAuthentication(handlers.services.Partners))
	{
		partners.POST("/customers", handlers.CreateCustomer)
		partners.GET("/devices/:serial/status", handlers.GetDeviceStatus)
	}

	admin := api.Group("/admin")
	admin.Use(AdminAuthentication(cfg.AdminToken))
	{
		admin.GET("/inbox", handlers.ListInbox)
		admin.POST("/inbox/:id/resolve", handlers.ResolveInbox)

		admin.GET("/devices", handlers.ListDevices)
		admin.GET("/devices/:id", handlers.GetDevice)
		admin.GET("/devices/:id/telemetry", handlers.GetDeviceTelemetry)

		admin.GET("/service-history", handlers.ListServiceHistory)
		admin.GET("/recommendations", handlers.ListRecommendations)
		admin.GET("/telemetry", handlers.ListRecentTelemetry)
		admin.GET("/stats", handlers.GetSystemStats)
	}
}
