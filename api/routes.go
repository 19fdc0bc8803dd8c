package api

import (
	"visioncrm/internal/auth"
	"visioncrm/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	// 系统探针（公开）
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(container.DB, container.RedisClient))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 主 API 组
	api := router.Group("/api")
	api.Use(auth.AuthMiddleware(container.JWTService, container.Logger))
	registerAPIRoutes(api, container, handlers)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(auth.AuthMiddleware(container.JWTService, container.Logger))
	registerAPIRoutes(apiV1, container, handlers)
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, c *AppContainer, h *Handlers) {
	// 任意已认证用户
	h.Audit.RegisterSelfRoutes(apiGroup)
	h.GDPR.RegisterRoutes(apiGroup, middleware.RateLimitByUser(c.DSRRateLimiter))

	// 租户管理员
	admin := apiGroup.Group("", auth.RequireAdmin())
	h.Audit.RegisterRoutes(admin)
	h.Retention.RegisterRoutes(admin)
}
