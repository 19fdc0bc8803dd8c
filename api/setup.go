package api

import (
	"visioncrm/internal/audit"
	"visioncrm/internal/metrics"
	"visioncrm/internal/middleware"

	"github.com/gin-gonic/gin"
)

// ServiceName 服务名，用于链路追踪与健康检查
const ServiceName = "visioncrm"

// SetupRouter 基于容器创建 Gin 路由
func SetupRouter(container *AppContainer) *gin.Engine {
	router := gin.New()

	// 全局中间件
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(ServiceName),
		audit.RequestContextMiddleware(),
		metrics.GinMiddleware(),
		RequestLogger(),
		CORS(),
	)

	RegisterRoutes(router, container, container.InitHandlers())
	return router
}
