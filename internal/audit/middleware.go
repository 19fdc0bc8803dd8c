package audit

import (
	"github.com/gin-gonic/gin"
)

// RequestContextMiddleware 在请求上下文中记录来源信息，
// 使下游服务无需持有 *http.Request 也能写入 ip_address / user_agent
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := RequestMetaFromHTTP(c.Request)
		c.Request = c.Request.WithContext(WithRequestMeta(c.Request.Context(), meta))
		c.Next()
	}
}
