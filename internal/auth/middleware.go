package auth

import (
	"context"
	"net/http"
	"strings"

	"visioncrm/internal/logger"
	"visioncrm/internal/tenant"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenValidator 令牌校验（JWTService 实现）
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*TokenClaims, error)
}

// AuthMiddleware 校验 Bearer 令牌并注入 tenant.TenantContext
func AuthMiddleware(v TokenValidator, l *zap.Logger) gin.HandlerFunc {
	log := logger.OrNop(l)
	return func(c *gin.Context) {
		token := ExtractTokenFromBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
			return
		}

		claims, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			log.Debug("令牌校验失败", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "令牌验证失败"})
			return
		}

		tenantID := strings.TrimSpace(claims.TenantID)
		if tenantID == "" {
			log.Warn("令牌缺少租户信息", zap.String("user", claims.UserID))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "缺少租户信息"})
			return
		}

		tc := tenant.TenantContext{
			TenantID:      tenantID,
			UserID:        strings.TrimSpace(claims.UserID),
			Roles:         append([]string{}, claims.Roles...),
			IsSystemAdmin: hasSystemAdminRole(claims.Roles),
		}
		c.Set("tenant_id", tc.TenantID)
		c.Set("user_id", tc.UserID)
		c.Request = c.Request.WithContext(tenant.WithTenantContext(c.Request.Context(), tc))
		c.Next()
	}
}

// RequireAdmin 仅允许租户管理员
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := tenant.FromContext(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
			return
		}
		if !tc.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "权限不足"})
			return
		}
		c.Next()
	}
}

func hasSystemAdminRole(roles []string) bool {
	for _, r := range roles {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "super_admin", "system_admin":
			return true
		}
	}
	return false
}
