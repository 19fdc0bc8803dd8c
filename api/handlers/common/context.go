package common

import (
	"net/http"
	"strings"
	"time"

	"visioncrm/internal/tenant"

	"github.com/gin-gonic/gin"
)

// Caller 取出认证中间件注入的租户上下文，缺失时返回 401
func Caller(c *gin.Context) (tenant.TenantContext, bool) {
	tc, ok := tenant.FromContext(c.Request.Context())
	if !ok || tc.TenantID == "" {
		Fail(c, http.StatusUnauthorized, CodeUnauthorized, "未认证")
		return tenant.TenantContext{}, false
	}
	return tc, true
}

// TargetTenant 系统管理员可通过 ?tenant_id 指定租户，其余调用方固定为自身租户
func TargetTenant(c *gin.Context, tc tenant.TenantContext) string {
	if tc.IsSystemAdmin {
		if id := strings.TrimSpace(c.Query("tenant_id")); id != "" {
			return id
		}
	}
	return tc.TenantID
}

// ParseTime 解析 RFC3339 查询参数，空值返回 nil
func ParseTime(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
