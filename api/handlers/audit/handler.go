package audit

import (
	"errors"
	"net/http"
	"strconv"

	response "visioncrm/api/handlers/common"
	"visioncrm/internal/audit"
	"visioncrm/internal/logger"
	"visioncrm/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 审计日志查询与导出
type Handler struct {
	query    *audit.QueryService
	exporter *audit.Exporter
	logger   *zap.Logger
}

// NewHandler 创建审计日志处理器
func NewHandler(query *audit.QueryService, exporter *audit.Exporter, l *zap.Logger) *Handler {
	return &Handler{query: query, exporter: exporter, logger: logger.OrNop(l)}
}

// RegisterRoutes 注册管理员路由
func (h *Handler) RegisterRoutes(admin *gin.RouterGroup) {
	g := admin.Group("/audit-logs")
	g.GET("", h.ListLogs)
	for _, v := range []audit.View{audit.ViewSecurity, audit.ViewFinancial, audit.ViewGDPR} {
		g.GET("/"+string(v), h.ListView(v))
	}
	g.GET("/entity/:type/:id", h.ListEntity)
	g.GET("/users/:id", h.ListUser)
	g.GET("/export", h.Export)
}

// RegisterSelfRoutes 注册任意已认证用户可访问的路由
func (h *Handler) RegisterSelfRoutes(authed *gin.RouterGroup) {
	authed.GET("/audit-logs/me", h.ListMine)
}

// filterFromQuery 解析通用过滤参数
func filterFromQuery(c *gin.Context) (audit.Filter, bool) {
	var f audit.Filter
	if raw := c.Query("action"); raw != "" {
		a := audit.Action(raw)
		if !a.Valid() {
			response.BadRequest(c, "未知的审计动作: "+raw)
			return f, false
		}
		f.Action = a
	}
	if raw := c.Query("entity_type"); raw != "" {
		e := audit.EntityType(raw)
		if !e.Valid() {
			response.BadRequest(c, "未知的实体类型: "+raw)
			return f, false
		}
		f.EntityType = e
	}
	f.UserID = c.Query("user_id")

	var err error
	if f.StartDate, err = response.ParseTime(c, "start_date"); err != nil {
		response.BadRequest(c, "start_date 必须为 RFC3339 格式")
		return f, false
	}
	if f.EndDate, err = response.ParseTime(c, "end_date"); err != nil {
		response.BadRequest(c, "end_date 必须为 RFC3339 格式")
		return f, false
	}

	var p types.OffsetPage
	if err := c.ShouldBindQuery(&p); err != nil {
		response.BadRequest(c, "分页参数错误")
		return f, false
	}
	p = p.Normalize(audit.DefaultQueryLimit, 500)
	f.Limit, f.Offset = p.Limit, p.Offset
	return f, true
}

// ListLogs 按租户查询审计日志
// @Summary 查询审计日志
// @Tags Audit
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.ListResponse
// @Router /api/audit-logs [get]
func (h *Handler) ListLogs(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	f, ok := filterFromQuery(c)
	if !ok {
		return
	}
	tenantID := response.TargetTenant(c, tc)
	ctx := c.Request.Context()

	logs, err := h.query.ByTenant(ctx, tenantID, f)
	if err != nil {
		h.fail(c, "查询审计日志失败", err)
		return
	}
	total, err := h.query.Count(ctx, tenantID, f)
	if err != nil {
		h.fail(c, "统计审计日志失败", err)
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, response.ListResponse{
		Success:    true,
		Items:      logs,
		Pagination: types.NewPageMeta(types.OffsetPage{Limit: f.Limit, Offset: f.Offset}, total),
	})
}

// ListView 合规视图：固定动作白名单下的租户日志
func (h *Handler) ListView(view audit.View) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := response.Caller(c)
		if !ok {
			return
		}
		f, ok := filterFromQuery(c)
		if !ok {
			return
		}
		vf := audit.ViewFilter{
			Limit:     f.Limit,
			Offset:    f.Offset,
			UserID:    f.UserID,
			StartDate: f.StartDate,
			EndDate:   f.EndDate,
		}
		tenantID := response.TargetTenant(c, tc)
		ctx := c.Request.Context()

		logs, err := h.query.View(ctx, tenantID, view, vf)
		if err != nil {
			h.fail(c, "查询合规视图失败", err)
			return
		}
		total, err := h.query.CountView(ctx, tenantID, view, vf)
		if err != nil {
			h.fail(c, "统计合规视图失败", err)
			return
		}
		c.Header("X-Total-Count", strconv.FormatInt(total, 10))
		c.JSON(http.StatusOK, response.ListResponse{
			Success:    true,
			Items:      logs,
			Pagination: types.NewPageMeta(types.OffsetPage{Limit: f.Limit, Offset: f.Offset}, total),
		})
	}
}

// ListEntity 查询单个实体的变更历史
func (h *Handler) ListEntity(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	entityType := audit.EntityType(c.Param("type"))
	if !entityType.Valid() {
		response.BadRequest(c, "未知的实体类型")
		return
	}
	logs, err := h.query.ByEntity(c.Request.Context(), entityType, c.Param("id"), audit.EntityQuery{
		Limit:    queryLimit(c),
		TenantID: response.TargetTenant(c, tc),
	})
	if err != nil {
		h.fail(c, "查询实体审计日志失败", err)
		return
	}
	response.OK(c, logs)
}

// ListUser 查询某用户在本租户内的操作记录
func (h *Handler) ListUser(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	h.listByUser(c, c.Param("id"), response.TargetTenant(c, tc))
}

// ListMine 当前用户自己的操作记录
func (h *Handler) ListMine(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	h.listByUser(c, tc.UserID, tc.TenantID)
}

func (h *Handler) listByUser(c *gin.Context, userID, tenantID string) {
	opts := audit.UserQuery{Limit: queryLimit(c), TenantID: tenantID}
	if raw := c.Query("action"); raw != "" {
		opts.Action = audit.Action(raw)
	}
	if raw := c.Query("entity_type"); raw != "" {
		opts.EntityType = audit.EntityType(raw)
	}
	logs, err := h.query.ByUser(c.Request.Context(), userID, opts)
	if err != nil {
		h.fail(c, "查询用户审计日志失败", err)
		return
	}
	response.OK(c, logs)
}

// Export 下载租户审计日志（csv / json）
// @Summary 导出审计日志
// @Tags Audit
// @Security BearerAuth
// @Produce octet-stream
// @Param format query string false "csv 或 json"
// @Router /api/audit-logs/export [get]
func (h *Handler) Export(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	f, ok := filterFromQuery(c)
	if !ok {
		return
	}
	// 导出不分页，由导出器限制最大行数
	f.Limit, f.Offset = 0, 0

	format := audit.ExportFormat(c.DefaultQuery("format", string(audit.FormatJSON)))
	result, err := h.exporter.Export(c.Request.Context(), response.TargetTenant(c, tc), format, f)
	if err != nil {
		h.fail(c, "导出审计日志失败", err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	c.Header("X-Total-Count", strconv.Itoa(result.TotalCount))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return types.OffsetPage{Limit: limit}.Normalize(audit.DefaultQueryLimit, 500).Limit
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	if errors.Is(err, audit.ErrTenantRequired) {
		response.BadRequest(c, "缺少租户信息")
		return
	}
	logger.Enrich(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	response.Internal(c)
}
