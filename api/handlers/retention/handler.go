package retention

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	response "visioncrm/api/handlers/common"
	"visioncrm/internal/audit"
	"visioncrm/internal/config"
	"visioncrm/internal/infra/queue"
	"visioncrm/internal/logger"
	"visioncrm/internal/models"
	"visioncrm/internal/retention"

	"github.com/adhocore/gronx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 数据保留策略管理
type Handler struct {
	registry *retention.Registry
	engine   *retention.Engine
	defaults []retention.DefaultPolicy
	queue    queue.Client
	auditor  retention.Auditor
	cron     string
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// Options 处理器依赖，Queue 为 nil 时手动清理不可用
type Options struct {
	Registry *retention.Registry
	Engine   *retention.Engine
	Defaults []retention.DefaultPolicy
	Queue    queue.Client
	Auditor  retention.Auditor
	Schedule config.RetentionConfig
	Logger   *zap.Logger
}

// NewHandler 创建保留策略处理器
func NewHandler(opts Options) *Handler {
	loc := time.UTC
	if opts.Schedule.Timezone != "" {
		if l, err := time.LoadLocation(opts.Schedule.Timezone); err == nil {
			loc = l
		}
	}
	return &Handler{
		registry: opts.Registry,
		engine:   opts.Engine,
		defaults: opts.Defaults,
		queue:    opts.Queue,
		auditor:  opts.Auditor,
		cron:     opts.Schedule.Cron,
		location: loc,
		now:      time.Now,
		logger:   logger.OrNop(opts.Logger),
	}
}

// RegisterRoutes 注册管理员路由
func (h *Handler) RegisterRoutes(admin *gin.RouterGroup) {
	g := admin.Group("/admin/data-retention")
	g.GET("", h.ListPolicies)
	g.PUT("", h.UpsertPolicy)
	g.PATCH("/:entityType", h.SetActive)
	g.POST("/defaults", h.SeedDefaults)
	g.GET("/preview", h.Preview)
	g.GET("/logs", h.ListLogs)
	g.GET("/schedule", h.Schedule)
	g.POST("/purge", h.TriggerPurge)
}

// UpsertPolicyRequest 创建或更新策略
type UpsertPolicyRequest struct {
	EntityType    string `json:"entity_type" binding:"required"`
	RetentionDays int    `json:"retention_days" binding:"required,min=1,max=3650"`
	IsActive      *bool  `json:"is_active"`
}

// SetActiveRequest 启用或停用策略
type SetActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// ListPolicies 列出租户的全部保留策略
func (h *Handler) ListPolicies(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	policies, err := h.registry.ListByTenant(c.Request.Context(), response.TargetTenant(c, tc))
	if err != nil {
		h.fail(c, "查询保留策略失败", err)
		return
	}
	response.OK(c, policies)
}

// UpsertPolicy 创建或更新策略，未传 is_active 时默认启用
// @Summary 设置保留策略
// @Tags Retention
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body UpsertPolicyRequest true "策略"
// @Router /api/admin/data-retention [put]
func (h *Handler) UpsertPolicy(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	var req UpsertPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}
	entityType, ok := parseEntityType(c, req.EntityType)
	if !ok {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ctx := c.Request.Context()
	tenantID := response.TargetTenant(c, tc)
	before := h.current(c, tenantID, entityType)

	saved, err := h.registry.Upsert(ctx, tenantID, entityType, req.RetentionDays, active)
	if err != nil {
		h.fail(c, "保存保留策略失败", err)
		return
	}
	h.recordChange(c, tenantID, before, saved)
	response.OK(c, saved)
}

// SetActive 启用或停用已有策略
func (h *Handler) SetActive(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	entityType, ok := parseEntityType(c, c.Param("entityType"))
	if !ok {
		return
	}
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}

	tenantID := response.TargetTenant(c, tc)
	before := h.current(c, tenantID, entityType)
	saved, err := h.registry.SetActive(c.Request.Context(), tenantID, entityType, *req.IsActive)
	if err != nil {
		h.fail(c, "更新策略状态失败", err)
		return
	}
	h.recordChange(c, tenantID, before, saved)
	response.OK(c, saved)
}

// SeedDefaults 为租户写入默认策略，已有策略保持不变；async=true 时交由 worker 执行
func (h *Handler) SeedDefaults(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	tenantID := response.TargetTenant(c, tc)
	if c.Query("async") == "true" {
		h.seedAsync(c, tenantID)
		return
	}
	created, err := h.registry.SeedDefaults(c.Request.Context(), tenantID, h.defaults)
	if err != nil {
		h.fail(c, "写入默认策略失败", err)
		return
	}
	if created > 0 {
		h.auditor.Record(c.Request.Context(), audit.Entry{
			Action:     audit.ActionCompanySettingsUpdated,
			EntityType: audit.EntitySettings,
			EntityID:   "retention_policies",
			Metadata:   map[string]any{"seeded_defaults": created},
			Actor:      &audit.Actor{UserID: tc.UserID, TenantID: tenantID},
		})
	}
	response.OK(c, gin.H{"created": created})
}

func (h *Handler) seedAsync(c *gin.Context, tenantID string) {
	if h.queue == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, "任务队列不可用")
		return
	}
	if err := h.queue.EnqueueSeedDefaults(c.Request.Context(), tenantID); err != nil {
		h.fail(c, "提交默认策略任务失败", err)
		return
	}
	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "已提交"})
}

// Preview 预估各启用策略当前会清理的记录数
func (h *Handler) Preview(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	stats, err := h.engine.Preview(c.Request.Context(), response.TargetTenant(c, tc))
	if err != nil {
		h.fail(c, "预估清理数量失败", err)
		return
	}
	response.OK(c, stats)
}

// ListLogs 最近的清理执行记录
func (h *Handler) ListLogs(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit > 500 {
		limit = 500
	}
	logs, err := h.engine.RecentLogs(c.Request.Context(), response.TargetTenant(c, tc), limit)
	if err != nil {
		h.fail(c, "查询清理记录失败", err)
		return
	}
	response.OK(c, logs)
}

// ScheduleInfo 定时清理配置与下次执行时间
type ScheduleInfo struct {
	Cron     string     `json:"cron"`
	Timezone string     `json:"timezone"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// Schedule 返回定时清理计划，未配置 cron 时 next_run 为空
func (h *Handler) Schedule(c *gin.Context) {
	info := ScheduleInfo{Cron: h.cron, Timezone: h.location.String()}
	if h.cron != "" {
		next, err := gronx.NextTickAfter(h.cron, h.now().In(h.location), false)
		if err != nil {
			h.fail(c, "计算下次清理时间失败", err)
			return
		}
		info.NextRun = &next
	}
	response.OK(c, info)
}

// TriggerPurge 将一次全量清理放入任务队列，仅系统管理员可用
// @Summary 手动触发数据清理
// @Tags Retention
// @Security BearerAuth
// @Produce json
// @Success 202 {object} response.APIResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/admin/data-retention/purge [post]
func (h *Handler) TriggerPurge(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	if !tc.IsSystemAdmin {
		response.Fail(c, http.StatusForbidden, response.CodeForbidden, "清理任务跨越所有租户，仅系统管理员可触发")
		return
	}
	if h.queue == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, "任务队列不可用")
		return
	}

	taskID, err := h.queue.EnqueuePurge(c.Request.Context(), tc.UserID)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		response.Fail(c, http.StatusConflict, response.CodeConflict, "已有清理任务在队列中")
		return
	}
	if err != nil {
		h.fail(c, "提交清理任务失败", err)
		return
	}
	h.logger.Info("已提交手动清理任务", zap.String("task_id", taskID), zap.String("requested_by", tc.UserID))
	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Data: gin.H{"task_id": taskID}})
}

func parseEntityType(c *gin.Context, raw string) (retention.EntityType, bool) {
	et, ok := retention.ParseEntityType(raw)
	if !ok {
		response.BadRequest(c, "未知的保留实体类型: "+raw)
	}
	return et, ok
}

// current 读取变更前的策略，不存在或查询失败时返回 nil
func (h *Handler) current(c *gin.Context, tenantID string, et retention.EntityType) *models.RetentionPolicy {
	policies, err := h.registry.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		return nil
	}
	for i := range policies {
		if policies[i].EntityType == string(et) {
			return &policies[i]
		}
	}
	return nil
}

func (h *Handler) recordChange(c *gin.Context, tenantID string, before, after *models.RetentionPolicy) {
	tc, _ := response.Caller(c)
	var beforeFields map[string]any
	if before != nil {
		beforeFields = policyFields(before)
	}
	changes := audit.ExtractChanges(beforeFields, policyFields(after))
	if changes == nil {
		return
	}
	h.auditor.Record(c.Request.Context(), audit.Entry{
		Action:     audit.ActionCompanySettingsUpdated,
		EntityType: audit.EntitySettings,
		EntityID:   after.ID,
		Changes:    changes,
		Metadata:   map[string]any{"setting": "retention_policy", "entity_type": after.EntityType},
		Actor:      &audit.Actor{UserID: tc.UserID, TenantID: tenantID},
	})
}

func policyFields(p *models.RetentionPolicy) map[string]any {
	return map[string]any{
		"retention_days": p.RetentionDays,
		"is_active":      p.IsActive,
	}
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, retention.ErrInvalidRetentionDays), errors.Is(err, retention.ErrUnknownEntityType):
		response.BadRequest(c, err.Error())
	case errors.Is(err, retention.ErrPolicyNotFound):
		response.Fail(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	default:
		logger.Enrich(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
		response.Internal(c)
	}
}
