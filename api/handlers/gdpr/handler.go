package gdpr

import (
	"errors"
	"net/http"

	response "visioncrm/api/handlers/common"
	"visioncrm/internal/gdpr"
	"visioncrm/internal/logger"
	"visioncrm/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 数据主体权利请求（RGPD）
type Handler struct {
	orch   *gdpr.Orchestrator
	logger *zap.Logger
}

// NewHandler 创建 DSR 处理器
func NewHandler(orch *gdpr.Orchestrator, l *zap.Logger) *Handler {
	return &Handler{orch: orch, logger: logger.OrNop(l)}
}

// RegisterRoutes 注册路由，limit 作用于提交类接口
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup, limit ...gin.HandlerFunc) {
	g := authed.Group("/rgpd/requests")
	g.GET("", h.List)
	g.GET("/:id", h.Get)

	submit := g.Group("", limit...)
	submit.POST("/access", h.Access)
	submit.POST("/rectification", h.Rectification)
	submit.POST("/erasure", h.Erasure)
	submit.POST("/portability", h.Portability)
	submit.POST("/restriction", h.Restriction)
	submit.POST("/objection", h.Objection)
}

// AccessRequest 访问权请求，email 为空时发送到账户邮箱
type AccessRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
}

// RectificationRequest 更正权请求
type RectificationRequest struct {
	Corrections map[string]string `json:"corrections" binding:"required,min=1"`
}

// ErasureRequest 删除权请求
type ErasureRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

// PortabilityRequest 可携带权请求，未知格式按 json 处理
type PortabilityRequest struct {
	Format string `json:"format"`
}

// RestrictionRequest 限制处理权请求
type RestrictionRequest struct {
	Reason string `json:"reason" binding:"required"`
	Notes  string `json:"notes" binding:"max=2000"`
}

// ObjectionRequest 反对权请求
type ObjectionRequest struct {
	ProcessingType string `json:"processing_type" binding:"required,max=64"`
	Reason         string `json:"reason" binding:"max=1000"`
}

// Access 访问权（第 15 条）
// @Summary 提交数据访问请求
// @Tags RGPD
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body AccessRequest false "投递邮箱"
// @Success 201 {object} response.APIResponse
// @Router /api/rgpd/requests/access [post]
func (h *Handler) Access(c *gin.Context) {
	var req AccessRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestAccess(c.Request.Context(), userID, req.Email)
	})
}

// Rectification 更正权（第 16 条）
func (h *Handler) Rectification(c *gin.Context) {
	var req RectificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestRectification(c.Request.Context(), userID, req.Corrections)
	})
}

// Erasure 删除权（第 17 条），被拒绝时仍返回 201 与拒绝理由
func (h *Handler) Erasure(c *gin.Context) {
	var req ErasureRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestErasure(c.Request.Context(), userID, req.Reason)
	})
}

// Portability 可携带权（第 20 条）
func (h *Handler) Portability(c *gin.Context) {
	var req PortabilityRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Format == "" {
		req.Format = c.Query("format")
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestPortability(c.Request.Context(), userID, req.Format)
	})
}

// Restriction 限制处理权（第 18 条）
func (h *Handler) Restriction(c *gin.Context) {
	var req RestrictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestRestriction(c.Request.Context(), userID, req.Reason, req.Notes)
	})
}

// Objection 反对权（第 21 条）
func (h *Handler) Objection(c *gin.Context) {
	var req ObjectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}
	h.submit(c, func(userID string) (*models.DSARRequest, error) {
		return h.orch.RequestObjection(c.Request.Context(), userID, req.ProcessingType, req.Reason)
	})
}

// List 当前用户的请求历史
func (h *Handler) List(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	reqs, err := h.orch.ListRequests(c.Request.Context(), tc.UserID)
	if err != nil {
		logger.Enrich(c.Request.Context(), h.logger).Error("查询 DSAR 请求失败", zap.Error(err))
		response.Internal(c)
		return
	}
	response.OK(c, reqs)
}

// Get 当前用户的单个请求
func (h *Handler) Get(c *gin.Context) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	req, err := h.orch.GetRequest(c.Request.Context(), tc.UserID, c.Param("id"))
	if errors.Is(err, gdpr.ErrRequestNotFound) {
		response.Fail(c, http.StatusNotFound, response.CodeNotFound, err.Error())
		return
	}
	if err != nil {
		logger.Enrich(c.Request.Context(), h.logger).Error("查询 DSAR 请求失败", zap.Error(err))
		response.Internal(c)
		return
	}
	response.OK(c, req)
}

// submit 以调用者身份执行请求；失败的请求已持久化为 error 状态
func (h *Handler) submit(c *gin.Context, run func(userID string) (*models.DSARRequest, error)) {
	tc, ok := response.Caller(c)
	if !ok {
		return
	}
	req, err := run(tc.UserID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: req})
	case errors.Is(err, gdpr.ErrUserNotFound):
		response.Fail(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	case errors.Is(err, gdpr.ErrInvalidCorrection), errors.Is(err, gdpr.ErrInvalidRestrictionReason):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, response.APIResponse{
			Success: false,
			Message: err.Error(),
			Data:    req,
		})
	default:
		log := logger.Enrich(c.Request.Context(), h.logger)
		if req != nil {
			log = log.With(zap.String("request_id", req.ID))
		}
		log.Error("DSAR 请求执行失败", zap.Error(err))
		response.Internal(c)
	}
}

// bindOptional 允许空请求体
func bindOptional(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return false
	}
	return true
}
