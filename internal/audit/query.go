package audit

import (
	"context"
	"fmt"
	"time"

	"visioncrm/internal/common"
	"visioncrm/internal/models"
	"visioncrm/internal/tenant"
	"visioncrm/pkg/types"

	"gorm.io/gorm"
)

// DefaultQueryLimit 未指定 limit 时的默认条数
const DefaultQueryLimit = 50

// Filter 按租户查询的通用过滤条件
// Actions 非空时覆盖 Action
type Filter struct {
	Limit      int
	Offset     int
	Action     Action
	Actions    []Action
	EntityType EntityType
	UserID     string
	StartDate  *time.Time
	EndDate    *time.Time
}

// EntityQuery 按实体查询的选项
type EntityQuery struct {
	Limit    int
	TenantID string
}

// UserQuery 按用户查询的选项
type UserQuery struct {
	Limit      int
	Action     Action
	EntityType EntityType
	TenantID   string
}

// ViewFilter 合规视图的可选条件
type ViewFilter struct {
	Limit     int
	Offset    int
	UserID    string
	StartDate *time.Time
	EndDate   *time.Time
}

// QueryService 审计日志只读查询
type QueryService struct {
	db *gorm.DB
}

// NewQueryService 创建查询服务
func NewQueryService(db *gorm.DB) *QueryService {
	return &QueryService{db: db}
}

// ByEntity 查询某实体的审计记录（最新在前）
func (s *QueryService) ByEntity(ctx context.Context, entityType EntityType, entityID string, opts EntityQuery) ([]models.AuditLog, error) {
	tenantID, err := scopeTenant(ctx, opts.TenantID)
	if err != nil {
		return nil, err
	}
	var logs []models.AuditLog
	err = s.db.WithContext(ctx).
		Scopes(common.ByTenant(tenantID)).
		Where("entity_type = ? AND entity_id = ?", string(entityType), entityID).
		Scopes(common.NewestFirst(), common.Paginate(page(opts.Limit, 0))).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("查询实体审计日志失败: %w", err)
	}
	return logs, nil
}

// ByUser 查询某用户的审计记录
func (s *QueryService) ByUser(ctx context.Context, userID string, opts UserQuery) ([]models.AuditLog, error) {
	tenantID, err := scopeTenant(ctx, opts.TenantID)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Scopes(common.ByTenant(tenantID)).
		Where("user_id = ?", userID)
	if opts.Action != "" {
		q = q.Where("action = ?", string(opts.Action))
	}
	if opts.EntityType != "" {
		q = q.Where("entity_type = ?", string(opts.EntityType))
	}

	var logs []models.AuditLog
	if err := q.Scopes(common.NewestFirst(), common.Paginate(page(opts.Limit, 0))).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("查询用户审计日志失败: %w", err)
	}
	return logs, nil
}

// ByTenant 按租户的通用过滤查询，结果严格限定在 tenantID 内
func (s *QueryService) ByTenant(ctx context.Context, tenantID string, f Filter) ([]models.AuditLog, error) {
	q, err := s.tenantQuery(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}

	var logs []models.AuditLog
	if err := q.Scopes(common.NewestFirst(), common.Paginate(page(f.Limit, f.Offset))).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("查询租户审计日志失败: %w", err)
	}
	return logs, nil
}

// Count 与 ByTenant 相同的过滤条件下的总数（忽略分页）
func (s *QueryService) Count(ctx context.Context, tenantID string, f Filter) (int64, error) {
	q, err := s.tenantQuery(ctx, tenantID, f)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("统计审计日志失败: %w", err)
	}
	return total, nil
}

// View 合规视图：固定动作白名单下的 ByTenant
func (s *QueryService) View(ctx context.Context, tenantID string, v View, vf ViewFilter) ([]models.AuditLog, error) {
	return s.ByTenant(ctx, tenantID, vf.filter(v))
}

// CountView 合规视图总数
func (s *QueryService) CountView(ctx context.Context, tenantID string, v View, vf ViewFilter) (int64, error) {
	return s.Count(ctx, tenantID, vf.filter(v))
}

// SecurityLogs 安全视图
func (s *QueryService) SecurityLogs(ctx context.Context, tenantID string, vf ViewFilter) ([]models.AuditLog, error) {
	return s.View(ctx, tenantID, ViewSecurity, vf)
}

// FinancialLogs 财务视图
func (s *QueryService) FinancialLogs(ctx context.Context, tenantID string, vf ViewFilter) ([]models.AuditLog, error) {
	return s.View(ctx, tenantID, ViewFinancial, vf)
}

// GDPRLogs GDPR 视图
func (s *QueryService) GDPRLogs(ctx context.Context, tenantID string, vf ViewFilter) ([]models.AuditLog, error) {
	return s.View(ctx, tenantID, ViewGDPR, vf)
}

func (vf ViewFilter) filter(v View) Filter {
	return Filter{
		Limit:     vf.Limit,
		Offset:    vf.Offset,
		Actions:   v.Actions(),
		UserID:    vf.UserID,
		StartDate: vf.StartDate,
		EndDate:   vf.EndDate,
	}
}

func (s *QueryService) tenantQuery(ctx context.Context, tenantID string, f Filter) (*gorm.DB, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	q := s.db.WithContext(ctx).Model(&models.AuditLog{}).
		Where("tenant_id = ?", tenantID)

	switch {
	case len(f.Actions) > 0:
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		q = q.Where("action IN ?", actions)
	case f.Action != "":
		q = q.Where("action = ?", string(f.Action))
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", string(f.EntityType))
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	return q.Scopes(common.CreatedBetween(f.StartDate, f.EndDate)), nil
}

// scopeTenant 显式租户优先；否则使用调用方上下文中的租户
// 仅系统管理员上下文返回空（不限租户），无法确定租户时返回 ErrTenantRequired
func scopeTenant(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	tc, ok := tenant.FromContext(ctx)
	switch {
	case ok && tc.IsSystemAdmin:
		return "", nil
	case ok && tc.TenantID != "":
		return tc.TenantID, nil
	default:
		return "", ErrTenantRequired
	}
}

func page(limit, offset int) types.OffsetPage {
	return types.OffsetPage{Limit: limit, Offset: offset}.Normalize(DefaultQueryLimit, 0)
}
