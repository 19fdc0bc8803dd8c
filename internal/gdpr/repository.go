package gdpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visioncrm/internal/common"
	"visioncrm/internal/models"
	"visioncrm/internal/retention"

	"gorm.io/gorm"
)

// Repository DSR 相关的数据访问
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ActiveUser 读取未被擦除的用户
func (r *Repository) ActiveUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("id = ? AND erased_at IS NULL", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &u, nil
}

// CreateRequest 写入 pending 请求
func (r *Repository) CreateRequest(ctx context.Context, req *models.DSARRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("创建 DSAR 请求失败: %w", err)
	}
	return nil
}

// Finalize 将 pending 请求转为终态，只允许转换一次
func (r *Repository) Finalize(ctx context.Context, req *models.DSARRequest) error {
	res := r.db.WithContext(ctx).Model(&models.DSARRequest{}).
		Where("id = ? AND status = ?", req.ID, models.DSARStatusPending).
		Updates(map[string]any{
			"status":           req.Status,
			"response_data":    req.ResponseData,
			"response_format":  req.ResponseFormat,
			"error":            req.Error,
			"rejection_reason": req.RejectionReason,
			"completed_at":     req.CompletedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("更新 DSAR 请求失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRequestFinalized
	}
	return nil
}

// ListRequests 用户的请求历史（最新在前）
func (r *Repository) ListRequests(ctx context.Context, userID string) ([]models.DSARRequest, error) {
	var reqs []models.DSARRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Scopes(common.NewestFirst()).
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("查询 DSAR 请求失败: %w", err)
	}
	return reqs, nil
}

// GetRequest 读取用户自己的请求
func (r *Repository) GetRequest(ctx context.Context, userID, id string) (*models.DSARRequest, error) {
	var req models.DSARRequest
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("查询 DSAR 请求失败: %w", err)
	}
	return &req, nil
}

// ============================================================================
// 数据收集
// ============================================================================

func (r *Repository) activities(ctx context.Context, u *models.User) ([]models.Activity, error) {
	var rows []models.Activity
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) accessLogs(ctx context.Context, u *models.User) ([]models.AccessLog, error) {
	var rows []models.AccessLog
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

// GetUserConsents 实现 ConsentSource
func (r *Repository) GetUserConsents(ctx context.Context, tenantID, userID string) ([]models.UserConsent, error) {
	var rows []models.UserConsent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("granted_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询同意记录失败: %w", err)
	}
	return rows, nil
}

func (r *Repository) invoices(ctx context.Context, u *models.User) ([]models.Invoice, error) {
	var rows []models.Invoice
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Scopes(common.NotDeleted()).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) quotes(ctx context.Context, u *models.User) ([]models.Quote, error) {
	var rows []models.Quote
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Scopes(common.NotDeleted()).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) communications(ctx context.Context, u *models.User) ([]models.Communication, error) {
	var rows []models.Communication
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Order("sent_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) ownedContacts(ctx context.Context, u *models.User) ([]models.Contact, error) {
	var rows []models.Contact
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND owner_id = ?", u.TenantID, u.ID).
		Scopes(common.NotDeleted()).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ============================================================================
// 合法性判定事实
// ============================================================================

// Facts 规则表达式的输入
type Facts struct {
	LegalHolds          int64
	UnpaidInvoices      int64
	Litigations         int64
	LegitimateInterests int64
}

func (f Facts) params() map[string]any {
	return map[string]any{
		"legal_holds":          float64(f.LegalHolds),
		"unpaid_invoices":      float64(f.UnpaidInvoices),
		"litigations":          float64(f.Litigations),
		"legitimate_interests": float64(f.LegitimateInterests),
	}
}

// Facts 统计用户当前生效的法律保全与未结发票
func (r *Repository) Facts(ctx context.Context, u *models.User, now time.Time) (Facts, error) {
	var f Facts
	db := r.db.WithContext(ctx)

	holds := func(kind string) (int64, error) {
		var n int64
		err := db.Model(&models.LegalHold{}).
			Where("tenant_id = ? AND user_id = ? AND kind = ?", u.TenantID, u.ID, kind).
			Where("released_at IS NULL").
			Where("(active_until IS NULL OR active_until > ?)", now).
			Count(&n).Error
		return n, err
	}

	var err error
	if f.LegalHolds, err = holds(models.LegalHoldObligation); err != nil {
		return f, fmt.Errorf("查询法律义务失败: %w", err)
	}
	if f.Litigations, err = holds(models.LegalHoldLitigation); err != nil {
		return f, fmt.Errorf("查询诉讼保全失败: %w", err)
	}
	if f.LegitimateInterests, err = holds(models.LegalHoldLegitimateInterest); err != nil {
		return f, fmt.Errorf("查询正当利益失败: %w", err)
	}
	err = db.Model(&models.Invoice{}).
		Where("tenant_id = ? AND user_id = ?", u.TenantID, u.ID).
		Where("status IN ?", []string{models.InvoiceStatusSent, models.InvoiceStatusOverdue}).
		Scopes(common.NotDeleted()).
		Count(&f.UnpaidInvoices).Error
	if err != nil {
		return f, fmt.Errorf("查询未结发票失败: %w", err)
	}
	return f, nil
}

// ============================================================================
// 数据变更
// ============================================================================

// ApplyCorrections 更新用户资料字段
func (r *Repository) ApplyCorrections(ctx context.Context, u *models.User, fields map[string]any) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", u.ID).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("更新用户资料失败: %w", err)
	}
	return nil
}

// Restrict 写入处理限制
func (r *Repository) Restrict(ctx context.Context, restriction *models.ProcessingRestriction) error {
	if err := r.db.WithContext(ctx).Create(restriction).Error; err != nil {
		return fmt.Errorf("写入处理限制失败: %w", err)
	}
	return nil
}

// Object 记录异议并撤回对应用途的同意，返回撤回数量
func (r *Repository) Object(ctx context.Context, objection *models.ProcessingObjection, now time.Time) (int64, error) {
	var revoked int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(objection).Error; err != nil {
			return fmt.Errorf("写入处理异议失败: %w", err)
		}
		res := tx.Model(&models.UserConsent{}).
			Where("tenant_id = ? AND user_id = ? AND purpose = ? AND revoked_at IS NULL",
				objection.TenantID, objection.UserID, objection.ProcessingType).
			Updates(map[string]any{"granted": false, "revoked_at": now})
		if res.Error != nil {
			return fmt.Errorf("撤回同意失败: %w", res.Error)
		}
		revoked = res.RowsAffected
		return nil
	})
	return revoked, err
}

// Erase 在一个事务中擦除用户的个人数据
// 身份关联数据删除，交易与审计类数据保留但去除身份
func (r *Repository) Erase(ctx context.Context, u *models.User, now time.Time) (map[string]int64, error) {
	counts := map[string]int64{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile := map[string]any{
			"name":      AnonymousName(u.ID),
			"email":     AnonymousEmail(u.ID),
			"phone":     nil,
			"address":   nil,
			"erased_at": now,
		}
		if u.DeletedAt == nil {
			profile["deleted_at"] = now
		}
		if err := tx.Model(&models.User{}).Where("id = ?", u.ID).UpdateColumns(profile).Error; err != nil {
			return fmt.Errorf("匿名化用户资料失败: %w", err)
		}

		for name, model := range map[string]any{
			"communications": &models.Communication{},
			"sessions":       &models.Session{},
			"accounts":       &models.Account{},
		} {
			res := tx.Where("user_id = ?", u.ID).Delete(model)
			if res.Error != nil {
				return fmt.Errorf("删除 %s 失败: %w", name, res.Error)
			}
			counts[name] = res.RowsAffected
		}

		res := tx.Model(&models.UserConsent{}).
			Where("user_id = ? AND revoked_at IS NULL", u.ID).
			Updates(map[string]any{"granted": false, "revoked_at": now})
		if res.Error != nil {
			return fmt.Errorf("撤回同意失败: %w", res.Error)
		}
		counts["user_consents"] = res.RowsAffected

		res = tx.Model(&models.Activity{}).Where("user_id = ?", u.ID).
			UpdateColumn("description", retention.DeletedUserPlaceholder)
		if res.Error != nil {
			return fmt.Errorf("匿名化操作流水失败: %w", res.Error)
		}
		counts["activities"] = res.RowsAffected

		res = tx.Model(&models.AccessLog{}).Where("user_id = ?", u.ID).UpdateColumn("user_id", nil)
		if res.Error != nil {
			return fmt.Errorf("匿名化访问日志失败: %w", res.Error)
		}
		counts["access_logs"] = res.RowsAffected

		customer := map[string]any{
			"user_id":        nil,
			"customer_name":  AnonymousName(u.ID),
			"customer_email": nil,
		}
		for name, model := range map[string]any{
			"invoices": &models.Invoice{},
			"quotes":   &models.Quote{},
		} {
			res := tx.Model(model).Where("user_id = ?", u.ID).UpdateColumns(customer)
			if res.Error != nil {
				return fmt.Errorf("匿名化 %s 失败: %w", name, res.Error)
			}
			counts[name] = res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// AnonymousName 擦除后的显示名
func AnonymousName(userID string) string {
	return "Utilisateur anonyme #" + shortID(userID)
}

// AnonymousEmail 擦除后的邮箱占位
func AnonymousEmail(userID string) string {
	return "anonyme_" + userID + "@deleted.local"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
