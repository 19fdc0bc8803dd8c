package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"visioncrm/internal/models"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPolicyNotFound       = errors.New("保留策略不存在")
	ErrInvalidRetentionDays = errors.New("保留天数必须在 1 到 3650 之间")
	ErrUnknownEntityType    = errors.New("未知的保留实体类型")
)

const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

// Registry 保留策略数据访问
type Registry struct {
	db *gorm.DB
}

// NewRegistry 创建策略注册表
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// ListActive 列出启用的策略，tenantID 为空时返回全部租户
func (r *Registry) ListActive(ctx context.Context, tenantID string) ([]models.RetentionPolicy, error) {
	q := r.db.WithContext(ctx).Where("is_active = ?", true)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var policies []models.RetentionPolicy
	if err := q.Order("tenant_id ASC").Order("entity_type ASC").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("查询启用的保留策略失败: %w", err)
	}
	return policies, nil
}

// ListByTenant 列出租户全部策略（含停用）
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]models.RetentionPolicy, error) {
	var policies []models.RetentionPolicy
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("entity_type ASC").
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("查询租户保留策略失败: %w", err)
	}
	return policies, nil
}

// Get 读取单个策略
func (r *Registry) Get(ctx context.Context, id string) (*models.RetentionPolicy, error) {
	var p models.RetentionPolicy
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("查询保留策略失败: %w", err)
	}
	return &p, nil
}

// MarkPurged 更新策略的最后清理时间
func (r *Registry) MarkPurged(ctx context.Context, id string, at time.Time) error {
	return markPurged(r.db.WithContext(ctx), id, at)
}

func markPurged(tx *gorm.DB, id string, at time.Time) error {
	res := tx.Model(&models.RetentionPolicy{}).Where("id = ?", id).UpdateColumn("last_purge_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("更新最后清理时间失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Upsert 创建或更新 (tenant_id, entity_type) 的策略
func (r *Registry) Upsert(ctx context.Context, tenantID string, entityType EntityType, retentionDays int, isActive bool) (*models.RetentionPolicy, error) {
	if err := validatePolicy(entityType, retentionDays); err != nil {
		return nil, err
	}

	p := &models.RetentionPolicy{
		TenantID:      tenantID,
		EntityType:    string(entityType),
		RetentionDays: retentionDays,
		IsActive:      isActive,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"retention_days", "is_active", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("保存保留策略失败: %w", err)
	}

	// 冲突更新时 p.ID 是新生成的值，重新读取实际记录
	var saved models.RetentionPolicy
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenantID, string(entityType)).
		First(&saved).Error; err != nil {
		return nil, fmt.Errorf("读取保留策略失败: %w", err)
	}
	return &saved, nil
}

// SetActive 启用或停用策略
func (r *Registry) SetActive(ctx context.Context, tenantID string, entityType EntityType, active bool) (*models.RetentionPolicy, error) {
	res := r.db.WithContext(ctx).Model(&models.RetentionPolicy{}).
		Where("tenant_id = ? AND entity_type = ?", tenantID, string(entityType)).
		Updates(map[string]any{"is_active": active})
	if res.Error != nil {
		return nil, fmt.Errorf("更新策略状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrPolicyNotFound
	}

	var p models.RetentionPolicy
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenantID, string(entityType)).
		First(&p).Error; err != nil {
		return nil, fmt.Errorf("读取保留策略失败: %w", err)
	}
	return &p, nil
}

// DefaultPolicy 默认策略文件中的一项
type DefaultPolicy struct {
	EntityType    EntityType `yaml:"entity_type"`
	RetentionDays int        `yaml:"retention_days"`
	Active        bool       `yaml:"active"`
}

type defaultsFile struct {
	Policies []DefaultPolicy `yaml:"policies"`
}

// LoadDefaults 读取默认策略 YAML 文件
func LoadDefaults(path string) ([]DefaultPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取默认保留策略失败: %w", err)
	}
	return ParseDefaults(raw)
}

// ParseDefaults 解析并校验默认策略
func ParseDefaults(raw []byte) ([]DefaultPolicy, error) {
	var f defaultsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("解析默认保留策略失败: %w", err)
	}
	for _, p := range f.Policies {
		if err := validatePolicy(p.EntityType, p.RetentionDays); err != nil {
			return nil, fmt.Errorf("%s: %w", p.EntityType, err)
		}
	}
	return f.Policies, nil
}

// SeedDefaults 为租户写入默认策略，已存在的策略不覆盖
func (r *Registry) SeedDefaults(ctx context.Context, tenantID string, defaults []DefaultPolicy) (int, error) {
	created := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range defaults {
			p := &models.RetentionPolicy{
				TenantID:      tenantID,
				EntityType:    string(d.EntityType),
				RetentionDays: d.RetentionDays,
				IsActive:      d.Active,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(p)
			if res.Error != nil {
				return fmt.Errorf("写入默认策略 %s 失败: %w", d.EntityType, res.Error)
			}
			created += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func validatePolicy(entityType EntityType, retentionDays int) error {
	if _, ok := strategies[entityType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if retentionDays < MinRetentionDays || retentionDays > MaxRetentionDays {
		return ErrInvalidRetentionDays
	}
	return nil
}
