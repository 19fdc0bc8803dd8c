package common

import (
	"time"

	"visioncrm/pkg/types"

	"gorm.io/gorm"
)

// Scope gorm 查询作用域
type Scope = func(db *gorm.DB) *gorm.DB

// ByTenant 按租户ID过滤（多租户查询通用Scope），tenantID 为空时不加条件
// 使用方法：db.Scopes(common.ByTenant(tenantID)).Find(&rows)
func ByTenant(tenantID string) Scope {
	return func(db *gorm.DB) *gorm.DB {
		if tenantID == "" {
			return db
		}
		return db.Where("tenant_id = ?", tenantID)
	}
}

// NotDeleted 过滤已软删除的记录
func NotDeleted() Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("deleted_at IS NULL")
	}
}

// CreatedBetween 按 created_at 区间过滤（闭区间），nil 表示不限
func CreatedBetween(start, end *time.Time) Scope {
	return func(db *gorm.DB) *gorm.DB {
		if start != nil {
			db = db.Where("created_at >= ?", start.UTC())
		}
		if end != nil {
			db = db.Where("created_at <= ?", end.UTC())
		}
		return db
	}
}

// NewestFirst 按创建时间倒序，id 作为次序键保证分页稳定
func NewestFirst() Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at DESC").Order("id DESC")
	}
}

// Paginate 偏移分页
func Paginate(p types.OffsetPage) Scope {
	return func(db *gorm.DB) *gorm.DB {
		if p.Limit > 0 {
			db = db.Limit(p.Limit)
		}
		if p.Offset > 0 {
			db = db.Offset(p.Offset)
		}
		return db
	}
}
