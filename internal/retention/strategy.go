package retention

import (
	"fmt"
	"slices"
	"time"

	"visioncrm/internal/common"
	"visioncrm/internal/models"

	"gorm.io/gorm"
)

// EntityType 可配置保留策略的数据类型（封闭枚举）
type EntityType string

const (
	EntityContacts     EntityType = "contacts"
	EntityAccessLogs   EntityType = "access_logs"
	EntityActivities   EntityType = "activities"
	EntityDocuments    EntityType = "documents"
	EntityInvoices     EntityType = "invoices"
	EntityQuotes       EntityType = "quotes"
	EntitySessions     EntityType = "sessions"
	EntityDSARRequests EntityType = "dsar_requests"
	EntityUserConsents EntityType = "user_consents"
)

// ParseEntityType 解析实体类型，未知类型返回 false
func ParseEntityType(s string) (EntityType, bool) {
	et := EntityType(s)
	_, ok := strategies[et]
	return et, ok
}

// EntityTypes 全部已知类型（稳定顺序）
func EntityTypes() []EntityType {
	out := make([]EntityType, 0, len(strategies))
	for et := range strategies {
		out = append(out, et)
	}
	slices.Sort(out)
	return out
}

// Effect 清理效果
type Effect string

const (
	EffectSoftDelete Effect = "soft_delete"
	EffectHardDelete Effect = "hard_delete"
	EffectCountOnly  Effect = "count_only"
)

// tenantScope 实体归属租户的方式
type tenantScope int

const (
	scopeTenantColumn tenantScope = iota
	scopeViaUser                  // 无 tenant_id 列，通过 users 表归属
)

// strategy 一种实体类型的清理方式：过滤条件 + 效果
type strategy struct {
	newModel   func() any
	effect     Effect
	dateColumn string
	statuses   []string
	liveOnly   bool
	scope      tenantScope
}

var strategies = map[EntityType]strategy{
	EntityContacts: {
		newModel:   func() any { return &models.Contact{} },
		effect:     EffectSoftDelete,
		dateColumn: "updated_at",
		liveOnly:   true,
	},
	EntityAccessLogs: {
		newModel:   func() any { return &models.AccessLog{} },
		effect:     EffectHardDelete,
		dateColumn: "created_at",
	},
	EntityActivities: {
		newModel:   func() any { return &models.Activity{} },
		effect:     EffectHardDelete,
		dateColumn: "created_at",
	},
	EntityDocuments: {
		newModel:   func() any { return &models.Document{} },
		effect:     EffectSoftDelete,
		dateColumn: "created_at",
		liveOnly:   true,
	},
	// 其他状态的发票无论多旧都不自动清理
	EntityInvoices: {
		newModel:   func() any { return &models.Invoice{} },
		effect:     EffectSoftDelete,
		dateColumn: "updated_at",
		statuses:   []string{models.InvoiceStatusDraft, models.InvoiceStatusCancelled},
		liveOnly:   true,
	},
	EntityQuotes: {
		newModel:   func() any { return &models.Quote{} },
		effect:     EffectSoftDelete,
		dateColumn: "updated_at",
		statuses:   []string{models.QuoteStatusExpired, models.QuoteStatusRejected},
		liveOnly:   true,
	},
	EntitySessions: {
		newModel:   func() any { return &models.Session{} },
		effect:     EffectHardDelete,
		dateColumn: "expires",
		scope:      scopeViaUser,
	},
	EntityDSARRequests: {
		newModel:   func() any { return &models.DSARRequest{} },
		effect:     EffectHardDelete,
		dateColumn: "completed_at",
		statuses:   []string{models.DSARStatusCompleted},
	},
	// 撤回的同意记录保留作审计证据，只统计
	EntityUserConsents: {
		newModel:   func() any { return &models.UserConsent{} },
		effect:     EffectCountOnly,
		dateColumn: "revoked_at",
	},
}

// EffectOf 返回实体类型的清理效果
func EffectOf(et EntityType) (Effect, bool) {
	s, ok := strategies[et]
	return s.effect, ok
}

// query 构造候选记录查询（不含效果）
func (s strategy) query(tx *gorm.DB, tenantID string, cutoff time.Time) *gorm.DB {
	q := tx.Model(s.newModel()).Where(s.dateColumn+" < ?", cutoff)
	switch s.scope {
	case scopeViaUser:
		users := tx.Session(&gorm.Session{NewDB: true}).
			Model(&models.User{}).Select("id").Where("tenant_id = ?", tenantID)
		q = q.Where("user_id IN (?)", users)
	default:
		q = q.Scopes(common.ByTenant(tenantID))
	}
	if len(s.statuses) > 0 {
		q = q.Where("status IN ?", s.statuses)
	}
	if s.liveOnly {
		q = q.Scopes(common.NotDeleted())
	}
	return q
}

// apply 执行清理，返回受影响（或统计到）的行数
func (s strategy) apply(tx *gorm.DB, tenantID string, cutoff, now time.Time) (int64, error) {
	q := s.query(tx, tenantID, cutoff)
	switch s.effect {
	case EffectSoftDelete:
		res := q.UpdateColumn("deleted_at", now)
		return res.RowsAffected, res.Error
	case EffectHardDelete:
		res := q.Delete(s.newModel())
		return res.RowsAffected, res.Error
	case EffectCountOnly:
		var n int64
		err := q.Count(&n).Error
		return n, err
	default:
		return 0, fmt.Errorf("未知清理效果: %s", s.effect)
	}
}

// count 只统计候选行数，不做修改
func (s strategy) count(tx *gorm.DB, tenantID string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.query(tx, tenantID, cutoff).Count(&n).Error
	return n, err
}
