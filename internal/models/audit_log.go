package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog 审计日志（只追加，创建后不可修改）
// entity_id 不是外键：被引用的实体可能已被清理
type AuditLog struct {
	ID         string            `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   string            `gorm:"type:uuid;not null;index:idx_audit_tenant_created,priority:1" json:"tenant_id"`
	UserID     *string           `gorm:"type:uuid;index:idx_audit_user" json:"user_id"`
	Action     string            `gorm:"type:varchar(64);not null;index:idx_audit_action" json:"action"`
	EntityType string            `gorm:"type:varchar(32);not null;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID   *string           `gorm:"type:varchar(64);index:idx_audit_entity,priority:2" json:"entity_id"`
	Changes    datatypes.JSONMap `gorm:"type:jsonb" json:"changes,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	IPAddress  *string           `gorm:"type:varchar(64)" json:"ip_address"`
	UserAgent  *string           `gorm:"type:text" json:"user_agent"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_audit_tenant_created,priority:2" json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
