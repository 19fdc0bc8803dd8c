package models

import (
	"time"

	"gorm.io/gorm"
)

// RetentionPolicy 租户级数据保留策略，(tenant_id, entity_type) 唯一
type RetentionPolicy struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      string     `gorm:"type:uuid;not null;uniqueIndex:uq_retention_tenant_entity,priority:1;index:idx_retention_active,priority:1" json:"tenant_id"`
	EntityType    string     `gorm:"type:varchar(32);not null;uniqueIndex:uq_retention_tenant_entity,priority:2;index:idx_retention_active,priority:2" json:"entity_type"`
	RetentionDays int        `gorm:"not null" json:"retention_days"`
	IsActive      bool       `gorm:"not null;index:idx_retention_active,priority:3" json:"is_active"`
	LastPurgeAt   *time.Time `json:"last_purge_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (p *RetentionPolicy) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

func (RetentionPolicy) TableName() string {
	return "retention_policies"
}

// 清理执行状态
const (
	PurgeStatusSuccess = "success"
	PurgeStatusFailed  = "failed"
)

// PurgeLog 单个策略的一次清理执行记录
type PurgeLog struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	RunID           string    `gorm:"type:uuid;not null;index" json:"run_id"`
	TenantID        string    `gorm:"type:uuid;not null;index:idx_purge_log_tenant,priority:1" json:"tenant_id"`
	PolicyID        string    `gorm:"type:uuid;not null" json:"policy_id"`
	EntityType      string    `gorm:"type:varchar(32);not null" json:"entity_type"`
	RecordsPurged   int64     `gorm:"not null" json:"records_purged"`
	CutoffDate      time.Time `gorm:"not null" json:"cutoff_date"`
	RetentionDays   int       `gorm:"not null" json:"retention_days"`
	Status          string    `gorm:"type:varchar(16);not null" json:"status"`
	ErrorMessage    *string   `gorm:"type:text" json:"error_message,omitempty"`
	ExecutedAt      time.Time `gorm:"not null;index:idx_purge_log_tenant,priority:2" json:"executed_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}

func (l *PurgeLog) BeforeCreate(tx *gorm.DB) error {
	ensureID(&l.ID)
	return nil
}

func (PurgeLog) TableName() string {
	return "purge_logs"
}
