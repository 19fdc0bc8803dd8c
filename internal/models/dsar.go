package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DSAR 请求类型
const (
	DSARTypeAccess        = "access"
	DSARTypeRectification = "rectification"
	DSARTypeErasure       = "erasure"
	DSARTypePortability   = "portability"
	DSARTypeRestriction   = "restriction"
	DSARTypeObjection     = "objection"
)

// DSAR 请求状态：pending → completed | rejected | error，终态后不可变
const (
	DSARStatusPending   = "pending"
	DSARStatusCompleted = "completed"
	DSARStatusRejected  = "rejected"
	DSARStatusError     = "error"
)

// DSARRequest 数据主体权利请求
type DSARRequest struct {
	ID              string            `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        string            `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID          string            `gorm:"type:uuid;not null;index:idx_dsar_user_status,priority:1" json:"user_id"`
	Type            string            `gorm:"type:varchar(20);not null" json:"type"`
	Status          string            `gorm:"type:varchar(20);not null;index:idx_dsar_user_status,priority:2" json:"status"`
	Details         datatypes.JSONMap `gorm:"type:jsonb" json:"details,omitempty"`
	ResponseData    *string           `gorm:"type:text" json:"response_data,omitempty"`
	ResponseFormat  *string           `gorm:"type:varchar(10)" json:"response_format,omitempty"`
	Error           *string           `gorm:"type:text" json:"error,omitempty"`
	RejectionReason *string           `gorm:"type:text" json:"rejection_reason,omitempty"`
	CreatedAt       time.Time         `gorm:"not null" json:"created_at"`
	Deadline        time.Time         `gorm:"not null;index" json:"deadline"`
	CompletedAt     *time.Time        `gorm:"index" json:"completed_at,omitempty"`
}

func (r *DSARRequest) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

func (DSARRequest) TableName() string {
	return "dsar_requests"
}

// IsTerminal 是否已处于终态
func (r *DSARRequest) IsTerminal() bool {
	return r.Status != DSARStatusPending
}
