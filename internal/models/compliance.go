package models

import (
	"time"

	"gorm.io/gorm"
)

// 法律保全类型
const (
	LegalHoldObligation         = "legal_obligation"
	LegalHoldLitigation         = "litigation"
	LegalHoldLegitimateInterest = "legitimate_interest"
)

// LegalHold 针对数据主体的法律保全
type LegalHold struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID      string     `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind        string     `gorm:"type:varchar(32);not null" json:"kind"`
	Reason      string     `gorm:"type:text" json:"reason"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *LegalHold) BeforeCreate(tx *gorm.DB) error {
	ensureID(&h.ID)
	return nil
}

// ProcessingRestriction 处理限制标记
type ProcessingRestriction struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID    string     `gorm:"type:uuid;not null;index" json:"user_id"`
	RequestID string     `gorm:"type:uuid" json:"request_id"`
	Reason    string     `gorm:"type:varchar(32);not null" json:"reason"`
	Notes     string     `gorm:"type:text" json:"notes"`
	CreatedAt time.Time  `json:"created_at"`
	LiftedAt  *time.Time `json:"lifted_at,omitempty"`
}

func (r *ProcessingRestriction) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// ProcessingObjection 已接受的处理异议
type ProcessingObjection struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string    `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID         string    `gorm:"type:uuid;not null;index" json:"user_id"`
	RequestID      string    `gorm:"type:uuid" json:"request_id"`
	ProcessingType string    `gorm:"type:varchar(64);not null" json:"processing_type"`
	Reason         string    `gorm:"type:text" json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

func (o *ProcessingObjection) BeforeCreate(tx *gorm.DB) error {
	ensureID(&o.ID)
	return nil
}
