package tasks

import "time"

// Task Types
const (
	TypePurge        = "retention:purge"
	TypeSeedDefaults = "retention:seed_defaults"
)

// QueueRetention 保留策略相关任务队列
const QueueRetention = "retention"

// 清理触发方式
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// PurgePayload 数据清理任务载荷
type PurgePayload struct {
	Trigger     string    `json:"trigger"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// SeedDefaultsPayload 新租户默认保留策略任务载荷
type SeedDefaultsPayload struct {
	TenantID string `json:"tenant_id"`
}
