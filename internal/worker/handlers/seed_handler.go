package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"visioncrm/internal/logger"
	"visioncrm/internal/retention"
	"visioncrm/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// DefaultsSeeder 为租户写入默认保留策略（retention.Registry 实现）
type DefaultsSeeder interface {
	SeedDefaults(ctx context.Context, tenantID string, defaults []retention.DefaultPolicy) (int, error)
}

type SeedHandler struct {
	seeder   DefaultsSeeder
	defaults []retention.DefaultPolicy
	logger   *zap.Logger
}

func NewSeedHandler(seeder DefaultsSeeder, defaults []retention.DefaultPolicy, l *zap.Logger) *SeedHandler {
	return &SeedHandler{seeder: seeder, defaults: defaults, logger: logger.OrNop(l)}
}

func (h *SeedHandler) HandleSeedDefaults(ctx context.Context, t *asynq.Task) error {
	var p tasks.SeedDefaultsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.TenantID == "" {
		return fmt.Errorf("缺少租户 ID: %w", asynq.SkipRetry)
	}

	created, err := h.seeder.SeedDefaults(ctx, p.TenantID, h.defaults)
	if err != nil {
		h.logger.Error("写入默认保留策略失败", zap.String("tenant_id", p.TenantID), zap.Error(err))
		return err
	}
	h.logger.Info("默认保留策略已写入", zap.String("tenant_id", p.TenantID), zap.Int("created", created))
	return nil
}
