package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"visioncrm/internal/logger"
	"visioncrm/internal/retention"
	"visioncrm/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// PurgeRunner 执行一次完整清理（retention.Engine 实现）
type PurgeRunner interface {
	Run(ctx context.Context) (*retention.RunReport, error)
}

type PurgeHandler struct {
	runner PurgeRunner
	logger *zap.Logger
}

func NewPurgeHandler(runner PurgeRunner, l *zap.Logger) *PurgeHandler {
	return &PurgeHandler{runner: runner, logger: logger.OrNop(l)}
}

// HandlePurge 部分失败只告警不重试，并发运行直接跳过
func (h *PurgeHandler) HandlePurge(ctx context.Context, t *asynq.Task) error {
	var p tasks.PurgePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With(zap.String("trigger", p.Trigger))
	if p.RequestedBy != "" {
		log = log.With(zap.String("requested_by", p.RequestedBy))
	}
	log.Info("开始数据清理任务")

	report, err := h.runner.Run(ctx)
	switch {
	case errors.Is(err, retention.ErrPurgeInProgress):
		log.Warn("已有清理任务在运行，跳过本次")
		return nil
	case errors.Is(err, retention.ErrPartialPurge):
		log.Warn("数据清理部分失败",
			zap.String("run_id", report.RunID),
			zap.Int("failures", len(report.Failures)),
			zap.Error(err),
		)
		return nil
	case err != nil:
		log.Error("数据清理失败", zap.Error(err))
		return err
	}

	var deleted int64
	for _, s := range report.Stats {
		deleted += s.Deleted
	}
	log.Info("数据清理完成",
		zap.String("run_id", report.RunID),
		zap.Int("policies", len(report.Stats)),
		zap.Int64("records", deleted),
		zap.Duration("duration", report.Duration),
	)
	return nil
}
