package gdpr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"visioncrm/internal/logger"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Deliverer 将访问权数据包送达用户（邮件等带外渠道）
type Deliverer interface {
	Deliver(ctx context.Context, email string, pkg *DataPackage) error
}

// LogDeliverer 只记录投递事件，邮件服务未接入时使用
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer 创建日志投递器
func NewLogDeliverer(l *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.OrNop(l)}
}

func (d *LogDeliverer) Deliver(ctx context.Context, email string, pkg *DataPackage) error {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("序列化数据包失败: %w", err)
	}
	logger.Enrich(ctx, d.logger).Info("访问权数据包已投递",
		zap.String("email", email),
		zap.Int("bytes", len(raw)),
	)
	return nil
}

// retryDeliverer 投递失败时按次数重试
type retryDeliverer struct {
	next     Deliverer
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

// WithRetry 为投递器增加重试
func WithRetry(d Deliverer, attempts uint, delay time.Duration, l *zap.Logger) Deliverer {
	if attempts <= 1 {
		return d
	}
	return &retryDeliverer{next: d, attempts: attempts, delay: delay, logger: logger.OrNop(l)}
}

func (d *retryDeliverer) Deliver(ctx context.Context, email string, pkg *DataPackage) error {
	return retry.Do(
		func() error {
			return d.next.Deliver(ctx, email, pkg)
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("数据包投递失败，重试中", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
