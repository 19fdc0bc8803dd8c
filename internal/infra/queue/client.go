package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/worker"
	"visioncrm/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// ErrAlreadyQueued 相同任务已在队列中
var ErrAlreadyQueued = errors.New("任务已在队列中")

// Client 任务队列客户端接口
type Client interface {
	EnqueuePurge(ctx context.Context, requestedBy string) (string, error)
	EnqueueSeedDefaults(ctx context.Context, tenantID string) error
	Close() error
}

// ManualPurgeTaskID 手动清理固定使用的任务 ID
const ManualPurgeTaskID = tasks.TypePurge + ":manual"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

type asynqClient struct {
	client    enqueuer
	inspector taskInspector
	retention config.RetentionConfig
	now       func() time.Time
}

// NewClient 创建任务队列客户端
func NewClient(redisOpt asynq.RedisConnOpt, retention config.RetentionConfig) Client {
	return &asynqClient{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		retention: retention,
		now:       time.Now,
	}
}

// EnqueuePurge 手动触发一次清理，返回任务 ID
func (c *asynqClient) EnqueuePurge(ctx context.Context, requestedBy string) (string, error) {
	payload, err := json.Marshal(tasks.PurgePayload{
		Trigger:     tasks.TriggerManual,
		RequestedBy: requestedBy,
		RequestedAt: c.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload failed: %w", err)
	}

	// RequestedAt 每次不同，去重需按固定任务 ID 而非载荷
	task := asynq.NewTask(tasks.TypePurge, payload)
	opts := append(worker.PurgeTaskOptions(c.retention), asynq.TaskID(ManualPurgeTaskID))
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		if err := c.releaseFinishedPurge(); err != nil {
			return "", err
		}
		info, err = c.client.EnqueueContext(ctx, task, opts...)
	}
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", ErrAlreadyQueued
		}
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

// releaseFinishedPurge 上一次手动清理已归档或已完成时删除其记录，释放固定任务 ID
// 任务仍在排队或执行中时返回 ErrAlreadyQueued
func (c *asynqClient) releaseFinishedPurge() error {
	prev, err := c.inspector.GetTaskInfo(tasks.QueueRetention, ManualPurgeTaskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect task failed: %w", err)
	}
	switch prev.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := c.inspector.DeleteTask(tasks.QueueRetention, ManualPurgeTaskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete finished task failed: %w", err)
		}
		return nil
	default:
		return ErrAlreadyQueued
	}
}

func (c *asynqClient) EnqueueSeedDefaults(ctx context.Context, tenantID string) error {
	payload, err := json.Marshal(tasks.SeedDefaultsPayload{TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(tasks.TypeSeedDefaults, payload),
		asynq.Queue(tasks.QueueRetention),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
