package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/logger"
	"visioncrm/internal/retention"
	"visioncrm/internal/worker/handlers"
	"visioncrm/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer 创建 Worker 服务器并注册保留策略任务
func NewServer(
	redisOpt asynq.RedisConnOpt,
	cfg config.WorkerConfig,
	purge handlers.PurgeRunner,
	seeder handlers.DefaultsSeeder,
	defaults []retention.DefaultPolicy,
	l *zap.Logger,
) *Server {
	log := logger.OrNop(l)
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueRetention: 5,
			"default":            1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("任务执行失败",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePurge, handlers.NewPurgeHandler(purge, log).HandlePurge)
	mux.HandleFunc(tasks.TypeSeedDefaults, handlers.NewSeedHandler(seeder, defaults, log).HandleSeedDefaults)

	return &Server{
		server: srv,
		mux:    mux,
		logger: log,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}

// ============================================================================
// 定时调度
// ============================================================================

// Scheduler 按 cron 表达式周期性投递清理任务
type Scheduler struct {
	scheduler *asynq.Scheduler
	entryID   string
	logger    *zap.Logger
}

// NewScheduler 创建清理调度器，cron 为空时返回 nil
func NewScheduler(redisOpt asynq.RedisConnOpt, cfg config.RetentionConfig, l *zap.Logger) (*Scheduler, error) {
	if cfg.Cron == "" {
		return nil, nil
	}
	log := logger.OrNop(l)

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("无效的调度时区: %w", err)
		}
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: loc,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Warn("定时清理任务投递失败", zap.Error(err))
				return
			}
			log.Info("定时清理任务已投递", zap.String("task_id", info.ID))
		},
	})

	payload, err := json.Marshal(tasks.PurgePayload{Trigger: tasks.TriggerScheduled})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	entryID, err := scheduler.Register(cfg.Cron, asynq.NewTask(tasks.TypePurge, payload), PurgeTaskOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("注册清理调度失败: %w", err)
	}

	return &Scheduler{scheduler: scheduler, entryID: entryID, logger: log}, nil
}

// PurgeTaskOptions 清理任务的公共选项，去重窗口避免重复排队
func PurgeTaskOptions(cfg config.RetentionConfig) []asynq.Option {
	timeout := cfg.LockTTL()
	if timeout <= 0 {
		timeout = time.Hour
	}
	return []asynq.Option{
		asynq.Queue(tasks.QueueRetention),
		asynq.MaxRetry(3),
		asynq.Timeout(timeout),
		asynq.Unique(timeout),
	}
}

// Start 非阻塞启动
func (s *Scheduler) Start() error {
	s.logger.Info("清理调度器启动", zap.String("entry_id", s.entryID))
	return s.scheduler.Start()
}

// Shutdown 停止调度器
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
