package api

import (
	"fmt"
	"os"
	"strings"
	"time"

	auditHandlers "visioncrm/api/handlers/audit"
	gdprHandlers "visioncrm/api/handlers/gdpr"
	retentionHandlers "visioncrm/api/handlers/retention"
	"visioncrm/internal/audit"
	"visioncrm/internal/auth"
	"visioncrm/internal/config"
	"visioncrm/internal/gdpr"
	"visioncrm/internal/infra"
	"visioncrm/internal/infra/queue"
	"visioncrm/internal/logger"
	"visioncrm/internal/middleware"
	"visioncrm/internal/retention"
	"visioncrm/internal/worker"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 投递重试间隔
const deliveryRetryDelay = 2 * time.Second

// AppContainer 应用容器，集中管理所有服务依赖
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	Logger      *zap.Logger
	RedisClient redis.UniversalClient // Redis 不可用时为 nil
	RedisOpt    asynq.RedisConnOpt
	QueueClient queue.Client // Redis 不可用时为 nil

	// 认证
	JWTService *auth.JWTService

	// 审计
	Recorder   *audit.Recorder
	AuditQuery *audit.QueryService
	Exporter   *audit.Exporter

	// 数据保留
	Registry *retention.Registry
	Engine   *retention.Engine
	Defaults []retention.DefaultPolicy

	// 数据主体权利
	Orchestrator   *gdpr.Orchestrator
	DSRRateLimiter *middleware.RateLimiter

	// 异步任务
	WorkerServer *worker.Server
	Scheduler    *worker.Scheduler
}

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Audit     *auditHandlers.Handler
	Retention *retentionHandlers.Handler
	GDPR      *gdprHandlers.Handler
}

// InitContainer 初始化应用容器
func InitContainer(db *gorm.DB, cfg *config.Config) (*AppContainer, error) {
	container := &AppContainer{
		DB:     db,
		Config: cfg,
		Logger: logger.Get(),
	}

	// 初始化 Redis 与任务队列
	container.initRedis(cfg)

	// 初始化认证服务
	if err := container.initAuth(cfg); err != nil {
		return nil, err
	}

	// 初始化审计
	container.initAudit(cfg)

	// 初始化数据保留
	if err := container.initRetention(cfg); err != nil {
		return nil, err
	}

	// 初始化数据主体权利
	if err := container.initGDPR(cfg); err != nil {
		return nil, err
	}

	// 初始化 Worker
	if err := container.initWorker(cfg); err != nil {
		return nil, err
	}

	return container, nil
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	return &Handlers{
		Audit: auditHandlers.NewHandler(c.AuditQuery, c.Exporter, c.Logger),
		Retention: retentionHandlers.NewHandler(retentionHandlers.Options{
			Registry: c.Registry,
			Engine:   c.Engine,
			Defaults: c.Defaults,
			Queue:    c.QueueClient,
			Auditor:  c.Recorder,
			Schedule: c.Config.Retention,
			Logger:   c.Logger,
		}),
		GDPR: gdprHandlers.NewHandler(c.Orchestrator, c.Logger),
	}
}

// initRedis Redis 为可选依赖，不可用时退回进程内锁且不启用任务队列
func (c *AppContainer) initRedis(cfg *config.Config) {
	client, err := infra.NewRedisClient(&cfg.Redis, c.Logger)
	if err != nil {
		c.Logger.Warn("Redis 不可用，清理锁退回进程内实现，任务队列与定时清理停用", zap.Error(err))
		return
	}
	c.RedisClient = client
	c.RedisOpt = infra.AsynqRedisOpt(&cfg.Redis)
	c.QueueClient = queue.NewClient(c.RedisOpt, cfg.Retention)
}

func (c *AppContainer) initAuth(cfg *config.Config) error {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}

	secret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if secret == "" {
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			return fmt.Errorf("auth.jwt_secret 未配置，生产环境禁止使用默认密钥")
		}
		secret = "default_jwt_secret_key_change_in_production"
		c.Logger.Warn("auth.jwt_secret 未配置，已回退为开发默认值，请在生产环境设置 APP_AUTH_JWT_SECRET")
	}

	c.JWTService = auth.NewJWTService(secret, cfg.Auth.Issuer, c.RedisClient)
	return nil
}

func (c *AppContainer) initAudit(cfg *config.Config) {
	c.Recorder = audit.NewRecorder(
		audit.NewGormStore(c.DB),
		audit.WithLogger(c.Logger),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout()),
	)
	c.AuditQuery = audit.NewQueryService(c.DB)
	c.Exporter = audit.NewExporter(c.AuditQuery)
}

func (c *AppContainer) initRetention(cfg *config.Config) error {
	c.Registry = retention.NewRegistry(c.DB)

	if cfg.Retention.DefaultsFile != "" {
		defaults, err := retention.LoadDefaults(cfg.Retention.DefaultsFile)
		if err != nil {
			return fmt.Errorf("加载默认保留策略失败: %w", err)
		}
		c.Defaults = defaults
	}

	var lock retention.RunLock = retention.NewLocalLock()
	if cfg.Retention.LockEnabled && c.RedisClient != nil {
		lock = retention.NewRedisLock(c.RedisClient, cfg.Retention.LockTTL())
	}

	c.Engine = retention.NewEngine(c.DB, c.Registry,
		retention.WithAuditor(c.Recorder),
		retention.WithRunLock(lock),
		retention.WithLogger(c.Logger),
		retention.WithConcurrency(cfg.Retention.Concurrency),
		retention.WithGraceDays(cfg.Retention.DeletedUserGraceDays),
	)
	return nil
}

func (c *AppContainer) initGDPR(cfg *config.Config) error {
	var base gdpr.Deliverer = gdpr.NewLogDeliverer(c.Logger)
	if cfg.GDPR.SMTP.Host != "" {
		base = gdpr.NewSMTPDeliverer(cfg.GDPR.SMTP, cfg.GDPR.ControllerName, c.Logger)
	} else {
		c.Logger.Warn("未配置 gdpr.smtp，访问权数据包仅记录日志")
	}
	deliverer := gdpr.WithRetry(base, cfg.GDPR.DeliveryAttempts, deliveryRetryDelay, c.Logger)

	orch, err := gdpr.NewOrchestrator(c.DB, cfg.GDPR,
		gdpr.WithDeliverer(deliverer),
		gdpr.WithRetentionSource(c.Registry),
		gdpr.WithAuditor(c.Recorder),
		gdpr.WithLogger(c.Logger),
	)
	if err != nil {
		return fmt.Errorf("初始化 DSR 编排失败: %w", err)
	}
	c.Orchestrator = orch
	c.DSRRateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	return nil
}

// initWorker 仅在 Redis 可用且启用 worker 时创建
func (c *AppContainer) initWorker(cfg *config.Config) error {
	if c.RedisOpt == nil || !cfg.Worker.Enabled {
		c.Logger.Info("Worker 未启用")
		return nil
	}
	c.WorkerServer = worker.NewServer(c.RedisOpt, cfg.Worker, c.Engine, c.Registry, c.Defaults, c.Logger)

	scheduler, err := worker.NewScheduler(c.RedisOpt, cfg.Retention, c.Logger)
	if err != nil {
		return err
	}
	c.Scheduler = scheduler
	return nil
}

// Close 释放容器持有的连接
func (c *AppContainer) Close() {
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			c.Logger.Warn("关闭任务队列失败", zap.Error(err))
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("关闭 Redis 连接失败", zap.Error(err))
		}
	}
}
