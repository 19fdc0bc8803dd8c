// purge 单次执行数据保留清理，供外部 cron 或运维手动调用
//
// 退出码：0 成功，1 失败，2 部分策略失败
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"visioncrm/internal/audit"
	"visioncrm/internal/config"
	"visioncrm/internal/infra"
	"visioncrm/internal/logger"
	"visioncrm/internal/retention"

	"go.uber.org/zap"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	env := flag.String("env", "", "配置环境 dev/prod/test，默认读取 APP_ENV")
	configPath := flag.String("config", "", "配置文件路径")
	tenantID := flag.String("tenant", "", "配合 -dry-run 仅预估指定租户")
	dryRun := flag.Bool("dry-run", false, "仅预估清理数量，不删除数据")
	flag.Parse()

	if *env == "" {
		*env = os.Getenv("APP_ENV")
	}
	if *env == "" {
		*env = "dev"
	}

	cfg, err := config.Load(*env, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitFailed
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()
	log := logger.Get()

	db, err := infra.OpenDatabase(&cfg.Database, log)
	if err != nil {
		log.Error("初始化数据库失败", zap.Error(err))
		return exitFailed
	}
	defer infra.CloseDatabase(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := retention.NewRegistry(db)
	opts := []retention.EngineOption{
		retention.WithAuditor(audit.NewRecorder(audit.NewGormStore(db),
			audit.WithLogger(log),
			audit.WithWriteTimeout(cfg.Audit.WriteTimeout()),
		)),
		retention.WithLogger(log),
		retention.WithConcurrency(cfg.Retention.Concurrency),
		retention.WithGraceDays(cfg.Retention.DeletedUserGraceDays),
	}
	// 与常驻 worker 共用分布式锁，避免重复执行
	if cfg.Retention.LockEnabled && !*dryRun {
		rdb, err := infra.NewRedisClient(&cfg.Redis, log)
		if err != nil {
			log.Warn("Redis 不可用，使用进程内锁", zap.Error(err))
		} else {
			defer rdb.Close()
			opts = append(opts, retention.WithRunLock(retention.NewRedisLock(rdb, cfg.Retention.LockTTL())))
		}
	}
	engine := retention.NewEngine(db, registry, opts...)

	if *dryRun {
		return preview(ctx, engine, *tenantID)
	}

	report, err := engine.Run(ctx)
	if report != nil {
		printReport(report)
	}
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, retention.ErrPartialPurge):
		log.Warn("数据清理部分失败", zap.Error(err))
		return exitPartial
	case errors.Is(err, retention.ErrPurgeInProgress):
		log.Info("已有清理任务在执行，本次跳过")
		return exitOK
	default:
		log.Error("数据清理失败", zap.Error(err))
		return exitFailed
	}
}

func preview(ctx context.Context, engine *retention.Engine, tenantID string) int {
	if tenantID == "" {
		fmt.Fprintln(os.Stderr, "-dry-run 需要指定 -tenant")
		return exitFailed
	}
	stats, err := engine.Preview(ctx, tenantID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "预估失败: %v\n", err)
		return exitFailed
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tRETENTION_DAYS\tMATCHING")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\n", s.EntityType, s.RetentionDays, s.Deleted)
	}
	_ = w.Flush()
	return exitOK
}

func printReport(r *retention.RunReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run %s  started %s  took %s\n\n", r.RunID, r.StartedAt.Format("2006-01-02 15:04:05Z07:00"), r.Duration)
	fmt.Fprintln(w, "TENANT\tENTITY\tRETENTION_DAYS\tAFFECTED")
	var total int64
	for _, s := range r.Stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.TenantID, s.EntityType, s.RetentionDays, s.Deleted)
		total += s.Deleted
	}
	fmt.Fprintf(w, "\t\t\t%d\n", total)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "FAILED\t%s\t%s\t%v\n", f.TenantID, f.EntityType, f.Err)
	}
	if len(r.CleanedUsers) > 0 {
		fmt.Fprintf(w, "\ncleaned deleted users: %d\n", len(r.CleanedUsers))
	}
	_ = w.Flush()
}
