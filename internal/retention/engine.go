package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"visioncrm/internal/audit"
	"visioncrm/internal/logger"
	"visioncrm/internal/metrics"
	"visioncrm/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ErrPartialPurge 部分策略执行失败，其余策略的结果仍然有效
var ErrPartialPurge = errors.New("数据清理部分失败")

// DeletedUserPlaceholder 已删除用户的操作流水描述替换值
const DeletedUserPlaceholder = "Action par utilisateur supprimé"

const (
	defaultGraceDays   = 30
	defaultConcurrency = 4
)

// PurgeStats 单个策略的清理结果
type PurgeStats struct {
	TenantID      string     `json:"tenant_id"`
	EntityType    EntityType `json:"entity_type"`
	Deleted       int64      `json:"deleted"`
	RetentionDays int        `json:"retention_days"`
}

// PolicyFailure 单个策略的失败信息
type PolicyFailure struct {
	PolicyID   string `json:"policy_id"`
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	Err        error  `json:"-"`
}

// RunReport 一次清理任务的完整结果
type RunReport struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	Stats        []PurgeStats    `json:"stats"`
	Skipped      []string        `json:"skipped,omitempty"`
	Failures     []PolicyFailure `json:"failures,omitempty"`
	CleanedUsers []string        `json:"cleaned_users,omitempty"`
}

// Auditor 审计写入（audit.Recorder 实现）
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Engine 数据保留清理引擎
type Engine struct {
	db          *gorm.DB
	registry    *Registry
	auditor     Auditor
	lock        RunLock
	logger      *zap.Logger
	tracer      trace.Tracer
	concurrency int
	graceDays   int
	now         func() time.Time
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithAuditor 清理结果写入审计日志
func WithAuditor(a Auditor) EngineOption {
	return func(e *Engine) { e.auditor = a }
}

// WithRunLock 指定运行锁
func WithRunLock(l RunLock) EngineOption {
	return func(e *Engine) { e.lock = l }
}

// WithLogger 指定日志
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger.OrNop(l) }
}

// WithConcurrency 策略并发数
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithGraceDays 已删除用户的宽限天数
func WithGraceDays(days int) EngineOption {
	return func(e *Engine) {
		if days > 0 {
			e.graceDays = days
		}
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建清理引擎
func NewEngine(db *gorm.DB, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		db:          db,
		registry:    registry,
		lock:        NewLocalLock(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("visioncrm/retention"),
		concurrency: defaultConcurrency,
		graceDays:   defaultGraceDays,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PurgeOldData 按全部启用的策略执行一次清理，返回每个策略的统计
// 部分失败时同时返回已完成的统计和包装 ErrPartialPurge 的错误
func (e *Engine) PurgeOldData(ctx context.Context) ([]PurgeStats, error) {
	report, err := e.Run(ctx)
	if report == nil {
		return nil, err
	}
	return report.Stats, err
}

// Run 执行一次完整清理：策略清理 + 已删除用户清理
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	release, err := e.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPurgeInProgress) {
			metrics.PurgeRunsTotal.WithLabelValues("skipped").Inc()
		}
		return nil, err
	}
	defer release()

	now := e.now().UTC()
	report := &RunReport{RunID: uuid.NewString(), StartedAt: now}

	ctx, span := e.tracer.Start(ctx, "retention.Run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
	))
	defer span.End()
	log := logger.Enrich(ctx, e.logger).With(zap.String("run_id", report.RunID))

	policies, err := e.registry.ListActive(ctx, "")
	if err != nil {
		metrics.PurgeRunsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log.Info("开始数据清理", zap.Int("policies", len(policies)))

	outcomes := make([]policyOutcome, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range policies {
		g.Go(func() error {
			outcomes[i] = e.runPolicy(gctx, log, report.RunID, p, now)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		switch {
		case o.skipped:
			report.Skipped = append(report.Skipped, o.policy.EntityType)
		case o.err != nil:
			report.Failures = append(report.Failures, PolicyFailure{
				PolicyID:   o.policy.ID,
				TenantID:   o.policy.TenantID,
				EntityType: o.policy.EntityType,
				Err:        o.err,
			})
			errs = append(errs, fmt.Errorf("%s/%s: %w", o.policy.TenantID, o.policy.EntityType, o.err))
		default:
			report.Stats = append(report.Stats, o.stats)
		}
	}

	cleaned, err := e.cleanupDeletedUsers(ctx, log, report.RunID, now)
	report.CleanedUsers = cleaned
	if err != nil {
		errs = append(errs, fmt.Errorf("已删除用户清理: %w", err))
	}

	e.auditTenants(ctx, report)

	report.Duration = e.now().UTC().Sub(now)
	metrics.PurgeDuration.Observe(report.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("stats", len(report.Stats)),
		attribute.Int("failures", len(report.Failures)),
		attribute.Int("cleaned_users", len(cleaned)),
	)

	if len(errs) == 0 {
		metrics.PurgeRunsTotal.WithLabelValues("success").Inc()
		log.Info("数据清理完成",
			zap.Int("policies", len(report.Stats)),
			zap.Int("cleaned_users", len(cleaned)),
			zap.Duration("duration", report.Duration),
		)
		return report, nil
	}

	joined := errors.Join(errs...)
	span.SetStatus(codes.Error, joined.Error())
	// 有策略但没有任何一个成功：视为整体失败
	if len(policies) > 0 && len(report.Stats) == 0 && len(report.Failures) > 0 {
		metrics.PurgeRunsTotal.WithLabelValues("failed").Inc()
		log.Error("数据清理失败", zap.Error(joined))
		return nil, fmt.Errorf("数据清理失败: %w", joined)
	}
	metrics.PurgeRunsTotal.WithLabelValues("partial").Inc()
	log.Warn("数据清理部分失败", zap.Int("failures", len(errs)), zap.Error(joined))
	return report, errors.Join(ErrPartialPurge, joined)
}

type policyOutcome struct {
	policy  models.RetentionPolicy
	stats   PurgeStats
	skipped bool
	err     error
}

// runPolicy 在独立事务中执行单个策略并记录 purge_logs
func (e *Engine) runPolicy(ctx context.Context, log *zap.Logger, runID string, p models.RetentionPolicy, now time.Time) policyOutcome {
	out := policyOutcome{policy: p}
	et, ok := ParseEntityType(p.EntityType)
	if !ok {
		log.Warn("未知的保留实体类型，跳过", zap.String("entity_type", p.EntityType), zap.String("policy_id", p.ID))
		out.skipped = true
		return out
	}
	strat := strategies[et]

	ctx, span := e.tracer.Start(ctx, "retention.policy", trace.WithAttributes(
		attribute.String("tenant_id", p.TenantID),
		attribute.String("entity_type", p.EntityType),
		attribute.Int("retention_days", p.RetentionDays),
	))
	defer span.End()

	cutoff := now.AddDate(0, 0, -p.RetentionDays)
	started := time.Now()

	var affected int64
	// 绕过 Registry 写入的越界天数会把截止时间推到当前，直接判为失败
	err := validatePolicy(et, p.RetentionDays)
	if err == nil {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, err := strat.apply(tx, p.TenantID, cutoff, now)
			if err != nil {
				return fmt.Errorf("执行清理失败: %w", err)
			}
			affected = n
			return markPurged(tx, p.ID, now)
		})
	}

	entry := &models.PurgeLog{
		RunID:           runID,
		TenantID:        p.TenantID,
		PolicyID:        p.ID,
		EntityType:      p.EntityType,
		RecordsPurged:   affected,
		CutoffDate:      cutoff,
		RetentionDays:   p.RetentionDays,
		Status:          models.PurgeStatusSuccess,
		ExecutedAt:      now,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		msg := err.Error()
		entry.Status = models.PurgeStatusFailed
		entry.RecordsPurged = 0
		entry.ErrorMessage = &msg
		span.SetStatus(codes.Error, msg)
		log.Error("保留策略执行失败",
			zap.String("tenant_id", p.TenantID),
			zap.String("entity_type", p.EntityType),
			zap.Error(err),
		)
		out.err = err
	} else {
		metrics.PurgeRecordsTotal.WithLabelValues(p.EntityType, string(strat.effect)).Add(float64(affected))
		log.Info("保留策略执行完成",
			zap.String("tenant_id", p.TenantID),
			zap.String("entity_type", p.EntityType),
			zap.Int64("records", affected),
			zap.Time("cutoff", cutoff),
		)
		out.stats = PurgeStats{
			TenantID:      p.TenantID,
			EntityType:    et,
			Deleted:       affected,
			RetentionDays: p.RetentionDays,
		}
	}

	if werr := e.db.WithContext(context.WithoutCancel(ctx)).Create(entry).Error; werr != nil {
		log.Error("写入清理记录失败", zap.String("policy_id", p.ID), zap.Error(werr))
	}
	return out
}

// cleanupDeletedUsers 清理软删除超过宽限期的用户：删除身份关联数据，匿名化审计类数据
// 单个用户失败不影响其他用户
func (e *Engine) cleanupDeletedUsers(ctx context.Context, log *zap.Logger, runID string, now time.Time) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "retention.cleanupDeletedUsers")
	defer span.End()

	cutoff := now.AddDate(0, 0, -e.graceDays)
	var users []models.User
	err := e.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND deleted_at < ? AND purged_at IS NULL", cutoff).
		Order("deleted_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("查询已删除用户失败: %w", err)
	}

	var (
		cleaned []string
		errs    []error
	)
	for _, u := range users {
		counts, err := e.cleanupUser(ctx, u, now)
		if err != nil {
			log.Error("清理已删除用户数据失败", zap.String("user_id", u.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("用户 %s: %w", u.ID, err))
			continue
		}
		cleaned = append(cleaned, u.ID)
		for entity, n := range counts {
			metrics.PurgeRecordsTotal.WithLabelValues(entity, "user_cleanup").Add(float64(n))
		}
		if e.auditor != nil {
			e.auditor.Record(ctx, audit.Entry{
				Action:      audit.ActionDataDeleted,
				EntityType:  audit.EntityUser,
				EntityID:    u.ID,
				Metadata:    map[string]any{"run_id": runID, "records": counts},
				Description: "Nettoyage des données d'un utilisateur supprimé",
				Actor:       &audit.Actor{TenantID: u.TenantID},
			})
		}
	}
	if len(users) > 0 {
		log.Info("已删除用户清理完成", zap.Int("found", len(users)), zap.Int("cleaned", len(cleaned)))
	}
	return cleaned, errors.Join(errs...)
}

func (e *Engine) cleanupUser(ctx context.Context, u models.User, now time.Time) (map[string]int64, error) {
	counts := map[string]int64{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deletes := []struct {
			name  string
			model any
		}{
			{"sessions", &models.Session{}},
			{"accounts", &models.Account{}},
			{"user_consents", &models.UserConsent{}},
			{"dsar_requests", &models.DSARRequest{}},
		}
		for _, d := range deletes {
			res := tx.Where("user_id = ?", u.ID).Delete(d.model)
			if res.Error != nil {
				return fmt.Errorf("删除 %s 失败: %w", d.name, res.Error)
			}
			counts[d.name] = res.RowsAffected
		}

		res := tx.Model(&models.AccessLog{}).Where("user_id = ?", u.ID).UpdateColumn("user_id", nil)
		if res.Error != nil {
			return fmt.Errorf("匿名化访问日志失败: %w", res.Error)
		}
		counts["access_logs"] = res.RowsAffected

		res = tx.Model(&models.Activity{}).Where("user_id = ?", u.ID).UpdateColumn("description", DeletedUserPlaceholder)
		if res.Error != nil {
			return fmt.Errorf("匿名化操作流水失败: %w", res.Error)
		}
		counts["activities"] = res.RowsAffected

		return tx.Model(&models.User{}).Where("id = ?", u.ID).UpdateColumn("purged_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// auditTenants 每个有数据被清理的租户写一条审计记录
func (e *Engine) auditTenants(ctx context.Context, report *RunReport) {
	if e.auditor == nil {
		return
	}
	perTenant := map[string]map[string]int64{}
	for _, s := range report.Stats {
		if s.Deleted == 0 {
			continue
		}
		if perTenant[s.TenantID] == nil {
			perTenant[s.TenantID] = map[string]int64{}
		}
		perTenant[s.TenantID][string(s.EntityType)] = s.Deleted
	}

	tenants := make([]string, 0, len(perTenant))
	for t := range perTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	entries := make([]audit.Entry, 0, len(tenants))
	for _, t := range tenants {
		entries = append(entries, audit.Entry{
			Action:      audit.ActionDataDeleted,
			EntityType:  audit.EntityTenant,
			EntityID:    t,
			Metadata:    map[string]any{"run_id": report.RunID, "records": perTenant[t]},
			Description: "Purge automatique selon la politique de conservation",
			Actor:       &audit.Actor{TenantID: t},
		})
	}
	for _, en := range entries {
		e.auditor.Record(ctx, en)
	}
}

// Preview 统计租户各启用策略当前会影响的记录数，不做任何修改
func (e *Engine) Preview(ctx context.Context, tenantID string) ([]PurgeStats, error) {
	policies, err := e.registry.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	db := e.db.WithContext(ctx)

	out := make([]PurgeStats, 0, len(policies))
	for _, p := range policies {
		et, ok := ParseEntityType(p.EntityType)
		if !ok {
			continue
		}
		n, err := strategies[et].count(db, p.TenantID, now.AddDate(0, 0, -p.RetentionDays))
		if err != nil {
			return nil, fmt.Errorf("预估 %s 清理数量失败: %w", p.EntityType, err)
		}
		out = append(out, PurgeStats{
			TenantID:      p.TenantID,
			EntityType:    et,
			Deleted:       n,
			RetentionDays: p.RetentionDays,
		})
	}
	return out, nil
}

// RecentLogs 租户最近的清理执行记录
func (e *Engine) RecentLogs(ctx context.Context, tenantID string, limit int) ([]models.PurgeLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.PurgeLog
	err := e.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("查询清理记录失败: %w", err)
	}
	return logs, nil
}
