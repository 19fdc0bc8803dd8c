package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"visioncrm/internal/logger"
	"visioncrm/internal/metrics"
	"visioncrm/internal/models"
	"visioncrm/internal/tenant"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrTenantRequired 无法解析租户：写入被跳过，查询被拒绝
var ErrTenantRequired = errors.New("审计日志缺少租户信息")

// Session 当前认证会话
type Session struct {
	UserID   string
	TenantID string
}

// SessionResolver 解析当前请求的认证会话，无会话时返回 nil
type SessionResolver interface {
	CurrentSession(ctx context.Context) (*Session, error)
}

// SessionResolverFunc 函数适配器
type SessionResolverFunc func(ctx context.Context) (*Session, error)

func (f SessionResolverFunc) CurrentSession(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// ContextSessionResolver 从 tenant.TenantContext 读取会话（由 HTTP 中间件注入）
var ContextSessionResolver SessionResolver = SessionResolverFunc(func(ctx context.Context) (*Session, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, nil
	}
	return &Session{UserID: tc.UserID, TenantID: tc.TenantID}, nil
})

// Actor 显式指定的操作者，字段为空时回退到会话
type Actor struct {
	UserID   string
	TenantID string
}

// Entry 一条待写入的审计记录
type Entry struct {
	Action      Action
	EntityType  EntityType
	EntityID    string
	Changes     *Changes
	Metadata    map[string]any
	Description string

	// Request 为空时使用上下文中的 RequestMeta
	Request *http.Request
	Actor   *Actor
}

// Store 审计日志持久化
type Store interface {
	Insert(ctx context.Context, log *models.AuditLog) error
}

// GormStore 基于 gorm 的审计存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建审计存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Insert 追加一条审计记录
func (s *GormStore) Insert(ctx context.Context, log *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// Recorder 审计日志记录器
// 写入失败只记录运维日志，绝不向调用方传播
type Recorder struct {
	store    Store
	sessions SessionResolver
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

// RecorderOption 记录器选项
type RecorderOption func(*Recorder)

// WithSessionResolver 指定会话解析器
func WithSessionResolver(r SessionResolver) RecorderOption {
	return func(rec *Recorder) { rec.sessions = r }
}

// WithLogger 指定运维日志
func WithLogger(l *zap.Logger) RecorderOption {
	return func(rec *Recorder) { rec.logger = logger.OrNop(l) }
}

// WithWriteTimeout 单条写入超时
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(rec *Recorder) { rec.timeout = d }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) RecorderOption {
	return func(rec *Recorder) { rec.now = now }
}

// NewRecorder 创建审计记录器
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		sessions: ContextSessionResolver,
		logger:   zap.NewNop(),
		timeout:  3 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record 写入一条审计记录，同步等待但吞掉所有错误
// 调用方应在业务事务提交之后调用
func (r *Recorder) Record(ctx context.Context, e Entry) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("审计日志写入 panic",
				zap.String("action", string(e.Action)),
				zap.Any("panic", p),
			)
			metrics.AuditWritesTotal.WithLabelValues(string(e.Action.Category()), "failed").Inc()
		}
	}()

	if err := r.write(ctx, e); err != nil {
		result := "failed"
		if errors.Is(err, ErrTenantRequired) {
			result = "skipped"
		}
		metrics.AuditWritesTotal.WithLabelValues(string(e.Action.Category()), result).Inc()
		logger.Enrich(ctx, r.logger).Error("审计日志写入失败",
			zap.String("action", string(e.Action)),
			zap.String("entity_type", string(e.EntityType)),
			zap.String("entity_id", e.EntityID),
			zap.Error(err),
		)
		return
	}
	metrics.AuditWritesTotal.WithLabelValues(string(e.Action.Category()), "ok").Inc()
}

// RecordBatch 并发写入多条审计记录，单条失败不影响其他记录
func (r *Recorder) RecordBatch(ctx context.Context, entries []Entry) {
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			r.Record(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Recorder) write(ctx context.Context, e Entry) error {
	row, err := r.build(ctx, e)
	if err != nil {
		return err
	}

	// 调用方取消请求不应丢失审计记录
	writeCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, r.timeout)
		defer cancel()
	}
	if err := r.store.Insert(writeCtx, row); err != nil {
		return fmt.Errorf("插入审计日志失败: %w", err)
	}
	return nil
}

func (r *Recorder) build(ctx context.Context, e Entry) (*models.AuditLog, error) {
	userID, tenantID := r.resolveActor(ctx, e.Actor)
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	row := &models.AuditLog{
		TenantID:   tenantID,
		UserID:     optional(userID),
		Action:     string(e.Action),
		EntityType: string(e.EntityType),
		EntityID:   optional(e.EntityID),
		CreatedAt:  r.now().UTC(),
	}

	if c := e.Changes.sanitized(); c != nil {
		row.Changes = datatypes.JSONMap{"before": c.Before, "after": c.After}
	}

	if len(e.Metadata) > 0 || e.Description != "" {
		meta := Sanitize(e.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		if e.Description != "" {
			meta["description"] = e.Description
		}
		row.Metadata = datatypes.JSONMap(meta)
	}

	var meta RequestMeta
	if e.Request != nil {
		meta = RequestMetaFromHTTP(e.Request)
	} else if m, ok := RequestMetaFrom(ctx); ok {
		meta = m
	}
	row.IPAddress = optional(meta.IPAddress)
	row.UserAgent = optional(meta.UserAgent)

	return row, nil
}

// resolveActor 显式 Actor 优先，缺失字段从当前会话补全
// 显式指定租户即视为完整的操作者（系统操作的 user_id 保持为空）
func (r *Recorder) resolveActor(ctx context.Context, actor *Actor) (userID, tenantID string) {
	if actor != nil {
		if actor.TenantID != "" {
			return actor.UserID, actor.TenantID
		}
		userID = actor.UserID
	}
	if r.sessions == nil {
		return userID, ""
	}

	sess, err := r.sessions.CurrentSession(ctx)
	if err != nil {
		r.logger.Warn("解析审计会话失败", zap.Error(err))
		return userID, ""
	}
	if sess == nil {
		return userID, ""
	}
	if userID == "" {
		userID = sess.UserID
	}
	return userID, sess.TenantID
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
