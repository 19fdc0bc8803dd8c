package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"visioncrm/internal/audit"
	"visioncrm/internal/config"
	"visioncrm/internal/logger"
	"visioncrm/internal/metrics"
	"visioncrm/internal/models"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound     = errors.New("用户不存在")
	ErrRequestNotFound  = errors.New("DSAR 请求不存在")
	ErrRequestFinalized = errors.New("DSAR 请求已处于终态")
)

// 拒绝理由
const (
	ErasureRejectionReason   = "Obligations légales ou intérêts légitimes"
	ObjectionRejectionReason = "Motifs légitimes impérieux"
)

// ConsentSource 同意记录来源
type ConsentSource interface {
	GetUserConsents(ctx context.Context, tenantID, userID string) ([]models.UserConsent, error)
}

// RetentionSource 租户保留策略（retention.Registry 实现）
type RetentionSource interface {
	ListActive(ctx context.Context, tenantID string) ([]models.RetentionPolicy, error)
}

// Auditor 审计写入（audit.Recorder 实现）
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Orchestrator 数据主体权利请求编排
// 每个请求：创建 pending 记录 → 执行 → 转为终态（completed/rejected/error）→ 审计
type Orchestrator struct {
	repo       *Repository
	consents   ConsentSource
	retention  RetentionSource
	deliverer  Deliverer
	rules      *RuleSet
	auditor    Auditor
	validate   *validator.Validate
	locks      *userLocks
	controller string
	thirdParty []config.ThirdPartyConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithDeliverer 指定访问权数据包投递渠道
func WithDeliverer(d Deliverer) Option {
	return func(o *Orchestrator) { o.deliverer = d }
}

// WithConsentSource 指定同意记录来源
func WithConsentSource(c ConsentSource) Option {
	return func(o *Orchestrator) { o.consents = c }
}

// WithRetentionSource 指定保留策略来源
func WithRetentionSource(r RetentionSource) Option {
	return func(o *Orchestrator) { o.retention = r }
}

// WithAuditor 指定审计记录器
func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithLogger 指定日志
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.OrNop(l) }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator 创建 DSR 编排器
func NewOrchestrator(db *gorm.DB, cfg config.GDPRConfig, opts ...Option) (*Orchestrator, error) {
	rules, err := NewRuleSet(cfg.Rules)
	if err != nil {
		return nil, err
	}
	repo := NewRepository(db)
	o := &Orchestrator{
		repo:       repo,
		consents:   repo,
		rules:      rules,
		validate:   validator.New(),
		locks:      newUserLocks(),
		controller: cfg.ControllerName,
		thirdParty: cfg.ThirdParties,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("visioncrm/gdpr"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deliverer == nil {
		o.deliverer = NewLogDeliverer(o.logger)
	}
	if o.controller == "" {
		o.controller = "VisionCRM"
	}
	return o, nil
}

// outcome 某项权利执行后的结果
type outcome struct {
	status          string
	responseData    *string
	responseFormat  *string
	rejectionReason string
	auditMeta       map[string]any
}

type handler func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error)

// execute 公共流程，执行失败时先持久化 error 终态再返回错误
func (o *Orchestrator) execute(ctx context.Context, userID, reqType string, details map[string]any, fn handler) (*models.DSARRequest, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	ctx, span := o.tracer.Start(ctx, "gdpr."+reqType, trace.WithAttributes(
		attribute.String("user_id", userID),
	))
	defer span.End()

	u, err := o.repo.ActiveUser(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log := logger.Enrich(ctx, o.logger).With(zap.String("user_id", u.ID), zap.String("type", reqType))

	created := o.now().UTC()
	req := &models.DSARRequest{
		TenantID:  u.TenantID,
		UserID:    u.ID,
		Type:      reqType,
		Status:    models.DSARStatusPending,
		Details:   datatypes.JSONMap(details),
		CreatedAt: created,
		Deadline:  created.AddDate(0, 1, 0),
	}
	if err := o.repo.CreateRequest(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("request_id", req.ID))
	o.record(ctx, u, audit.ActionGDPRRequestCreated, map[string]any{"request_id": req.ID, "type": reqType})

	out, runErr := fn(ctx, u, req)

	done := o.now().UTC()
	req.CompletedAt = &done
	if runErr != nil {
		msg := runErr.Error()
		req.Status = models.DSARStatusError
		req.Error = &msg
	} else {
		req.Status = out.status
		req.ResponseData = out.responseData
		req.ResponseFormat = out.responseFormat
		if out.rejectionReason != "" {
			req.RejectionReason = &out.rejectionReason
		}
	}

	// 调用方取消不应让请求停留在 pending
	if err := o.repo.Finalize(context.WithoutCancel(ctx), req); err != nil {
		log.Error("持久化 DSAR 终态失败", zap.String("request_id", req.ID), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return req, errors.Join(runErr, err)
	}

	metrics.DSARRequestsTotal.WithLabelValues(reqType, req.Status).Inc()
	meta := map[string]any{"request_id": req.ID, "type": reqType, "status": req.Status}
	for k, v := range out.auditMeta {
		meta[k] = v
	}
	o.record(ctx, u, audit.ActionGDPRRequestCompleted, meta)

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		log.Warn("DSAR 请求执行失败", zap.String("request_id", req.ID), zap.Error(runErr))
		return req, runErr
	}
	log.Info("DSAR 请求已处理", zap.String("request_id", req.ID), zap.String("status", req.Status))
	return req, nil
}

func (o *Orchestrator) record(ctx context.Context, u *models.User, action audit.Action, meta map[string]any) {
	if o.auditor == nil {
		return
	}
	o.auditor.Record(ctx, audit.Entry{
		Action:     action,
		EntityType: audit.EntityUser,
		EntityID:   u.ID,
		Metadata:   meta,
		Actor:      &audit.Actor{UserID: u.ID, TenantID: u.TenantID},
	})
}

// ============================================================================
// 六项权利
// ============================================================================

// RequestAccess 访问权（第 15 条）：收集全部个人数据，投递成功后标记完成
func (o *Orchestrator) RequestAccess(ctx context.Context, userID, email string) (*models.DSARRequest, error) {
	details := map[string]any{"email": email, "description": "Demande d'accès aux données personnelles"}
	return o.execute(ctx, userID, models.DSARTypeAccess, details, func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error) {
		pkg, err := o.buildPackage(ctx, u)
		if err != nil {
			return outcome{}, fmt.Errorf("收集个人数据失败: %w", err)
		}
		raw, err := json.Marshal(pkg)
		if err != nil {
			return outcome{}, fmt.Errorf("序列化数据包失败: %w", err)
		}

		to := email
		if to == "" {
			to = u.Email
		}
		if err := o.deliverer.Deliver(ctx, to, pkg); err != nil {
			return outcome{}, fmt.Errorf("投递数据包失败: %w", err)
		}

		o.record(ctx, u, audit.ActionDataExported, map[string]any{"request_id": req.ID, "format": string(FormatJSON)})
		data := string(raw)
		format := string(FormatJSON)
		return outcome{status: models.DSARStatusCompleted, responseData: &data, responseFormat: &format}, nil
	})
}

// buildPackage 并发收集各子域数据并组装数据包
func (o *Orchestrator) buildPackage(ctx context.Context, u *models.User) (*DataPackage, error) {
	var (
		activities []models.Activity
		accessLogs []models.AccessLog
		consents   []models.UserConsent
		invoices   []models.Invoice
		quotes     []models.Quote
		comms      []models.Communication
		policies   []models.RetentionPolicy
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		activities, err = o.repo.activities(gctx, u)
		return wrap("interactions", err)
	})
	g.Go(func() (err error) {
		accessLogs, err = o.repo.accessLogs(gctx, u)
		return wrap("interactions", err)
	})
	g.Go(func() (err error) {
		consents, err = o.consents.GetUserConsents(gctx, u.TenantID, u.ID)
		return wrap("consents", err)
	})
	g.Go(func() (err error) {
		invoices, err = o.repo.invoices(gctx, u)
		return wrap("transactions", err)
	})
	g.Go(func() (err error) {
		quotes, err = o.repo.quotes(gctx, u)
		return wrap("transactions", err)
	})
	g.Go(func() (err error) {
		comms, err = o.repo.communications(gctx, u)
		return wrap("communications", err)
	})
	if o.retention != nil {
		g.Go(func() (err error) {
			policies, err = o.retention.ListActive(gctx, u.TenantID)
			return wrap("data_retention", err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	retentionInfo := make([]RetentionInfo, 0, len(policies))
	for _, p := range policies {
		retentionInfo = append(retentionInfo, RetentionInfo{EntityType: p.EntityType, RetentionDays: p.RetentionDays})
	}
	thirdParty := o.thirdParty
	if thirdParty == nil {
		thirdParty = []config.ThirdPartyConfig{}
	}

	return &DataPackage{
		PersonalData: PersonalData{
			Profile:        toProfile(u),
			Interactions:   toInteractions(activities, accessLogs),
			Consents:       toConsents(consents),
			Transactions:   toTransactions(invoices, quotes),
			Communications: toCommunications(comms),
			Metadata: ExportMetadata{
				ExportedAt:     o.now().UTC(),
				DataController: o.controller,
				Format:         "JSON",
			},
		},
		ProcessingActivities: processingActivities,
		LegalBases:           legalBases,
		DataRetention:        retentionInfo,
		ThirdPartySharing:    thirdParty,
	}, nil
}

func wrap(section string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	return nil
}

// RequestRectification 更正权（第 16 条）：校验失败记为 error，不存在 rejected
func (o *Orchestrator) RequestRectification(ctx context.Context, userID string, corrections map[string]string) (*models.DSARRequest, error) {
	details := map[string]any{"corrections": corrections, "description": "Demande de rectification des données"}
	return o.execute(ctx, userID, models.DSARTypeRectification, details, func(ctx context.Context, u *models.User, _ *models.DSARRequest) (outcome, error) {
		fields, err := normalizeCorrections(o.validate, corrections)
		if err != nil {
			return outcome{}, err
		}
		if err := o.repo.ApplyCorrections(ctx, u, fields); err != nil {
			return outcome{}, err
		}
		changed := make([]string, 0, len(fields))
		for k := range fields {
			changed = append(changed, k)
		}
		return outcome{status: models.DSARStatusCompleted, auditMeta: map[string]any{"fields": changed}}, nil
	})
}

// RequestErasure 删除权（第 17 条）：存在法律义务或正当利益时拒绝
func (o *Orchestrator) RequestErasure(ctx context.Context, userID, reason string) (*models.DSARRequest, error) {
	details := map[string]any{"reason": reason, "description": "Demande d'effacement des données"}
	return o.execute(ctx, userID, models.DSARTypeErasure, details, func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error) {
		now := o.now().UTC()
		facts, err := o.repo.Facts(ctx, u, now)
		if err != nil {
			return outcome{}, err
		}
		blocked, err := o.rules.ErasureBlocked(facts)
		if err != nil {
			return outcome{}, err
		}
		if blocked {
			return outcome{
				status:          models.DSARStatusRejected,
				rejectionReason: ErasureRejectionReason,
				auditMeta:       map[string]any{"legal_holds": facts.LegalHolds, "unpaid_invoices": facts.UnpaidInvoices},
			}, nil
		}

		counts, err := o.repo.Erase(ctx, u, now)
		if err != nil {
			return outcome{}, fmt.Errorf("擦除个人数据失败: %w", err)
		}
		o.record(ctx, u, audit.ActionDataDeleted, map[string]any{"request_id": req.ID, "records": counts})
		return outcome{status: models.DSARStatusCompleted}, nil
	})
}

// RequestPortability 可携带权（第 20 条）：仅导出用户提供的数据
func (o *Orchestrator) RequestPortability(ctx context.Context, userID, format string) (*models.DSARRequest, error) {
	f := ParseFormat(format)
	details := map[string]any{"format": string(f), "description": "Demande de portabilité des données"}
	return o.execute(ctx, userID, models.DSARTypePortability, details, func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error) {
		var (
			consents []models.UserConsent
			invoices []models.Invoice
			quotes   []models.Quote
			contacts []models.Contact
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			consents, err = o.consents.GetUserConsents(gctx, u.TenantID, u.ID)
			return wrap("consents", err)
		})
		g.Go(func() (err error) {
			invoices, err = o.repo.invoices(gctx, u)
			return wrap("transactions", err)
		})
		g.Go(func() (err error) {
			quotes, err = o.repo.quotes(gctx, u)
			return wrap("transactions", err)
		})
		g.Go(func() (err error) {
			contacts, err = o.repo.ownedContacts(gctx, u)
			return wrap("contacts", err)
		})
		if err := g.Wait(); err != nil {
			return outcome{}, fmt.Errorf("提取可携带数据失败: %w", err)
		}

		data := &PortableData{
			Profile:      toProfile(u),
			Consents:     toConsents(consents),
			Transactions: toTransactions(invoices, quotes),
			Contacts:     toContacts(contacts),
		}
		rendered, err := data.Render(f)
		if err != nil {
			return outcome{}, err
		}
		o.record(ctx, u, audit.ActionDataExported, map[string]any{"request_id": req.ID, "format": string(f)})
		formatName := string(f)
		return outcome{status: models.DSARStatusCompleted, responseData: &rendered, responseFormat: &formatName}, nil
	})
}

// RequestRestriction 限制处理权（第 18 条）
func (o *Orchestrator) RequestRestriction(ctx context.Context, userID, reason, notes string) (*models.DSARRequest, error) {
	details := map[string]any{"reason": reason, "notes": notes, "description": "Demande de limitation du traitement"}
	return o.execute(ctx, userID, models.DSARTypeRestriction, details, func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error) {
		if err := validateRestrictionReason(o.validate, reason); err != nil {
			return outcome{}, err
		}
		err := o.repo.Restrict(ctx, &models.ProcessingRestriction{
			TenantID:  u.TenantID,
			UserID:    u.ID,
			RequestID: req.ID,
			Reason:    reason,
			Notes:     notes,
			CreatedAt: o.now().UTC(),
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{status: models.DSARStatusCompleted}, nil
	})
}

// RequestObjection 反对权（第 21 条）：控制者有压倒性正当理由时拒绝
func (o *Orchestrator) RequestObjection(ctx context.Context, userID, processingType, reason string) (*models.DSARRequest, error) {
	details := map[string]any{"processingType": processingType, "reason": reason, "description": "Opposition au traitement"}
	return o.execute(ctx, userID, models.DSARTypeObjection, details, func(ctx context.Context, u *models.User, req *models.DSARRequest) (outcome, error) {
		if processingType == "" {
			return outcome{}, errors.New("未指定反对的处理类型")
		}
		now := o.now().UTC()
		facts, err := o.repo.Facts(ctx, u, now)
		if err != nil {
			return outcome{}, err
		}
		overridden, err := o.rules.ObjectionOverridden(facts, processingType)
		if err != nil {
			return outcome{}, err
		}
		if overridden {
			return outcome{status: models.DSARStatusRejected, rejectionReason: ObjectionRejectionReason}, nil
		}

		revoked, err := o.repo.Object(ctx, &models.ProcessingObjection{
			TenantID:       u.TenantID,
			UserID:         u.ID,
			RequestID:      req.ID,
			ProcessingType: processingType,
			Reason:         reason,
			CreatedAt:      now,
		}, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{status: models.DSARStatusCompleted, auditMeta: map[string]any{"revoked_consents": revoked}}, nil
	})
}

// ListRequests 用户的请求历史
func (o *Orchestrator) ListRequests(ctx context.Context, userID string) ([]models.DSARRequest, error) {
	return o.repo.ListRequests(ctx, userID)
}

// GetRequest 读取用户自己的某个请求
func (o *Orchestrator) GetRequest(ctx context.Context, userID, id string) (*models.DSARRequest, error) {
	return o.repo.GetRequest(ctx, userID, id)
}
