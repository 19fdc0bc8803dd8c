package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"visioncrm/internal/audit"
	"visioncrm/internal/config"
	"visioncrm/internal/infra/queue"
	"visioncrm/internal/models"
	"visioncrm/internal/retention"
	"visioncrm/internal/tenant"
	"visioncrm/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// ============================================================================
// Mock 对象
// ============================================================================

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) EnqueuePurge(ctx context.Context, requestedBy string) (string, error) {
	args := m.Called(ctx, requestedBy)
	return args.String(0), args.Error(1)
}

func (m *MockQueue) EnqueueSeedDefaults(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

func (m *MockQueue) Close() error {
	return m.Called().Error(0)
}

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Record(ctx context.Context, e audit.Entry) {
	m.Called(ctx, e)
}

// ============================================================================
// 辅助函数
// ============================================================================

var now = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	reg     *retention.Registry
	queue   *MockQueue
	auditor *MockAuditor
	router  *gin.Engine
}

func newFixture(t *testing.T, tc *tenant.TenantContext, withQueue bool) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{db: testutil.NewDB(t), queue: &MockQueue{}, auditor: &MockAuditor{}}
	f.reg = retention.NewRegistry(f.db)
	engine := retention.NewEngine(f.db, f.reg, retention.WithClock(func() time.Time { return now }))

	defaults := []retention.DefaultPolicy{
		{EntityType: retention.EntitySessions, RetentionDays: 30, Active: true},
		{EntityType: retention.EntityContacts, RetentionDays: 1095, Active: false},
	}
	var q queue.Client
	if withQueue {
		q = f.queue
	}
	h := NewHandler(Options{
		Registry: f.reg,
		Engine:   engine,
		Defaults: defaults,
		Queue:    q,
		Auditor:  f.auditor,
		Schedule: config.RetentionConfig{Cron: "0 3 * * *", Timezone: "Europe/Paris"},
		Logger:   zaptest.NewLogger(t),
	})
	h.now = func() time.Time { return now }

	f.router = gin.New()
	g := f.router.Group("/api", func(c *gin.Context) {
		c.Request = c.Request.WithContext(tenant.WithTenantContext(c.Request.Context(), *tc))
	})
	h.RegisterRoutes(g)
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

var tenantAdmin = &tenant.TenantContext{TenantID: "t1", UserID: "admin-1", Roles: []string{"admin"}}

// ============================================================================
// 测试
// ============================================================================

func TestUpsertPolicy(t *testing.T) {
	f := newFixture(t, tenantAdmin, false)

	t.Run("创建策略并记录审计", func(t *testing.T) {
		f.auditor.On("Record", mock.Anything, mock.MatchedBy(func(e audit.Entry) bool {
			return e.Action == audit.ActionCompanySettingsUpdated &&
				e.EntityType == audit.EntitySettings &&
				e.Changes != nil && e.Changes.After["retention_days"] == 30 &&
				e.Actor.TenantID == "t1"
		})).Once()

		w := f.do(http.MethodPut, "/api/admin/data-retention", gin.H{"entity_type": "sessions", "retention_days": 30})
		require.Equal(t, http.StatusOK, w.Code)
		p := decodeData[models.RetentionPolicy](t, w)
		assert.Equal(t, "t1", p.TenantID)
		assert.True(t, p.IsActive)
		f.auditor.AssertExpectations(t)
	})

	t.Run("更新时只记录变化字段", func(t *testing.T) {
		f.auditor.On("Record", mock.Anything, mock.MatchedBy(func(e audit.Entry) bool {
			_, daysChanged := e.Changes.After["retention_days"]
			return !daysChanged && e.Changes.Before["is_active"] == true && e.Changes.After["is_active"] == false
		})).Once()

		w := f.do(http.MethodPut, "/api/admin/data-retention", gin.H{"entity_type": "sessions", "retention_days": 30, "is_active": false})
		require.Equal(t, http.StatusOK, w.Code)
		f.auditor.AssertExpectations(t)
	})

	t.Run("参数错误", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/admin/data-retention", gin.H{"entity_type": "sessions", "retention_days": 0}).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/admin/data-retention", gin.H{"entity_type": "sessions", "retention_days": 4000}).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/admin/data-retention", gin.H{"entity_type": "vehicles", "retention_days": 30}).Code)
	})
}

func TestSetActive(t *testing.T) {
	f := newFixture(t, tenantAdmin, false)
	_, err := f.reg.Upsert(context.Background(), "t1", retention.EntityInvoices, 3650, true)
	require.NoError(t, err)

	f.auditor.On("Record", mock.Anything, mock.Anything).Once()
	w := f.do(http.MethodPatch, "/api/admin/data-retention/invoices", gin.H{"is_active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeData[models.RetentionPolicy](t, w).IsActive)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, "/api/admin/data-retention/quotes", gin.H{"is_active": true}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/admin/data-retention/invoices", gin.H{}).Code)
	f.auditor.AssertExpectations(t)
}

func TestSeedDefaultsAndList(t *testing.T) {
	f := newFixture(t, tenantAdmin, false)
	f.auditor.On("Record", mock.Anything, mock.Anything).Once()

	w := f.do(http.MethodPost, "/api/admin/data-retention/defaults", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeData[map[string]int](t, w)["created"])

	// 再次写入不产生新策略，也不再记录审计
	w = f.do(http.MethodPost, "/api/admin/data-retention/defaults", nil)
	assert.Equal(t, 0, decodeData[map[string]int](t, w)["created"])
	f.auditor.AssertExpectations(t)

	w = f.do(http.MethodGet, "/api/admin/data-retention", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]models.RetentionPolicy](t, w), 2)
}

func TestSeedDefaultsAsync(t *testing.T) {
	t.Run("队列不可用", func(t *testing.T) {
		f := newFixture(t, tenantAdmin, false)
		w := f.do(http.MethodPost, "/api/admin/data-retention/defaults?async=true", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("投递到 worker", func(t *testing.T) {
		f := newFixture(t, tenantAdmin, true)
		f.queue.On("EnqueueSeedDefaults", mock.Anything, "t1").Return(nil).Once()

		w := f.do(http.MethodPost, "/api/admin/data-retention/defaults?async=true", nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
		f.queue.AssertExpectations(t)

		var count int64
		require.NoError(t, f.db.Model(&models.RetentionPolicy{}).Count(&count).Error)
		assert.Zero(t, count)
	})
}

func TestPreviewAndLogs(t *testing.T) {
	f := newFixture(t, tenantAdmin, false)
	ctx := context.Background()
	_, err := f.reg.Upsert(ctx, "t1", retention.EntitySessions, 30, true)
	require.NoError(t, err)

	require.NoError(t, f.db.Create(&models.User{ID: "u1", TenantID: "t1", Email: "a@example.com"}).Error)
	require.NoError(t, f.db.Create(&models.Session{UserID: "u1", SessionToken: "old", Expires: testutil.DaysAgo(now, 40)}).Error)
	require.NoError(t, f.db.Create(&models.Session{UserID: "u1", SessionToken: "fresh", Expires: testutil.DaysAgo(now, 5)}).Error)

	w := f.do(http.MethodGet, "/api/admin/data-retention/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeData[[]retention.PurgeStats](t, w)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Deleted)

	w = f.do(http.MethodGet, "/api/admin/data-retention/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeData[[]models.PurgeLog](t, w))
}

func TestTriggerPurge(t *testing.T) {
	sys := &tenant.TenantContext{TenantID: "t1", UserID: "root", IsSystemAdmin: true}

	t.Run("提交任务", func(t *testing.T) {
		f := newFixture(t, sys, true)
		f.queue.On("EnqueuePurge", mock.Anything, "root").Return("task-1", nil).Once()

		w := f.do(http.MethodPost, "/api/admin/data-retention/purge", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "task-1", decodeData[map[string]string](t, w)["task_id"])
		f.queue.AssertExpectations(t)
	})

	t.Run("已在队列中", func(t *testing.T) {
		f := newFixture(t, sys, true)
		f.queue.On("EnqueuePurge", mock.Anything, "root").Return("", queue.ErrAlreadyQueued).Once()
		assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/admin/data-retention/purge", nil).Code)
	})

	t.Run("队列不可用", func(t *testing.T) {
		f := newFixture(t, sys, false)
		assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/admin/data-retention/purge", nil).Code)
	})

	t.Run("租户管理员无权触发", func(t *testing.T) {
		f := newFixture(t, tenantAdmin, true)
		assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/admin/data-retention/purge", nil).Code)
		f.queue.AssertNotCalled(t, "EnqueuePurge", mock.Anything, mock.Anything)
	})
}

func TestSchedule(t *testing.T) {
	f := newFixture(t, tenantAdmin, false)

	w := f.do(http.MethodGet, "/api/admin/data-retention/schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeData[ScheduleInfo](t, w)
	assert.Equal(t, "0 3 * * *", info.Cron)
	assert.Equal(t, "Europe/Paris", info.Timezone)
	require.NotNil(t, info.NextRun)
	// 巴黎冬令时 03:00 对应 UTC 02:00
	assert.Equal(t, time.Date(2026, 1, 16, 2, 0, 0, 0, time.UTC), info.NextRun.UTC())
}
