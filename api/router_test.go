package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"visioncrm/internal/config"
	"visioncrm/internal/models"
	"visioncrm/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// ============================================================================
// 辅助函数
// ============================================================================

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Mode: gin.TestMode},
		Database: config.DatabaseConfig{Driver: "sqlite"},
		// 端口 1 不可连接，Redis 退化为禁用
		Redis: config.RedisConfig{Mode: "standalone", Host: "127.0.0.1", Port: 1},
		Auth:  config.AuthConfig{JWTSecret: "test-secret", Issuer: "visioncrm"},
		Audit: config.AuditConfig{WriteTimeoutMs: 1000},
		Retention: config.RetentionConfig{
			Cron:                 "0 3 * * *",
			Timezone:             "UTC",
			Concurrency:          2,
			DeletedUserGraceDays: 30,
		},
		GDPR:   config.GDPRConfig{ControllerName: "VisionCRM", DeliveryAttempts: 1},
		Worker: config.WorkerConfig{Enabled: true},
	}
}

type testServer struct {
	db        *gorm.DB
	container *AppContainer
	router    *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	container, err := InitContainer(db, testConfig())
	require.NoError(t, err)
	t.Cleanup(container.Close)
	return &testServer{db: db, container: container, router: SetupRouter(container)}
}

func (s *testServer) do(t *testing.T, method, path, userID, tenantID string, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := s.container.JWTService.Issue(userID, tenantID, roles)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// 测试
// ============================================================================

func TestInitContainerWithoutRedis(t *testing.T) {
	s := newTestServer(t)

	assert.Nil(t, s.container.RedisClient)
	assert.Nil(t, s.container.QueueClient)
	assert.Nil(t, s.container.WorkerServer)
	assert.Nil(t, s.container.Scheduler)
	assert.NotNil(t, s.container.Engine)
	assert.NotNil(t, s.container.Orchestrator)
}

func TestInitContainerRequiresSecretInRelease(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Mode = gin.ReleaseMode
	cfg.Auth.JWTSecret = ""

	_, err := InitContainer(testutil.NewDB(t), cfg)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, ServiceName, health.Service)

	w = s.do(t, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "disabled", ready.Redis)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/swagger/index.html", "", "").Code)
}

func TestRouteGuards(t *testing.T) {
	s := newTestServer(t)
	user := &models.User{TenantID: "t1", Email: "marie@example.com", Name: "Marie Curie"}
	require.NoError(t, s.db.Create(user).Error)

	t.Run("未携带令牌", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/audit-logs", "", "").Code)
	})

	t.Run("普通成员不能访问管理接口", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/audit-logs", user.ID, "t1", "member").Code)
		assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/data-retention", user.ID, "t1", "member").Code)
	})

	t.Run("普通成员可访问自身数据", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/audit-logs/me", user.ID, "t1", "member").Code)
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/rgpd/requests", user.ID, "t1", "member").Code)
		assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/rgpd/requests/access", user.ID, "t1", "member").Code)
	})

	t.Run("管理员", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/audit-logs", "admin-1", "t1", "admin")
		require.Equal(t, http.StatusOK, w.Code)
		// 上一步的访问请求写入了审计
		assert.NotEqual(t, "0", w.Header().Get("X-Total-Count"))
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("无队列时手动清理不可用", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/admin/data-retention/purge", "root", "t1", "system_admin")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
