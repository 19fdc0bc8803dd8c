package gdpr

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/gdpr"
	"visioncrm/internal/middleware"
	"visioncrm/internal/models"
	"visioncrm/internal/tenant"
	"visioncrm/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// ============================================================================
// 辅助函数
// ============================================================================

var now = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	user   *models.User
	router *gin.Engine
}

func newFixture(t *testing.T, limit ...gin.HandlerFunc) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)

	user := &models.User{TenantID: "t1", Email: "jean.dupont@example.com", Name: "Jean Dupont"}
	require.NoError(t, db.Create(user).Error)

	orch, err := gdpr.NewOrchestrator(db, config.GDPRConfig{ControllerName: "VisionCRM SAS"},
		gdpr.WithLogger(zaptest.NewLogger(t)),
		gdpr.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	r := gin.New()
	g := r.Group("/api", func(c *gin.Context) {
		tc := tenant.TenantContext{TenantID: user.TenantID, UserID: user.ID, Roles: []string{"user"}}
		c.Set("user_id", user.ID)
		c.Request = c.Request.WithContext(tenant.WithTenantContext(c.Request.Context(), tc))
	})
	NewHandler(orch, zaptest.NewLogger(t)).RegisterRoutes(g, limit...)
	return &fixture{db: db, user: user, router: r}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		raw, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeRequest(t *testing.T, w *httptest.ResponseRecorder) models.DSARRequest {
	t.Helper()
	var body struct {
		Data models.DSARRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

// ============================================================================
// 测试
// ============================================================================

func TestAccessRequest(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/rgpd/requests/access", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	req := decodeRequest(t, w)
	assert.Equal(t, models.DSARTypeAccess, req.Type)
	assert.Equal(t, models.DSARStatusCompleted, req.Status)
	assert.Equal(t, f.user.ID, req.UserID)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rgpd/requests/access", gin.H{"email": "not-an-email"}).Code)
}

func TestErasureRejectedUnderLegalHold(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.LegalHold{
		TenantID: "t1",
		UserID:   f.user.ID,
		Kind:     models.LegalHoldObligation,
		Reason:   "Contrôle fiscal",
	}).Error)

	w := f.do(http.MethodPost, "/api/rgpd/requests/erasure", gin.H{"reason": "Je quitte le service"})
	require.Equal(t, http.StatusCreated, w.Code)
	req := decodeRequest(t, w)
	assert.Equal(t, models.DSARStatusRejected, req.Status)
	require.NotNil(t, req.RejectionReason)
	assert.Equal(t, gdpr.ErasureRejectionReason, *req.RejectionReason)
}

func TestRectificationValidation(t *testing.T) {
	f := newFixture(t)

	t.Run("缺少字段", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rgpd/requests/rectification", gin.H{}).Code)
	})

	t.Run("字段校验失败时请求记为 error", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/rgpd/requests/rectification", gin.H{
			"corrections": map[string]string{"email": "broken"},
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		req := decodeRequest(t, w)
		assert.Equal(t, models.DSARStatusError, req.Status)
	})

	t.Run("更正成功", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/rgpd/requests/rectification", gin.H{
			"corrections": map[string]string{"name": "Jean-Pierre Dupont"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var u models.User
		require.NoError(t, f.db.First(&u, "id = ?", f.user.ID).Error)
		assert.Equal(t, "Jean-Pierre Dupont", u.Name)
	})
}

func TestPortabilityFormat(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/rgpd/requests/portability?format=csv", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	req := decodeRequest(t, w)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "csv", *req.ResponseFormat)
}

func TestRestrictionAndObjection(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/rgpd/requests/restriction", gin.H{"reason": "because"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPost, "/api/rgpd/requests/restriction", gin.H{"reason": gdpr.RestrictionAccuracyContested})
	assert.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rgpd/requests/objection", gin.H{}).Code)

	w = f.do(http.MethodPost, "/api/rgpd/requests/objection", gin.H{"processing_type": "marketing"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.DSARStatusCompleted, decodeRequest(t, w).Status)
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	created := decodeRequest(t, f.do(http.MethodPost, "/api/rgpd/requests/access", nil))

	w := f.do(http.MethodGet, "/api/rgpd/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []models.DSARRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)

	w = f.do(http.MethodGet, "/api/rgpd/requests/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeRequest(t, w).ID)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/rgpd/requests/unknown", nil).Code)
}

func TestSubmitIsRateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{Every: time.Hour, Burst: 1})
	f := newFixture(t, middleware.RateLimitByUser(limiter))

	assert.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/rgpd/requests/access", nil).Code)
	w := f.do(http.MethodPost, "/api/rgpd/requests/access", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// 查询接口不受限
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/rgpd/requests", nil).Code)
}
