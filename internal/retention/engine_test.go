package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"visioncrm/internal/audit"
	"visioncrm/internal/models"
	"visioncrm/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// ============================================================================
// Mock 对象
// ============================================================================

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Record(ctx context.Context, e audit.Entry) {
	m.Called(ctx, e)
}

func (m *MockAuditor) entries() []audit.Entry {
	var out []audit.Entry
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(audit.Entry))
	}
	return out
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (func(), error) {
	return nil, ErrPurgeInProgress
}

// ============================================================================
// 辅助函数
// ============================================================================

var testNow = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, db *gorm.DB, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithClock(func() time.Time { return testNow }),
		WithLogger(zaptest.NewLogger(t)),
		WithConcurrency(2),
	}
	return NewEngine(db, NewRegistry(db), append(base, opts...)...)
}

func addPolicy(t *testing.T, db *gorm.DB, tenantID string, et EntityType, days int) *models.RetentionPolicy {
	t.Helper()
	p, err := NewRegistry(db).Upsert(context.Background(), tenantID, et, days, true)
	require.NoError(t, err)
	return p
}

func addUser(t *testing.T, db *gorm.DB, tenantID string, deletedAt *time.Time) *models.User {
	t.Helper()
	u := &models.User{TenantID: tenantID, Email: "user@example.com", Name: "Jean Dupont", DeletedAt: deletedAt}
	require.NoError(t, db.Create(u).Error)
	return u
}

func count(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// ============================================================================
// 测试
// ============================================================================

func TestPurgeSessionsScenario(t *testing.T) {
	db := testutil.NewDB(t)
	u := addUser(t, db, "t-1", nil)
	addPolicy(t, db, "t-1", EntitySessions, 7)

	require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "old", Expires: testutil.DaysAgo(testNow, 10)}).Error)
	require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "recent", Expires: testutil.DaysAgo(testNow, 3)}).Error)

	stats, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.NoError(t, err)

	require.Len(t, stats, 1)
	assert.Equal(t, EntitySessions, stats[0].EntityType)
	assert.EqualValues(t, 1, stats[0].Deleted)
	assert.Equal(t, 7, stats[0].RetentionDays)

	var remaining []models.Session
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "recent", remaining[0].SessionToken)
}

func TestPurgeIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	u := addUser(t, db, "t-1", nil)
	for _, et := range []EntityType{EntityContacts, EntityAccessLogs, EntityDocuments, EntityInvoices, EntitySessions} {
		addPolicy(t, db, "t-1", et, 30)
	}
	old := testutil.DaysAgo(testNow, 90)
	require.NoError(t, db.Create(&models.Contact{TenantID: "t-1", FirstName: "A", UpdatedAt: old}).Error)
	require.NoError(t, db.Create(&models.AccessLog{TenantID: "t-1", UserID: &u.ID, Path: "/", CreatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Document{TenantID: "t-1", Name: "scan.pdf", CreatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Invoice{TenantID: "t-1", Status: models.InvoiceStatusDraft, UpdatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "s", Expires: old}).Error)

	engine := newTestEngine(t, db)
	first, err := engine.PurgeOldData(context.Background())
	require.NoError(t, err)
	var total int64
	for _, s := range first {
		total += s.Deleted
	}
	assert.EqualValues(t, 5, total)

	second, err := engine.PurgeOldData(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 5)
	for _, s := range second {
		assert.Zero(t, s.Deleted, s.EntityType)
	}
}

func TestPurgeStatusGatedInvoicesAndQuotes(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityInvoices, 1)
	addPolicy(t, db, "t-1", EntityQuotes, 1)

	ancient := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	paid := &models.Invoice{TenantID: "t-1", Number: "F-1", Status: models.InvoiceStatusPaid, UpdatedAt: ancient}
	draft := &models.Invoice{TenantID: "t-1", Number: "F-2", Status: models.InvoiceStatusDraft, UpdatedAt: ancient}
	accepted := &models.Quote{TenantID: "t-1", Number: "D-1", Status: models.QuoteStatusAccepted, UpdatedAt: ancient}
	expired := &models.Quote{TenantID: "t-1", Number: "D-2", Status: models.QuoteStatusExpired, UpdatedAt: ancient}
	for _, row := range []any{paid, draft, accepted, expired} {
		require.NoError(t, db.Create(row).Error)
	}

	_, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.NoError(t, err)

	var inv models.Invoice
	require.NoError(t, db.First(&inv, "id = ?", paid.ID).Error)
	assert.Nil(t, inv.DeletedAt)
	require.NoError(t, db.First(&inv, "id = ?", draft.ID).Error)
	require.NotNil(t, inv.DeletedAt)
	assert.True(t, testNow.Equal(*inv.DeletedAt))

	var q models.Quote
	require.NoError(t, db.First(&q, "id = ?", accepted.ID).Error)
	assert.Nil(t, q.DeletedAt)
	require.NoError(t, db.First(&q, "id = ?", expired.ID).Error)
	assert.NotNil(t, q.DeletedAt)
}

func TestPurgeConsentsCountedNotDeleted(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityUserConsents, 30)

	revokedOld := testutil.DaysAgo(testNow, 60)
	revokedRecent := testutil.DaysAgo(testNow, 5)
	consents := []*models.UserConsent{
		{TenantID: "t-1", UserID: "u-1", Purpose: "marketing", RevokedAt: &revokedOld},
		{TenantID: "t-1", UserID: "u-2", Purpose: "marketing", RevokedAt: &revokedOld},
		{TenantID: "t-1", UserID: "u-3", Purpose: "marketing", RevokedAt: &revokedRecent},
		{TenantID: "t-1", UserID: "u-4", Purpose: "marketing", Granted: true},
	}
	for _, c := range consents {
		require.NoError(t, db.Create(c).Error)
	}

	stats, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 2, stats[0].Deleted)
	assert.EqualValues(t, 4, count(t, db, &models.UserConsent{}, ""))
}

func TestPurgeScopedToPolicyTenant(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityActivities, 30)
	uA := addUser(t, db, "t-1", nil)
	uB := addUser(t, db, "t-2", nil)
	old := testutil.DaysAgo(testNow, 45)
	require.NoError(t, db.Create(&models.Activity{TenantID: "t-1", Type: "call", CreatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Activity{TenantID: "t-2", Type: "call", CreatedAt: old}).Error)

	addPolicy(t, db, "t-1", EntitySessions, 1)
	require.NoError(t, db.Create(&models.Session{UserID: uA.ID, SessionToken: "a", Expires: old}).Error)
	require.NoError(t, db.Create(&models.Session{UserID: uB.ID, SessionToken: "b", Expires: old}).Error)

	_, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 0, count(t, db, &models.Activity{}, "tenant_id = ?", "t-1"))
	assert.EqualValues(t, 1, count(t, db, &models.Activity{}, "tenant_id = ?", "t-2"))
	assert.EqualValues(t, 0, count(t, db, &models.Session{}, "user_id = ?", uA.ID))
	assert.EqualValues(t, 1, count(t, db, &models.Session{}, "user_id = ?", uB.ID))
}

func TestPurgeStampsLastPurgeAtAndLogs(t *testing.T) {
	db := testutil.NewDB(t)
	p := addPolicy(t, db, "t-1", EntityDSARRequests, 365)

	completedOld := testutil.DaysAgo(testNow, 400)
	require.NoError(t, db.Create(&models.DSARRequest{
		TenantID: "t-1", UserID: "u-1", Type: models.DSARTypeAccess, Status: models.DSARStatusCompleted,
		CreatedAt: completedOld, Deadline: completedOld.AddDate(0, 1, 0), CompletedAt: &completedOld,
	}).Error)
	require.NoError(t, db.Create(&models.DSARRequest{
		TenantID: "t-1", UserID: "u-1", Type: models.DSARTypeErasure, Status: models.DSARStatusRejected,
		CreatedAt: completedOld, Deadline: completedOld.AddDate(0, 1, 0), CompletedAt: &completedOld,
	}).Error)

	report, err := newTestEngine(t, db).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Stats, 1)
	assert.EqualValues(t, 1, report.Stats[0].Deleted)
	assert.EqualValues(t, 1, count(t, db, &models.DSARRequest{}, ""))

	got, err := NewRegistry(db).Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPurgeAt)
	assert.True(t, testNow.Equal(*got.LastPurgeAt))

	var logs []models.PurgeLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, report.RunID, logs[0].RunID)
	assert.Equal(t, models.PurgeStatusSuccess, logs[0].Status)
	assert.EqualValues(t, 1, logs[0].RecordsPurged)
	assert.True(t, testNow.AddDate(0, 0, -365).Equal(logs[0].CutoffDate))
}

func TestPurgeSkipsUnknownAndInactivePolicies(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, db.Create(&models.RetentionPolicy{TenantID: "t-1", EntityType: "vehicles", RetentionDays: 10, IsActive: true}).Error)
	_, err := NewRegistry(db).Upsert(context.Background(), "t-1", EntityAccessLogs, 10, false)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.AccessLog{TenantID: "t-1", Path: "/", CreatedAt: testutil.DaysAgo(testNow, 100)}).Error)

	report, err := newTestEngine(t, db).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Stats)
	assert.Equal(t, []string{"vehicles"}, report.Skipped)
	assert.EqualValues(t, 1, count(t, db, &models.AccessLog{}, ""))
}

func TestPurgeIsolatesPolicyFailures(t *testing.T) {
	db := testutil.NewDB(t)
	u := addUser(t, db, "t-1", nil)
	addPolicy(t, db, "t-1", EntityDocuments, 30)
	addPolicy(t, db, "t-1", EntitySessions, 7)
	require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "s", Expires: testutil.DaysAgo(testNow, 10)}).Error)
	require.NoError(t, db.Migrator().DropTable(&models.Document{}))

	stats, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialPurge)
	require.Len(t, stats, 1)
	assert.Equal(t, EntitySessions, stats[0].EntityType)
	assert.EqualValues(t, 1, stats[0].Deleted)

	var failed models.PurgeLog
	require.NoError(t, db.Where("status = ?", models.PurgeStatusFailed).First(&failed).Error)
	assert.Equal(t, "documents", failed.EntityType)
	require.NotNil(t, failed.ErrorMessage)
}

func TestPurgeRejectsOutOfRangeRetentionDays(t *testing.T) {
	db := testutil.NewDB(t)
	u := addUser(t, db, "t-1", nil)
	addPolicy(t, db, "t-1", EntitySessions, 7)
	// 直接写库，绕过 Registry 的范围校验
	require.NoError(t, db.Create(&models.RetentionPolicy{TenantID: "t-1", EntityType: string(EntityAccessLogs), RetentionDays: 0, IsActive: true}).Error)
	require.NoError(t, db.Create(&models.RetentionPolicy{TenantID: "t-1", EntityType: string(EntityActivities), RetentionDays: -5, IsActive: true}).Error)
	require.NoError(t, db.Create(&models.AccessLog{TenantID: "t-1", Path: "/", CreatedAt: testutil.DaysAgo(testNow, 1)}).Error)
	require.NoError(t, db.Create(&models.Activity{TenantID: "t-1", Description: "Appel client", CreatedAt: testutil.DaysAgo(testNow, 1)}).Error)
	require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "s", Expires: testutil.DaysAgo(testNow, 10)}).Error)

	report, err := newTestEngine(t, db).Run(context.Background())

	require.ErrorIs(t, err, ErrPartialPurge)
	require.Len(t, report.Stats, 1)
	assert.Equal(t, EntitySessions, report.Stats[0].EntityType)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f.Err, ErrInvalidRetentionDays)
	}
	assert.EqualValues(t, 1, count(t, db, &models.AccessLog{}, ""))
	assert.EqualValues(t, 1, count(t, db, &models.Activity{}, ""))
	assert.EqualValues(t, 2, count(t, db, &models.PurgeLog{}, "status = ?", models.PurgeStatusFailed))
	assert.EqualValues(t, 0, count(t, db, &models.RetentionPolicy{}, "retention_days <= 0 AND last_purge_at IS NOT NULL"))
}

func TestPurgeFatalWhenNothingSucceeds(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityDocuments, 30)
	require.NoError(t, db.Migrator().DropTable(&models.Document{}))

	stats, err := newTestEngine(t, db).PurgeOldData(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialPurge)
	assert.Nil(t, stats)
}

func TestPurgeRunLock(t *testing.T) {
	db := testutil.NewDB(t)

	_, err := newTestEngine(t, db, WithRunLock(heldLock{})).Run(context.Background())
	assert.ErrorIs(t, err, ErrPurgeInProgress)

	lock := NewLocalLock()
	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	_, err = lock.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPurgeInProgress)
	release()

	_, err = newTestEngine(t, db, WithRunLock(lock)).Run(context.Background())
	assert.NoError(t, err)
}

func TestCleanupDeletedUsers(t *testing.T) {
	db := testutil.NewDB(t)
	auditor := new(MockAuditor)
	auditor.On("Record", mock.Anything, mock.Anything).Return()

	longGone := addUser(t, db, "t-1", testutil.Ptr(testutil.DaysAgo(testNow, 31)))
	recent := addUser(t, db, "t-1", testutil.Ptr(testutil.DaysAgo(testNow, 10)))

	for _, u := range []*models.User{longGone, recent} {
		require.NoError(t, db.Create(&models.Session{UserID: u.ID, SessionToken: "tok-" + u.ID, Expires: testNow.Add(time.Hour)}).Error)
		require.NoError(t, db.Create(&models.Account{UserID: u.ID, Provider: "google", ProviderAccountID: u.ID}).Error)
		require.NoError(t, db.Create(&models.UserConsent{TenantID: "t-1", UserID: u.ID, Purpose: "marketing", Granted: true}).Error)
		require.NoError(t, db.Create(&models.AccessLog{TenantID: "t-1", UserID: &u.ID, Path: "/login"}).Error)
		require.NoError(t, db.Create(&models.Activity{TenantID: "t-1", UserID: &u.ID, Description: "A appelé le client"}).Error)
	}

	report, err := newTestEngine(t, db, WithAuditor(auditor)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{longGone.ID}, report.CleanedUsers)

	assert.EqualValues(t, 0, count(t, db, &models.Session{}, "user_id = ?", longGone.ID))
	assert.EqualValues(t, 0, count(t, db, &models.Account{}, "user_id = ?", longGone.ID))
	assert.EqualValues(t, 0, count(t, db, &models.UserConsent{}, "user_id = ?", longGone.ID))

	// 审计类数据保留但匿名化
	assert.EqualValues(t, 1, count(t, db, &models.AccessLog{}, "user_id IS NULL"))
	var act models.Activity
	require.NoError(t, db.Where("user_id = ?", longGone.ID).First(&act).Error)
	assert.Equal(t, DeletedUserPlaceholder, act.Description)

	// 宽限期内的用户不受影响
	assert.EqualValues(t, 1, count(t, db, &models.Session{}, "user_id = ?", recent.ID))
	assert.EqualValues(t, 1, count(t, db, &models.UserConsent{}, "user_id = ?", recent.ID))

	entries := auditor.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionDataDeleted, entries[0].Action)
	assert.Equal(t, audit.EntityUser, entries[0].EntityType)
	assert.Equal(t, longGone.ID, entries[0].EntityID)
	assert.Equal(t, "t-1", entries[0].Actor.TenantID)
	assert.Empty(t, entries[0].Actor.UserID)

	again, err := newTestEngine(t, db).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.CleanedUsers)
}

func TestPurgeWritesTenantAuditEntry(t *testing.T) {
	db := testutil.NewDB(t)
	auditor := new(MockAuditor)
	auditor.On("Record", mock.Anything, mock.Anything).Return()

	addPolicy(t, db, "t-1", EntityAccessLogs, 30)
	addPolicy(t, db, "t-2", EntityAccessLogs, 30)
	require.NoError(t, db.Create(&models.AccessLog{TenantID: "t-1", Path: "/", CreatedAt: testutil.DaysAgo(testNow, 40)}).Error)

	_, err := newTestEngine(t, db, WithAuditor(auditor)).Run(context.Background())
	require.NoError(t, err)

	entries := auditor.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EntityTenant, entries[0].EntityType)
	assert.Equal(t, "t-1", entries[0].EntityID)
	assert.Equal(t, map[string]int64{"access_logs": 1}, entries[0].Metadata["records"])
}

func TestPreviewDoesNotMutate(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityContacts, 30)
	addPolicy(t, db, "t-2", EntityContacts, 30)
	old := testutil.DaysAgo(testNow, 60)
	require.NoError(t, db.Create(&models.Contact{TenantID: "t-1", FirstName: "A", UpdatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Contact{TenantID: "t-1", FirstName: "B", UpdatedAt: testNow}).Error)
	require.NoError(t, db.Create(&models.Contact{TenantID: "t-2", FirstName: "C", UpdatedAt: old}).Error)

	preview, err := newTestEngine(t, db).Preview(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.EqualValues(t, 1, preview[0].Deleted)

	assert.EqualValues(t, 0, count(t, db, &models.Contact{}, "deleted_at IS NOT NULL"))
	var p models.RetentionPolicy
	require.NoError(t, db.Where("tenant_id = ?", "t-1").First(&p).Error)
	assert.Nil(t, p.LastPurgeAt)
}

func TestRunReportCarriesPolicyFailures(t *testing.T) {
	db := testutil.NewDB(t)
	addPolicy(t, db, "t-1", EntityQuotes, 30)
	addPolicy(t, db, "t-1", EntityActivities, 30)
	require.NoError(t, db.Migrator().DropTable(&models.Quote{}))

	report, err := newTestEngine(t, db).Run(context.Background())
	require.True(t, errors.Is(err, ErrPartialPurge))
	require.NotNil(t, report)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "quotes", report.Failures[0].EntityType)
	assert.Len(t, report.Stats, 1)
}
