package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n")

	cfg, err := Load("test", path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0 3 * * *", cfg.Retention.Cron)
	assert.Equal(t, "Europe/Paris", cfg.Retention.Timezone)
	assert.Equal(t, 30, cfg.Retention.DeletedUserGraceDays)
	assert.Equal(t, time.Hour, cfg.Retention.LockTTL())
	assert.Equal(t, 3*time.Second, cfg.Audit.WriteTimeout())
	assert.Equal(t, uint(3), cfg.GDPR.DeliveryAttempts)
	assert.Equal(t, 587, cfg.GDPR.SMTP.Port)
	assert.Same(t, cfg, Get())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\nretention:\n  concurrency: 2\n")
	t.Setenv("APP_RETENTION_CONCURRENCY", "8")
	t.Setenv("APP_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load("test", path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Retention.Concurrency)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadNestedLists(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
gdpr:
  third_parties:
    - name: Stripe
      purpose: Paiement
      country: US
`)
	cfg, err := Load("test", path)
	require.NoError(t, err)
	require.Len(t, cfg.GDPR.ThirdParties, 1)
	assert.Equal(t, "Stripe", cfg.GDPR.ThirdParties[0].Name)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:  DatabaseConfig{Driver: "postgres"},
			Retention: RetentionConfig{Cron: "0 3 * * *", Timezone: "UTC", DeletedUserGraceDays: 30},
		}
	}

	t.Run("合法配置", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.Validate())
		// 并发数至少为 1
		assert.Equal(t, 1, cfg.Retention.Concurrency)
	})

	cases := map[string]func(*Config){
		"未知驱动":    func(c *Config) { c.Database.Driver = "mysql" },
		"非法 cron": func(c *Config) { c.Retention.Cron = "every night" },
		"非法时区":    func(c *Config) { c.Retention.Timezone = "Mars/Olympus" },
		"宽限期非正数":  func(c *Config) { c.Retention.DeletedUserGraceDays = 0 },
		"非法规则表达式": func(c *Config) { c.GDPR.Rules.ErasureLegalObligation = "legal_holds >" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", SQLitePath: "crm.db"}
	assert.Equal(t, "crm.db", sqlite.GetDSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "crm", SSLMode: "disable"}
	assert.Contains(t, pg.GetDSN(), "host=db")
	assert.Contains(t, pg.GetDSN(), "dbname=crm")
}
