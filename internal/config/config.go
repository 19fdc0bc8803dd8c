package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Retention RetentionConfig `mapstructure:"retention"`
	GDPR      GDPRConfig      `mapstructure:"gdpr"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	LogSQL          bool   `mapstructure:"log_sql"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
	ClusterAddrs  []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuthConfig 令牌校验配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	WriteTimeoutMs int `mapstructure:"write_timeout_ms"` // 单条审计写入超时
	DefaultLimit   int `mapstructure:"default_limit"`
	MaxLimit       int `mapstructure:"max_limit"` // HTTP 查询上限
}

// WriteTimeout 审计写入超时
func (c AuditConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// RetentionConfig 数据保留与清理配置
type RetentionConfig struct {
	Cron                 string `mapstructure:"cron"`     // 定时清理表达式（标准 5 段 cron）
	Timezone             string `mapstructure:"timezone"` // 调度时区
	Concurrency          int    `mapstructure:"concurrency"`
	DeletedUserGraceDays int    `mapstructure:"deleted_user_grace_days"`
	LockEnabled          bool   `mapstructure:"lock_enabled"`
	LockTTLSeconds       int    `mapstructure:"lock_ttl_seconds"`
	DefaultsFile         string `mapstructure:"defaults_file"` // 新租户默认保留策略
}

// LockTTL 运行锁过期时间
func (c RetentionConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// GDPRConfig 数据主体权利配置
type GDPRConfig struct {
	ControllerName   string             `mapstructure:"controller_name"`
	DeliveryAttempts uint               `mapstructure:"delivery_attempts"`
	Rules            GDPRRulesConfig    `mapstructure:"rules"`
	ThirdParties     []ThirdPartyConfig `mapstructure:"third_parties"`
	SMTP             SMTPConfig         `mapstructure:"smtp"` // 访问权数据包投递，Host 为空时仅记录日志
}

// SMTPConfig 邮件服务器配置
type SMTPConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
	UseTLS      bool   `mapstructure:"use_tls"`
}

// GDPRRulesConfig 合法性判定表达式（govaluate 语法）
type GDPRRulesConfig struct {
	ErasureLegalObligation     string `mapstructure:"erasure_legal_obligation"`
	ErasureLegitimateInterest  string `mapstructure:"erasure_legitimate_interest"`
	ObjectionCompellingGrounds string `mapstructure:"objection_compelling_grounds"`
}

// ThirdPartyConfig 第三方数据共享披露
type ThirdPartyConfig struct {
	Name    string `mapstructure:"name" json:"name"`
	Purpose string `mapstructure:"purpose" json:"purpose"`
	Country string `mapstructure:"country" json:"country"`
}

// WorkerConfig 异步任务配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 未指定路径且找不到文件时，仅使用默认值与环境变量（cron 场景）
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "visioncrm.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("auth.issuer", "visioncrm")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("audit.write_timeout_ms", 3000)
	v.SetDefault("audit.default_limit", 50)
	v.SetDefault("audit.max_limit", 200)

	v.SetDefault("retention.cron", "0 3 * * *")
	v.SetDefault("retention.timezone", "Europe/Paris")
	v.SetDefault("retention.concurrency", 4)
	v.SetDefault("retention.deleted_user_grace_days", 30)
	v.SetDefault("retention.lock_enabled", true)
	v.SetDefault("retention.lock_ttl_seconds", 3600)
	v.SetDefault("retention.defaults_file", "config/retention_defaults.yaml")

	v.SetDefault("gdpr.controller_name", "VisionCRM")
	v.SetDefault("gdpr.delivery_attempts", 3)
	v.SetDefault("gdpr.smtp.host", "")
	v.SetDefault("gdpr.smtp.port", 587)
	v.SetDefault("gdpr.smtp.username", "")
	v.SetDefault("gdpr.smtp.password", "")
	v.SetDefault("gdpr.smtp.from_address", "")
	v.SetDefault("gdpr.smtp.from_name", "VisionCRM")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 5)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	if c.Retention.Cron != "" && !gronx.New().IsValid(c.Retention.Cron) {
		return fmt.Errorf("无效的清理调度表达式: %q", c.Retention.Cron)
	}
	if c.Retention.Timezone != "" {
		if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
			return fmt.Errorf("无效的调度时区: %w", err)
		}
	}
	if c.Retention.Concurrency < 1 {
		c.Retention.Concurrency = 1
	}
	if c.Retention.DeletedUserGraceDays < 1 {
		return fmt.Errorf("deleted_user_grace_days 必须为正数")
	}
	for name, expr := range map[string]string{
		"erasure_legal_obligation":     c.GDPR.Rules.ErasureLegalObligation,
		"erasure_legitimate_interest":  c.GDPR.Rules.ErasureLegitimateInterest,
		"objection_compelling_grounds": c.GDPR.Rules.ObjectionCompellingGrounds,
	} {
		if expr == "" {
			continue
		}
		if _, err := govaluate.NewEvaluableExpression(expr); err != nil {
			return fmt.Errorf("无效的 gdpr 规则 %s: %w", name, err)
		}
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
