package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visioncrm_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visioncrm_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 审计指标
var (
	// AuditWritesTotal 审计写入次数，result: ok, failed, skipped
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visioncrm_audit_writes_total",
			Help: "审计日志写入次数",
		},
		[]string{"category", "result"},
	)
)

// 数据保留指标
var (
	// PurgeRunsTotal 清理任务执行次数，status: success, partial, failed, skipped
	PurgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visioncrm_purge_runs_total",
			Help: "数据清理任务执行次数",
		},
		[]string{"status"},
	)

	// PurgeRecordsTotal 清理影响的记录数
	PurgeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visioncrm_purge_records_total",
			Help: "数据清理影响的记录数",
		},
		[]string{"entity_type", "effect"},
	)

	// PurgeDuration 清理任务耗时（秒）
	PurgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "visioncrm_purge_duration_seconds",
			Help:    "数据清理任务耗时分布",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)
)

// GDPR 指标
var (
	// DSARRequestsTotal 数据主体请求结果
	DSARRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visioncrm_dsar_requests_total",
			Help: "数据主体权利请求数",
		},
		[]string{"type", "status"},
	)
)
