package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"visioncrm/internal/models"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// MaxExportRows 单次导出上限
const MaxExportRows = 10000

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte
	Filename    string
	ContentType string
	TotalCount  int
}

// Exporter 审计日志导出器（合规报告下载）
type Exporter struct {
	query *QueryService
	now   func() time.Time
}

// NewExporter 创建导出器
func NewExporter(query *QueryService) *Exporter {
	return &Exporter{query: query, now: time.Now}
}

// Export 导出租户审计日志，未知格式按 JSON 处理
func (e *Exporter) Export(ctx context.Context, tenantID string, format ExportFormat, f Filter) (*ExportResult, error) {
	if f.Limit <= 0 || f.Limit > MaxExportRows {
		f.Limit = MaxExportRows
	}
	f.Offset = 0

	logs, err := e.query.ByTenant(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}

	stamp := e.now().UTC().Format("20060102_150405")
	if format == FormatCSV {
		return exportCSV(logs, stamp)
	}
	return exportJSON(logs, stamp, e.now().UTC())
}

var csvHeader = []string{
	"id", "created_at", "user_id", "action", "category",
	"entity_type", "entity_id", "ip_address", "user_agent", "changes", "metadata",
}

func exportCSV(logs []models.AuditLog, stamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, l := range logs {
		row := []string{
			l.ID,
			l.CreatedAt.UTC().Format(time.RFC3339),
			deref(l.UserID),
			l.Action,
			string(Action(l.Action).Category()),
			l.EntityType,
			deref(l.EntityID),
			deref(l.IPAddress),
			deref(l.UserAgent),
			jsonCell(l.Changes),
			jsonCell(l.Metadata),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("写入 CSV 失败: %w", err)
	}
	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_logs_%s.csv", stamp),
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(logs),
	}, nil
}

type jsonExport struct {
	ExportedAt string            `json:"exported_at"`
	TotalCount int               `json:"total_count"`
	Logs       []models.AuditLog `json:"logs"`
}

func exportJSON(logs []models.AuditLog, stamp string, now time.Time) (*ExportResult, error) {
	if logs == nil {
		logs = []models.AuditLog{}
	}
	data, err := json.MarshalIndent(jsonExport{
		ExportedAt: now.Format(time.RFC3339),
		TotalCount: len(logs),
		Logs:       logs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化 JSON 失败: %w", err)
	}
	return &ExportResult{
		Data:        data,
		Filename:    fmt.Sprintf("audit_logs_%s.json", stamp),
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(logs),
	}, nil
}

func jsonCell(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
