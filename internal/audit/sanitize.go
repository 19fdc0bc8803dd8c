package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RedactedMarker 敏感字段替换值
const RedactedMarker = "[REDACTED]"

// 键名（小写）包含以下任一片段即视为敏感
var sensitiveFragments = []string{
	"password",
	"password_hash",
	"api_key",
	"secret",
	"token",
	"private_key",
	"access_token",
	"refresh_token",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Sanitize 返回脱敏后的副本，递归处理嵌套对象与数组元素，不修改入参
func Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = Sanitize(m)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	default:
		return sanitizeValue(normalize(v))
	}
}

// normalize 将任意值转换为 JSON 形态（map[string]any / []any / 标量），
// 使类型化的 map、结构体与切片也能按键名脱敏；无法序列化时整体替换
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return RedactedMarker
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return RedactedMarker
	}
	return generic
}

// Fields 将结构体（或任意可 JSON 序列化的值）转换为字段 map，供 Changes 使用
func Fields(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化审计字段失败: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("审计字段必须是对象: %w", err)
	}
	return out, nil
}

// Changes 变更前后的字段快照
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// ExtractChanges 仅保留前后取值不同的字段；after 中缺失的字段记为 nil
// 无差异时返回 nil
func ExtractChanges(before, after map[string]any) *Changes {
	c := &Changes{Before: map[string]any{}, After: map[string]any{}}
	for k, av := range after {
		bv, ok := before[k]
		if !ok || !jsonEqual(bv, av) {
			c.Before[k] = bv
			c.After[k] = av
		}
	}
	for k, bv := range before {
		if _, ok := after[k]; !ok {
			c.Before[k] = bv
			c.After[k] = nil
		}
	}
	if len(c.Before) == 0 && len(c.After) == 0 {
		return nil
	}
	return c
}

func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func (c *Changes) sanitized() *Changes {
	if c == nil || (c.Before == nil && c.After == nil) {
		return nil
	}
	return &Changes{Before: Sanitize(c.Before), After: Sanitize(c.After)}
}
