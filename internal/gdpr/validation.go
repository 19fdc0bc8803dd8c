package gdpr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidCorrection        = errors.New("更正内容无效")
	ErrInvalidRestrictionReason = errors.New("无效的限制处理理由")
)

// 可更正的用户资料字段及校验规则
var correctionRules = map[string]string{
	"name":    "required,max=255",
	"email":   "required,email,max=255",
	"phone":   "required,e164",
	"address": "max=500",
}

// RestrictionReason 限制处理理由（GDPR 第 18 条）
const (
	RestrictionAccuracyContested  = "accuracy_contested"
	RestrictionUnlawfulProcessing = "unlawful_processing"
	RestrictionNoLongerNeeded     = "no_longer_needed"
	RestrictionObjectionPending   = "objection_pending"
)

const restrictionRule = "required,oneof=" + RestrictionAccuracyContested + " " +
	RestrictionUnlawfulProcessing + " " + RestrictionNoLongerNeeded + " " + RestrictionObjectionPending

// normalizeCorrections 校验并规整更正内容，返回可直接写入 users 表的字段
func normalizeCorrections(v *validator.Validate, corrections map[string]string) (map[string]any, error) {
	if len(corrections) == 0 {
		return nil, fmt.Errorf("%w: 未提供任何字段", ErrInvalidCorrection)
	}

	fields := make([]string, 0, len(corrections))
	for f := range corrections {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make(map[string]any, len(corrections))
	var problems []string
	for _, field := range fields {
		rule, ok := correctionRules[field]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: 不可更正的字段", field))
			continue
		}
		value := strings.TrimSpace(corrections[field])
		switch field {
		case "phone":
			value = strings.ReplaceAll(value, " ", "")
		case "email":
			value = strings.ToLower(value)
		}
		if err := v.Var(value, rule); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %s", field, describe(err)))
			continue
		}
		if field == "address" && value == "" {
			out[field] = nil
			continue
		}
		out[field] = value
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCorrection, strings.Join(problems, "; "))
	}
	return out, nil
}

func validateRestrictionReason(v *validator.Validate, reason string) error {
	if err := v.Var(reason, restrictionRule); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRestrictionReason, reason)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fe.Tag() + "=" + fe.Param()
		}
		return fe.Tag()
	}
	return err.Error()
}
