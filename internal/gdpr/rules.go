package gdpr

import (
	"fmt"

	"visioncrm/internal/config"

	"github.com/Knetic/govaluate"
)

// 默认规则表达式
const (
	DefaultErasureLegalObligation     = `legal_holds > 0 || unpaid_invoices > 0`
	DefaultErasureLegitimateInterest  = `litigations > 0 || legitimate_interests > 0`
	DefaultObjectionCompellingGrounds = `processing != "marketing" && (litigations > 0 || legitimate_interests > 0 || processing == "fraud_prevention")`
)

// RuleSet 擦除与异议的合法性判定规则
type RuleSet struct {
	erasureObligation *govaluate.EvaluableExpression
	erasureInterest   *govaluate.EvaluableExpression
	objection         *govaluate.EvaluableExpression
}

// NewRuleSet 编译规则表达式，空表达式使用默认值
func NewRuleSet(cfg config.GDPRRulesConfig) (*RuleSet, error) {
	compile := func(name, expr, def string) (*govaluate.EvaluableExpression, error) {
		if expr == "" {
			expr = def
		}
		e, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("解析规则 %s 失败: %w", name, err)
		}
		return e, nil
	}

	var (
		rs  RuleSet
		err error
	)
	if rs.erasureObligation, err = compile("erasure_legal_obligation", cfg.ErasureLegalObligation, DefaultErasureLegalObligation); err != nil {
		return nil, err
	}
	if rs.erasureInterest, err = compile("erasure_legitimate_interest", cfg.ErasureLegitimateInterest, DefaultErasureLegitimateInterest); err != nil {
		return nil, err
	}
	if rs.objection, err = compile("objection_compelling_grounds", cfg.ObjectionCompellingGrounds, DefaultObjectionCompellingGrounds); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ErasureBlocked 存在法律义务或正当利益时不能擦除
func (rs *RuleSet) ErasureBlocked(f Facts) (bool, error) {
	params := f.params()
	obligation, err := evalBool(rs.erasureObligation, params)
	if err != nil {
		return false, err
	}
	if obligation {
		return true, nil
	}
	return evalBool(rs.erasureInterest, params)
}

// ObjectionOverridden 控制者存在压倒性正当理由时异议被驳回
func (rs *RuleSet) ObjectionOverridden(f Facts, processingType string) (bool, error) {
	params := f.params()
	params["processing"] = processingType
	return evalBool(rs.objection, params)
}

func evalBool(expr *govaluate.EvaluableExpression, params map[string]any) (bool, error) {
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("规则计算失败: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("规则结果不是布尔值: %v", result)
	}
	return b, nil
}
