package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// Snapshot is the flat field map a rule tree evaluates against: the trade
// request enriched with customer aggregates.
type Snapshot map[string]interface{}

// Well-known snapshot field names.
const (
	FieldLocalAmount         = "local_amount"
	FieldForeignAmount       = "foreign_amount"
	FieldRate                = "rate"
	FieldDirection           = "direction"
	FieldCurrencyCode        = "currency_code"
	FieldCustomerID          = "customer_id"
	FieldCustomerCountry     = "customer_country_code"
	FieldIDType              = "id_type"
	FieldFundingSource       = "funding_source"
	FieldCumulativeAmount30d = "cumulative_amount_30d"
	FieldTxnCount24h         = "transaction_count_24h"
	FieldTxnCount30d         = "transaction_count_30d"
	FieldLastTransactionAt   = "last_transaction_at"
)

// MatchedRule describes one rule that fired.
type MatchedRule struct {
	RuleID        uint   `json:"rule_id"`
	Name          string `json:"name"`
	ReportType    string `json:"report_type"`
	Priority      int    `json:"priority"`
	AllowContinue bool   `json:"allow_continue"`
	Warning       string `json:"warning"`
	BranchScoped  bool   `json:"branch_scoped"`
}

// Result is the verdict for one report type over one snapshot.
type Result struct {
	Triggered       bool
	Matched         []MatchedRule
	HighestPriority *MatchedRule
	// AllowContinue is the minimum over matched rules: one blocking rule
	// blocks the trade.
	AllowContinue bool
	Warnings      []string
}

// Engine evaluates trigger rules over snapshots. Evaluation is pure: same
// rules and snapshot, same verdict.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a rule engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Evaluate runs every applicable rule against the snapshot. Rules evaluate in
// priority-descending, id-ascending order; a rule that fails to parse or
// panics is treated as non-matching and logged, the rest continue.
func (e *Engine) Evaluate(ruleSet []models.TriggerRule, snap Snapshot, branchID uint) Result {
	return e.EvaluateScoped(ruleSet, snap, snap, branchID)
}

// EvaluateScoped evaluates like Evaluate but picks the snapshot per rule:
// branch-scoped rules see the branch-local aggregates, the rest see the
// cross-branch ones. A scoped rule never widens its sibling's aggregates and
// vice versa.
func (e *Engine) EvaluateScoped(ruleSet []models.TriggerRule, global, scoped Snapshot, branchID uint) Result {
	applicable := make([]models.TriggerRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if !r.Active {
			continue
		}
		if r.BranchID != nil && *r.BranchID != branchID {
			continue
		}
		applicable = append(applicable, r)
	}
	sort.Slice(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].ID < applicable[j].ID
	})

	result := Result{AllowContinue: true}
	for _, rule := range applicable {
		snap := global
		if rule.BranchScoped {
			snap = scoped
		}
		matched, err := e.evalRule(&rule, snap)
		if err != nil {
			e.logger.Error("rule evaluation failed, treating as non-match",
				zap.Uint("rule_id", rule.ID),
				zap.String("rule", rule.Name),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		m := MatchedRule{
			RuleID:        rule.ID,
			Name:          rule.Name,
			ReportType:    rule.ReportType,
			Priority:      rule.Priority,
			AllowContinue: rule.AllowContinue,
			Warning:       rule.WarningEN,
			BranchScoped:  rule.BranchScoped,
		}
		result.Matched = append(result.Matched, m)
		if result.HighestPriority == nil {
			highest := m
			result.HighestPriority = &highest
		}
		if !rule.AllowContinue {
			result.AllowContinue = false
		}
		if rule.WarningEN != "" {
			result.Warnings = append(result.Warnings, rule.WarningEN)
		}
	}
	result.Triggered = len(result.Matched) > 0
	return result
}

func (e *Engine) evalRule(rule *models.TriggerRule, snap Snapshot) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("panic in rule evaluation: %v", r)
		}
	}()

	expr, err := Parse(rule.Expression)
	if err != nil {
		return false, err
	}
	return evalNode(expr, snap), nil
}

func evalNode(expr *Expression, snap Snapshot) bool {
	if expr.IsGroup() {
		return evalGroup(expr, snap)
	}
	return evalPredicate(expr, snap)
}

// evalGroup short-circuits left to right. An empty AND group is true, an
// empty OR group is false.
func evalGroup(expr *Expression, snap Snapshot) bool {
	if expr.Logic == LogicAnd {
		for _, child := range expr.Conditions {
			if !evalNode(child, snap) {
				return false
			}
		}
		return true
	}
	for _, child := range expr.Conditions {
		if evalNode(child, snap) {
			return true
		}
	}
	return false
}

// evalPredicate applies one operator. A missing field is always false.
// Ordering operators compare as decimals; non-numeric operands are false.
func evalPredicate(expr *Expression, snap Snapshot) bool {
	raw, ok := snap[expr.Field]
	if !ok || raw == nil {
		return false
	}

	switch expr.Operator {
	case OpGt, OpGte, OpLt, OpLte:
		left, okL := toDecimal(raw)
		right, okR := toDecimal(expr.Value)
		if !okL || !okR {
			return false
		}
		cmp := left.Cmp(right)
		switch expr.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}

	case OpEq, OpNeq:
		equal := valuesEqual(raw, expr.Value)
		if expr.Operator == OpEq {
			return equal
		}
		return !equal

	case OpIn:
		list, ok := expr.Value.([]interface{})
		if !ok {
			return false
		}
		for _, candidate := range list {
			if valuesEqual(raw, candidate) {
				return true
			}
		}
		return false

	case OpContains:
		haystack, okH := toString(raw)
		needle, okN := toString(expr.Value)
		if !okH || !okN {
			return false
		}
		return strings.Contains(haystack, needle)
	}
	return false
}

// valuesEqual compares numerically when both sides parse as decimals,
// otherwise by raw string, case-sensitive.
func valuesEqual(a, b interface{}) bool {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
		return false
	}
	sa, okA := toString(a)
	sb, okB := toString(b)
	return okA && okB && sa == sb
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}
