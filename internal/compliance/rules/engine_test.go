package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

func rule(id uint, priority int, allowContinue bool, expr string) models.TriggerRule {
	return models.TriggerRule{
		ID:            id,
		Name:          "rule",
		ReportType:    models.ReportAmlo101,
		Expression:    expr,
		Priority:      priority,
		AllowContinue: allowContinue,
		Active:        true,
	}
}

func TestEvaluatePredicateOperators(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{
		FieldLocalAmount:   decimal.RequireFromString("2000000"),
		FieldCurrencyCode:  "USD",
		FieldCustomerID:    "1234567890123",
		FieldDirection:     "buy",
		FieldFundingSource: "cash",
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"gte at exact threshold fires", `{"field":"local_amount","operator":">=","value":2000000}`, true},
		{"gt at exact threshold does not", `{"field":"local_amount","operator":">","value":2000000}`, false},
		{"lt below", `{"field":"local_amount","operator":"<","value":2000000.01}`, true},
		{"lte at threshold", `{"field":"local_amount","operator":"<=","value":2000000}`, true},
		{"string equality", `{"field":"direction","operator":"=","value":"buy"}`, true},
		{"string inequality", `{"field":"direction","operator":"!=","value":"sell"}`, true},
		{"numeric equality via strings", `{"field":"local_amount","operator":"=","value":"2000000.00"}`, true},
		{"in list", `{"field":"currency_code","operator":"in","value":["USD","EUR"]}`, true},
		{"in list miss", `{"field":"currency_code","operator":"in","value":["JPY","EUR"]}`, false},
		{"contains", `{"field":"customer_id","operator":"contains","value":"56789"}`, true},
		{"missing field is false", `{"field":"id_type","operator":"=","value":"passport"}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := engine.Evaluate([]models.TriggerRule{rule(1, 100, true, tc.expr)}, snap, 1)
			assert.Equal(t, tc.want, result.Triggered)
		})
	}
}

func TestEvaluateGroups(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{
		FieldLocalAmount: decimal.RequireFromString("500000"),
		FieldDirection:   "buy",
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{
			"and requires all",
			`{"logic":"AND","conditions":[
				{"field":"local_amount","operator":">","value":100000},
				{"field":"direction","operator":"=","value":"buy"}]}`,
			true,
		},
		{
			"and fails on one",
			`{"logic":"AND","conditions":[
				{"field":"local_amount","operator":">","value":100000},
				{"field":"direction","operator":"=","value":"sell"}]}`,
			false,
		},
		{
			"or takes any",
			`{"logic":"OR","conditions":[
				{"field":"local_amount","operator":">","value":9000000},
				{"field":"direction","operator":"=","value":"buy"}]}`,
			true,
		},
		{"empty and is true", `{"logic":"AND"}`, true},
		{"empty or is false", `{"logic":"OR"}`, false},
		{
			"nested groups",
			`{"logic":"AND","conditions":[
				{"field":"local_amount","operator":">","value":100000},
				{"logic":"OR","conditions":[
					{"field":"direction","operator":"=","value":"sell"},
					{"field":"direction","operator":"=","value":"buy"}]}]}`,
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := engine.Evaluate([]models.TriggerRule{rule(1, 100, true, tc.expr)}, snap, 1)
			assert.Equal(t, tc.want, result.Triggered)
		})
	}
}

func TestEvaluateOrderAndAllowContinue(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{FieldLocalAmount: decimal.RequireFromString("3000000")}
	match := `{"field":"local_amount","operator":">","value":0}`

	low := rule(1, 10, false, match)
	high := rule(2, 200, true, match)
	mid := rule(3, 50, true, match)

	result := engine.Evaluate([]models.TriggerRule{low, high, mid}, snap, 1)

	require.True(t, result.Triggered)
	require.Len(t, result.Matched, 3)
	// Priority descending, id ascending.
	assert.Equal(t, uint(2), result.Matched[0].RuleID)
	assert.Equal(t, uint(3), result.Matched[1].RuleID)
	assert.Equal(t, uint(1), result.Matched[2].RuleID)
	assert.Equal(t, uint(2), result.HighestPriority.RuleID)
	// One blocking rule blocks, regardless of the others.
	assert.False(t, result.AllowContinue)
}

func TestEvaluateSkipsInactiveAndForeignBranch(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{FieldLocalAmount: decimal.RequireFromString("3000000")}
	match := `{"field":"local_amount","operator":">","value":0}`

	inactive := rule(1, 100, true, match)
	inactive.Active = false
	otherBranch := rule(2, 100, true, match)
	branch9 := uint(9)
	otherBranch.BranchID = &branch9

	result := engine.Evaluate([]models.TriggerRule{inactive, otherBranch}, snap, 1)
	assert.False(t, result.Triggered)
}

func TestEvaluateIsolatesBrokenRule(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{FieldLocalAmount: decimal.RequireFromString("3000000")}

	broken := rule(1, 200, false, `{not json`)
	good := rule(2, 100, true, `{"field":"local_amount","operator":">","value":0}`)

	result := engine.Evaluate([]models.TriggerRule{broken, good}, snap, 1)
	require.True(t, result.Triggered)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, uint(2), result.Matched[0].RuleID)
	// The broken blocking rule is a non-match, not a block.
	assert.True(t, result.AllowContinue)
}

// Same rules, same snapshot, same verdict: evaluation has no hidden state.
func TestEvaluateIdempotent(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{
		FieldLocalAmount:  decimal.RequireFromString("2500000"),
		FieldCurrencyCode: "USD",
	}
	ruleSet := []models.TriggerRule{
		rule(1, 100, false, `{"field":"local_amount","operator":">=","value":2000000}`),
		rule(2, 50, true, `{"field":"currency_code","operator":"=","value":"USD"}`),
	}

	first := engine.Evaluate(ruleSet, snap, 1)
	second := engine.Evaluate(ruleSet, snap, 1)
	assert.Equal(t, first, second)
}

// Each rule evaluates against the aggregates its own scope selects: a
// branch-scoped sibling never narrows what a global rule sees.
func TestEvaluateScopedPicksSnapshotPerRule(t *testing.T) {
	engine := NewEngine(zapNop())
	global := Snapshot{FieldCumulativeAmount30d: decimal.RequireFromString("4200000")}
	scoped := Snapshot{FieldCumulativeAmount30d: decimal.RequireFromString("100000")}
	expr := `{"field":"cumulative_amount_30d","operator":">=","value":4000000}`

	globalRule := rule(1, 100, true, expr)
	scopedRule := rule(2, 100, true, expr)
	scopedRule.BranchScoped = true

	result := engine.EvaluateScoped([]models.TriggerRule{globalRule, scopedRule}, global, scoped, 1)
	require.True(t, result.Triggered)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, uint(1), result.Matched[0].RuleID)

	// With enough branch-local history both fire.
	scoped[FieldCumulativeAmount30d] = decimal.RequireFromString("4500000")
	result = engine.EvaluateScoped([]models.TriggerRule{globalRule, scopedRule}, global, scoped, 1)
	assert.Len(t, result.Matched, 2)
}

func TestEvaluateCollectsWarnings(t *testing.T) {
	engine := NewEngine(zapNop())
	snap := Snapshot{FieldLocalAmount: decimal.RequireFromString("3000000")}

	r := rule(1, 100, true, `{"field":"local_amount","operator":">","value":0}`)
	r.WarningEN = "large cash transaction"

	result := engine.Evaluate([]models.TriggerRule{r}, snap, 1)
	require.True(t, result.Triggered)
	assert.Equal(t, []string{"large cash transaction"}, result.Warnings)
}
