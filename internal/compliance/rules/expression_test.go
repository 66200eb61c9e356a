package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestParseValidExpressions(t *testing.T) {
	cases := []string{
		`{"field":"local_amount","operator":">=","value":2000000}`,
		`{"logic":"AND","conditions":[{"field":"direction","operator":"=","value":"buy"}]}`,
		`{"logic":"OR"}`,
		`{"field":"currency_code","operator":"in","value":["USD","EUR"]}`,
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		assert.NoError(t, err, raw)
	}
}

func TestParseRejectsMalformedExpressions(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{broken`},
		{"unknown logic", `{"logic":"XOR","conditions":[]}`},
		{"unknown operator", `{"field":"x","operator":"~","value":1}`},
		{"predicate without field", `{"operator":"=","value":1}`},
		{"in without list", `{"field":"x","operator":"in","value":"USD"}`},
		{"group with predicate parts", `{"logic":"AND","field":"x","operator":"=","value":1}`},
		{"invalid nested child", `{"logic":"AND","conditions":[{"operator":"=","value":1}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			require.Error(t, err)
		})
	}
}
