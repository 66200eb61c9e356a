package rules

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Group logic values.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Predicate operators.
const (
	OpEq       = "="
	OpNeq      = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="
	OpIn       = "in"
	OpContains = "contains"
)

// Expression is the recursive rule tree. A node is exactly one of two cases:
// a group (Logic set, Conditions children) or a predicate (Field set).
type Expression struct {
	Logic      string        `json:"logic,omitempty"`
	Conditions []*Expression `json:"conditions,omitempty"`

	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// IsGroup reports whether the node is a group.
func (e *Expression) IsGroup() bool {
	return e.Logic != ""
}

// Parse decodes and shape-checks a rule expression. Validation happens here,
// at rule-load time, never per evaluation.
func Parse(raw string) (*Expression, error) {
	var expr Expression
	if err := json.Unmarshal([]byte(raw), &expr); err != nil {
		return nil, fmt.Errorf("invalid rule expression json: %w", err)
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return &expr, nil
}

// Validate checks the node shape recursively.
func (e *Expression) Validate() error {
	if e == nil {
		return errors.New("nil expression node")
	}
	if e.IsGroup() {
		if e.Logic != LogicAnd && e.Logic != LogicOr {
			return fmt.Errorf("unknown group logic %q", e.Logic)
		}
		if e.Field != "" || e.Operator != "" {
			return errors.New("group node must not carry predicate fields")
		}
		for i, child := range e.Conditions {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
		return nil
	}

	if e.Field == "" {
		return errors.New("predicate node requires a field")
	}
	switch e.Operator {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
	case OpIn:
		if _, ok := e.Value.([]interface{}); !ok {
			return fmt.Errorf("operator %q requires a list value", OpIn)
		}
	default:
		return fmt.Errorf("unknown operator %q", e.Operator)
	}
	return nil
}
