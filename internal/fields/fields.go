package fields

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// FieldError reports one failed field check.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// ValidationError aggregates per-field failures for one form payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "form validation failed: " + strings.Join(parts, "; ")
}

// Service validates and projects reservation form payloads against the
// per-report field definitions.
type Service struct {
	logger *zap.Logger
}

// NewService creates a field-definition service.
func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger}
}

// Definitions loads the field list for a report format in fill order.
func (s *Service) Definitions(db *gorm.DB, reportType string) ([]models.FieldDefinition, error) {
	var defs []models.FieldDefinition
	err := db.Where("report_type = ?", reportType).
		Order("fill_order ASC, id ASC").
		Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load field definitions: %w", err)
	}
	return defs, nil
}

// Validate checks a form payload against the definitions: required presence,
// max length, numeric precision, enum membership, pattern. All failures are
// collected; a nil return means the form may be persisted.
func (s *Service) Validate(defs []models.FieldDefinition, form models.JSONMap) error {
	var failed []FieldError
	for _, def := range defs {
		raw, present := form[def.FieldName]
		str := stringify(raw)
		if !present || str == "" {
			if def.Required {
				failed = append(failed, FieldError{def.FieldName, "required"})
			}
			continue
		}

		if def.MaxLength > 0 && len([]rune(str)) > def.MaxLength {
			failed = append(failed, FieldError{def.FieldName, fmt.Sprintf("longer than %d characters", def.MaxLength)})
			continue
		}

		switch def.DataType {
		case "number":
			d, err := decimal.NewFromString(str)
			if err != nil {
				failed = append(failed, FieldError{def.FieldName, "not a number"})
				continue
			}
			if def.Precision > 0 && int(-d.Exponent()) > def.Precision {
				failed = append(failed, FieldError{def.FieldName, fmt.Sprintf("more than %d decimal places", def.Precision)})
			}
		case "enum":
			options, err := parseEnum(def.EnumValues)
			if err != nil {
				failed = append(failed, FieldError{def.FieldName, "definition has invalid enum list"})
				continue
			}
			if !contains(options, str) {
				failed = append(failed, FieldError{def.FieldName, fmt.Sprintf("value %q not in enum", str)})
			}
		}

		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				failed = append(failed, FieldError{def.FieldName, "definition has invalid pattern"})
				continue
			}
			if !re.MatchString(str) {
				failed = append(failed, FieldError{def.FieldName, "does not match required format"})
			}
		}
	}
	if len(failed) > 0 {
		return &ValidationError{Fields: failed}
	}
	return nil
}

// Project flattens a validated form into ordered (field, value) string pairs
// for the PDF generator; fields without a value are skipped.
func (s *Service) Project(defs []models.FieldDefinition, form models.JSONMap) []ProjectedField {
	ordered := make([]models.FieldDefinition, len(defs))
	copy(ordered, defs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FillOrder < ordered[j].FillOrder })

	out := make([]ProjectedField, 0, len(ordered))
	for _, def := range ordered {
		str := stringify(form[def.FieldName])
		if str == "" {
			continue
		}
		out = append(out, ProjectedField{Name: def.FieldName, Value: str, Group: def.FieldGroup})
	}
	return out
}

// ProjectedField is one filled form field in fill order.
type ProjectedField struct {
	Name  string
	Value string
	Group string
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return decimal.NewFromFloat(s).String()
	case json.Number:
		return s.String()
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", s)
	}
}

func parseEnum(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, err
	}
	return options, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
