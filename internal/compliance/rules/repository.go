package rules

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// Repository loads trigger rules and validates their expressions once, at
// load time.
type Repository struct {
	logger *zap.Logger
}

// NewRepository creates a rule repository.
func NewRepository(logger *zap.Logger) *Repository {
	return &Repository{logger: logger}
}

// ForReportType returns the active rules applicable to one report type at one
// branch: global rules plus rules scoped to the branch. Rules whose
// expression fails shape validation are skipped and logged; the remainder
// still apply.
func (r *Repository) ForReportType(db *gorm.DB, reportType string, branchID uint) ([]models.TriggerRule, error) {
	var ruleSet []models.TriggerRule
	err := db.Where("report_type = ? AND active = ?", reportType, true).
		Where("branch_id IS NULL OR branch_id = ?", branchID).
		Order("priority DESC, id ASC").
		Find(&ruleSet).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger rules: %w", err)
	}

	valid := ruleSet[:0]
	for _, rule := range ruleSet {
		if _, err := Parse(rule.Expression); err != nil {
			r.logger.Error("skipping rule with invalid expression",
				zap.Uint("rule_id", rule.ID),
				zap.String("rule", rule.Name),
				zap.Error(err))
			continue
		}
		valid = append(valid, rule)
	}
	return valid, nil
}

// BranchScoped reports whether any rule in the set restricts customer
// aggregates to the requesting branch.
func BranchScoped(ruleSet []models.TriggerRule) bool {
	for _, rule := range ruleSet {
		if rule.BranchScoped {
			return true
		}
	}
	return false
}
