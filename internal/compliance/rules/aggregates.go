package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// CustomerAggregates are the windowed sums the cumulative rules consume.
type CustomerAggregates struct {
	CumulativeAmount30d decimal.Decimal
	TransactionCount24h int64
	TransactionCount30d int64
	LastTransactionAt   *time.Time
}

// Aggregator computes customer history windows over the transaction log.
// Aggregates are cross-branch by default; a branch-scoped rule restricts them
// to the requesting branch. Reads run at read-committed so that trades
// committed moments earlier are counted.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregates computes the customer windows as of now. An empty customer id
// yields zero aggregates: anonymous walk-ins have no history to accumulate.
func (a *Aggregator) Aggregates(db *gorm.DB, customerID string, branchID uint, branchScoped bool, now time.Time) (*CustomerAggregates, error) {
	agg := &CustomerAggregates{CumulativeAmount30d: decimal.Zero}
	if customerID == "" {
		return agg, nil
	}

	base := db.Model(&models.Transaction{}).Where("customer_id = ?", customerID)
	if branchScoped {
		base = base.Where("branch_id = ?", branchID)
	}

	since30d := now.Add(-30 * 24 * time.Hour)
	since24h := now.Add(-24 * time.Hour)

	var window struct {
		Total decimal.Decimal
		Count int64
	}
	err := base.Session(&gorm.Session{}).
		Select("COALESCE(SUM(ABS(local_amount)), 0) AS total, COUNT(*) AS count").
		Where("transaction_at > ?", since30d).
		Scan(&window).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate 30d window: %w", err)
	}
	agg.CumulativeAmount30d = window.Total
	agg.TransactionCount30d = window.Count

	err = base.Session(&gorm.Session{}).
		Where("transaction_at > ?", since24h).
		Count(&agg.TransactionCount24h).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count 24h window: %w", err)
	}

	var last models.Transaction
	err = base.Session(&gorm.Session{}).
		Order("transaction_at DESC").
		First(&last).Error
	if err == nil {
		at := last.TransactionAt
		agg.LastTransactionAt = &at
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read last transaction: %w", err)
	}

	return agg, nil
}

// Enrich writes the aggregates into a snapshot. The cumulative field includes
// the planned trade's local amount so that a trade pushing the customer over
// a threshold triggers on its own execution. The last-transaction timestamp
// goes in as epoch seconds so ordering predicates compare it numerically; a
// customer with no history leaves the field absent.
func (agg *CustomerAggregates) Enrich(snap Snapshot, plannedLocal decimal.Decimal) {
	snap[FieldCumulativeAmount30d] = agg.CumulativeAmount30d.Add(plannedLocal.Abs())
	snap[FieldTxnCount24h] = agg.TransactionCount24h
	snap[FieldTxnCount30d] = agg.TransactionCount30d
	if agg.LastTransactionAt != nil {
		snap[FieldLastTransactionAt] = agg.LastTransactionAt.Unix()
	}
}
