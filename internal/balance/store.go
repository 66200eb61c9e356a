package balance

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrBalanceUnderflow is returned when a mutation would take a balance
	// negative and overdraw is disabled.
	ErrBalanceUnderflow = errors.New("balance underflow")
)

// Leg identifies one balance row touched by a trade.
type Leg struct {
	BranchID   uint
	CurrencyID uint
}

// Store mutates per-(branch, currency) inventory rows under row locks. It
// does not judge sufficiency; that belongs to the trade validator. It does
// refuse to commit a negative balance unless overdraw is allowed.
type Store struct {
	logger        *zap.Logger
	allowOverdraw bool
}

// NewStore creates a balance store.
func NewStore(logger *zap.Logger, allowOverdraw bool) *Store {
	return &Store{logger: logger, allowOverdraw: allowOverdraw}
}

// SortLegs orders legs in the canonical (branch_id, currency_id) ascending
// lock order. Every caller that touches more than one row must acquire locks
// in this order.
func SortLegs(legs []Leg) {
	sort.Slice(legs, func(i, j int) bool {
		if legs[i].BranchID != legs[j].BranchID {
			return legs[i].BranchID < legs[j].BranchID
		}
		return legs[i].CurrencyID < legs[j].CurrencyID
	})
}

// Lock acquires the row lock for one leg, creating the row with a zero amount
// on first reference. The lock holds until the enclosing transaction ends.
func (s *Store) Lock(tx *gorm.DB, branchID, currencyID uint) (*models.Balance, error) {
	var row models.Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND currency_id = ?", branchID, currencyID).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}

	seed := models.Balance{
		BranchID:   branchID,
		CurrencyID: currencyID,
		Amount:     decimal.Zero,
		UpdatedAt:  time.Now(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("failed to create balance row: %w", err)
	}

	// Re-acquire: the insert may have lost to a concurrent writer.
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND currency_id = ?", branchID, currencyID).
		First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance row after create: %w", err)
	}
	return &row, nil
}

// Mutate applies a signed delta to one balance row inside the caller's
// transaction and returns the balances observed before and after within the
// locked view.
func (s *Store) Mutate(tx *gorm.DB, branchID, currencyID uint, delta decimal.Decimal) (before, after decimal.Decimal, err error) {
	row, err := s.Lock(tx, branchID, currencyID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	before = row.Amount
	after = before.Add(delta)
	if !s.allowOverdraw && after.IsNegative() {
		return before, before, fmt.Errorf("%w: branch=%d currency=%d available=%s delta=%s",
			ErrBalanceUnderflow, branchID, currencyID, before.String(), delta.String())
	}

	updates := map[string]interface{}{
		"amount":     after,
		"updated_at": time.Now(),
	}
	if err := tx.Model(&models.Balance{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return before, before, fmt.Errorf("failed to update balance: %w", err)
	}

	s.logger.Debug("balance mutated",
		zap.Uint("branch_id", branchID),
		zap.Uint("currency_id", currencyID),
		zap.String("before", before.String()),
		zap.String("after", after.String()))

	return before, after, nil
}

// Get reads the current balance without locking; zero when the row does not
// exist yet.
func (s *Store) Get(db *gorm.DB, branchID, currencyID uint) (decimal.Decimal, error) {
	var row models.Balance
	err := db.Where("branch_id = ? AND currency_id = ?", branchID, currencyID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return row.Amount, nil
}
