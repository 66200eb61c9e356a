package trade

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// AdjustRequest is a manual inventory movement outside the trade flow:
// head-office funding, cash-in-transit, till corrections.
type AdjustRequest struct {
	BranchID   uint            `validate:"required"`
	CurrencyID uint            `validate:"required"`
	Amount     decimal.Decimal `validate:"required"` // signed, positive = increase
	Reason     string          `validate:"required"`
	OperatorID string          `validate:"required"`
}

// AdjustBalance applies a manual adjustment under the same row lock as a
// trade and records it. An increase at or above the provider threshold also
// books a Provider event for the monthly workbook.
func (s *Service) AdjustBalance(req *AdjustRequest) (*models.BalanceAdjustment, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, false, fmt.Errorf("invalid adjustment request: %w", err)
	}
	if req.Amount.IsZero() {
		return nil, false, fmt.Errorf("adjustment amount must be non-zero")
	}

	var adj *models.BalanceAdjustment
	providerEvent := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.balances.Mutate(tx, req.BranchID, req.CurrencyID, req.Amount); err != nil {
			return err
		}

		row := models.BalanceAdjustment{
			ID:         uuid.New(),
			BranchID:   req.BranchID,
			CurrencyID: req.CurrencyID,
			Amount:     req.Amount,
			Reason:     req.Reason,
			OperatorID: req.OperatorID,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to record adjustment: %w", err)
		}

		code, err := s.currencyCode(tx, req.CurrencyID)
		if err != nil {
			return err
		}
		threshold := decimal.NewFromFloat(s.cfg.ProviderThresholdUSD)
		triggered, err := s.events.WriteProviderAdjustment(tx, &row, code, threshold)
		if err != nil {
			return err
		}
		adj, providerEvent = &row, triggered
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("balance adjusted",
		zap.Uint("branch_id", req.BranchID),
		zap.Uint("currency_id", req.CurrencyID),
		zap.String("amount", req.Amount.String()),
		zap.Bool("provider_event", providerEvent))
	return adj, providerEvent, nil
}
