package reporting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// BOT customer-type codes derived from the id-type presented at the counter.
const (
	CustomerTypeResident    = "1" // Thai national id
	CustomerTypeForeigner   = "2" // passport
	CustomerTypeLegalEntity = "3" // corporate registration
)

// CustomerTypeCode maps an id-type to the BOT customer-type column value.
// Unknown id-types default to foreign individual, the conservative reading.
func CustomerTypeCode(idType string) string {
	switch idType {
	case models.IDTypeThaiID:
		return CustomerTypeResident
	case models.IDTypeCorporate:
		return CustomerTypeLegalEntity
	default:
		return CustomerTypeForeigner
	}
}

// USDConverter yields the USD equivalent of a foreign amount at a point in
// time. Implemented by the rates service.
type USDConverter interface {
	USDEquivalent(db *gorm.DB, branchID, currencyID uint, amount decimal.Decimal, at time.Time) (decimal.Decimal, error)
}

// EventWriter derives BOT event rows from executed transactions. The same
// derivation serves the execute-path post-trigger and the monthly
// reconstruction pass, so a rebuilt month reproduces the original rows.
type EventWriter struct {
	logger    *zap.Logger
	converter USDConverter
}

// NewEventWriter creates a BOT event writer.
func NewEventWriter(logger *zap.Logger, converter USDConverter) *EventWriter {
	return &EventWriter{logger: logger, converter: converter}
}

// WriteForTransaction inserts the BOT event rows a committed trade produces:
// an FX row on the side matching its direction, plus an FCD row when the
// trade settles through a foreign-currency deposit account. Returns which
// flags the transaction should carry.
func (w *EventWriter) WriteForTransaction(tx *gorm.DB, txn *models.Transaction, currencyCode string) (botFlag, fcdFlag bool, err error) {
	usdEq, err := w.converter.USDEquivalent(tx, txn.BranchID, txn.CurrencyID, txn.ForeignAmount.Abs(), txn.TransactionAt)
	if err != nil {
		// The monthly pass can recompute; record the event with a zero
		// equivalent rather than losing it.
		w.logger.Warn("usd equivalent unavailable for bot event",
			zap.String("transaction_no", txn.TransactionNo),
			zap.Error(err))
		usdEq = decimal.Zero
	}

	txnID := txn.ID
	switch txn.Direction {
	case models.DirectionBuy:
		row := models.BotBuyFX{
			BranchID:      txn.BranchID,
			TransactionID: &txnID,
			CustomerType:  CustomerTypeCode(txn.IDType),
			CustomerName:  txn.CustomerName,
			IDType:        txn.IDType,
			IDNumber:      txn.CustomerID,
			CountryCode:   txn.CustomerCountryCode,
			CurrencyCode:  currencyCode,
			Rate:          txn.Rate,
			ForeignAmount: txn.ForeignAmount.Abs(),
			LocalAmount:   txn.LocalAmount.Abs(),
			USDEquivalent: usdEq,
			PaymentMethod: txn.FundingSource,
			Remarks:       txn.Remarks,
			EventAt:       txn.TransactionAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return false, false, fmt.Errorf("failed to insert buy fx event: %w", err)
		}
	case models.DirectionSell:
		row := models.BotSellFX{
			BranchID:      txn.BranchID,
			TransactionID: &txnID,
			CustomerType:  CustomerTypeCode(txn.IDType),
			CustomerName:  txn.CustomerName,
			IDType:        txn.IDType,
			IDNumber:      txn.CustomerID,
			CountryCode:   txn.CustomerCountryCode,
			CurrencyCode:  currencyCode,
			Rate:          txn.Rate,
			ForeignAmount: txn.ForeignAmount.Abs(),
			LocalAmount:   txn.LocalAmount.Abs(),
			USDEquivalent: usdEq,
			PaymentMethod: txn.FundingSource,
			Remarks:       txn.Remarks,
			EventAt:       txn.TransactionAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return false, false, fmt.Errorf("failed to insert sell fx event: %w", err)
		}
	default:
		return false, false, fmt.Errorf("unknown direction %q", txn.Direction)
	}
	botFlag = true

	if txn.FundingSource == "fcd" {
		row := models.BotFCD{
			BranchID:      txn.BranchID,
			TransactionID: &txnID,
			CurrencyCode:  currencyCode,
			Amount:        txn.ForeignAmount.Abs(),
			Remarks:       txn.Remarks,
			EventAt:       txn.TransactionAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return botFlag, false, fmt.Errorf("failed to insert fcd event: %w", err)
		}
		fcdFlag = true
	}

	return botFlag, fcdFlag, nil
}

// WriteProviderAdjustment inserts a Provider event when a balance increase
// meets the USD-equivalent threshold. Decreases and small increases produce
// nothing.
func (w *EventWriter) WriteProviderAdjustment(tx *gorm.DB, adj *models.BalanceAdjustment, currencyCode string, thresholdUSD decimal.Decimal) (bool, error) {
	if !adj.Amount.IsPositive() {
		return false, nil
	}
	usdEq, err := w.converter.USDEquivalent(tx, adj.BranchID, adj.CurrencyID, adj.Amount, adj.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to compute usd equivalent: %w", err)
	}
	if usdEq.LessThan(thresholdUSD) {
		return false, nil
	}

	adjID := adj.ID
	row := models.BotProvider{
		BranchID:      adj.BranchID,
		AdjustmentID:  &adjID,
		CurrencyCode:  currencyCode,
		Amount:        adj.Amount,
		USDEquivalent: usdEq,
		Remarks:       adj.Reason,
		EventAt:       adj.CreatedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return false, fmt.Errorf("failed to insert provider event: %w", err)
	}
	return true, nil
}

// RebuildMonth deletes the month's FX and FCD event rows for a branch and
// replays them from the transaction log. Every non-reversal trade in the
// window is rederived, including trades whose execute-time post-trigger
// failed and so carry no flags yet; their flag bits are repaired here.
// Provider rows are keyed to adjustments, which are replayed the same way.
// Timestamps aside, the rebuilt rows match the originals.
func (w *EventWriter) RebuildMonth(db *gorm.DB, branchID uint, year int, month time.Month, thresholdUSD decimal.Decimal) error {
	start, end := monthRange(year, month)
	return db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.BotBuyFX{}, &models.BotSellFX{}, &models.BotFCD{}, &models.BotProvider{},
		} {
			err := tx.Where("branch_id = ? AND event_at >= ? AND event_at < ?", branchID, start, end).
				Delete(model).Error
			if err != nil {
				return fmt.Errorf("failed to clear bot events: %w", err)
			}
		}

		var txns []models.Transaction
		err := tx.Where("branch_id = ? AND transaction_at >= ? AND transaction_at < ? AND reversal_of IS NULL",
			branchID, start, end).
			Order("transaction_at ASC, transaction_no ASC").
			Find(&txns).Error
		if err != nil {
			return fmt.Errorf("failed to load transactions for rebuild: %w", err)
		}
		for i := range txns {
			var currency models.Currency
			if err := tx.First(&currency, txns[i].CurrencyID).Error; err != nil {
				return fmt.Errorf("failed to load currency for rebuild: %w", err)
			}
			botFlag, fcdFlag, err := w.WriteForTransaction(tx, &txns[i], currency.Code)
			if err != nil {
				return err
			}
			if botFlag != txns[i].BotFlag || fcdFlag != txns[i].FcdFlag {
				err := tx.Model(&models.Transaction{}).Where("id = ?", txns[i].ID).
					Updates(map[string]interface{}{"bot_flag": botFlag, "fcd_flag": fcdFlag}).Error
				if err != nil {
					return fmt.Errorf("failed to repair transaction flags: %w", err)
				}
			}
		}

		var adjs []models.BalanceAdjustment
		err = tx.Where("branch_id = ? AND created_at >= ? AND created_at < ?", branchID, start, end).
			Order("created_at ASC, id ASC").
			Find(&adjs).Error
		if err != nil {
			return fmt.Errorf("failed to load adjustments for rebuild: %w", err)
		}
		for i := range adjs {
			var currency models.Currency
			if err := tx.First(&currency, adjs[i].CurrencyID).Error; err != nil {
				return fmt.Errorf("failed to load currency for rebuild: %w", err)
			}
			if _, err := w.WriteProviderAdjustment(tx, &adjs[i], currency.Code, thresholdUSD); err != nil {
				return err
			}
		}
		return nil
	})
}
