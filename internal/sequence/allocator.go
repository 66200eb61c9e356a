package sequence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrSequenceContention is returned when the allocator cannot win a
	// ledger row after the configured number of attempts.
	ErrSequenceContention = errors.New("sequence contention")
)

// Allocator mints AMLO/BOT report numbers and branch transaction numbers from
// row-locked sequence ledgers. It never commits; the caller's transaction
// commits the increment together with the record that consumes the number, so
// a failed filing rolls the number back.
type Allocator struct {
	logger     *zap.Logger
	maxRetries int
}

// NewAllocator creates an allocator. maxRetries bounds both the in-transaction
// insert race and the WithRetry wrapper; zero means the default of 5.
func NewAllocator(logger *zap.Logger, maxRetries int) *Allocator {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Allocator{logger: logger, maxRetries: maxRetries}
}

// NextAmloNumber allocates the next AMLO report number for
// (branch, currency, year-month): III-BBB-YY-MMSSSSCCC with a Buddhist-era
// year. Must be called inside the transaction that persists the report.
func (a *Allocator) NextAmloNumber(tx *gorm.DB, branch *models.Branch, currencyCode string, at time.Time, operatorID string, transactionID *uuid.UUID) (string, error) {
	yy, mm, ym := reportPeriod(at)

	row, err := a.lockAmloRow(tx, branch.ID, currencyCode, ym)
	if err != nil {
		return "", err
	}

	row.LastSequence++
	row.LastUsedAt = time.Now()
	if err := tx.Save(row).Error; err != nil {
		return "", fmt.Errorf("failed to advance amlo sequence: %w", err)
	}

	reportNo := fmt.Sprintf("%s-%s-%s-%s%04d%s",
		branch.InstitutionCode, branch.BranchCode, yy, mm, row.LastSequence, currencyCode)

	logRow := models.ReportNoLog{
		ReportNo:      reportNo,
		ReportType:    "AMLO",
		BranchID:      branch.ID,
		CurrencyCode:  currencyCode,
		SequenceRowID: row.ID,
		TransactionID: transactionID,
		OperatorID:    operatorID,
	}
	if err := tx.Create(&logRow).Error; err != nil {
		return "", fmt.Errorf("failed to log report number: %w", err)
	}

	return reportNo, nil
}

// NextBotNumber allocates the next BOT report number for
// (branch, report-type, year-month): III-BBB-YY-MMSSSS.
func (a *Allocator) NextBotNumber(tx *gorm.DB, branch *models.Branch, reportType string, at time.Time, operatorID string) (string, error) {
	yy, mm, ym := reportPeriod(at)

	row, err := a.lockBotRow(tx, branch.ID, reportType, ym)
	if err != nil {
		return "", err
	}

	row.LastSequence++
	row.LastUsedAt = time.Now()
	if err := tx.Save(row).Error; err != nil {
		return "", fmt.Errorf("failed to advance bot sequence: %w", err)
	}

	reportNo := fmt.Sprintf("%s-%s-%s-%s%04d",
		branch.InstitutionCode, branch.BranchCode, yy, mm, row.LastSequence)

	logRow := models.ReportNoLog{
		ReportNo:      reportNo,
		ReportType:    reportType,
		BranchID:      branch.ID,
		SequenceRowID: row.ID,
		OperatorID:    operatorID,
	}
	if err := tx.Create(&logRow).Error; err != nil {
		return "", fmt.Errorf("failed to log report number: %w", err)
	}

	return reportNo, nil
}

// NextTransactionNo allocates the next per-branch transaction number.
func (a *Allocator) NextTransactionNo(tx *gorm.DB, branch *models.Branch, at time.Time) (string, error) {
	var row models.TxnSequence
	found := false
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("branch_id = ?", branch.ID).
			First(&row).Error
		if err == nil {
			found = true
			break
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to lock transaction sequence: %w", err)
		}
		seed := models.TxnSequence{BranchID: branch.ID, LastUsedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return "", fmt.Errorf("failed to seed transaction sequence: %w", err)
		}
	}
	if !found {
		return "", ErrSequenceContention
	}

	row.LastSequence++
	row.LastUsedAt = time.Now()
	if err := tx.Save(&row).Error; err != nil {
		return "", fmt.Errorf("failed to advance transaction sequence: %w", err)
	}

	return fmt.Sprintf("TXN-%s-%s-%06d", branch.BranchCode, at.Format("20060102"), row.LastSequence), nil
}

// WithRetry runs fn in its own transaction and retries when it fails on a
// retriable conflict (duplicate key, deadlock, serialization). Exhaustion
// surfaces as ErrSequenceContention.
func (a *Allocator) WithRetry(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		lastErr = db.Transaction(fn)
		if lastErr == nil {
			return nil
		}
		if !isRetriableConflict(lastErr) {
			return lastErr
		}
		a.logger.Warn("retrying transaction after conflict",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%w: %v", ErrSequenceContention, lastErr)
}

func (a *Allocator) lockAmloRow(tx *gorm.DB, branchID uint, currencyCode, yearMonth string) (*models.AmloSequence, error) {
	var row models.AmloSequence
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("branch_id = ? AND currency_code = ? AND year_month = ?", branchID, currencyCode, yearMonth).
			First(&row).Error
		if err == nil {
			return &row, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to lock amlo sequence row: %w", err)
		}
		// Insert-or-lose: a concurrent allocator may win the insert, in
		// which case the next iteration locks its row.
		seed := models.AmloSequence{
			BranchID:     branchID,
			CurrencyCode: currencyCode,
			YearMonth:    yearMonth,
			LastUsedAt:   time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("failed to seed amlo sequence row: %w", err)
		}
	}
	return nil, ErrSequenceContention
}

func (a *Allocator) lockBotRow(tx *gorm.DB, branchID uint, reportType, yearMonth string) (*models.BotSequence, error) {
	var row models.BotSequence
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("branch_id = ? AND report_type = ? AND year_month = ?", branchID, reportType, yearMonth).
			First(&row).Error
		if err == nil {
			return &row, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to lock bot sequence row: %w", err)
		}
		seed := models.BotSequence{
			BranchID:   branchID,
			ReportType: reportType,
			YearMonth:  yearMonth,
			LastUsedAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("failed to seed bot sequence row: %w", err)
		}
	}
	return nil, ErrSequenceContention
}

// reportPeriod returns the Buddhist-era two-digit year, the two-digit month
// and the Gregorian YYYY-MM ledger key for the given time.
func reportPeriod(at time.Time) (yy, mm, yearMonth string) {
	be := at.Year() + 543
	yy = fmt.Sprintf("%02d", be%100)
	mm = fmt.Sprintf("%02d", int(at.Month()))
	yearMonth = at.Format("2006-01")
	return yy, mm, yearMonth
}

func isRetriableConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize")
}
