package reporting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrDuplicateReportNo indicates an allocator bug: two reports raced to
	// the same number. The request fails, the database stays consistent.
	ErrDuplicateReportNo = errors.New("duplicate report number")
)

// Registry indexes AMLO and BOT reports for listing, lookup and batch
// mark-reported flips.
type Registry struct {
	logger *zap.Logger
}

// NewRegistry creates a report registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// CreateAmloReport persists a new AMLO report for an approved reservation
// inside the caller's transaction.
func (r *Registry) CreateAmloReport(tx *gorm.DB, res *models.Reservation, reportNo, currencyCode string) (*models.AmloReport, error) {
	resID := res.ID
	report := models.AmloReport{
		ID:                  uuid.New(),
		ReportNo:            reportNo,
		ReportFormat:        res.ReportType,
		ReservationID:       &resID,
		TransactionID:       res.LinkedTransactionID,
		CustomerID:          res.CustomerID,
		CustomerName:        res.CustomerName,
		CustomerCountryCode: res.CustomerCountryCode,
		IDType:              res.IDType,
		Amount:              res.LocalAmount,
		CurrencyCode:        currencyCode,
		TransactionDate:     res.CreatedAt,
		BranchID:            res.BranchID,
		OperatorID:          res.AuditorID,
	}
	if err := tx.Create(&report).Error; err != nil {
		if isDuplicateKey(err) {
			r.logger.Error("report number collision, allocator invariant broken",
				zap.String("report_no", reportNo))
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReportNo, reportNo)
		}
		return nil, fmt.Errorf("failed to create amlo report: %w", err)
	}
	return &report, nil
}

// FindByReservation returns the report linked to a reservation, or nil when
// none exists yet.
func (r *Registry) FindByReservation(db *gorm.DB, reservationID uuid.UUID) (*models.AmloReport, error) {
	var report models.AmloReport
	err := db.Where("reservation_id = ?", reservationID).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up report by reservation: %w", err)
	}
	return &report, nil
}

// AmloByNumber looks a report up by its number.
func (r *Registry) AmloByNumber(db *gorm.DB, reportNo string) (*models.AmloReport, error) {
	var report models.AmloReport
	if err := db.Where("report_no = ?", reportNo).First(&report).Error; err != nil {
		return nil, fmt.Errorf("failed to look up report %s: %w", reportNo, err)
	}
	return &report, nil
}

// AmloByMonth lists reports for (branch, year-month), optionally filtered by
// format, ordered by creation time.
func (r *Registry) AmloByMonth(db *gorm.DB, branchID uint, year int, month time.Month, format string) ([]models.AmloReport, error) {
	start, end := monthRange(year, month)
	q := db.Where("branch_id = ? AND created_at >= ? AND created_at < ?", branchID, start, end)
	if format != "" {
		q = q.Where("report_format = ?", format)
	}
	var reports []models.AmloReport
	if err := q.Order("created_at ASC, id ASC").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("failed to list amlo reports: %w", err)
	}
	return reports, nil
}

// SetPdfPath records the rendered artifact location. Rendering happens after
// the report commit, so this is a separate best-effort write.
func (r *Registry) SetPdfPath(db *gorm.DB, reportID uuid.UUID, file, path string) error {
	err := db.Model(&models.AmloReport{}).Where("id = ?", reportID).
		Updates(map[string]interface{}{"pdf_file": file, "pdf_path": path}).Error
	if err != nil {
		return fmt.Errorf("failed to record pdf path: %w", err)
	}
	return nil
}

// MarkAmloReported flips is_reported on a batch of reports, all-or-none.
func (r *Registry) MarkAmloReported(db *gorm.DB, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AmloReport{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"is_reported": true, "reported_at": at})
		if res.Error != nil {
			return fmt.Errorf("failed to mark reports: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("expected %d reports, marked %d", len(ids), res.RowsAffected)
		}
		return nil
	})
}

// MarkBotReported flips is_reported across all four BOT event tables for one
// (branch, year-month), in one transaction.
func (r *Registry) MarkBotReported(db *gorm.DB, branchID uint, year int, month time.Month, at time.Time) error {
	start, end := monthRange(year, month)
	return db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.BotBuyFX{}, &models.BotSellFX{}, &models.BotFCD{}, &models.BotProvider{},
		} {
			err := tx.Model(model).
				Where("branch_id = ? AND event_at >= ? AND event_at < ?", branchID, start, end).
				Updates(map[string]interface{}{"is_reported": true, "reported_at": at}).Error
			if err != nil {
				return fmt.Errorf("failed to mark bot events: %w", err)
			}
		}
		return nil
	})
}

// MonthEvents loads the four event sets for one (branch, year-month), ordered
// by event time then id as the workbook requires.
func (r *Registry) MonthEvents(db *gorm.DB, branchID uint, year int, month time.Month) (buy []models.BotBuyFX, sell []models.BotSellFX, fcd []models.BotFCD, provider []models.BotProvider, err error) {
	start, end := monthRange(year, month)
	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("branch_id = ? AND event_at >= ? AND event_at < ?", branchID, start, end).
			Order("event_at ASC, id ASC")
	}
	if err = scope(db).Find(&buy).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load buy fx events: %w", err)
	}
	if err = scope(db).Find(&sell).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load sell fx events: %w", err)
	}
	if err = scope(db).Find(&fcd).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load fcd events: %w", err)
	}
	if err = scope(db).Find(&provider).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load provider events: %w", err)
	}
	return buy, sell, fcd, provider, nil
}

func monthRange(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.Local)
	return start, start.AddDate(0, 1, 0)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
