package botxlsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting/amlopdf"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrTemplateMissing is returned when the regulator workbook template
	// cannot be opened.
	ErrTemplateMissing = errors.New("bot workbook template missing")
	// ErrRenderInProgress is returned when another process holds the render
	// lock for the same branch and month.
	ErrRenderInProgress = errors.New("bot workbook render already in progress")
)

// Official sheet names in the regulator template.
const (
	sheetProvider = "Provider Info"
	sheetBuyFX    = "Buy FX"
	sheetSellFX   = "Sell FX"
	sheetFCD      = "FCD"
)

// First data row per sheet. Rows above hold headers and, on the FX sheets,
// the column formulas the regulator locks.
const (
	fxFirstRow  = 9
	fcdFirstRow = 8
)

// fxColumns are the writable columns on the FX sheets, in the regulator's
// column order: sequence, customer type, customer name, id-type code, id
// number, country, currency, rate, foreign amount, payment method, remarks.
// The omitted columns (D, G, H, I, J, L, O, P, Q) carry template formulas
// (baht amount, label lookups) and must stay intact.
var fxColumns = struct {
	seq, custType, custName, idType, idNumber, country, currency, rate, foreign, payment, remarks string
}{"A", "B", "C", "E", "F", "K", "M", "N", "R", "S", "T"}

// Generator fills the regulator's monthly workbook template from the BOT
// event tables. One workbook per (branch, year, month).
type Generator struct {
	logger       *zap.Logger
	registry     *reporting.Registry
	templatePath string
	outputDir    string
}

// NewGenerator creates a workbook generator.
func NewGenerator(logger *zap.Logger, registry *reporting.Registry, templatePath, outputDir string) *Generator {
	return &Generator{logger: logger, registry: registry, templatePath: templatePath, outputDir: outputDir}
}

// Render produces the monthly workbook for one branch and returns its path.
// A filesystem lock serializes concurrent renders of the same month; the
// template file itself is never written.
func (g *Generator) Render(db *gorm.DB, branch *models.Branch, year int, month time.Month) (string, error) {
	outDir := filepath.Join(g.outputDir, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", int(month)))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	unlock, err := g.acquireLock(outDir, branch.ID, year, month)
	if err != nil {
		return "", err
	}
	defer unlock()

	book, err := excelize.OpenFile(g.templatePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateMissing, g.templatePath, err)
	}
	defer book.Close()

	buy, sell, fcd, provider, err := g.registry.MonthEvents(db, branch.ID, year, month)
	if err != nil {
		return "", err
	}

	if err := g.fillProviderInfo(book, branch, year, month, provider); err != nil {
		return "", err
	}
	if err := g.fillFXSheet(book, sheetBuyFX, buyRows(buy)); err != nil {
		return "", err
	}
	if err := g.fillFXSheet(book, sheetSellFX, sellRows(sell)); err != nil {
		return "", err
	}
	if err := g.fillFCDSheet(book, fcd); err != nil {
		return "", err
	}

	path := filepath.Join(outDir, fmt.Sprintf("%s_%04d%02d.xlsx", branch.BranchCode, year, int(month)))
	if err := book.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}

	g.logger.Info("bot workbook rendered",
		zap.Uint("branch_id", branch.ID),
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Int("buy_rows", len(buy)),
		zap.Int("sell_rows", len(sell)),
		zap.Int("fcd_rows", len(fcd)),
		zap.Int("provider_rows", len(provider)),
		zap.String("path", path))
	return path, nil
}

// fillProviderInfo writes the header block B2..B9 and appends the provider
// event lines below it.
func (g *Generator) fillProviderInfo(book *excelize.File, branch *models.Branch, year int, month time.Month, provider []models.BotProvider) error {
	endOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.Local).AddDate(0, 1, -1)
	header := []interface{}{
		branch.InstitutionCode,               // B2
		branch.LicenseHolder,                 // B3
		branch.LicenseNo,                     // B4
		branch.Name,                          // B5
		branch.BotBranchAreaCode,             // B6
		amlopdf.ThaiMonth(month),             // B7
		amlopdf.BuddhistYear(year),           // B8
		endOfMonth.Format("2006-01-02"),      // B9
	}
	for i, v := range header {
		cell := fmt.Sprintf("B%d", i+2)
		if err := book.SetCellValue(sheetProvider, cell, v); err != nil {
			return fmt.Errorf("failed to write provider header %s: %w", cell, err)
		}
	}

	row := 12
	for i, p := range provider {
		cells := map[string]interface{}{
			"A": i + 1,
			"B": p.CurrencyCode,
			"C": p.Amount.InexactFloat64(),
			"D": p.USDEquivalent.InexactFloat64(),
			"E": p.EventAt.Format("2006-01-02"),
			"F": p.Remarks,
		}
		for col, v := range cells {
			if err := book.SetCellValue(sheetProvider, fmt.Sprintf("%s%d", col, row), v); err != nil {
				return fmt.Errorf("failed to write provider row: %w", err)
			}
		}
		row++
	}
	return nil
}

// fxRow is one FX sheet line in column order.
type fxRow struct {
	custType, custName, idType, idNumber, country, currency, payment, remarks string
	rate, foreign                                                            float64
}

func buyRows(events []models.BotBuyFX) []fxRow {
	rows := make([]fxRow, len(events))
	for i, e := range events {
		rows[i] = fxRow{
			custType: e.CustomerType,
			custName: e.CustomerName,
			idType:   e.IDType,
			idNumber: e.IDNumber,
			country:  e.CountryCode,
			currency: e.CurrencyCode,
			rate:     e.Rate.InexactFloat64(),
			foreign:  e.ForeignAmount.InexactFloat64(),
			payment:  e.PaymentMethod,
			remarks:  e.Remarks,
		}
	}
	return rows
}

func sellRows(events []models.BotSellFX) []fxRow {
	rows := make([]fxRow, len(events))
	for i, e := range events {
		rows[i] = fxRow{
			custType: e.CustomerType,
			custName: e.CustomerName,
			idType:   e.IDType,
			idNumber: e.IDNumber,
			country:  e.CountryCode,
			currency: e.CurrencyCode,
			rate:     e.Rate.InexactFloat64(),
			foreign:  e.ForeignAmount.InexactFloat64(),
			payment:  e.PaymentMethod,
			remarks:  e.Remarks,
		}
	}
	return rows
}

// fillFXSheet writes the data columns only; the sequence column restarts at 1
// per sheet.
func (g *Generator) fillFXSheet(book *excelize.File, sheet string, rows []fxRow) error {
	for i, r := range rows {
		rowNum := fxFirstRow + i
		cells := map[string]interface{}{
			fxColumns.seq:      i + 1,
			fxColumns.custType: r.custType,
			fxColumns.custName: r.custName,
			fxColumns.idType:   r.idType,
			fxColumns.idNumber: r.idNumber,
			fxColumns.country:  r.country,
			fxColumns.currency: r.currency,
			fxColumns.rate:     r.rate,
			fxColumns.foreign:  r.foreign,
			fxColumns.payment:  r.payment,
			fxColumns.remarks:  r.remarks,
		}
		for col, v := range cells {
			if err := book.SetCellValue(sheet, fmt.Sprintf("%s%d", col, rowNum), v); err != nil {
				return fmt.Errorf("failed to write %s row %d: %w", sheet, rowNum, err)
			}
		}
	}
	return nil
}

// fillFCDSheet leads each row with the event date decomposed into
// Buddhist-era year, month and day, per the filing layout.
func (g *Generator) fillFCDSheet(book *excelize.File, events []models.BotFCD) error {
	for i, e := range events {
		rowNum := fcdFirstRow + i
		cells := map[string]interface{}{
			"A": amlopdf.BuddhistYear(e.EventAt.Year()),
			"B": int(e.EventAt.Month()),
			"C": e.EventAt.Day(),
			"D": e.BankName,
			"E": e.AccountNo,
			"F": e.CurrencyCode,
			"G": e.Balance.InexactFloat64(),
			"H": e.Amount.InexactFloat64(),
			"I": e.Remarks,
		}
		for col, v := range cells {
			if err := book.SetCellValue(sheetFCD, fmt.Sprintf("%s%d", col, rowNum), v); err != nil {
				return fmt.Errorf("failed to write fcd row %d: %w", rowNum, err)
			}
		}
	}
	return nil
}

// acquireLock takes an exclusive marker file for one (branch, year, month)
// render. Stale locks from crashed runs must be removed by the operator.
func (g *Generator) acquireLock(dir string, branchID uint, year int, month time.Month) (func(), error) {
	lockPath := filepath.Join(dir, fmt.Sprintf(".render_%d_%04d%02d.lock", branchID, year, int(month)))
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRenderInProgress, lockPath)
		}
		return nil, fmt.Errorf("failed to take render lock: %w", err)
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
