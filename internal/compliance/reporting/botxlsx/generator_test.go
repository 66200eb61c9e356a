package botxlsx

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/testutil"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// writeTemplate builds a minimal regulator-shaped template: the four sheets
// plus a formula column the generator must leave intact.
func writeTemplate(t *testing.T, dir string) string {
	t.Helper()
	book := excelize.NewFile()
	defer book.Close()

	require.NoError(t, book.SetSheetName("Sheet1", sheetProvider))
	for _, sheet := range []string{sheetBuyFX, sheetSellFX, sheetFCD} {
		_, err := book.NewSheet(sheet)
		require.NoError(t, err)
	}
	// Template formula in a protected column of the first data row.
	require.NoError(t, book.SetCellFormula(sheetBuyFX, "G9", "M9*N9"))

	path := filepath.Join(dir, "bot_monthly.xlsx")
	require.NoError(t, book.SaveAs(path))
	return path
}

type genFixture struct {
	db     *gorm.DB
	gen    *Generator
	branch models.Branch
	outDir string
}

func newGenFixture(t *testing.T) *genFixture {
	t.Helper()
	db := testutil.NewDB(t)
	thb := testutil.SeedCurrency(t, db, "THB", true)
	branch := testutil.SeedBranch(t, db, thb.ID)

	dir := t.TempDir()
	template := writeTemplate(t, dir)
	outDir := filepath.Join(dir, "bot_reports")
	registry := reporting.NewRegistry(testutil.Logger())
	gen := NewGenerator(testutil.Logger(), registry, template, outDir)
	return &genFixture{db: db, gen: gen, branch: branch, outDir: outDir}
}

func (f *genFixture) seedEvents(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.BotBuyFX{
		BranchID: f.branch.ID, CustomerType: "1", CustomerName: "Somchai J.",
		IDType: models.IDTypeThaiID, IDNumber: "1234567890123", CountryCode: "TH",
		CurrencyCode: "USD", Rate: testutil.Dec(t, "35"),
		ForeignAmount: testutil.Dec(t, "1000"), LocalAmount: testutil.Dec(t, "35000"),
		USDEquivalent: testutil.Dec(t, "1000"), PaymentMethod: "cash", EventAt: at,
	}).Error)
	require.NoError(t, f.db.Create(&models.BotBuyFX{
		BranchID: f.branch.ID, CustomerType: "2", CustomerName: "J. Smith",
		IDType: models.IDTypePassport, IDNumber: "X1234567", CountryCode: "GB",
		CurrencyCode: "GBP", Rate: testutil.Dec(t, "44"),
		ForeignAmount: testutil.Dec(t, "500"), LocalAmount: testutil.Dec(t, "22000"),
		USDEquivalent: testutil.Dec(t, "628.57"), PaymentMethod: "transfer", EventAt: at.Add(time.Hour),
	}).Error)
	require.NoError(t, f.db.Create(&models.BotSellFX{
		BranchID: f.branch.ID, CustomerType: "1", CustomerName: "Malee P.",
		IDNumber: "3210987654321", CurrencyCode: "USD", Rate: testutil.Dec(t, "35.5"),
		ForeignAmount: testutil.Dec(t, "200"), LocalAmount: testutil.Dec(t, "7100"),
		USDEquivalent: testutil.Dec(t, "200"), PaymentMethod: "cash", EventAt: at,
	}).Error)
	require.NoError(t, f.db.Create(&models.BotFCD{
		BranchID: f.branch.ID, BankName: "Krung Thai", AccountNo: "111-222-333",
		CurrencyCode: "USD", Amount: testutil.Dec(t, "200"),
		Balance: testutil.Dec(t, "10200"), EventAt: at,
	}).Error)
	require.NoError(t, f.db.Create(&models.BotProvider{
		BranchID: f.branch.ID, CurrencyCode: "USD", Amount: testutil.Dec(t, "25000"),
		USDEquivalent: testutil.Dec(t, "25000"), Remarks: "funding", EventAt: at,
	}).Error)
}

func TestRenderFillsAllSheets(t *testing.T) {
	f := newGenFixture(t)
	at := time.Date(2026, time.July, 10, 9, 0, 0, 0, time.Local)
	f.seedEvents(t, at)

	path, err := f.gen.Render(f.db, &f.branch, 2026, time.July)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.outDir, "2026", "07", "001_202607.xlsx"), path)

	book, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer book.Close()

	cell := func(sheet, ref string) string {
		v, err := book.GetCellValue(sheet, ref)
		require.NoError(t, err)
		return v
	}

	// Provider Info header block B2..B9.
	assert.Equal(t, "123", cell(sheetProvider, "B2"))
	assert.Equal(t, "Example Exchange Co., Ltd.", cell(sheetProvider, "B3"))
	assert.Equal(t, "MC123/2560", cell(sheetProvider, "B4"))
	assert.Equal(t, "Sukhumvit Branch", cell(sheetProvider, "B5"))
	assert.Equal(t, "BKK", cell(sheetProvider, "B6"))
	assert.Equal(t, "กรกฎาคม", cell(sheetProvider, "B7"))
	assert.Equal(t, "2569", cell(sheetProvider, "B8"))
	assert.Equal(t, "2026-07-31", cell(sheetProvider, "B9"))
	assert.Equal(t, "USD", cell(sheetProvider, "B12"))

	// Buy FX data rows from row 9, event order, sequence restarting at 1,
	// columns in the regulator's order across the writable slots.
	assert.Equal(t, "1", cell(sheetBuyFX, "A9"))
	assert.Equal(t, "1", cell(sheetBuyFX, "B9"))
	assert.Equal(t, "Somchai J.", cell(sheetBuyFX, "C9"))
	assert.Equal(t, models.IDTypeThaiID, cell(sheetBuyFX, "E9"))
	assert.Equal(t, "1234567890123", cell(sheetBuyFX, "F9"))
	assert.Equal(t, "TH", cell(sheetBuyFX, "K9"))
	assert.Equal(t, "USD", cell(sheetBuyFX, "M9"))
	assert.Equal(t, "35", cell(sheetBuyFX, "N9"))
	assert.Equal(t, "1000", cell(sheetBuyFX, "R9"))
	assert.Equal(t, "cash", cell(sheetBuyFX, "S9"))
	assert.Equal(t, "2", cell(sheetBuyFX, "A10"))
	assert.Equal(t, "J. Smith", cell(sheetBuyFX, "C10"))

	// The template formula column survives the fill.
	formula, err := book.GetCellFormula(sheetBuyFX, "G9")
	require.NoError(t, err)
	assert.Equal(t, "M9*N9", formula)

	// Sell FX restarts its own sequence.
	assert.Equal(t, "1", cell(sheetSellFX, "A9"))
	assert.Equal(t, "Malee P.", cell(sheetSellFX, "C9"))

	// FCD rows start at row 8, led by the event date in BE-year, month, day.
	assert.Equal(t, "2569", cell(sheetFCD, "A8"))
	assert.Equal(t, "7", cell(sheetFCD, "B8"))
	assert.Equal(t, "10", cell(sheetFCD, "C8"))
	assert.Equal(t, "Krung Thai", cell(sheetFCD, "D8"))
	assert.Equal(t, "111-222-333", cell(sheetFCD, "E8"))
	assert.Equal(t, "USD", cell(sheetFCD, "F8"))
	assert.Equal(t, "10200", cell(sheetFCD, "G8"))
	assert.Equal(t, "200", cell(sheetFCD, "H8"))
}

func TestRenderEmptyMonthStillProducesWorkbook(t *testing.T) {
	f := newGenFixture(t)

	path, err := f.gen.Render(f.db, &f.branch, 2026, time.June)
	require.NoError(t, err)

	book, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer book.Close()
	v, err := book.GetCellValue(sheetBuyFX, "A9")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRenderMissingTemplate(t *testing.T) {
	db := testutil.NewDB(t)
	thb := testutil.SeedCurrency(t, db, "THB", true)
	branch := testutil.SeedBranch(t, db, thb.ID)
	gen := NewGenerator(testutil.Logger(), reporting.NewRegistry(testutil.Logger()),
		filepath.Join(t.TempDir(), "missing.xlsx"), t.TempDir())

	_, err := gen.Render(db, &branch, 2026, time.July)
	require.ErrorIs(t, err, ErrTemplateMissing)
}

func TestRenderSerializesPerMonthKey(t *testing.T) {
	f := newGenFixture(t)

	lockDir := filepath.Join(f.outDir, "2026", "07")
	require.NoError(t, os.MkdirAll(lockDir, 0o755))
	lockPath := filepath.Join(lockDir, fmt.Sprintf(".render_%d_202607.lock", f.branch.ID))
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))

	_, err := f.gen.Render(f.db, &f.branch, 2026, time.July)
	require.ErrorIs(t, err, ErrRenderInProgress)

	// Releasing the lock lets the render proceed.
	require.NoError(t, os.Remove(lockPath))
	_, err = f.gen.Render(f.db, &f.branch, 2026, time.July)
	require.NoError(t, err)
}
