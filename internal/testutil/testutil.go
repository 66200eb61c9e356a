// Package testutil provides the shared database and seed helpers for package
// tests. Tests run on an in-memory SQLite database with the full schema
// migrated; SQLite ignores FOR UPDATE so lock behavior itself is exercised
// sequentially.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/database"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var dbCounter atomic.Int64

// NewDB opens a fresh in-memory database with the schema migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := database.NewSQLiteDB(dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

// Logger returns a no-op logger for service construction.
func Logger() *zap.Logger { return zap.NewNop() }

// SeedCurrency inserts a currency and returns it.
func SeedCurrency(t *testing.T, db *gorm.DB, code string, isLocal bool) models.Currency {
	t.Helper()
	c := models.Currency{Code: code, NameEN: code, IsLocal: isLocal}
	require.NoError(t, db.Create(&c).Error)
	return c
}

// SeedBranch inserts a branch with regulatory identifiers and the given local
// currency.
func SeedBranch(t *testing.T, db *gorm.DB, localCurrencyID uint) models.Branch {
	t.Helper()
	b := models.Branch{
		Name:              "Sukhumvit Branch",
		InstitutionCode:   "123",
		BranchCode:        "001",
		BotSenderCode:     "S01",
		BotBranchAreaCode: "BKK",
		LicenseNo:         "MC123/2560",
		LicenseHolder:     "Example Exchange Co., Ltd.",
		LocalCurrencyID:   localCurrencyID,
	}
	require.NoError(t, db.Create(&b).Error)
	return b
}

// SeedRate posts a buy/sell rate for (branch, currency) on the given day.
func SeedRate(t *testing.T, db *gorm.DB, branchID, currencyID uint, day time.Time, buy, sell string) models.ExchangeRate {
	t.Helper()
	r := models.ExchangeRate{
		BranchID:   branchID,
		CurrencyID: currencyID,
		RateDate:   day.Format("2006-01-02"),
		BuyRate:    Dec(t, buy),
		SellRate:   Dec(t, sell),
	}
	require.NoError(t, db.Create(&r).Error)
	return r
}

// SeedBalance sets the inventory row for (branch, currency).
func SeedBalance(t *testing.T, db *gorm.DB, branchID, currencyID uint, amount string) {
	t.Helper()
	b := models.Balance{
		BranchID:   branchID,
		CurrencyID: currencyID,
		Amount:     Dec(t, amount),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, db.Create(&b).Error)
}

// Dec parses a decimal literal.
func Dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
