package balance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/testutil"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

func TestMutateCreatesRowOnFirstReference(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)

	err := db.Transaction(func(tx *gorm.DB) error {
		before, after, err := store.Mutate(tx, 1, 7, testutil.Dec(t, "100.50"))
		require.NoError(t, err)
		assert.True(t, before.IsZero())
		assert.True(t, after.Equal(testutil.Dec(t, "100.50")))
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(db, 1, 7)
	require.NoError(t, err)
	assert.True(t, got.Equal(testutil.Dec(t, "100.50")))
}

func TestMutateUnderflowRejected(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)
	testutil.SeedBalance(t, db, 1, 7, "50")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, _, err := store.Mutate(tx, 1, 7, testutil.Dec(t, "-50.01"))
		return err
	})
	require.ErrorIs(t, err, ErrBalanceUnderflow)

	// The failed transaction leaves the balance untouched.
	got, err := store.Get(db, 1, 7)
	require.NoError(t, err)
	assert.True(t, got.Equal(testutil.Dec(t, "50")))
}

func TestMutateToExactZeroAllowed(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)
	testutil.SeedBalance(t, db, 1, 7, "50")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, after, err := store.Mutate(tx, 1, 7, testutil.Dec(t, "-50"))
		require.NoError(t, err)
		assert.True(t, after.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestMutateOverdrawAllowedWhenConfigured(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), true)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, after, err := store.Mutate(tx, 1, 7, testutil.Dec(t, "-10"))
		require.NoError(t, err)
		assert.True(t, after.Equal(testutil.Dec(t, "-10")))
		return nil
	})
	require.NoError(t, err)
}

// Opposing legs move money without creating or destroying any: the sum of
// deltas applied equals the sum of balance changes.
func TestTwoLegConservation(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)
	testutil.SeedBalance(t, db, 1, 1, "1000000") // THB
	testutil.SeedBalance(t, db, 1, 2, "20000")   // USD

	foreignDelta := testutil.Dec(t, "500")      // branch buys 500 USD
	localDelta := testutil.Dec(t, "-17500.25")  // pays THB at 35.0005

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, _, err := store.Mutate(tx, 1, 1, localDelta); err != nil {
			return err
		}
		_, _, err := store.Mutate(tx, 1, 2, foreignDelta)
		return err
	})
	require.NoError(t, err)

	thb, err := store.Get(db, 1, 1)
	require.NoError(t, err)
	usd, err := store.Get(db, 1, 2)
	require.NoError(t, err)
	assert.True(t, thb.Equal(testutil.Dec(t, "982499.75")))
	assert.True(t, usd.Equal(testutil.Dec(t, "20500")))
}

func TestGetMissingRowIsZero(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)

	got, err := store.Get(db, 9, 9)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	var count int64
	require.NoError(t, db.Model(&models.Balance{}).Count(&count).Error)
	assert.Zero(t, count, "Get must not create rows")
}

func TestSortLegsCanonicalOrder(t *testing.T) {
	legs := []Leg{
		{BranchID: 2, CurrencyID: 1},
		{BranchID: 1, CurrencyID: 9},
		{BranchID: 1, CurrencyID: 2},
	}
	SortLegs(legs)
	assert.Equal(t, []Leg{
		{BranchID: 1, CurrencyID: 2},
		{BranchID: 1, CurrencyID: 9},
		{BranchID: 2, CurrencyID: 1},
	}, legs)
}

func TestLockSeedsZeroRow(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(testutil.Logger(), false)

	err := db.Transaction(func(tx *gorm.DB) error {
		row, err := store.Lock(tx, 3, 4)
		require.NoError(t, err)
		assert.True(t, row.Amount.Equal(decimal.Zero))
		return nil
	})
	require.NoError(t, err)
}
