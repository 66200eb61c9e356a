package trade

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/balance"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reservation"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/rules"
	"github.com/panzhenhai520/exchangenew-sub003/internal/config"
	"github.com/panzhenhai520/exchangenew-sub003/internal/fields"
	"github.com/panzhenhai520/exchangenew-sub003/internal/rates"
	"github.com/panzhenhai520/exchangenew-sub003/internal/sequence"
	"github.com/panzhenhai520/exchangenew-sub003/internal/testutil"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

type tradeFixture struct {
	db       *gorm.DB
	svc      *Service
	store    *balance.Store
	resStore *reservation.Store
	audit    *reservation.AuditService
	branch   models.Branch
	thb      models.Currency
	usd      models.Currency
}

func newTradeFixture(t *testing.T) *tradeFixture {
	t.Helper()
	db := testutil.NewDB(t)
	logger := testutil.Logger()

	thb := testutil.SeedCurrency(t, db, "THB", true)
	usd := testutil.SeedCurrency(t, db, "USD", false)
	branch := testutil.SeedBranch(t, db, thb.ID)
	now := time.Now()
	testutil.SeedRate(t, db, branch.ID, usd.ID, now, "35", "35.5")
	testutil.SeedBalance(t, db, branch.ID, thb.ID, "1000000")
	testutil.SeedBalance(t, db, branch.ID, usd.ID, "5000")

	cfg := config.ComplianceConfig{
		SequenceMaxRetries:   5,
		ProviderThresholdUSD: 20000,
		USDFallbackRate:      35,
	}
	allocator := sequence.NewAllocator(logger, cfg.SequenceMaxRetries)
	store := balance.NewStore(logger, cfg.AllowOverdraw)
	rateSvc := rates.NewService(logger, cfg.USDFallbackRate)
	events := reporting.NewEventWriter(logger, rateSvc)
	fieldSvc := fields.NewService(logger)
	resStore := reservation.NewStore(logger, allocator, fieldSvc)
	registry := reporting.NewRegistry(logger)
	audit := reservation.NewAuditService(db, logger, allocator, registry)

	svc := NewService(db, logger, store, allocator,
		rules.NewEngine(logger), rules.NewRepository(logger), rules.NewAggregator(logger),
		resStore, events, rateSvc, cfg)

	return &tradeFixture{db: db, svc: svc, store: store, resStore: resStore, audit: audit,
		branch: branch, thb: thb, usd: usd}
}

func (f *tradeFixture) buyRequest(t *testing.T, foreign string) *ValidateRequest {
	t.Helper()
	return &ValidateRequest{
		BranchID:            f.branch.ID,
		CurrencyID:          f.usd.ID,
		Direction:           models.DirectionBuy,
		Amount:              testutil.Dec(t, foreign),
		CustomerID:          "1234567890123",
		CustomerName:        "Somchai J.",
		CustomerCountryCode: "TH",
		IDType:              models.IDTypeThaiID,
		FundingSource:       "cash",
	}
}

func (f *tradeFixture) executeRequest(t *testing.T, v *ValidateRequest, result *ValidateResult) *ExecuteRequest {
	t.Helper()
	rate := result.BuyRate
	if v.Direction == models.DirectionSell {
		rate = result.SellRate
	}
	return &ExecuteRequest{
		ValidateRequest: *v,
		ExchangeRate:    rate,
		LocalAmount:     result.LocalAmount,
		OperatorID:      "op-1",
	}
}

func (f *tradeFixture) seedBlockingRule(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.TriggerRule{
		Name:       "cash threshold",
		ReportType: models.ReportAmlo101,
		Expression: `{"field":"local_amount","operator":">=","value":2000000}`,
		Priority:   100,
		Active:     true,
	}).Error)
}

func TestValidateHappyBuy(t *testing.T) {
	f := newTradeFixture(t)
	req := f.buyRequest(t, "1000")

	result, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.True(t, result.LocalAmount.Equal(testutil.Dec(t, "35000")))
	assert.True(t, result.BuyRate.Equal(testutil.Dec(t, "35")))
	assert.False(t, result.Triggered)
}

func TestValidateNoRateToday(t *testing.T) {
	f := newTradeFixture(t)
	eur := testutil.SeedCurrency(t, f.db, "EUR", false)
	req := f.buyRequest(t, "1000")
	req.CurrencyID = eur.ID

	_, err := f.svc.Validate(req)
	require.ErrorIs(t, err, rates.ErrNoRateToday)
}

func TestValidateInsufficientPayingSide(t *testing.T) {
	f := newTradeFixture(t)
	// Branch sells 6000 USD while holding 5000.
	req := f.buyRequest(t, "6000")
	req.Direction = models.DirectionSell

	result, err := f.svc.Validate(req)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.ErrorIs(t, result.Err, ErrInsufficientBalance)

	var detail *InsufficientBalanceError
	require.ErrorAs(t, result.Err, &detail)
	assert.Equal(t, "foreign", detail.Side)
	assert.Equal(t, "USD", detail.CurrencyCode)
	assert.True(t, detail.Available.Equal(testutil.Dec(t, "5000")))
	assert.True(t, detail.Required.Equal(testutil.Dec(t, "6000")))
	assert.True(t, detail.Shortfall.Equal(testutil.Dec(t, "1000")))
}

func TestValidateBlockedByRule(t *testing.T) {
	f := newTradeFixture(t)
	f.seedBlockingRule(t)

	// 60000 USD × 35 = 2,100,000 THB, over the threshold; needs more local
	// inventory than the fixture seeds.
	require.NoError(t, f.db.Model(&models.Balance{}).
		Where("branch_id = ? AND currency_id = ?", f.branch.ID, f.thb.ID).
		Update("amount", testutil.Dec(t, "3000000")).Error)

	result, err := f.svc.Validate(f.buyRequest(t, "60000"))
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.Triggered)
	require.Len(t, result.Triggers, 1)
	assert.Equal(t, "cash threshold", result.Triggers[0].Name)
	require.ErrorIs(t, result.Err, ErrTradeBlocked)
}

func TestValidateWarnOnlyRuleAllowsTrade(t *testing.T) {
	f := newTradeFixture(t)
	require.NoError(t, f.db.Create(&models.TriggerRule{
		Name:          "watchlist country",
		ReportType:    models.ReportAmlo103,
		Expression:    `{"field":"local_amount","operator":">","value":10000}`,
		Priority:      50,
		AllowContinue: true,
		WarningEN:     "verify source of funds",
		Active:        true,
	}).Error)

	result, err := f.svc.Validate(f.buyRequest(t, "1000"))
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Triggered)
	assert.Equal(t, []string{"verify source of funds"}, result.Warnings)
}

// Cumulative suspicious-transaction flow: history accumulated at other
// branches counts toward a global rule's 30-day window, and an unrelated
// branch-scoped sibling on the same report type does not narrow it.
func TestValidateCumulativeTriggerAcrossBranches(t *testing.T) {
	f := newTradeFixture(t)
	expr := `{"field":"cumulative_amount_30d","operator":">=","value":4000000}`
	require.NoError(t, f.db.Create(&models.TriggerRule{
		Name:          "cumulative str",
		ReportType:    models.ReportAmlo103,
		Expression:    expr,
		Priority:      100,
		AllowContinue: true,
		Active:        true,
	}).Error)
	require.NoError(t, f.db.Create(&models.TriggerRule{
		Name:          "branch cumulative str",
		ReportType:    models.ReportAmlo103,
		Expression:    expr,
		Priority:      90,
		AllowContinue: true,
		BranchScoped:  true,
		Active:        true,
	}).Error)

	// 4.2M THB of recent history at another branch.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.db.Create(&models.Transaction{
			ID:            uuid.New(),
			TransactionNo: "TXN-" + uuid.NewString(),
			BranchID:      f.branch.ID + 1,
			CurrencyID:    f.usd.ID,
			Direction:     models.DirectionBuy,
			ForeignAmount: testutil.Dec(t, "40000"),
			LocalAmount:   testutil.Dec(t, "-1400000"),
			CustomerID:    "1234567890123",
			TransactionAt: time.Now().Add(-time.Duration(i+1) * 24 * time.Hour),
		}).Error)
	}

	result, err := f.svc.Validate(f.buyRequest(t, "1000"))
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	require.True(t, result.Triggered)
	require.Len(t, result.Triggers, 1)
	assert.Equal(t, "cumulative str", result.Triggers[0].Name)
}

func TestExecuteMovesBothLegsAndWritesEvents(t *testing.T) {
	f := newTradeFixture(t)
	req := f.buyRequest(t, "1000")
	result, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.True(t, result.OK)

	out, err := f.svc.Execute(f.executeRequest(t, req, result))
	require.NoError(t, err)

	txn := out.Transaction
	assert.Regexp(t, `^TXN-001-\d{8}-\d{6}$`, txn.TransactionNo)
	assert.True(t, txn.ForeignAmount.Equal(testutil.Dec(t, "1000")))
	assert.True(t, txn.LocalAmount.Equal(testutil.Dec(t, "-35000")))
	assert.True(t, txn.BotFlag)
	assert.False(t, txn.AmloFlag)
	assert.False(t, txn.FcdFlag)

	thb, err := f.store.Get(f.db, f.branch.ID, f.thb.ID)
	require.NoError(t, err)
	usd, err := f.store.Get(f.db, f.branch.ID, f.usd.ID)
	require.NoError(t, err)
	assert.True(t, thb.Equal(testutil.Dec(t, "965000")))
	assert.True(t, usd.Equal(testutil.Dec(t, "6000")))

	var event models.BotBuyFX
	require.NoError(t, f.db.First(&event).Error)
	require.NotNil(t, event.TransactionID)
	assert.Equal(t, txn.ID, *event.TransactionID)
	assert.Equal(t, reporting.CustomerTypeResident, event.CustomerType)
	assert.True(t, event.USDEquivalent.Equal(testutil.Dec(t, "1000")))
}

func TestExecuteUnderflowRollsBackEverything(t *testing.T) {
	f := newTradeFixture(t)
	req := f.buyRequest(t, "1000")
	result, err := f.svc.Validate(req)
	require.NoError(t, err)

	exec := f.executeRequest(t, req, result)
	exec.LocalAmount = testutil.Dec(t, "2000000") // more than the THB inventory

	_, err = f.svc.Execute(exec)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	thb, err := f.store.Get(f.db, f.branch.ID, f.thb.ID)
	require.NoError(t, err)
	assert.True(t, thb.Equal(testutil.Dec(t, "1000000")))
	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExecuteFcdFundingWritesFcdEvent(t *testing.T) {
	f := newTradeFixture(t)
	req := f.buyRequest(t, "500")
	req.Direction = models.DirectionSell
	req.FundingSource = "fcd"
	result, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.True(t, result.OK)

	out, err := f.svc.Execute(f.executeRequest(t, req, result))
	require.NoError(t, err)
	assert.True(t, out.Transaction.BotFlag)
	assert.True(t, out.Transaction.FcdFlag)

	var sellCount, fcdCount int64
	require.NoError(t, f.db.Model(&models.BotSellFX{}).Count(&sellCount).Error)
	require.NoError(t, f.db.Model(&models.BotFCD{}).Count(&fcdCount).Error)
	assert.Equal(t, int64(1), sellCount)
	assert.Equal(t, int64(1), fcdCount)
}

// Envelope flow: a blocked trade is reserved, approved, then executed inside
// the approved ceiling, completing the reservation.
func TestEnvelopeBypassAndConsumption(t *testing.T) {
	f := newTradeFixture(t)
	f.seedBlockingRule(t)
	require.NoError(t, f.db.Model(&models.Balance{}).
		Where("branch_id = ? AND currency_id = ?", f.branch.ID, f.thb.ID).
		Update("amount", testutil.Dec(t, "3000000")).Error)

	req := f.buyRequest(t, "60000")
	blocked, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.ErrorIs(t, blocked.Err, ErrTradeBlocked)

	saved, err := f.resStore.Save(f.db, &reservation.SaveRequest{
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		IDType:       req.IDType,
		CurrencyID:   req.CurrencyID,
		Direction:    req.Direction,
		Amount:       req.Amount,
		LocalAmount:  blocked.LocalAmount,
		Rate:         blocked.BuyRate,
		ReportType:   models.ReportAmlo101,
		BranchID:     f.branch.ID,
		OperatorID:   "op-1",
	})
	require.NoError(t, err)
	report, err := f.audit.Approve(saved.ReservationID, "auditor-1")
	require.NoError(t, err)

	// Same trade now bypasses the rules via the approved envelope.
	approved, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.NoError(t, approved.Err)
	assert.True(t, approved.OK)
	require.NotNil(t, approved.BypassReservation)
	assert.Equal(t, saved.ReservationNo, approved.BypassReservation.ReservationNo)

	out, err := f.svc.Execute(f.executeRequest(t, req, approved))
	require.NoError(t, err)
	assert.True(t, out.Transaction.AmloFlag)
	assert.Equal(t, saved.ReservationNo, out.Compliance.ConsumedNo)

	res, err := f.resStore.Get(f.db, saved.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCompleted, res.Status)
	require.NotNil(t, res.LinkedTransactionID)
	assert.Equal(t, out.Transaction.ID, *res.LinkedTransactionID)

	// The filed report now points at the executing transaction.
	var updated models.AmloReport
	require.NoError(t, f.db.First(&updated, "id = ?", report.ID).Error)
	require.NotNil(t, updated.TransactionID)
	assert.Equal(t, out.Transaction.ID, *updated.TransactionID)
}

func TestValidateOverEnvelopeFails(t *testing.T) {
	f := newTradeFixture(t)
	f.seedBlockingRule(t)
	require.NoError(t, f.db.Model(&models.Balance{}).
		Where("branch_id = ? AND currency_id = ?", f.branch.ID, f.thb.ID).
		Update("amount", testutil.Dec(t, "5000000")).Error)

	req := f.buyRequest(t, "60000")
	blocked, err := f.svc.Validate(req)
	require.NoError(t, err)
	require.ErrorIs(t, blocked.Err, ErrTradeBlocked)

	saved, err := f.resStore.Save(f.db, &reservation.SaveRequest{
		CustomerID: req.CustomerID, CustomerName: req.CustomerName, IDType: req.IDType,
		CurrencyID: req.CurrencyID, Direction: req.Direction,
		Amount: req.Amount, LocalAmount: blocked.LocalAmount, Rate: blocked.BuyRate,
		ReportType: models.ReportAmlo101, BranchID: f.branch.ID, OperatorID: "op-1",
	})
	require.NoError(t, err)
	_, err = f.audit.Approve(saved.ReservationID, "auditor-1")
	require.NoError(t, err)

	bigger := f.buyRequest(t, "80000")
	result, err := f.svc.Validate(bigger)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.True(t, errors.Is(result.Err, ErrAmountExceedsApproved))
}

func TestReverseRestoresBalances(t *testing.T) {
	f := newTradeFixture(t)
	req := f.buyRequest(t, "1000")
	result, err := f.svc.Validate(req)
	require.NoError(t, err)

	out, err := f.svc.Execute(f.executeRequest(t, req, result))
	require.NoError(t, err)

	reversal, err := f.svc.Reverse(out.Transaction.ID, "op-2", "customer returned")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, reversal.Direction)
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, out.Transaction.ID, *reversal.ReversalOf)
	assert.True(t, reversal.ForeignAmount.Equal(testutil.Dec(t, "-1000")))
	assert.True(t, reversal.LocalAmount.Equal(testutil.Dec(t, "35000")))

	thb, err := f.store.Get(f.db, f.branch.ID, f.thb.ID)
	require.NoError(t, err)
	usd, err := f.store.Get(f.db, f.branch.ID, f.usd.ID)
	require.NoError(t, err)
	assert.True(t, thb.Equal(testutil.Dec(t, "1000000")))
	assert.True(t, usd.Equal(testutil.Dec(t, "5000")))
}

func TestExecuteGroupSharesGroupID(t *testing.T) {
	f := newTradeFixture(t)

	first := f.buyRequest(t, "300")
	second := f.buyRequest(t, "700")
	v1, err := f.svc.Validate(first)
	require.NoError(t, err)
	v2, err := f.svc.Validate(second)
	require.NoError(t, err)

	results, err := f.svc.ExecuteGroup([]*ExecuteRequest{
		f.executeRequest(t, first, v1),
		f.executeRequest(t, second, v2),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	g1 := results[0].Transaction.BusinessGroupID
	g2 := results[1].Transaction.BusinessGroupID
	require.NotNil(t, g1)
	require.NotNil(t, g2)
	assert.Equal(t, *g1, *g2)
	assert.Equal(t, 1, results[0].Transaction.GroupSequence)
	assert.Equal(t, 2, results[1].Transaction.GroupSequence)

	usd, err := f.store.Get(f.db, f.branch.ID, f.usd.ID)
	require.NoError(t, err)
	assert.True(t, usd.Equal(testutil.Dec(t, "6000")))
}
