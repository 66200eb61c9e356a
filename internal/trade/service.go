package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/balance"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reservation"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/rules"
	"github.com/panzhenhai520/exchangenew-sub003/internal/config"
	"github.com/panzhenhai520/exchangenew-sub003/internal/rates"
	"github.com/panzhenhai520/exchangenew-sub003/internal/sequence"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrInsufficientBalance wraps InsufficientBalanceError for errors.Is.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAmountExceedsApproved re-exports the reservation sentinel so trade
	// callers match on one package.
	ErrAmountExceedsApproved = reservation.ErrAmountExceedsApproved
	// ErrTradeBlocked is returned when a blocking rule triggered and no
	// approved envelope covers the trade.
	ErrTradeBlocked = errors.New("trade blocked by compliance rule")
)

// InsufficientBalanceError reports which side is short, by how much.
type InsufficientBalanceError struct {
	Side         string // "local" or "foreign"
	Available    decimal.Decimal
	Required     decimal.Decimal
	Shortfall    decimal.Decimal
	CurrencyCode string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: available %s %s, required %s, short %s",
		e.Side, e.Available.String(), e.CurrencyCode, e.Required.String(), e.Shortfall.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ValidateRequest is a proposed trade.
type ValidateRequest struct {
	BranchID            uint            `validate:"required"`
	CurrencyID          uint            `validate:"required"`
	Direction           string          `validate:"required,oneof=buy sell"`
	Amount              decimal.Decimal `validate:"required"` // foreign amount, positive
	CustomerID          string
	CustomerName        string
	CustomerCountryCode string
	IDType              string
	FundingSource       string
}

// ValidateResult is the validation verdict for a proposed trade.
type ValidateResult struct {
	OK              bool
	BuyRate         decimal.Decimal
	SellRate        decimal.Decimal
	LocalAmount     decimal.Decimal
	AvailableAmount decimal.Decimal
	Triggered       bool
	Triggers        []rules.MatchedRule
	Warnings        []string
	// BypassReservation is set when an approved envelope covers the trade.
	BypassReservation *models.Reservation
	Err               error
}

// ExecuteRequest is a validated trade ready to commit.
type ExecuteRequest struct {
	ValidateRequest
	ExchangeRate decimal.Decimal `validate:"required"`
	LocalAmount  decimal.Decimal `validate:"required"`
	Purpose      string
	Remarks      string
	OperatorID   string `validate:"required"`
}

// ComplianceOutcome summarizes the regulatory side effects of one trade.
type ComplianceOutcome struct {
	AmloTriggered bool
	AmloMatches   []rules.MatchedRule
	BotEvent      bool
	FcdEvent      bool
	ConsumedNo    string // reservation number consumed by the envelope path
}

// ExecuteResult reports the committed trade.
type ExecuteResult struct {
	Transaction *models.Transaction
	Compliance  ComplianceOutcome
}

// Service validates and executes trades against branch inventories, runs the
// compliance post-triggers, and records split groups, reversals and manual
// adjustments.
type Service struct {
	db           *gorm.DB
	logger       *zap.Logger
	balances     *balance.Store
	allocator    *sequence.Allocator
	engine       *rules.Engine
	ruleRepo     *rules.Repository
	aggregator   *rules.Aggregator
	reservations *reservation.Store
	events       *reporting.EventWriter
	rates        *rates.Service
	validate     *validator.Validate
	cfg          config.ComplianceConfig
}

// NewService wires the trade service.
func NewService(
	db *gorm.DB,
	logger *zap.Logger,
	balances *balance.Store,
	allocator *sequence.Allocator,
	engine *rules.Engine,
	ruleRepo *rules.Repository,
	aggregator *rules.Aggregator,
	reservations *reservation.Store,
	events *reporting.EventWriter,
	rateSvc *rates.Service,
	cfg config.ComplianceConfig,
) *Service {
	return &Service{
		db:           db,
		logger:       logger,
		balances:     balances,
		allocator:    allocator,
		engine:       engine,
		ruleRepo:     ruleRepo,
		aggregator:   aggregator,
		reservations: reservations,
		events:       events,
		rates:        rateSvc,
		validate:     validator.New(),
		cfg:          cfg,
	}
}

// amloFormats are evaluated in filing-form order on every trade.
var amloFormats = []string{models.ReportAmlo101, models.ReportAmlo102, models.ReportAmlo103}

// Validate runs the pre-trade gate: rate lookup, paying-side sufficiency,
// approved-envelope bypass, then the rule engine. A blocked trade carries the
// most precise cause in Err.
func (s *Service) Validate(req *ValidateRequest) (*ValidateResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid trade request: %w", err)
	}

	now := time.Now()
	rate, err := s.rates.Lookup(s.db, req.BranchID, req.CurrencyID, now)
	if err != nil {
		return nil, err
	}

	_, localCurrencyID, err := s.branchAndLocal(s.db, req.BranchID)
	if err != nil {
		return nil, err
	}

	localAmount := localAmountFor(req.Direction, req.Amount, rate)
	result := &ValidateResult{
		BuyRate:     rate.BuyRate,
		SellRate:    rate.SellRate,
		LocalAmount: localAmount,
	}

	// The paying side depends on direction: a branch buy pays out local
	// currency, a branch sell pays out foreign inventory.
	payingCurrencyID, payingSide, required := localCurrencyID, "local", localAmount
	if req.Direction == models.DirectionSell {
		payingCurrencyID, payingSide, required = req.CurrencyID, "foreign", req.Amount
	}
	available, err := s.balances.Get(s.db, req.BranchID, payingCurrencyID)
	if err != nil {
		return nil, err
	}
	result.AvailableAmount = available
	if available.LessThan(required) {
		code, err := s.currencyCode(s.db, payingCurrencyID)
		if err != nil {
			return nil, err
		}
		result.Err = &InsufficientBalanceError{
			Side:         payingSide,
			Available:    available,
			Required:     required,
			Shortfall:    required.Sub(available),
			CurrencyCode: code,
		}
		return result, nil
	}

	// Envelope bypass: an approved reservation whose ceiling covers this
	// trade short-circuits the rule engine.
	envelope, err := s.findEnvelope(s.db, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if envelope != nil {
		if localAmount.Abs().LessThanOrEqual(envelope.LocalAmount.Abs()) {
			result.OK = true
			result.BypassReservation = envelope
			return result, nil
		}
		result.Err = fmt.Errorf("%w: approved=%s requested=%s",
			ErrAmountExceedsApproved, envelope.LocalAmount.String(), localAmount.String())
		return result, nil
	}

	verdicts, err := s.evaluateAmlo(s.db, req, localAmount, rate, now)
	if err != nil {
		return nil, err
	}
	allowContinue := true
	for _, v := range verdicts {
		if !v.Triggered {
			continue
		}
		result.Triggered = true
		result.Triggers = append(result.Triggers, v.Matched...)
		result.Warnings = append(result.Warnings, v.Warnings...)
		if !v.AllowContinue {
			allowContinue = false
		}
	}
	if result.Triggered && !allowContinue {
		result.Err = ErrTradeBlocked
		return result, nil
	}

	result.OK = true
	return result, nil
}

// Execute commits one trade atomically: balance legs in canonical lock
// order, transaction insert, envelope consumption, compliance post-triggers
// and flag bits all in one database transaction.
func (s *Service) Execute(req *ExecuteRequest) (*ExecuteResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid execute request: %w", err)
	}
	var out *ExecuteResult
	err := s.allocator.WithRetry(s.db, func(tx *gorm.DB) error {
		res, err := s.executeInTx(tx, req, nil, 0)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteGroup commits a split order: every leg of a mixed-denomination
// order in one transaction, sharing a business group id with leg sequence
// numbers in request order.
func (s *Service) ExecuteGroup(reqs []*ExecuteRequest) ([]*ExecuteResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty trade group")
	}
	for _, req := range reqs {
		if err := s.validate.Struct(req); err != nil {
			return nil, fmt.Errorf("invalid execute request: %w", err)
		}
	}
	groupID := uuid.New()
	results := make([]*ExecuteResult, 0, len(reqs))
	err := s.allocator.WithRetry(s.db, func(tx *gorm.DB) error {
		results = results[:0]
		for i, req := range reqs {
			res, err := s.executeInTx(tx, req, &groupID, i+1)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) executeInTx(tx *gorm.DB, req *ExecuteRequest, groupID *uuid.UUID, groupSeq int) (*ExecuteResult, error) {
	branch, localCurrencyID, err := s.branchAndLocal(tx, req.BranchID)
	if err != nil {
		return nil, err
	}
	currencyCode, err := s.currencyCode(tx, req.CurrencyID)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	// Signed legs: buy adds foreign and pays local, sell the reverse.
	foreignDelta, localDelta := req.Amount, req.LocalAmount.Neg()
	if req.Direction == models.DirectionSell {
		foreignDelta, localDelta = req.Amount.Neg(), req.LocalAmount
	}

	legs := []balance.Leg{
		{BranchID: req.BranchID, CurrencyID: req.CurrencyID},
		{BranchID: req.BranchID, CurrencyID: localCurrencyID},
	}
	deltas := map[balance.Leg]decimal.Decimal{
		legs[0]: foreignDelta,
		legs[1]: localDelta,
	}
	balance.SortLegs(legs)

	// Envelope re-check under the execute transaction; the validator's
	// answer may be stale.
	envelope, err := s.findEnvelope(tx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if envelope != nil && req.LocalAmount.Abs().GreaterThan(envelope.LocalAmount.Abs()) {
		return nil, fmt.Errorf("%w: approved=%s requested=%s",
			ErrAmountExceedsApproved, envelope.LocalAmount.String(), req.LocalAmount.String())
	}

	for _, leg := range legs {
		if _, _, err := s.balances.Mutate(tx, leg.BranchID, leg.CurrencyID, deltas[leg]); err != nil {
			if errors.Is(err, balance.ErrBalanceUnderflow) {
				return nil, s.underflowDetail(tx, leg, deltas[leg], err)
			}
			return nil, err
		}
	}

	txnNo, err := s.allocator.NextTransactionNo(tx, branch, now)
	if err != nil {
		return nil, err
	}

	txn := models.Transaction{
		ID:                  uuid.New(),
		TransactionNo:       txnNo,
		BranchID:            req.BranchID,
		CurrencyID:          req.CurrencyID,
		Direction:           req.Direction,
		ForeignAmount:       foreignDelta,
		LocalAmount:         localDelta,
		Rate:                req.ExchangeRate,
		CustomerID:          req.CustomerID,
		CustomerName:        req.CustomerName,
		CustomerCountryCode: req.CustomerCountryCode,
		IDType:              req.IDType,
		TransactionAt:       now,
		OperatorID:          req.OperatorID,
		Purpose:             req.Purpose,
		Remarks:             req.Remarks,
		FundingSource:       req.FundingSource,
		BusinessGroupID:     groupID,
		GroupSequence:       groupSeq,
	}
	if err := tx.Create(&txn).Error; err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	outcome := ComplianceOutcome{}
	if envelope != nil {
		if err := s.reservations.Consume(tx, envelope.ID, txn.ID, req.LocalAmount); err != nil {
			return nil, err
		}
		outcome.AmloTriggered = true
		outcome.ConsumedNo = envelope.ReservationNo
	} else {
		// AMLO post-trigger sets the flag bit; report creation stays on
		// the reservation/approval path. A failure here never rolls the
		// trade back since the validator already ran the same rules.
		verdicts, err := s.evaluateAmloExec(tx, req, now)
		if err != nil {
			s.logger.Error("amlo post-trigger failed", zap.String("transaction_no", txnNo), zap.Error(err))
		} else {
			for _, v := range verdicts {
				if v.Triggered {
					outcome.AmloTriggered = true
					outcome.AmloMatches = append(outcome.AmloMatches, v.Matched...)
				}
			}
		}
	}

	botFlag, fcdFlag, err := s.events.WriteForTransaction(tx, &txn, currencyCode)
	if err != nil {
		// Recoverable by the monthly reconstruction pass.
		s.logger.Error("bot post-trigger failed", zap.String("transaction_no", txnNo), zap.Error(err))
		botFlag, fcdFlag = false, false
	}
	outcome.BotEvent = botFlag
	outcome.FcdEvent = fcdFlag

	flags := map[string]interface{}{
		"amlo_flag": outcome.AmloTriggered,
		"bot_flag":  botFlag,
		"fcd_flag":  fcdFlag,
	}
	if err := tx.Model(&models.Transaction{}).Where("id = ?", txn.ID).Updates(flags).Error; err != nil {
		return nil, fmt.Errorf("failed to set regulatory flags: %w", err)
	}
	txn.AmloFlag = outcome.AmloTriggered
	txn.BotFlag = botFlag
	txn.FcdFlag = fcdFlag

	s.logger.Info("trade executed",
		zap.String("transaction_no", txnNo),
		zap.String("direction", req.Direction),
		zap.String("foreign_amount", req.Amount.String()),
		zap.String("local_amount", req.LocalAmount.String()),
		zap.Bool("amlo", outcome.AmloTriggered),
		zap.Bool("bot", botFlag))

	return &ExecuteResult{Transaction: &txn, Compliance: outcome}, nil
}

// Reverse books an offsetting transaction for a committed trade. The
// original row is untouched; the new row points back through ReversalOf.
func (s *Service) Reverse(transactionID uuid.UUID, operatorID, reason string) (*models.Transaction, error) {
	var reversal *models.Transaction
	err := s.allocator.WithRetry(s.db, func(tx *gorm.DB) error {
		var original models.Transaction
		if err := tx.First(&original, "id = ?", transactionID).Error; err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		branch, localCurrencyID, err := s.branchAndLocal(tx, original.BranchID)
		if err != nil {
			return err
		}

		legs := []balance.Leg{
			{BranchID: original.BranchID, CurrencyID: original.CurrencyID},
			{BranchID: original.BranchID, CurrencyID: localCurrencyID},
		}
		deltas := map[balance.Leg]decimal.Decimal{
			legs[0]: original.ForeignAmount.Neg(),
			legs[1]: original.LocalAmount.Neg(),
		}
		balance.SortLegs(legs)
		for _, leg := range legs {
			if _, _, err := s.balances.Mutate(tx, leg.BranchID, leg.CurrencyID, deltas[leg]); err != nil {
				return err
			}
		}

		now := time.Now()
		txnNo, err := s.allocator.NextTransactionNo(tx, branch, now)
		if err != nil {
			return err
		}
		origID := original.ID
		row := models.Transaction{
			ID:                  uuid.New(),
			TransactionNo:       txnNo,
			BranchID:            original.BranchID,
			CurrencyID:          original.CurrencyID,
			Direction:           oppositeDirection(original.Direction),
			ForeignAmount:       original.ForeignAmount.Neg(),
			LocalAmount:         original.LocalAmount.Neg(),
			Rate:                original.Rate,
			CustomerID:          original.CustomerID,
			CustomerName:        original.CustomerName,
			CustomerCountryCode: original.CustomerCountryCode,
			IDType:              original.IDType,
			TransactionAt:       now,
			OperatorID:          operatorID,
			Remarks:             reason,
			ReversalOf:          &origID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert reversal: %w", err)
		}
		reversal = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

func (s *Service) evaluateAmlo(db *gorm.DB, req *ValidateRequest, localAmount decimal.Decimal, rate *models.ExchangeRate, now time.Time) ([]rules.Result, error) {
	code, err := s.currencyCode(db, req.CurrencyID)
	if err != nil {
		return nil, err
	}

	verdicts := make([]rules.Result, 0, len(amloFormats))
	for _, format := range amloFormats {
		ruleSet, err := s.ruleRepo.ForReportType(db, format, req.BranchID)
		if err != nil {
			return nil, err
		}
		if len(ruleSet) == 0 {
			continue
		}

		// Aggregates are cross-branch unless a rule opts into branch scope;
		// a scoped rule never narrows the windows its global siblings see.
		agg, err := s.aggregator.Aggregates(db, req.CustomerID, req.BranchID, false, now)
		if err != nil {
			return nil, err
		}
		scopedAgg := agg
		if rules.BranchScoped(ruleSet) {
			scopedAgg, err = s.aggregator.Aggregates(db, req.CustomerID, req.BranchID, true, now)
			if err != nil {
				return nil, err
			}
		}

		base := rules.Snapshot{
			rules.FieldLocalAmount:     localAmount.Abs(),
			rules.FieldForeignAmount:   req.Amount.Abs(),
			rules.FieldRate:            rateFor(req.Direction, rate),
			rules.FieldDirection:       req.Direction,
			rules.FieldCurrencyCode:    code,
			rules.FieldCustomerID:      req.CustomerID,
			rules.FieldCustomerCountry: req.CustomerCountryCode,
			rules.FieldIDType:          req.IDType,
			rules.FieldFundingSource:   req.FundingSource,
		}
		snapFor := func(a *rules.CustomerAggregates) rules.Snapshot {
			snap := make(rules.Snapshot, len(base)+4)
			for k, v := range base {
				snap[k] = v
			}
			a.Enrich(snap, localAmount)
			return snap
		}
		global := snapFor(agg)
		scoped := global
		if scopedAgg != agg {
			scoped = snapFor(scopedAgg)
		}

		verdicts = append(verdicts, s.engine.EvaluateScoped(ruleSet, global, scoped, req.BranchID))
	}
	return verdicts, nil
}

func (s *Service) evaluateAmloExec(tx *gorm.DB, req *ExecuteRequest, now time.Time) ([]rules.Result, error) {
	rate := &models.ExchangeRate{BuyRate: req.ExchangeRate, SellRate: req.ExchangeRate}
	return s.evaluateAmlo(tx, &req.ValidateRequest, req.LocalAmount, rate, now)
}

// findEnvelope scans the AMLO formats for the customer's newest approved
// reservation. Execute passes its transaction so the read shares the commit's
// consistency view.
func (s *Service) findEnvelope(db *gorm.DB, customerID string) (*models.Reservation, error) {
	if customerID == "" {
		return nil, nil
	}
	var newest *models.Reservation
	for _, format := range amloFormats {
		res, err := s.reservations.FindApprovedEnvelope(db, customerID, format)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		if newest == nil || (res.AuditTime != nil && newest.AuditTime != nil && res.AuditTime.After(*newest.AuditTime)) {
			newest = res
		}
	}
	return newest, nil
}

func (s *Service) branchAndLocal(db *gorm.DB, branchID uint) (*models.Branch, uint, error) {
	var branch models.Branch
	if err := db.First(&branch, branchID).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to load branch: %w", err)
	}
	if branch.LocalCurrencyID == 0 {
		return nil, 0, fmt.Errorf("branch %d has no local currency configured", branchID)
	}
	return &branch, branch.LocalCurrencyID, nil
}

func (s *Service) currencyCode(db *gorm.DB, currencyID uint) (string, error) {
	var currency models.Currency
	if err := db.First(&currency, currencyID).Error; err != nil {
		return "", fmt.Errorf("failed to load currency: %w", err)
	}
	return currency.Code, nil
}

func (s *Service) underflowDetail(tx *gorm.DB, leg balance.Leg, delta decimal.Decimal, cause error) error {
	code, codeErr := s.currencyCode(tx, leg.CurrencyID)
	if codeErr != nil {
		return cause
	}
	available, balErr := s.balances.Get(tx, leg.BranchID, leg.CurrencyID)
	if balErr != nil {
		return cause
	}
	required := delta.Neg()
	return &InsufficientBalanceError{
		Side:         "paying",
		Available:    available,
		Required:     required,
		Shortfall:    required.Sub(available),
		CurrencyCode: code,
	}
}

func localAmountFor(direction string, amount decimal.Decimal, rate *models.ExchangeRate) decimal.Decimal {
	return amount.Mul(rateFor(direction, rate))
}

func rateFor(direction string, rate *models.ExchangeRate) decimal.Decimal {
	if direction == models.DirectionBuy {
		return rate.BuyRate
	}
	return rate.SellRate
}

func oppositeDirection(direction string) string {
	if direction == models.DirectionBuy {
		return models.DirectionSell
	}
	return models.DirectionBuy
}
