package rates

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrNoRateToday is returned when a branch has not posted a rate for the
	// requested currency and day.
	ErrNoRateToday = errors.New("no exchange rate posted for today")
)

// Service looks up posted daily rates and derives USD equivalents for BOT
// thresholds.
type Service struct {
	logger *zap.Logger
	// Reference rate used when USD itself is unpriced for the day. Regulator
	// guidance tolerates a documented fallback here.
	usdFallback decimal.Decimal
}

// NewService creates a rate service. usdFallback zero means the default 35.0.
func NewService(logger *zap.Logger, usdFallback float64) *Service {
	if usdFallback <= 0 {
		usdFallback = 35.0
	}
	return &Service{logger: logger, usdFallback: decimal.NewFromFloat(usdFallback)}
}

// Lookup returns the posted rate for (branch, currency, day).
func (s *Service) Lookup(db *gorm.DB, branchID, currencyID uint, day time.Time) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := db.Where("branch_id = ? AND currency_id = ? AND rate_date = ?",
		branchID, currencyID, day.Format("2006-01-02")).
		First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRateToday
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up exchange rate: %w", err)
	}
	return &rate, nil
}

// USDEquivalent converts a foreign amount to USD via the local currency:
// amount × currency buy rate ÷ USD sell rate. USD amounts pass through. When
// USD has no posted rate the configured fallback applies.
func (s *Service) USDEquivalent(db *gorm.DB, branchID uint, currencyID uint, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var currency models.Currency
	if err := db.First(&currency, currencyID).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to load currency: %w", err)
	}
	if currency.Code == "USD" {
		return amount, nil
	}

	rate, err := s.Lookup(db, branchID, currencyID, at)
	if err != nil {
		return decimal.Zero, err
	}

	usdSell := s.usdFallback
	var usd models.Currency
	if err := db.Where("code = ?", "USD").First(&usd).Error; err == nil {
		if usdRate, err := s.Lookup(db, branchID, usd.ID, at); err == nil {
			usdSell = usdRate.SellRate
		} else if !errors.Is(err, ErrNoRateToday) {
			return decimal.Zero, err
		} else {
			s.logger.Warn("USD unpriced for today, using fallback reference rate",
				zap.Uint("branch_id", branchID),
				zap.String("fallback", s.usdFallback.String()))
		}
	}

	return amount.Mul(rate.BuyRate).DivRound(usdSell, 4), nil
}
