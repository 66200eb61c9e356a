package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panzhenhai520/exchangenew-sub003/internal/fields"
	"github.com/panzhenhai520/exchangenew-sub003/internal/sequence"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	ErrReservationConsumed     = errors.New("reservation already consumed")
	ErrInvalidStatusTransition = errors.New("invalid reservation status transition")
	ErrAmountExceedsApproved   = errors.New("amount exceeds approved envelope")
	ErrDuplicateReservationNo  = errors.New("duplicate reservation number")
	ErrRejectReasonRequired    = errors.New("rejection reason is required")
)

// Window inside which an identical submission is treated as a double-click
// rather than a new reservation.
const dedupWindow = 10 * time.Second

// SaveRequest carries a proposed trade that triggered a blocking rule,
// together with the filled form.
type SaveRequest struct {
	CustomerID          string          `validate:"required"`
	CustomerName        string          `validate:"required"`
	CustomerCountryCode string          `validate:"omitempty,len=2"`
	IDType              string          `validate:"required"`
	CurrencyID          uint            `validate:"required"`
	Direction           string          `validate:"required,oneof=buy sell"`
	Amount              decimal.Decimal `validate:"required"`
	LocalAmount         decimal.Decimal `validate:"required"`
	Rate                decimal.Decimal `validate:"required"`
	TriggerType         string
	ReportType          string `validate:"required,oneof=AMLO-1-01 AMLO-1-02 AMLO-1-03"`
	FormData            models.JSONMap
	ExchangeType        string
	FundingSource       string
	BranchID            uint   `validate:"required"`
	OperatorID          string `validate:"required"`
}

// SaveResult reports the persisted reservation.
type SaveResult struct {
	ReservationID uuid.UUID
	ReservationNo string
}

// Store persists reservations. The reservation number is allocated at
// persistence time so the filled form shows it at audit.
type Store struct {
	logger    *zap.Logger
	allocator *sequence.Allocator
	fields    *fields.Service
	validate  *validator.Validate
}

// NewStore creates a reservation store.
func NewStore(logger *zap.Logger, allocator *sequence.Allocator, fieldSvc *fields.Service) *Store {
	return &Store{
		logger:    logger,
		allocator: allocator,
		fields:    fieldSvc,
		validate:  validator.New(),
	}
}

// Save validates the request and form payload, then creates a pending
// reservation with a freshly allocated number. A double submission within the
// dedup window returns the existing row instead of burning a second number.
func (s *Store) Save(db *gorm.DB, req *SaveRequest) (*SaveResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid reservation request: %w", err)
	}

	defs, err := s.fields.Definitions(db, req.ReportType)
	if err != nil {
		return nil, err
	}
	if err := s.fields.Validate(defs, req.FormData); err != nil {
		return nil, err
	}

	if existing := s.recentDuplicate(db, req); existing != nil {
		s.logger.Info("returning existing reservation for duplicate submission",
			zap.String("reservation_no", existing.ReservationNo))
		return &SaveResult{ReservationID: existing.ID, ReservationNo: existing.ReservationNo}, nil
	}

	var branch models.Branch
	if err := db.First(&branch, req.BranchID).Error; err != nil {
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}
	var currency models.Currency
	if err := db.First(&currency, req.CurrencyID).Error; err != nil {
		return nil, fmt.Errorf("failed to load currency: %w", err)
	}

	var result SaveResult
	err = s.allocator.WithRetry(db, func(tx *gorm.DB) error {
		reservationNo, err := s.allocator.NextAmloNumber(tx, &branch, currency.Code, time.Now(), req.OperatorID, nil)
		if err != nil {
			return err
		}

		res := models.Reservation{
			ID:                  uuid.New(),
			ReservationNo:       reservationNo,
			CustomerID:          req.CustomerID,
			CustomerName:        req.CustomerName,
			CustomerCountryCode: req.CustomerCountryCode,
			IDType:              req.IDType,
			ReportType:          req.ReportType,
			Direction:           req.Direction,
			CurrencyID:          req.CurrencyID,
			ForeignAmount:       req.Amount,
			LocalAmount:         req.LocalAmount,
			Rate:                req.Rate,
			TriggerType:         req.TriggerType,
			ExchangeType:        req.ExchangeType,
			FundingSource:       req.FundingSource,
			Status:              models.ReservationPending,
			BranchID:            req.BranchID,
			CreatedBy:           req.OperatorID,
			FormData:            req.FormData,
		}
		if err := tx.Create(&res).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateReservationNo, reservationNo)
			}
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		result = SaveResult{ReservationID: res.ID, ReservationNo: reservationNo}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation created",
		zap.String("reservation_no", result.ReservationNo),
		zap.String("report_type", req.ReportType),
		zap.Uint("branch_id", req.BranchID))
	return &result, nil
}

// Get loads one reservation.
func (s *Store) Get(db *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	if err := db.First(&res, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	return &res, nil
}

// FindApprovedEnvelope returns the customer's most recent approved
// reservation for a report type, across branches, or nil when none exists.
func (s *Store) FindApprovedEnvelope(db *gorm.DB, customerID, reportType string) (*models.Reservation, error) {
	if customerID == "" {
		return nil, nil
	}
	var res models.Reservation
	err := db.Where("customer_id = ? AND report_type = ? AND status = ?",
		customerID, reportType, models.ReservationApproved).
		Order("audit_time DESC").
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up approved reservation: %w", err)
	}
	return &res, nil
}

// Consume transitions an approved reservation to completed, binding it to the
// executing transaction. Must run inside the transaction that commits the
// trade. The actual local amount must fit the approved envelope.
func (s *Store) Consume(tx *gorm.DB, reservationID, transactionID uuid.UUID, actualLocal decimal.Decimal) error {
	var res models.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "id = ?", reservationID).Error
	if err != nil {
		return fmt.Errorf("failed to lock reservation: %w", err)
	}

	switch res.Status {
	case models.ReservationApproved:
	case models.ReservationCompleted:
		return fmt.Errorf("%w: %s", ErrReservationConsumed, res.ReservationNo)
	default:
		return fmt.Errorf("%w: consume requires approved, got %s", ErrInvalidStatusTransition, res.Status)
	}

	if actualLocal.Abs().GreaterThan(res.LocalAmount.Abs()) {
		return fmt.Errorf("%w: approved=%s actual=%s",
			ErrAmountExceedsApproved, res.LocalAmount.String(), actualLocal.String())
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":                models.ReservationCompleted,
		"linked_transaction_id": transactionID,
		"audit_time":            now,
		"updated_at":            now,
	}
	if err := tx.Model(&models.Reservation{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to consume reservation: %w", err)
	}

	// Keep the filed report pointing at the executing transaction.
	err = tx.Model(&models.AmloReport{}).Where("reservation_id = ?", res.ID).
		Update("transaction_id", transactionID).Error
	if err != nil {
		return fmt.Errorf("failed to link report to transaction: %w", err)
	}
	return nil
}

func (s *Store) recentDuplicate(db *gorm.DB, req *SaveRequest) *models.Reservation {
	var res models.Reservation
	err := db.Where("customer_id = ? AND branch_id = ? AND report_type = ? AND status = ? AND local_amount = ? AND created_at > ?",
		req.CustomerID, req.BranchID, req.ReportType, models.ReservationPending,
		req.LocalAmount, time.Now().Add(-dedupWindow)).
		Order("created_at DESC").
		First(&res).Error
	if err != nil {
		return nil
	}
	return &res
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
