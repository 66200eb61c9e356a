package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/sequence"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// AuditService drives the reservation state machine:
//
//	pending  --approve--> approved --consume--> completed
//	pending  --reject---> rejected
//	pending  --cancel---> cancelled
//	approved/rejected --reverse--> pending
//
// Approval creates the AMLO report in the same transaction as the state
// change. A number once burned stays with its report even if the approval is
// later reversed.
type AuditService struct {
	db        *gorm.DB
	logger    *zap.Logger
	allocator *sequence.Allocator
	registry  *reporting.Registry
}

// NewAuditService creates the audit workflow service.
func NewAuditService(db *gorm.DB, logger *zap.Logger, allocator *sequence.Allocator, registry *reporting.Registry) *AuditService {
	return &AuditService{db: db, logger: logger, allocator: allocator, registry: registry}
}

// Approve transitions a pending reservation to approved and idempotently
// creates its AMLO report: a retried approval returns the existing report
// without minting a second number.
func (a *AuditService) Approve(reservationID uuid.UUID, auditorID string) (*models.AmloReport, error) {
	var report *models.AmloReport
	err := a.allocator.WithRetry(a.db, func(tx *gorm.DB) error {
		res, err := a.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationPending {
			return fmt.Errorf("%w: approve requires pending, got %s", ErrInvalidStatusTransition, res.Status)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     models.ReservationApproved,
			"auditor_id": auditorID,
			"audit_time": now,
			"updated_at": now,
		}
		if err := tx.Model(&models.Reservation{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to approve reservation: %w", err)
		}
		res.Status = models.ReservationApproved
		res.AuditorID = auditorID
		res.AuditTime = &now

		existing, err := a.registry.FindByReservation(tx, res.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			report = existing
			return nil
		}

		var branch models.Branch
		if err := tx.First(&branch, res.BranchID).Error; err != nil {
			return fmt.Errorf("failed to load branch: %w", err)
		}
		var currency models.Currency
		if err := tx.First(&currency, res.CurrencyID).Error; err != nil {
			return fmt.Errorf("failed to load currency: %w", err)
		}

		reportNo, err := a.allocator.NextAmloNumber(tx, &branch, currency.Code, now, auditorID, res.LinkedTransactionID)
		if err != nil {
			return err
		}
		created, err := a.registry.CreateAmloReport(tx, res, reportNo, currency.Code)
		if err != nil {
			return err
		}
		report = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("reservation approved",
		zap.String("reservation_id", reservationID.String()),
		zap.String("report_no", report.ReportNo),
		zap.String("auditor", auditorID))
	return report, nil
}

// Reject transitions a pending reservation to rejected. The reason is
// mandatory; it is what the operator reads back to the customer.
func (a *AuditService) Reject(reservationID uuid.UUID, auditorID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrRejectReasonRequired
	}
	return a.db.Transaction(func(tx *gorm.DB) error {
		res, err := a.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationPending {
			return fmt.Errorf("%w: reject requires pending, got %s", ErrInvalidStatusTransition, res.Status)
		}
		now := time.Now()
		updates := map[string]interface{}{
			"status":        models.ReservationRejected,
			"auditor_id":    auditorID,
			"audit_time":    now,
			"reject_reason": reason,
			"updated_at":    now,
		}
		if err := tx.Model(&models.Reservation{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to reject reservation: %w", err)
		}
		return nil
	})
}

// Reverse re-opens an approved or rejected reservation within the retention
// window. A completed reservation cannot be reversed. The issued report, if
// any, keeps its number.
func (a *AuditService) Reverse(reservationID uuid.UUID) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		res, err := a.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationApproved, models.ReservationRejected:
		default:
			return fmt.Errorf("%w: reverse requires approved or rejected, got %s", ErrInvalidStatusTransition, res.Status)
		}
		now := time.Now()
		updates := map[string]interface{}{
			"status":        models.ReservationPending,
			"auditor_id":    "",
			"audit_time":    nil,
			"reject_reason": "",
			"updated_at":    now,
		}
		if err := tx.Model(&models.Reservation{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to reverse reservation: %w", err)
		}
		return nil
	})
}

// Cancel withdraws a pending reservation.
func (a *AuditService) Cancel(reservationID uuid.UUID) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		res, err := a.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationPending {
			return fmt.Errorf("%w: cancel requires pending, got %s", ErrInvalidStatusTransition, res.Status)
		}
		updates := map[string]interface{}{
			"status":     models.ReservationCancelled,
			"updated_at": time.Now(),
		}
		if err := tx.Model(&models.Reservation{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to cancel reservation: %w", err)
		}
		return nil
	})
}

func (a *AuditService) lockReservation(tx *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return &res, nil
}
