package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade direction from the branch's perspective. Buy means the branch
// acquires foreign currency and pays out local currency.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Report type identifiers. AMLO formats map to the three AMLO filing forms,
// BOT types classify monthly workbook events.
const (
	ReportAmlo101     = "AMLO-1-01" // CTR, cash transaction report
	ReportAmlo102     = "AMLO-1-02" // ATR, asset transaction report
	ReportAmlo103     = "AMLO-1-03" // STR, suspicious transaction report
	ReportBotBuyFX    = "BOT-BUYFX"
	ReportBotSellFX   = "BOT-SELLFX"
	ReportBotFCD      = "BOT-FCD"
	ReportBotProvider = "BOT-PROVIDER"
)

// Reservation status values.
const (
	ReservationPending   = "pending"
	ReservationApproved  = "approved"
	ReservationRejected  = "rejected"
	ReservationCompleted = "completed"
	ReservationCancelled = "cancelled"
)

// Customer id-type codes used on AMLO forms and BOT sheets.
const (
	IDTypeThaiID    = "thai_id"
	IDTypePassport  = "passport"
	IDTypeCorporate = "corporate"
)

// JSONMap is a heterogeneous JSON object stored in a single column. Used for
// reservation form payloads and rule warning catalogues.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// Currency is master data maintained outside the core.
type Currency struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	Code      string `json:"code" gorm:"size:3;uniqueIndex" validate:"required,len=3,uppercase"`
	NameEN    string `json:"name_en"`
	NameTH    string `json:"name_th"`
	IsLocal   bool   `json:"is_local"`
	CreatedAt time.Time
}

// Branch is master data maintained outside the core. The regulatory
// identifiers feed report numbers and workbook headers.
type Branch struct {
	ID                uint   `json:"id" gorm:"primaryKey"`
	Name              string `json:"name" validate:"required"`
	InstitutionCode   string `json:"institution_code" gorm:"size:3" validate:"required,len=3,numeric"`
	BranchCode        string `json:"branch_code" gorm:"size:3" validate:"required,len=3,numeric"`
	BotSenderCode     string `json:"bot_sender_code"`
	BotBranchAreaCode string `json:"bot_branch_area_code"`
	LicenseNo         string `json:"license_no"`
	LicenseHolder     string `json:"license_holder"`
	LocalCurrencyID   uint   `json:"local_currency_id" validate:"required"`
	CreatedAt         time.Time
}

// ExchangeRate is the posted buy/sell rate for one currency at one branch on
// one calendar day.
type ExchangeRate struct {
	ID         uint            `json:"id" gorm:"primaryKey"`
	BranchID   uint            `json:"branch_id" gorm:"uniqueIndex:ux_rate_branch_ccy_day"`
	CurrencyID uint            `json:"currency_id" gorm:"uniqueIndex:ux_rate_branch_ccy_day"`
	RateDate   string          `json:"rate_date" gorm:"size:10;uniqueIndex:ux_rate_branch_ccy_day"` // YYYY-MM-DD
	BuyRate    decimal.Decimal `json:"buy_rate" gorm:"type:decimal(20,6)" validate:"required"`
	SellRate   decimal.Decimal `json:"sell_rate" gorm:"type:decimal(20,6)" validate:"required"`
	CreatedAt  time.Time
}

// Balance is the per-branch per-currency inventory row. Created with a zero
// amount on first reference; mutated only under a row lock.
type Balance struct {
	ID         uint            `json:"id" gorm:"primaryKey"`
	BranchID   uint            `json:"branch_id" gorm:"uniqueIndex:ux_balance_branch_ccy"`
	CurrencyID uint            `json:"currency_id" gorm:"uniqueIndex:ux_balance_branch_ccy"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(20,4)"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transaction is one executed trade. Append-only; after commit only the
// regulatory flag bits may change. Reversals are new rows pointing back
// through ReversalOf.
type Transaction struct {
	ID                  uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TransactionNo       string          `json:"transaction_no" gorm:"uniqueIndex"`
	BranchID            uint            `json:"branch_id" gorm:"index"`
	CurrencyID          uint            `json:"currency_id" gorm:"index"`
	Direction           string          `json:"direction" validate:"required,oneof=buy sell"`
	ForeignAmount       decimal.Decimal `json:"foreign_amount" gorm:"type:decimal(20,4)"`
	LocalAmount         decimal.Decimal `json:"local_amount" gorm:"type:decimal(20,4)"`
	Rate                decimal.Decimal `json:"rate" gorm:"type:decimal(20,6)"`
	CustomerID          string          `json:"customer_id" gorm:"index"`
	CustomerName        string          `json:"customer_name"`
	CustomerCountryCode string          `json:"customer_country_code" gorm:"size:2"`
	IDType              string          `json:"id_type"`
	TransactionAt       time.Time       `json:"transaction_at" gorm:"index"`
	OperatorID          string          `json:"operator_id"`
	Purpose             string          `json:"purpose"`
	Remarks             string          `json:"remarks"`
	FundingSource       string          `json:"funding_source"` // cash, transfer, fcd
	BusinessGroupID     *uuid.UUID      `json:"business_group_id" gorm:"type:uuid;index"`
	GroupSequence       int             `json:"group_sequence"`
	AmloFlag            bool            `json:"amlo_flag"`
	BotFlag             bool            `json:"bot_flag"`
	FcdFlag             bool            `json:"fcd_flag"`
	ReversalOf          *uuid.UUID      `json:"reversal_of" gorm:"type:uuid"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Reservation is the pre-approval envelope for a rule-blocked trade. The
// approved LocalAmount is the ceiling a consuming trade must stay under.
type Reservation struct {
	ID                  uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	ReservationNo       string          `json:"reservation_no" gorm:"uniqueIndex"`
	CustomerID          string          `json:"customer_id" gorm:"index"`
	CustomerName        string          `json:"customer_name"`
	CustomerCountryCode string          `json:"customer_country_code" gorm:"size:2"`
	IDType              string          `json:"id_type"`
	ReportType          string          `json:"report_type" validate:"required,oneof=AMLO-1-01 AMLO-1-02 AMLO-1-03"`
	Direction           string          `json:"direction" validate:"required,oneof=buy sell"`
	CurrencyID          uint            `json:"currency_id"`
	ForeignAmount       decimal.Decimal `json:"foreign_amount" gorm:"type:decimal(20,4)"`
	LocalAmount         decimal.Decimal `json:"local_amount" gorm:"type:decimal(20,4)"`
	Rate                decimal.Decimal `json:"rate" gorm:"type:decimal(20,6)"`
	TriggerType         string          `json:"trigger_type"`
	ExchangeType        string          `json:"exchange_type"`
	FundingSource       string          `json:"funding_source"`
	Status              string          `json:"status" gorm:"index;default:pending"`
	BranchID            uint            `json:"branch_id" gorm:"index"`
	CreatedBy           string          `json:"created_by"`
	AuditorID           string          `json:"auditor_id"`
	AuditTime           *time.Time      `json:"audit_time"`
	RejectReason        string          `json:"reject_reason"`
	FormData            JSONMap         `json:"form_data" gorm:"type:text"`
	LinkedTransactionID *uuid.UUID      `json:"linked_transaction_id" gorm:"type:uuid"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AmloReport is one AMLO filing record. Exactly one exists per reservation;
// the number is minted in the approval transaction and never reused.
type AmloReport struct {
	ID                  uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	ReportNo            string          `json:"report_no" gorm:"uniqueIndex"`
	ReportFormat        string          `json:"report_format" gorm:"index" validate:"required,oneof=AMLO-1-01 AMLO-1-02 AMLO-1-03"`
	ReservationID       *uuid.UUID      `json:"reservation_id" gorm:"type:uuid;uniqueIndex"`
	TransactionID       *uuid.UUID      `json:"transaction_id" gorm:"type:uuid;index"`
	CustomerID          string          `json:"customer_id"`
	CustomerName        string          `json:"customer_name"`
	CustomerCountryCode string          `json:"customer_country_code"`
	IDType              string          `json:"id_type"`
	Amount              decimal.Decimal `json:"amount" gorm:"type:decimal(20,4)"`
	CurrencyCode        string          `json:"currency_code" gorm:"size:3"`
	TransactionDate     time.Time       `json:"transaction_date"`
	PdfFile             string          `json:"pdf_file"`
	PdfPath             string          `json:"pdf_path"`
	IsReported          bool            `json:"is_reported" gorm:"index"`
	ReportedAt          *time.Time      `json:"reported_at"`
	BranchID            uint            `json:"branch_id" gorm:"index"`
	OperatorID          string          `json:"operator_id"`
	CreatedAt           time.Time       `json:"created_at"`
}

// BotBuyFX is one branch-buy event destined for the monthly Buy FX sheet.
type BotBuyFX struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	BranchID      uint            `json:"branch_id" gorm:"index"`
	TransactionID *uuid.UUID      `json:"transaction_id" gorm:"type:uuid;index"`
	CustomerType  string          `json:"customer_type"`
	CustomerName  string          `json:"customer_name"`
	IDType        string          `json:"id_type"`
	IDNumber      string          `json:"id_number"`
	CountryCode   string          `json:"country_code"`
	CurrencyCode  string          `json:"currency_code" gorm:"size:3"`
	Rate          decimal.Decimal `json:"rate" gorm:"type:decimal(20,6)"`
	ForeignAmount decimal.Decimal `json:"foreign_amount" gorm:"type:decimal(20,4)"`
	LocalAmount   decimal.Decimal `json:"local_amount" gorm:"type:decimal(20,4)"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent" gorm:"type:decimal(20,4)"`
	PaymentMethod string          `json:"payment_method"`
	Remarks       string          `json:"remarks"`
	IsReported    bool            `json:"is_reported" gorm:"index"`
	ReportedAt    *time.Time      `json:"reported_at"`
	EventAt       time.Time       `json:"event_at" gorm:"index"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BotSellFX mirrors BotBuyFX for branch-sell events.
type BotSellFX struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	BranchID      uint            `json:"branch_id" gorm:"index"`
	TransactionID *uuid.UUID      `json:"transaction_id" gorm:"type:uuid;index"`
	CustomerType  string          `json:"customer_type"`
	CustomerName  string          `json:"customer_name"`
	IDType        string          `json:"id_type"`
	IDNumber      string          `json:"id_number"`
	CountryCode   string          `json:"country_code"`
	CurrencyCode  string          `json:"currency_code" gorm:"size:3"`
	Rate          decimal.Decimal `json:"rate" gorm:"type:decimal(20,6)"`
	ForeignAmount decimal.Decimal `json:"foreign_amount" gorm:"type:decimal(20,4)"`
	LocalAmount   decimal.Decimal `json:"local_amount" gorm:"type:decimal(20,4)"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent" gorm:"type:decimal(20,4)"`
	PaymentMethod string          `json:"payment_method"`
	Remarks       string          `json:"remarks"`
	IsReported    bool            `json:"is_reported" gorm:"index"`
	ReportedAt    *time.Time      `json:"reported_at"`
	EventAt       time.Time       `json:"event_at" gorm:"index"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BotFCD is one foreign-currency-deposit event for the monthly FCD sheet.
type BotFCD struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	BranchID      uint            `json:"branch_id" gorm:"index"`
	TransactionID *uuid.UUID      `json:"transaction_id" gorm:"type:uuid;index"`
	BankName      string          `json:"bank_name"`
	AccountNo     string          `json:"account_no"`
	CurrencyCode  string          `json:"currency_code" gorm:"size:3"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(20,4)"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(20,4)"`
	Remarks       string          `json:"remarks"`
	IsReported    bool            `json:"is_reported" gorm:"index"`
	ReportedAt    *time.Time      `json:"reported_at"`
	EventAt       time.Time       `json:"event_at" gorm:"index"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BotProvider is one balance-adjustment event large enough to appear on the
// monthly Provider sheet.
type BotProvider struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	BranchID      uint            `json:"branch_id" gorm:"index"`
	AdjustmentID  *uuid.UUID      `json:"adjustment_id" gorm:"type:uuid;index"`
	CurrencyCode  string          `json:"currency_code" gorm:"size:3"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(20,4)"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent" gorm:"type:decimal(20,4)"`
	Remarks       string          `json:"remarks"`
	IsReported    bool            `json:"is_reported" gorm:"index"`
	ReportedAt    *time.Time      `json:"reported_at"`
	EventAt       time.Time       `json:"event_at" gorm:"index"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BalanceAdjustment is a manual inventory top-up or draw-down outside the
// trade path. Large increases feed the BOT Provider sheet.
type BalanceAdjustment struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	BranchID   uint            `json:"branch_id" gorm:"index"`
	CurrencyID uint            `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(20,4)"` // signed, positive = increase
	Reason     string          `json:"reason"`
	OperatorID string          `json:"operator_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AmloSequence is the AMLO report-number ledger, one row per
// (branch, currency, year-month). LastSequence moves only under a row lock.
type AmloSequence struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	BranchID     uint      `json:"branch_id" gorm:"uniqueIndex:ux_amlo_seq"`
	CurrencyCode string    `json:"currency_code" gorm:"size:3;uniqueIndex:ux_amlo_seq"`
	YearMonth    string    `json:"year_month" gorm:"size:7;uniqueIndex:ux_amlo_seq"` // YYYY-MM
	LastSequence int       `json:"last_sequence"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// BotSequence is the BOT report-number ledger, one row per
// (branch, report-type, year-month).
type BotSequence struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	BranchID     uint      `json:"branch_id" gorm:"uniqueIndex:ux_bot_seq"`
	ReportType   string    `json:"report_type" gorm:"uniqueIndex:ux_bot_seq"`
	YearMonth    string    `json:"year_month" gorm:"size:7;uniqueIndex:ux_bot_seq"`
	LastSequence int       `json:"last_sequence"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// TxnSequence backs the per-branch transaction-number sequence.
type TxnSequence struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	BranchID     uint      `json:"branch_id" gorm:"uniqueIndex"`
	LastSequence int64     `json:"last_sequence"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// ReportNoLog records every minted report number together with the ledger row
// that produced it. Written inside the allocating transaction.
type ReportNoLog struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	ReportNo      string     `json:"report_no" gorm:"index"`
	ReportType    string     `json:"report_type"`
	BranchID      uint       `json:"branch_id" gorm:"index"`
	CurrencyCode  string     `json:"currency_code" gorm:"size:3"`
	SequenceRowID uint       `json:"sequence_row_id"`
	TransactionID *uuid.UUID `json:"transaction_id" gorm:"type:uuid"`
	OperatorID    string     `json:"operator_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TriggerRule is a data-driven compliance rule. Expression holds the JSON
// rule tree; BranchID nil means the rule is global.
type TriggerRule struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Name          string    `json:"name" validate:"required"`
	NameTH        string    `json:"name_th"`
	ReportType    string    `json:"report_type" gorm:"index" validate:"required"`
	Expression    string    `json:"expression" gorm:"type:text" validate:"required,json"`
	Priority      int       `json:"priority"`
	AllowContinue bool      `json:"allow_continue"`
	WarningEN     string    `json:"warning_en"`
	WarningTH     string    `json:"warning_th"`
	BranchID      *uint     `json:"branch_id" gorm:"index"`
	BranchScoped  bool      `json:"branch_scoped"` // restrict customer aggregates to this branch
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FieldDefinition drives the form schema and the per-field validator for one
// AMLO report format.
type FieldDefinition struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	ReportType string    `json:"report_type" gorm:"index" validate:"required"`
	FieldName  string    `json:"field_name" validate:"required"`
	DataType   string    `json:"data_type" validate:"required,oneof=string number date enum"`
	MaxLength  int       `json:"max_length"`
	Precision  int       `json:"precision"`
	Required   bool      `json:"required"`
	EnumValues string    `json:"enum_values" gorm:"type:text"` // JSON array
	FieldGroup string    `json:"field_group"`
	FillOrder  int       `json:"fill_order"`
	LabelEN    string    `json:"label_en"`
	LabelTH    string    `json:"label_th"`
	Pattern    string    `json:"pattern"`
	CreatedAt  time.Time `json:"created_at"`
}

// All returns the model set for migration.
func All() []interface{} {
	return []interface{}{
		&Currency{},
		&Branch{},
		&ExchangeRate{},
		&Balance{},
		&Transaction{},
		&Reservation{},
		&AmloReport{},
		&BotBuyFX{},
		&BotSellFX{},
		&BotFCD{},
		&BotProvider{},
		&BalanceAdjustment{},
		&AmloSequence{},
		&BotSequence{},
		&TxnSequence{},
		&ReportNoLog{},
		&TriggerRule{},
		&FieldDefinition{},
	}
}
