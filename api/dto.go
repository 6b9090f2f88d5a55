/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts are decimal.Decimal. They are written as JSON strings ("12.50")
  and accepted as strings or numbers.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/balance"
	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/subscription"
)

// =============================================================================
// METERS
// =============================================================================

type RegisterMeterRequest struct {
	MeterID string `json:"meter_id"`
	Label   string `json:"label,omitempty"`
}

type MeterDTO struct {
	MeterID   string `json:"meter_id"`
	AccountID string `json:"account_id"`
	Label     string `json:"label,omitempty"`
}

func toMeterDTO(m ledger.Meter) MeterDTO {
	return MeterDTO{MeterID: string(m.MeterID), AccountID: string(m.AccountID), Label: m.Label}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionRequest struct {
	Type            string            `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Vendor          string            `json:"vendor,omitempty"`
	PaymentMethod   string            `json:"payment_method,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Force           bool              `json:"force,omitempty"`
}

func (r TransactionRequest) meta() ledger.Meta {
	return ledger.Meta{
		ReferenceNumber: r.ReferenceNumber,
		Vendor:          r.Vendor,
		PaymentMethod:   r.PaymentMethod,
		Metadata:        r.Metadata,
		IdempotencyKey:  r.IdempotencyKey,
		Force:           r.Force,
	}
}

type TransactionDTO struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	MeterID         string            `json:"meter_id"`
	Type            string            `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	BalanceBefore   decimal.Decimal   `json:"balance_before"`
	BalanceAfter    decimal.Decimal   `json:"balance_after"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Vendor          string            `json:"vendor,omitempty"`
	PaymentMethod   string            `json:"payment_method,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		AccountID:       string(tx.AccountID),
		MeterID:         string(tx.MeterID),
		Type:            string(tx.Type),
		Amount:          tx.Amount,
		BalanceBefore:   tx.BalanceBefore,
		BalanceAfter:    tx.BalanceAfter,
		ReferenceNumber: tx.ReferenceNumber,
		Vendor:          tx.Vendor,
		PaymentMethod:   tx.PaymentMethod,
		Metadata:        tx.Metadata,
		Status:          string(tx.Status),
		CreatedAt:       tx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type BalanceRecordDTO struct {
	AccountID              string          `json:"account_id"`
	MeterID                string          `json:"meter_id"`
	CurrentBalance         decimal.Decimal `json:"current_balance"`
	DailyConsumptionAvg    decimal.Decimal `json:"daily_consumption_avg"`
	EstimatedDaysRemaining int             `json:"estimated_days_remaining"`
	LowBalanceThreshold    decimal.Decimal `json:"low_balance_threshold"`
	LastUpdated            string          `json:"last_updated"`
}

func toBalanceRecordDTO(rec ledger.BalanceRecord) BalanceRecordDTO {
	return BalanceRecordDTO{
		AccountID:              string(rec.AccountID),
		MeterID:                string(rec.MeterID),
		CurrentBalance:         rec.CurrentBalance,
		DailyConsumptionAvg:    rec.DailyConsumptionAvg,
		EstimatedDaysRemaining: rec.EstimatedDaysRemaining,
		LowBalanceThreshold:    rec.LowBalanceThreshold,
		LastUpdated:            rec.LastUpdated.UTC().Format(time.RFC3339),
	}
}

// TransactionResultDTO is the answer to a successful transaction.
type TransactionResultDTO struct {
	Success       bool             `json:"success"`
	NewBalance    decimal.Decimal  `json:"new_balance"`
	TransactionID string           `json:"transaction_id"`
	Transaction   TransactionDTO   `json:"transaction"`
	Balance       BalanceRecordDTO `json:"balance"`
}

func toTransactionResultDTO(res ledger.Result) TransactionResultDTO {
	return TransactionResultDTO{
		Success:       res.Success,
		NewBalance:    res.NewBalance,
		TransactionID: string(res.TransactionID),
		Transaction:   toTransactionDTO(res.Transaction),
		Balance:       toBalanceRecordDTO(res.Record),
	}
}

// =============================================================================
// BALANCE / ANALYTICS
// =============================================================================

type ThresholdRequest struct {
	Threshold decimal.Decimal `json:"threshold"`
}

type BalanceDTO struct {
	AccountID              string          `json:"account_id"`
	MeterID                string          `json:"meter_id"`
	Balance                decimal.Decimal `json:"balance"`
	DailyConsumptionAvg    decimal.Decimal `json:"daily_consumption_avg"`
	EstimatedDaysRemaining int             `json:"estimated_days_remaining"`
	LowBalanceThreshold    decimal.Decimal `json:"low_balance_threshold"`
	Trend                  string          `json:"trend"`
	Source                 string          `json:"source"`
	LastUpdated            string          `json:"last_updated,omitempty"`
	CacheHit               bool            `json:"cache_hit"`
	Stale                  bool            `json:"stale"`
}

func toBalanceDTO(v balance.View) BalanceDTO {
	dto := BalanceDTO{
		AccountID:              string(v.AccountID),
		MeterID:                string(v.MeterID),
		Balance:                v.Balance,
		DailyConsumptionAvg:    v.DailyAvg,
		EstimatedDaysRemaining: v.EstimatedDays,
		LowBalanceThreshold:    v.Threshold,
		Trend:                  string(v.Trend),
		Source:                 v.Source,
		CacheHit:               v.CacheHit,
		Stale:                  v.Stale,
	}
	if !v.LastUpdated.IsZero() {
		dto.LastUpdated = v.LastUpdated.UTC().Format(time.RFC3339)
	}
	return dto
}

type AnalyticsDTO struct {
	AccountID              string          `json:"account_id"`
	MeterID                string          `json:"meter_id"`
	Balance                decimal.Decimal `json:"balance"`
	TotalPurchased         decimal.Decimal `json:"total_purchased"`
	TotalRefunded          decimal.Decimal `json:"total_refunded"`
	TotalConsumed          decimal.Decimal `json:"total_consumed"`
	TransactionCount       int             `json:"transaction_count"`
	AverageConsumption     decimal.Decimal `json:"average_consumption"`
	DailyConsumptionAvg    decimal.Decimal `json:"daily_consumption_avg"`
	EstimatedDaysRemaining int             `json:"estimated_days_remaining"`
	Trend                  string          `json:"trend"`
	Consistent             bool            `json:"consistent"`
	ComputedAt             string          `json:"computed_at"`
	CacheHit               bool            `json:"cache_hit"`
	Stale                  bool            `json:"stale"`
}

func toAnalyticsDTO(a balance.Analytics) AnalyticsDTO {
	return AnalyticsDTO{
		AccountID:              string(a.AccountID),
		MeterID:                string(a.MeterID),
		Balance:                a.Balance,
		TotalPurchased:         a.TotalPurchased,
		TotalRefunded:          a.TotalRefunded,
		TotalConsumed:          a.TotalConsumed,
		TransactionCount:       a.TransactionCount,
		AverageConsumption:     a.AverageConsumption,
		DailyConsumptionAvg:    a.DailyAvg,
		EstimatedDaysRemaining: a.EstimatedDays,
		Trend:                  string(a.Trend),
		Consistent:             a.Consistent,
		ComputedAt:             a.ComputedAt.UTC().Format(time.RFC3339),
		CacheHit:               a.CacheHit,
		Stale:                  a.Stale,
	}
}

type ExternalReadingDTO struct {
	MeterID string          `json:"meter_id"`
	Balance decimal.Decimal `json:"balance"`
	ReadAt  string          `json:"read_at"`
	Source  string          `json:"source,omitempty"`
}

func toExternalReadingDTO(r fetch.Reading) ExternalReadingDTO {
	return ExternalReadingDTO{
		MeterID: string(r.MeterID),
		Balance: r.Balance,
		ReadAt:  r.ReadAt.UTC().Format(time.RFC3339),
		Source:  r.Source,
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationDTO struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	MeterID        string            `json:"meter_id"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Type           string            `json:"type"`
	Severity       string            `json:"severity"`
	IsRead         bool              `json:"is_read"`
	RelatedBalance decimal.Decimal   `json:"related_balance"`
	EstimatedDays  int               `json:"estimated_days"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
	ExpiresAt      string            `json:"expires_at,omitempty"`
}

func toNotificationDTO(n notify.Notification) NotificationDTO {
	dto := NotificationDTO{
		ID:             string(n.ID),
		AccountID:      string(n.AccountID),
		MeterID:        string(n.MeterID),
		Title:          n.Title,
		Message:        n.Message,
		Type:           string(n.Type),
		Severity:       string(n.Severity),
		IsRead:         n.IsRead,
		RelatedBalance: n.RelatedBalance,
		EstimatedDays:  n.EstimatedDays,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if n.ExpiresAt != nil {
		dto.ExpiresAt = n.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toNotificationDTOs(ns []notify.Notification) []NotificationDTO {
	dtos := make([]NotificationDTO, len(ns))
	for i, n := range ns {
		dtos[i] = toNotificationDTO(n)
	}
	return dtos
}

// CountDTO answers bulk operations.
type CountDTO struct {
	Count int `json:"count"`
}

type StatusDTO struct {
	Total       int            `json:"total"`
	Unread      int            `json:"unread"`
	BySeverity  map[string]int `json:"by_severity"`
	LastUpdated string         `json:"last_updated"`
}

func toStatusDTO(s subscription.Status) StatusDTO {
	by := make(map[string]int, len(s.BySeverity))
	for sev, n := range s.BySeverity {
		by[string(sev)] = n
	}
	return StatusDTO{
		Total:       s.Total,
		Unread:      s.Unread,
		BySeverity:  by,
		LastUpdated: s.LastUpdated.UTC().Format(time.RFC3339),
	}
}

type PreferencesDTO struct {
	Enabled bool     `json:"enabled"`
	Muted   []string `json:"muted"`
}

func toPreferencesDTO(p notify.Preferences) PreferencesDTO {
	muted := make([]string, len(p.Muted))
	for i, s := range p.Muted {
		muted[i] = string(s)
	}
	return PreferencesDTO{Enabled: p.Enabled, Muted: muted}
}

func (p PreferencesDTO) preferences() (notify.Preferences, error) {
	out := notify.Preferences{Enabled: p.Enabled}
	for _, m := range p.Muted {
		sev := notify.Severity(m)
		if !sev.Valid() {
			return notify.Preferences{}, ledger.Errorf(ledger.ErrInvalidArgument, "unknown severity %q", m)
		}
		out.Muted = append(out.Muted, sev)
	}
	return out, nil
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AccountID   string `json:"account_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioLoadDTO reports what loading a scenario did. Steps already
// applied by an earlier load are skipped.
type ScenarioLoadDTO struct {
	Scenario ScenarioDTO `json:"scenario"`
	Applied  int         `json:"applied"`
	Skipped  int         `json:"skipped"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// RetryAfterSeconds is set for rate_limited errors.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}
