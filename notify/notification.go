/*
Package notify raises low balance notifications from ledger events.

PURPOSE:
  Turns a balance transition into zero or one Notification, persists it,
  and hands it to a Publisher for fan-out. Also owns the user-facing
  read-state operations (mark read, delete) and the expiry purge.

BANDS (newBalance, evaluated most severe first):
  <= 0          critical  depleted
  <= 20         high      critical-low
  <= threshold  medium    low-balance
  >  threshold  no notification

CROSSINGS AND REPEATS:
  A transition fires when the new band is more severe than the band of the
  previous balance. A transition that stays inside the same band fires only
  when no notification of that type exists for the meter within
  RepeatCooldown. Purchases, refunds and forced corrections never fire.

SEE ALSO:
  - engine.go: dedup policy and read-state operations
  - store.go: persistence interface and in-memory store
  - subscription/registry.go: the Publisher that pushes to subscribers
*/
package notify

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type ID string

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Type is the title class of a notification.
type Type string

const (
	TypeDepleted    Type = "depleted"
	TypeCriticalLow Type = "critical-low"
	TypeLowBalance  Type = "low-balance"
)

// CriticalLowLevel is the fixed balance at or below which a meter is critically low.
var CriticalLowLevel = decimal.NewFromInt(20)

type Notification struct {
	ID             ID
	AccountID      ledger.AccountID
	MeterID        ledger.MeterID
	Title          string
	Message        string
	Type           Type
	Severity       Severity
	IsRead         bool
	RelatedBalance decimal.Decimal
	EstimatedDays  int
	Metadata       map[string]string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

func (n Notification) Key() ledger.Key {
	return ledger.Key{AccountID: n.AccountID, MeterID: n.MeterID}
}

// Expired reports whether n has an expiry at or before now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// =============================================================================
// EVALUATION - pure
// =============================================================================

// Candidate is the notification a transition would produce.
type Candidate struct {
	Type     Type
	Severity Severity

	// Crossing is true when the previous balance sat in a less severe band.
	Crossing bool
}

// band returns the notification band of balance, or false above threshold.
func band(balance, threshold decimal.Decimal) (Type, Severity, bool) {
	switch {
	case !balance.IsPositive():
		return TypeDepleted, SeverityCritical, true
	case balance.LessThanOrEqual(CriticalLowLevel):
		return TypeCriticalLow, SeverityHigh, true
	case balance.LessThanOrEqual(threshold):
		return TypeLowBalance, SeverityMedium, true
	}
	return "", "", false
}

// Evaluate decides which notification, if any, the move from prev to next
// calls for. It has no side effects; dedup against history is the engine's job.
func Evaluate(prev, next, threshold decimal.Decimal) (Candidate, bool) {
	typ, sev, ok := band(next, threshold)
	if !ok {
		return Candidate{}, false
	}
	_, prevSev, prevOK := band(prev, threshold)
	crossing := !prevOK || sev.Rank() > prevSev.Rank()
	return Candidate{Type: typ, Severity: sev, Crossing: crossing}, true
}

// Render fills in the user-facing title and message for c.
func Render(c Candidate, meterID ledger.MeterID, balance, threshold decimal.Decimal, days int) (title, message string) {
	switch c.Type {
	case TypeDepleted:
		return "Tokens depleted",
			fmt.Sprintf("Meter %s has run out of tokens. Buy tokens to restore supply.", meterID)
	case TypeCriticalLow:
		return "Critically low balance",
			fmt.Sprintf("Meter %s has %s tokens left%s.", meterID, balance.StringFixed(2), daysSuffix(days))
	default:
		return "Low balance",
			fmt.Sprintf("Meter %s is below your %s token threshold with %s tokens left%s.",
				meterID, threshold.String(), balance.StringFixed(2), daysSuffix(days))
	}
}

func daysSuffix(days int) string {
	if days >= ledger.UnknownDaysRemaining {
		return ""
	}
	if days == 1 {
		return ", about 1 day of use"
	}
	return fmt.Sprintf(", about %d days of use", days)
}

// =============================================================================
// PREFERENCES
// =============================================================================

// Preferences are an account's notification settings.
type Preferences struct {
	Enabled bool
	Muted   []Severity
}

// DefaultPreferences enables every severity.
func DefaultPreferences() Preferences {
	return Preferences{Enabled: true}
}

// Allows reports whether a notification of severity s should be raised.
func (p Preferences) Allows(s Severity) bool {
	if !p.Enabled {
		return false
	}
	for _, m := range p.Muted {
		if m == s {
			return false
		}
	}
	return true
}
