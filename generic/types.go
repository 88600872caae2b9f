/*
Package generic provides the core types of the club points engine.

PURPOSE:
  This package contains the data model shared by every engine and every
  store implementation: accounts, ledger entries, products, redemption
  orders and the lock audit log. It has no knowledge of HTTP, SQL or
  keyword tables. Engines live in rewards/, persistence in store/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: point balance, membership, exchange lock, training rollup
  - LedgerEntry: one point-affecting event (earn, adjust, exchange, refund)
  - Product: redeemable item with total stock and optional per-size stock
  - RedemptionOrder: an exchange of points for a product, with fulfillment
  - LockAuditEntry: append-only record of lock/unlock actions

DESIGN PRINCIPLES:
  1. Points are integers (int64). Hours are decimals (shopspring/decimal).
  2. Type Safety: distinct ID types prevent mixing account/product/order IDs
  3. Auditability: every balance change has a LedgerEntry behind it

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence ports
  - ledger.go: balance replay and invariant check
*/
package generic

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type ProductID string
type OrderID string

// SystemActor is recorded as performer for automatic lock changes.
const SystemActor = "system"

// DefaultPointsFloor is the lowest balance an administrator may set.
const DefaultPointsFloor int64 = -8000

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a club member's point account.
//
// INVARIANT: PointsBalance == sum of applied LedgerEntry.Points.
// Balance is only ever changed together with a LedgerEntry.
type Account struct {
	ID               AccountID
	DisplayName      string
	IsAdmin          bool
	PointsBalance    int64
	IsOfficialMember bool
	MembershipUntil  *time.Time
	PaidYears        []int

	ExchangeLocked bool
	LockReason     string
	LockedAt       *time.Time
	LockedBy       string

	CompetitionParticipationCount int
	LastCompetitionDate           *time.Time

	TrainingStats TrainingStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPaidYear reports whether the membership fee for year was paid.
func (a Account) HasPaidYear(year int) bool {
	for _, y := range a.PaidYears {
		if y == year {
			return true
		}
	}
	return false
}

// MembershipExpired reports whether an official membership has lapsed at now.
func (a Account) MembershipExpired(now time.Time) bool {
	return a.IsOfficialMember && a.MembershipUntil != nil && a.MembershipUntil.Before(now)
}

// LockState is the lock portion of an Account, written as a unit.
type LockState struct {
	Locked   bool
	Reason   string
	LockedAt *time.Time
	LockedBy string
}

// Membership is the membership portion of an Account, written as a unit.
type Membership struct {
	IsOfficialMember bool
	MembershipUntil  *time.Time
	PaidYears        []int
}

// =============================================================================
// TRAINING STATISTICS
// =============================================================================

// TrainingStats is the per-account training-hour rollup.
// Keys: ByMonth "YYYY-MM", ByWeek "YYYY-Www".
type TrainingStats struct {
	TotalHours decimal.Decimal            `json:"totalHours"`
	ByMonth    map[string]decimal.Decimal `json:"byMonth"`
	ByWeek     map[string]decimal.Decimal `json:"byWeek"`
}

// NewTrainingStats returns an empty rollup with initialized maps.
func NewTrainingStats() TrainingStats {
	return TrainingStats{
		TotalHours: decimal.Zero,
		ByMonth:    make(map[string]decimal.Decimal),
		ByWeek:     make(map[string]decimal.Decimal),
	}
}

// Clone returns a deep copy so callers can mutate maps safely.
func (s TrainingStats) Clone() TrainingStats {
	out := NewTrainingStats()
	out.TotalHours = s.TotalHours
	for k, v := range s.ByMonth {
		out.ByMonth[k] = v
	}
	for k, v := range s.ByWeek {
		out.ByWeek[k] = v
	}
	return out
}

// Equal compares two rollups by value. Zero buckets and missing buckets are equal.
func (s TrainingStats) Equal(o TrainingStats) bool {
	if !s.TotalHours.Equal(o.TotalHours) {
		return false
	}
	return bucketsEqual(s.ByMonth, o.ByMonth) && bucketsEqual(s.ByWeek, o.ByWeek)
}

func bucketsEqual(a, b map[string]decimal.Decimal) bool {
	for k, v := range a {
		if !v.Equal(b[k]) {
			return false
		}
	}
	for k, v := range b {
		if !v.Equal(a[k]) {
			return false
		}
	}
	return true
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryKind string

const (
	KindEarn     EntryKind = "earn"     // Submitted activity, audited
	KindAdjust   EntryKind = "adjust"   // Administrative correction
	KindExchange EntryKind = "exchange" // Redemption debit
	KindRefund   EntryKind = "refund"   // Cancellation credit
)

type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusApproved EntryStatus = "approved"
	StatusRejected EntryStatus = "rejected"
)

// Category holds the free-text classification fields of a submission.
type Category struct {
	Code          string `json:"code"` // e.g. "training", "camp", "race"
	Name          string `json:"categoryName"`
	RaceType      string `json:"raceType,omitempty"`
	RaceTypeLabel string `json:"raceTypeLabel,omitempty"`
	Description   string `json:"description,omitempty"`
}

// LedgerEntry is one point-affecting event.
//
// Only KindEarn entries move through the audit state machine.
// Adjust, exchange and refund entries are created already applied
// (Status == StatusApproved) and are never modified.
type LedgerEntry struct {
	ID        EntryID
	AccountID AccountID
	Kind      EntryKind
	Points    int64
	Status    EntryStatus
	Category  Category

	// Meta is the submitter's free-form activity payload
	// (hours, durationMinutes, activityDate, ...).
	Meta json.RawMessage

	Reason         string
	SubmittedAt    time.Time
	AuditedAt      *time.Time
	AuditedBy      string
	RejectReason   string
	RelatedOrderID OrderID
	CreatedBy      string
}

// Applied reports whether the entry's points are reflected in the balance.
func (e LedgerEntry) Applied() bool {
	if e.Kind == KindEarn {
		return e.Status == StatusApproved
	}
	return true
}

// =============================================================================
// PRODUCT
// =============================================================================

// Product is a redeemable catalog item.
//
// INVARIANT: when SizesEnabled, StockTotal == sum(SizeStocks).
type Product struct {
	ID           ProductID
	Name         string
	PointsCost   int64
	StockTotal   int
	SizesEnabled bool
	SizeStocks   map[string]int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Available returns the stock that can satisfy a request for size.
// Size is ignored for products without sizing.
func (p Product) Available(size string) int {
	if p.SizesEnabled && size != "" {
		return p.SizeStocks[size]
	}
	return p.StockTotal
}

// =============================================================================
// REDEMPTION ORDER
// =============================================================================

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderShipped   OrderStatus = "shipped"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type DeliveryMethod string

const (
	DeliveryMail     DeliveryMethod = "mail"
	DeliveryInPerson DeliveryMethod = "in_person"
)

type Recipient struct {
	Method  DeliveryMethod `json:"method"`
	Name    string         `json:"name"`
	Phone   string         `json:"phone,omitempty"`
	Address string         `json:"address,omitempty"`
	Remark  string         `json:"remark,omitempty"`
}

type Logistics struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type RedemptionOrder struct {
	ID           OrderID
	AccountID    AccountID
	ProductID    ProductID
	ProductName  string
	Quantity     int
	SelectedSize string
	PointsSpent  int64
	Status       OrderStatus
	Recipient    Recipient
	Logistics    Logistics
	CancelReason string
	CancelledBy  string

	CreatedAt   time.Time
	ShippedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// =============================================================================
// LOCK AUDIT LOG
// =============================================================================

type LockAction string

const (
	LockActionLock   LockAction = "lock"
	LockActionUnlock LockAction = "unlock"
)

// LockAuditEntry records a lock or unlock. Append-only.
type LockAuditEntry struct {
	ID          string
	AccountID   AccountID
	Action      LockAction
	Reason      string
	PerformedBy string // SystemActor or an admin account id
	Timestamp   time.Time
}
