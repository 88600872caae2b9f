/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, enums, ranges). Business rules stay in rewards/.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
)

// Envelope wraps every response body.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterAccountRequest struct {
	AccountID   string `json:"accountId" validate:"required,max=64"`
	DisplayName string `json:"displayName" validate:"max=64"`
}

type SubmitEarnRequest struct {
	AccountID     string          `json:"accountId"`
	CategoryCode  string          `json:"category" validate:"required_without=CategoryName,max=64"`
	CategoryName  string          `json:"categoryName" validate:"max=128"`
	RaceType      string          `json:"raceType" validate:"max=64"`
	RaceTypeLabel string          `json:"raceTypeLabel" validate:"max=128"`
	Description   string          `json:"description" validate:"max=2000"`
	Points        int64           `json:"points" validate:"gte=0"`
	ActivityMeta  json.RawMessage `json:"activityMeta"`
}

type AuditRequest struct {
	Status string `json:"status" validate:"required,oneof=approved rejected"`
	Reason string `json:"reason" validate:"max=500"`
}

type BatchAuditRequest struct {
	RecordIDs []string `json:"recordIds" validate:"required,min=1,max=200,dive,required"`
	Status    string   `json:"status" validate:"required,oneof=approved rejected"`
	Reason    string   `json:"reason" validate:"max=500"`
}

type RecipientRequest struct {
	Method  string `json:"method" validate:"required,oneof=mail in_person"`
	Name    string `json:"name" validate:"required,max=64"`
	Phone   string `json:"phone" validate:"max=20"`
	Address string `json:"address" validate:"max=500"`
	Remark  string `json:"remark" validate:"max=500"`
}

type RedeemRequest struct {
	AccountID    string           `json:"accountId"`
	ProductID    string           `json:"productId" validate:"required"`
	Quantity     int              `json:"quantity" validate:"required,min=1,max=100"`
	SelectedSize string           `json:"selectedSize" validate:"max=16"`
	Recipient    RecipientRequest `json:"recipient"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ShipOrderRequest struct {
	Carrier        string `json:"carrier" validate:"max=64"`
	TrackingNumber string `json:"trackingNumber" validate:"max=64"`
}

type AdjustPointsRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type SetPointsRequest struct {
	NewBalance *int64 `json:"newBalance" validate:"required"`
	Reason     string `json:"reason" validate:"max=500"`
}

type LockRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type MembershipRequest struct {
	IsOfficialMember bool       `json:"isOfficialMember"`
	MembershipUntil  *time.Time `json:"membershipUntil"`
	PaidYears        []int      `json:"paidYears" validate:"dive,gte=1900,lte=9999"`
}

type RecomputeRequest struct {
	DryRun bool `json:"dryRun"`
}

type UpsertProductRequest struct {
	ID           string         `json:"id" validate:"max=64"`
	Name         string         `json:"name" validate:"required,max=128"`
	PointsCost   int64          `json:"pointsCost" validate:"required,gt=0"`
	StockTotal   int            `json:"stockTotal" validate:"gte=0"`
	SizesEnabled bool           `json:"sizesEnabled"`
	SizeStocks   map[string]int `json:"sizeStocks" validate:"dive,keys,required,max=16,endkeys,gte=0"`
	Active       *bool          `json:"active"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TrainingStatsDTO struct {
	TotalHours decimal.Decimal            `json:"totalHours"`
	ByMonth    map[string]decimal.Decimal `json:"byMonth"`
	ByWeek     map[string]decimal.Decimal `json:"byWeek"`
}

type AccountDTO struct {
	ID                            string           `json:"id"`
	DisplayName                   string           `json:"displayName"`
	IsAdmin                       bool             `json:"isAdmin"`
	PointsBalance                 int64            `json:"pointsBalance"`
	IsOfficialMember              bool             `json:"isOfficialMember"`
	MembershipUntil               *time.Time       `json:"membershipUntil,omitempty"`
	PaidYears                     []int            `json:"paidYears"`
	ExchangeLocked                bool             `json:"exchangeLocked"`
	LockReason                    string           `json:"lockReason,omitempty"`
	LockedAt                      *time.Time       `json:"lockedAt,omitempty"`
	LockedBy                      string           `json:"lockedByAdminId,omitempty"`
	CompetitionParticipationCount int              `json:"competitionParticipationCount"`
	LastCompetitionDate           *time.Time       `json:"lastCompetitionDate,omitempty"`
	TrainingStats                 TrainingStatsDTO `json:"trainingStats"`
	CreatedAt                     time.Time        `json:"createdAt"`
}

func toAccountDTO(a *generic.Account) AccountDTO {
	years := a.PaidYears
	if years == nil {
		years = []int{}
	}
	return AccountDTO{
		ID:                            string(a.ID),
		DisplayName:                   a.DisplayName,
		IsAdmin:                       a.IsAdmin,
		PointsBalance:                 a.PointsBalance,
		IsOfficialMember:              a.IsOfficialMember,
		MembershipUntil:               a.MembershipUntil,
		PaidYears:                     years,
		ExchangeLocked:                a.ExchangeLocked,
		LockReason:                    a.LockReason,
		LockedAt:                      a.LockedAt,
		LockedBy:                      a.LockedBy,
		CompetitionParticipationCount: a.CompetitionParticipationCount,
		LastCompetitionDate:           a.LastCompetitionDate,
		TrainingStats: TrainingStatsDTO{
			TotalHours: a.TrainingStats.TotalHours,
			ByMonth:    a.TrainingStats.ByMonth,
			ByWeek:     a.TrainingStats.ByWeek,
		},
		CreatedAt: a.CreatedAt,
	}
}

type LedgerEntryDTO struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"accountId"`
	Kind           string           `json:"kind"`
	Points         int64            `json:"points"`
	Status         string           `json:"status"`
	Category       generic.Category `json:"category"`
	ActivityMeta   json.RawMessage  `json:"activityMeta,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	SubmittedAt    time.Time        `json:"submittedAt"`
	AuditedAt      *time.Time       `json:"auditedAt,omitempty"`
	AuditedBy      string           `json:"auditedBy,omitempty"`
	RejectReason   string           `json:"rejectReason,omitempty"`
	RelatedOrderID string           `json:"relatedOrderId,omitempty"`
}

func toEntryDTOs(entries []generic.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:             string(e.ID),
			AccountID:      string(e.AccountID),
			Kind:           string(e.Kind),
			Points:         e.Points,
			Status:         string(e.Status),
			Category:       e.Category,
			ActivityMeta:   e.Meta,
			Reason:         e.Reason,
			SubmittedAt:    e.SubmittedAt,
			AuditedAt:      e.AuditedAt,
			AuditedBy:      e.AuditedBy,
			RejectReason:   e.RejectReason,
			RelatedOrderID: string(e.RelatedOrderID),
		})
	}
	return out
}

type ProductDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	PointsCost   int64          `json:"pointsCost"`
	StockTotal   int            `json:"stockTotal"`
	SizesEnabled bool           `json:"sizesEnabled"`
	SizeStocks   map[string]int `json:"sizeStocks,omitempty"`
	Active       bool           `json:"active"`
}

func toProductDTO(p generic.Product) ProductDTO {
	return ProductDTO{
		ID:           string(p.ID),
		Name:         p.Name,
		PointsCost:   p.PointsCost,
		StockTotal:   p.StockTotal,
		SizesEnabled: p.SizesEnabled,
		SizeStocks:   p.SizeStocks,
		Active:       p.Active,
	}
}

type OrderDTO struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"accountId"`
	ProductID    string            `json:"productId"`
	ProductName  string            `json:"productName"`
	Quantity     int               `json:"quantity"`
	SelectedSize string            `json:"selectedSize,omitempty"`
	PointsSpent  int64             `json:"pointsSpent"`
	Status       string            `json:"status"`
	Recipient    generic.Recipient `json:"recipient"`
	Logistics    generic.Logistics `json:"logistics"`
	CancelReason string            `json:"cancelReason,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ShippedAt    *time.Time        `json:"shippedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	CancelledAt  *time.Time        `json:"cancelledAt,omitempty"`
}

func toOrderDTOs(orders []generic.RedemptionOrder) []OrderDTO {
	out := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, OrderDTO{
			ID:           string(o.ID),
			AccountID:    string(o.AccountID),
			ProductID:    string(o.ProductID),
			ProductName:  o.ProductName,
			Quantity:     o.Quantity,
			SelectedSize: o.SelectedSize,
			PointsSpent:  o.PointsSpent,
			Status:       string(o.Status),
			Recipient:    o.Recipient,
			Logistics:    o.Logistics,
			CancelReason: o.CancelReason,
			CreatedAt:    o.CreatedAt,
			ShippedAt:    o.ShippedAt,
			CompletedAt:  o.CompletedAt,
			CancelledAt:  o.CancelledAt,
		})
	}
	return out
}

type LockLogDTO struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	PerformedBy string    `json:"performedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

func toLockLogDTOs(entries []generic.LockAuditEntry) []LockLogDTO {
	out := make([]LockLogDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LockLogDTO{
			ID:          e.ID,
			Action:      string(e.Action),
			Reason:      e.Reason,
			PerformedBy: e.PerformedBy,
			Timestamp:   e.Timestamp,
		})
	}
	return out
}

type RecordIDResponse struct {
	RecordID string `json:"recordId"`
}

type UnlockResponse = rewards.UnlockResult

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
