/*
redemption.go - Redemption transaction engine

PURPOSE:
  Exchanges points for a product. Validation runs first against current
  account and product state; the four coupled writes then commit in one
  store transaction or not at all:

    1. debit Account.PointsBalance by quantity x pointsCost
    2. decrement Product.StockTotal (and SizeStocks[size]) by quantity
    3. create a pending RedemptionOrder
    4. append an exchange LedgerEntry with negative points

VALIDATION ORDER (first failure wins):
  quantity >= 1
  product active
  available stock (sized or total) >= quantity
  balance not negative
  expired official membership -> flip membership off, fail
  official member
  not exchange-locked (one auto-unlock attempt first)
  recipient fields per delivery method
  sizing: size selected and in stock
  balance >= cost

RACES:
  Stock and balance are re-checked by conditional writes inside the
  transaction, so the loser of two concurrent requests for the last item
  fails with "insufficient stock" and nothing else changes.

SEE ALSO:
  - orders.go: cancellation and fulfillment
  - generic/store.go: DebitBalance, DecrementStock
*/
package rewards

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/metrics"
)

var phonePattern = regexp.MustCompile(`^1\d{10}$`)

type RedemptionEngine struct {
	Store       generic.TxStore
	Permissions Permissions
	Unlocker    Unlocker
	Clock       generic.Clock
	Log         logrus.FieldLogger
}

// RedeemInput is one redemption request.
type RedeemInput struct {
	AccountID    generic.AccountID
	ProductID    generic.ProductID
	Quantity     int
	SelectedSize string
	Recipient    generic.Recipient
}

// RedeemResult is returned on a committed redemption.
type RedeemResult struct {
	OrderID          generic.OrderID `json:"orderId"`
	PointsUsed       int64           `json:"pointsUsed"`
	RemainingBalance int64           `json:"remainingBalance"`
}

// Redeem validates and commits a redemption.
func (r *RedemptionEngine) Redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	res, err := r.redeem(ctx, in)
	if err != nil {
		metrics.Redemptions.WithLabelValues(string(generic.KindOf(err))).Inc()
		r.Log.WithFields(logrus.Fields{
			"account_id": in.AccountID,
			"product_id": in.ProductID,
		}).WithError(err).Info("redemption refused")
		return res, err
	}
	metrics.Redemptions.WithLabelValues("ok").Inc()
	metrics.PointsRedeemed.Add(float64(res.PointsUsed))
	return res, nil
}

func (r *RedemptionEngine) redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	if in.AccountID == "" {
		return RedeemResult{}, generic.Invalid("accountId", "is required")
	}
	if in.Quantity < 1 {
		return RedeemResult{}, generic.Invalid("quantity", "must be at least 1")
	}
	in.SelectedSize = strings.TrimSpace(in.SelectedSize)

	product, err := r.Store.GetProduct(ctx, in.ProductID)
	if err != nil {
		return RedeemResult{}, err
	}
	if !product.Active {
		return RedeemResult{}, generic.Conflict(generic.ErrProductInactive)
	}
	if product.Available(in.SelectedSize) < in.Quantity {
		return RedeemResult{}, generic.Conflict(generic.ErrInsufficientStock)
	}

	acct, err := r.Store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return RedeemResult{}, err
	}
	if acct.PointsBalance < 0 {
		return RedeemResult{}, generic.Conflict(generic.ErrNegativeBalance)
	}
	now := r.Clock.Now()
	if acct.MembershipExpired(now) {
		if err := r.Store.SetMembership(ctx, acct.ID, generic.Membership{
			IsOfficialMember: false,
			MembershipUntil:  acct.MembershipUntil,
			PaidYears:        acct.PaidYears,
		}); err != nil {
			return RedeemResult{}, err
		}
		r.Log.WithField("account_id", acct.ID).Info("membership expired, official flag cleared")
		return RedeemResult{}, generic.Conflict(generic.ErrMembershipExpired)
	}
	if !acct.IsOfficialMember {
		return RedeemResult{}, generic.Conflict(generic.ErrNotMember)
	}
	if acct.ExchangeLocked {
		bestEffort(ctx, r.Log, "auto_unlock", logrus.Fields{"account_id": acct.ID}, func(ctx context.Context) error {
			_, err := r.Unlocker.CheckAndAutoUnlock(ctx, acct.ID)
			return err
		})
		acct, err = r.Store.GetAccount(ctx, in.AccountID)
		if err != nil {
			return RedeemResult{}, err
		}
		if acct.ExchangeLocked {
			return RedeemResult{}, generic.Conflict(generic.ErrAccountLocked)
		}
	}
	if err := ValidateRecipient(in.Recipient); err != nil {
		return RedeemResult{}, err
	}
	size := ""
	if product.SizesEnabled {
		if in.SelectedSize == "" {
			return RedeemResult{}, generic.Invalid("selectedSize", "is required for this product")
		}
		if _, ok := product.SizeStocks[in.SelectedSize]; !ok {
			return RedeemResult{}, generic.Invalid("selectedSize", "unknown size %q", in.SelectedSize)
		}
		if product.SizeStocks[in.SelectedSize] < in.Quantity {
			return RedeemResult{}, generic.Conflict(generic.ErrInsufficientStock)
		}
		size = in.SelectedSize
	}
	cost := int64(in.Quantity) * product.PointsCost
	if acct.PointsBalance < cost {
		return RedeemResult{}, generic.Conflict(generic.ErrInsufficientBalance)
	}

	order := generic.RedemptionOrder{
		ID:           generic.OrderID(newID("order")),
		AccountID:    acct.ID,
		ProductID:    product.ID,
		ProductName:  product.Name,
		Quantity:     in.Quantity,
		SelectedSize: size,
		PointsSpent:  cost,
		Status:       generic.OrderPending,
		Recipient:    normalizeRecipient(in.Recipient),
		CreatedAt:    now,
	}

	var remaining int64
	err = r.Store.WithTx(ctx, func(s generic.Store) error {
		// Conditional writes re-validate against committed state.
		if err := s.DecrementStock(ctx, product.ID, size, in.Quantity); err != nil {
			return err
		}
		var err error
		if remaining, err = s.DebitBalance(ctx, acct.ID, cost); err != nil {
			return err
		}
		if err := s.CreateOrder(ctx, order); err != nil {
			return err
		}
		return s.AppendEntry(ctx, generic.LedgerEntry{
			ID:             generic.EntryID(newID("exchange")),
			AccountID:      acct.ID,
			Kind:           generic.KindExchange,
			Points:         -cost,
			Status:         generic.StatusApproved,
			Category:       generic.Category{Code: "exchange", Name: product.Name},
			Reason:         "redeemed " + product.Name,
			SubmittedAt:    now,
			RelatedOrderID: order.ID,
			CreatedBy:      string(acct.ID),
		})
	})
	if err != nil {
		return RedeemResult{}, err
	}

	r.Log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"order_id":   order.ID,
		"product_id": product.ID,
		"points":     cost,
	}).Info("redemption committed")

	return RedeemResult{OrderID: order.ID, PointsUsed: cost, RemainingBalance: remaining}, nil
}

// ValidateRecipient checks delivery fields for the chosen method.
// Mail needs a name, an 11-digit phone and an address; in-person
// pickup needs a name, and the phone only if one is given.
func ValidateRecipient(rc generic.Recipient) error {
	name := strings.TrimSpace(rc.Name)
	phone := strings.TrimSpace(rc.Phone)
	switch rc.Method {
	case generic.DeliveryMail:
		if name == "" {
			return generic.Invalid("recipient.name", "is required")
		}
		if !phonePattern.MatchString(phone) {
			return generic.Invalid("recipient.phone", "must be an 11-digit mobile number")
		}
		if strings.TrimSpace(rc.Address) == "" {
			return generic.Invalid("recipient.address", "is required for mail delivery")
		}
	case generic.DeliveryInPerson:
		if name == "" {
			return generic.Invalid("recipient.name", "is required")
		}
		if phone != "" && !phonePattern.MatchString(phone) {
			return generic.Invalid("recipient.phone", "must be an 11-digit mobile number")
		}
	default:
		return generic.Invalid("recipient.method", "must be mail or in_person")
	}
	return nil
}

func normalizeRecipient(rc generic.Recipient) generic.Recipient {
	rc.Name = strings.TrimSpace(rc.Name)
	rc.Phone = strings.TrimSpace(rc.Phone)
	rc.Address = strings.TrimSpace(rc.Address)
	rc.Remark = strings.TrimSpace(rc.Remark)
	if rc.Method == generic.DeliveryInPerson {
		rc.Address = ""
	}
	return rc
}
