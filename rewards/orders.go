/*
orders.go - Redemption order lifecycle after creation

PURPOSE:
  Orders move one way through fulfillment and may be cancelled only
  while pending:

    pending -> shipped -> completed
    pending -> cancelled

  Cancellation is the inverse of redemption. In one transaction it
  credits pointsSpent back, restores stock (sized or total), marks the
  order cancelled and appends a refund entry. Shipping and completion
  only change status and timestamps.

SEE ALSO:
  - redemption.go: order creation
*/
package rewards

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/metrics"
)

// =============================================================================
// ORDER STATE MACHINE
// =============================================================================

// orderTransitions is one-directional: nothing leaves completed or cancelled.
var orderTransitions = map[generic.OrderStatus][]generic.OrderStatus{
	generic.OrderPending: {generic.OrderShipped, generic.OrderCancelled},
	generic.OrderShipped: {generic.OrderCompleted},
}

func canTransition(from, to generic.OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelOrder refunds a pending order. The owning account may cancel its
// own order; anyone else must be an admin.
func (r *RedemptionEngine) CancelOrder(ctx context.Context, actor generic.AccountID, id generic.OrderID, reason string) error {
	order, err := r.Store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.AccountID != actor {
		if err := r.Permissions.RequireAdmin(ctx, actor, "cancel another account's order"); err != nil {
			return err
		}
	}

	now := r.Clock.Now()
	err = r.Store.WithTx(ctx, func(s generic.Store) error {
		cur, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != generic.OrderPending {
			return generic.Conflict(generic.ErrOrderNotPending)
		}
		updated := *cur
		updated.Status = generic.OrderCancelled
		updated.CancelledAt = &now
		updated.CancelledBy = string(actor)
		updated.CancelReason = strings.TrimSpace(reason)
		if err := s.UpdateOrder(ctx, updated, generic.OrderPending); err != nil {
			return err
		}
		if _, err := s.IncrementBalance(ctx, cur.AccountID, cur.PointsSpent); err != nil {
			return err
		}
		if err := s.IncrementStock(ctx, cur.ProductID, cur.SelectedSize, cur.Quantity); err != nil {
			return err
		}
		return s.AppendEntry(ctx, generic.LedgerEntry{
			ID:             generic.EntryID(newID("refund")),
			AccountID:      cur.AccountID,
			Kind:           generic.KindRefund,
			Points:         cur.PointsSpent,
			Status:         generic.StatusApproved,
			Category:       generic.Category{Code: "refund", Name: cur.ProductName},
			Reason:         "order cancelled",
			SubmittedAt:    now,
			RelatedOrderID: cur.ID,
			CreatedBy:      string(actor),
		})
	})
	if err != nil {
		return err
	}

	metrics.OrderTransitions.WithLabelValues(string(generic.OrderCancelled)).Inc()
	r.Log.WithFields(logrus.Fields{
		"account_id": order.AccountID,
		"order_id":   id,
		"actor":      actor,
		"points":     order.PointsSpent,
	}).Info("order cancelled and refunded")
	return nil
}

// =============================================================================
// FULFILLMENT
// =============================================================================

// ShipOrder marks a pending order shipped. Admin only. Mail orders need
// a carrier and tracking number.
func (r *RedemptionEngine) ShipOrder(ctx context.Context, actor generic.AccountID, id generic.OrderID, lg generic.Logistics) error {
	if err := r.Permissions.RequireAdmin(ctx, actor, "ship orders"); err != nil {
		return err
	}
	return r.transition(ctx, actor, id, generic.OrderShipped, func(o *generic.RedemptionOrder) error {
		lg.Carrier = strings.TrimSpace(lg.Carrier)
		lg.TrackingNumber = strings.TrimSpace(lg.TrackingNumber)
		if o.Recipient.Method == generic.DeliveryMail {
			if lg.Carrier == "" {
				return generic.Invalid("logistics.carrier", "is required for mail delivery")
			}
			if lg.TrackingNumber == "" {
				return generic.Invalid("logistics.trackingNumber", "is required for mail delivery")
			}
		}
		now := r.Clock.Now()
		o.Logistics = lg
		o.ShippedAt = &now
		return nil
	})
}

// CompleteOrder marks a shipped order received. Owner or admin.
func (r *RedemptionEngine) CompleteOrder(ctx context.Context, actor generic.AccountID, id generic.OrderID) error {
	order, err := r.Store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.AccountID != actor {
		if err := r.Permissions.RequireAdmin(ctx, actor, "complete another account's order"); err != nil {
			return err
		}
	}
	return r.transition(ctx, actor, id, generic.OrderCompleted, func(o *generic.RedemptionOrder) error {
		now := r.Clock.Now()
		o.CompletedAt = &now
		return nil
	})
}

// transition applies a status-only change guarded on the current status.
func (r *RedemptionEngine) transition(ctx context.Context, actor generic.AccountID, id generic.OrderID, to generic.OrderStatus, mutate func(*generic.RedemptionOrder) error) error {
	err := r.Store.WithTx(ctx, func(s generic.Store) error {
		cur, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !canTransition(cur.Status, to) {
			return generic.Conflictf(generic.ErrInvalidTransition,
				"order cannot move from %s to %s", cur.Status, to)
		}
		updated := *cur
		updated.Status = to
		if err := mutate(&updated); err != nil {
			return err
		}
		return s.UpdateOrder(ctx, updated, cur.Status)
	})
	if err != nil {
		return err
	}
	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	r.Log.WithFields(logrus.Fields{"order_id": id, "to": to, "actor": actor}).Info("order status changed")
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Order returns one order to its owner or an admin.
func (r *RedemptionEngine) Order(ctx context.Context, actor generic.AccountID, id generic.OrderID) (*generic.RedemptionOrder, error) {
	order, err := r.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.AccountID != actor {
		if err := r.Permissions.RequireAdmin(ctx, actor, "view another account's order"); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Orders lists orders of an account, newest first.
func (r *RedemptionEngine) Orders(ctx context.Context, actor, owner generic.AccountID, status generic.OrderStatus, limit int) ([]generic.RedemptionOrder, error) {
	if owner != actor {
		if err := r.Permissions.RequireAdmin(ctx, actor, "list another account's orders"); err != nil {
			return nil, err
		}
	}
	return r.Store.ListOrders(ctx, generic.OrderFilter{AccountID: owner, Status: status, Limit: limit})
}
