/*
adjust.go - Administrative point adjustments

PURPOSE:
  Admins correct balances with adjust entries. There is no direct balance
  write: every change is an adjust LedgerEntry plus IncrementBalance in
  one transaction, so the balance invariant holds.

FLOOR:
  The resulting balance may not go below PointsFloor (-8000 by default).
  SetPoints clamps the target; AdjustPoints shrinks the delta so the
  result lands on the floor. A debit on a balance already below the
  floor (an audit reversal can leave it there) is a no-op, and credits
  are never clamped. A zero effective delta writes nothing.

EXAMPLE:
  balance 100, SetPoints(-9000)  -> target clamped to -8000, delta -8100
  balance -7990, Adjust(-50)     -> delta shrunk to -10, balance -8000
  balance -10000, Adjust(-10)    -> delta 0, balance -10000
  balance -10000, Adjust(+5)     -> delta +5, balance -9995
*/
package rewards

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
)

// AdjustResult reports the committed change.
type AdjustResult struct {
	NewBalance int64           `json:"newBalance"`
	Delta      int64           `json:"delta"`
	EntryID    generic.EntryID `json:"entryId,omitempty"`
}

// AdjustPoints adds delta to the balance, clamped at the floor.
func (s *AccountService) AdjustPoints(ctx context.Context, actor, id generic.AccountID, delta int64, reason string) (AdjustResult, error) {
	if err := s.Permissions.RequireAdmin(ctx, actor, "adjust points"); err != nil {
		return AdjustResult{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return AdjustResult{}, generic.Invalid("reason", "is required")
	}
	return s.adjust(ctx, actor, id, reason, func(balance int64) int64 {
		return s.clampDebit(balance, delta) - balance
	})
}

// clampDebit returns balance+delta with debits stopped at the floor. A
// balance already below the floor (left there by an audit reversal) is
// never moved against the sign of delta.
func (s *AccountService) clampDebit(balance, delta int64) int64 {
	target := balance + delta
	if delta < 0 && target < s.PointsFloor {
		return min(balance, s.PointsFloor)
	}
	return target
}

// SetPoints moves the balance to target, clamped at the floor. The
// reported delta is the change actually applied.
func (s *AccountService) SetPoints(ctx context.Context, actor, id generic.AccountID, target int64, reason string) (AdjustResult, error) {
	if err := s.Permissions.RequireAdmin(ctx, actor, "set points"); err != nil {
		return AdjustResult{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "balance set by admin"
	}
	return s.adjust(ctx, actor, id, reason, func(balance int64) int64 {
		return s.clamp(target) - balance
	})
}

func (s *AccountService) clamp(v int64) int64 {
	if v < s.PointsFloor {
		return s.PointsFloor
	}
	return v
}

// adjust reads the balance inside the transaction so deltaFor sees
// committed state.
func (s *AccountService) adjust(ctx context.Context, actor, id generic.AccountID, reason string, deltaFor func(balance int64) int64) (AdjustResult, error) {
	var res AdjustResult
	err := s.Store.WithTx(ctx, func(st generic.Store) error {
		acct, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		res.Delta = deltaFor(acct.PointsBalance)
		res.NewBalance = acct.PointsBalance
		if res.Delta == 0 {
			return nil
		}
		entry := generic.LedgerEntry{
			ID:          generic.EntryID(newID("adjust")),
			AccountID:   id,
			Kind:        generic.KindAdjust,
			Points:      res.Delta,
			Status:      generic.StatusApproved,
			Category:    generic.Category{Code: "adjust", Name: "admin adjustment"},
			Reason:      reason,
			SubmittedAt: s.Clock.Now(),
			CreatedBy:   string(actor),
		}
		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		res.EntryID = entry.ID
		res.NewBalance, err = st.IncrementBalance(ctx, id, res.Delta)
		return err
	})
	if err != nil {
		return AdjustResult{}, err
	}
	s.Log.WithFields(logrus.Fields{
		"account_id":  id,
		"actor":       actor,
		"delta":       res.Delta,
		"new_balance": res.NewBalance,
	}).Info("points adjusted")
	return res, nil
}

// VerifyBalance replays the ledger of an account against its stored
// balance. Admin only.
func (s *AccountService) VerifyBalance(ctx context.Context, actor, id generic.AccountID) (generic.BalanceCheck, error) {
	if err := s.Permissions.RequireAdmin(ctx, actor, "verify balances"); err != nil {
		return generic.BalanceCheck{}, err
	}
	check, err := generic.NewLedger(s.Store).Verify(ctx, id)
	if err != nil {
		return check, err
	}
	if !check.Consistent {
		s.Log.WithFields(logrus.Fields{
			"account_id": id,
			"stored":     check.Stored,
			"replayed":   check.Replayed,
		}).Error("balance does not match ledger")
	}
	return check, nil
}
