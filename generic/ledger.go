/*
ledger.go - Balance replay over the ledger

PURPOSE:
  The ledger is the source of truth for every balance change. The stored
  Account.PointsBalance is a materialized value kept in step with it by
  the engines (each balance write happens in the same transaction as
  the entry that explains it). This file replays the ledger to check
  that invariant.

CRITICAL INVARIANT:
  PointsBalance == sum(points of applied entries)

  applied = approved earn + every adjust + every exchange + every refund

CORRECTIONS:
  Entries are never edited to fix a balance. A mistaken approval is
  reversed by rejecting the entry; a mistaken redemption by cancelling
  the order, which appends a refund entry.

EXAMPLE FLOW:
  1. Member submits 50-point race record:   earn +50 (pending)
  2. Admin approves:                         earn +50 (approved) -> 50
  3. Member redeems a 30-point cap:          exchange -30       -> 20
  4. Member cancels before shipment:         refund +30         -> 50

SEE ALSO:
  - store.go: ListEntries
  - rewards/adjust.go: VerifyBalance exposes this to admins
*/
package generic

import "context"

// =============================================================================
// LEDGER
// =============================================================================

// Ledger replays entries to derive balances.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// AppliedBalance sums the applied entries of an account.
func (l *Ledger) AppliedBalance(ctx context.Context, id AccountID) (int64, error) {
	entries, err := l.Store.ListEntries(ctx, EntryFilter{AccountID: id})
	if err != nil {
		return 0, err
	}
	return SumApplied(entries), nil
}

// SumApplied returns the sum of points over applied entries.
func SumApplied(entries []LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		if e.Applied() {
			total += e.Points
		}
	}
	return total
}

// BalanceCheck compares the stored balance with the replayed one.
type BalanceCheck struct {
	AccountID  AccountID `json:"accountId"`
	Stored     int64     `json:"stored"`
	Replayed   int64     `json:"replayed"`
	Consistent bool      `json:"consistent"`
}

// Verify loads the account and replays its ledger.
func (l *Ledger) Verify(ctx context.Context, id AccountID) (BalanceCheck, error) {
	acct, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return BalanceCheck{}, err
	}
	replayed, err := l.AppliedBalance(ctx, id)
	if err != nil {
		return BalanceCheck{}, err
	}
	return BalanceCheck{
		AccountID:  id,
		Stored:     acct.PointsBalance,
		Replayed:   replayed,
		Consistent: acct.PointsBalance == replayed,
	}, nil
}
