/*
eligibility.go - Exchange lock and competition-based auto-unlock

PURPOSE:
  Account.ExchangeLocked gates redemption. Admins lock and unlock
  directly; CheckAndAutoUnlock lifts the lock automatically once a member
  has paid for the current year and has an approved competition record
  submitted this year.

AUTO-UNLOCK:
  1. not locked                         -> no-op
  2. window = current calendar year in the club's time zone
  3. not official member / not paid     -> not eligible (no writes)
  4. scan approved positive earn entries in the window for a
     competition match (classifier.go)
  5. match -> conditional unlock + participation++ + audit entry
  6. no match                           -> not unlocked, with reason

RE-ENTRANCY:
  The unlock is a conditional write on exchange_locked == true. Two
  concurrent checks on the same locked account both find a match, but
  only one wins the write; the other returns OutcomeNotLocked. The
  participation count therefore moves once per lock episode.

SEE ALSO:
  - audit.go, redemption.go: best-effort callers
  - generic/store.go: UnlockIfLocked
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
// RESULT
// =============================================================================

type UnlockOutcome string

const (
	OutcomeNotLocked   UnlockOutcome = "not_locked"
	OutcomeUnlocked    UnlockOutcome = "unlocked"
	OutcomeNotMember   UnlockOutcome = "not_member"
	OutcomeNotPaid     UnlockOutcome = "not_paid_this_year"
	OutcomeNoQualifier UnlockOutcome = "no_qualifying_record"
)

// UnlockResult is the answer of CheckAndAutoUnlock.
type UnlockResult struct {
	Unlocked bool          `json:"unlocked"`
	Outcome  UnlockOutcome `json:"outcome"`
	Reason   string        `json:"reason"`
	// EntryID is the qualifying record when Outcome is OutcomeUnlocked.
	EntryID generic.EntryID `json:"entryId,omitempty"`
}

// =============================================================================
// ENGINE
// =============================================================================

type EligibilityEngine struct {
	Store       generic.TxStore
	Permissions Permissions
	Classifier  *Classifier
	Clock       generic.Clock
	Log         logrus.FieldLogger
}

// CheckAndAutoUnlock is idempotent and safe to call from any flow.
func (e *EligibilityEngine) CheckAndAutoUnlock(ctx context.Context, id generic.AccountID) (UnlockResult, error) {
	res, err := e.checkAndAutoUnlock(ctx, id)
	if err != nil {
		metrics.UnlockChecks.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.UnlockChecks.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (e *EligibilityEngine) checkAndAutoUnlock(ctx context.Context, id generic.AccountID) (UnlockResult, error) {
	acct, err := e.Store.GetAccount(ctx, id)
	if err != nil {
		return UnlockResult{}, err
	}
	if !acct.ExchangeLocked {
		return UnlockResult{Outcome: OutcomeNotLocked, Reason: "account is not locked"}, nil
	}

	now := e.Clock.Now()
	from, to := generic.YearWindow(now, e.Clock.Location())
	year := from.Year()

	if !acct.IsOfficialMember {
		return UnlockResult{Outcome: OutcomeNotMember, Reason: "account is not an official member"}, nil
	}
	if !acct.HasPaidYear(year) {
		return UnlockResult{Outcome: OutcomeNotPaid, Reason: "membership fee not paid for the current year"}, nil
	}

	entries, err := e.Store.ListEntries(ctx, generic.EntryFilter{
		AccountID: id,
		Kind:      generic.KindEarn,
		Status:    generic.StatusApproved,
		From:      &from,
		To:        &to,
	})
	if err != nil {
		return UnlockResult{}, err
	}

	var match *generic.LedgerEntry
	for i := range entries {
		if e.Classifier.QualifiesForUnlock(entries[i]) {
			// Entries are ordered by submission; keep the latest match.
			match = &entries[i]
		}
	}
	if match == nil {
		return UnlockResult{Outcome: OutcomeNoQualifier, Reason: "no approved competition record this year"}, nil
	}

	var unlocked bool
	err = e.Store.WithTx(ctx, func(s generic.Store) error {
		var err error
		unlocked, err = s.UnlockIfLocked(ctx, id, match.SubmittedAt)
		if err != nil || !unlocked {
			return err
		}
		return s.AppendLockLog(ctx, generic.LockAuditEntry{
			ID:          newID("lock"),
			AccountID:   id,
			Action:      generic.LockActionUnlock,
			Reason:      "auto unlock: competition record " + string(match.ID),
			PerformedBy: generic.SystemActor,
			Timestamp:   now,
		})
	})
	if err != nil {
		return UnlockResult{}, err
	}
	if !unlocked {
		return UnlockResult{Outcome: OutcomeNotLocked, Reason: "account was unlocked concurrently"}, nil
	}

	e.Log.WithFields(logrus.Fields{"account_id": id, "entry_id": match.ID}).Info("account auto-unlocked")
	return UnlockResult{
		Unlocked: true,
		Outcome:  OutcomeUnlocked,
		Reason:   "approved competition record found",
		EntryID:  match.ID,
	}, nil
}

// =============================================================================
// ADMIN LOCK / UNLOCK
// =============================================================================

// LockAccount sets the exchange lock and records who did it.
func (e *EligibilityEngine) LockAccount(ctx context.Context, actor, id generic.AccountID, reason string) error {
	if err := e.Permissions.RequireAdmin(ctx, actor, "lock accounts"); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return generic.Invalid("reason", "is required")
	}
	now := e.Clock.Now()
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
		if err := s.SetLockState(ctx, id, generic.LockState{
			Locked:   true,
			Reason:   reason,
			LockedAt: &now,
			LockedBy: string(actor),
		}); err != nil {
			return err
		}
		return s.AppendLockLog(ctx, generic.LockAuditEntry{
			ID:          newID("lock"),
			AccountID:   id,
			Action:      generic.LockActionLock,
			Reason:      reason,
			PerformedBy: string(actor),
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}
	e.Log.WithFields(logrus.Fields{"account_id": id, "actor": actor}).Info("account locked")
	return nil
}

// UnlockAccount clears the exchange lock without touching participation.
func (e *EligibilityEngine) UnlockAccount(ctx context.Context, actor, id generic.AccountID, reason string) error {
	if err := e.Permissions.RequireAdmin(ctx, actor, "unlock accounts"); err != nil {
		return err
	}
	now := e.Clock.Now()
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
		if err := s.SetLockState(ctx, id, generic.LockState{}); err != nil {
			return err
		}
		return s.AppendLockLog(ctx, generic.LockAuditEntry{
			ID:          newID("lock"),
			AccountID:   id,
			Action:      generic.LockActionUnlock,
			Reason:      strings.TrimSpace(reason),
			PerformedBy: string(actor),
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}
	e.Log.WithFields(logrus.Fields{"account_id": id, "actor": actor}).Info("account unlocked")
	return nil
}

// LockLog returns the lock audit history of an account.
func (e *EligibilityEngine) LockLog(ctx context.Context, id generic.AccountID) ([]generic.LockAuditEntry, error) {
	if _, err := e.Store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.ListLockLog(ctx, id)
}
