/*
accounts.go - Registration, membership and account reads

PURPOSE:
  Accounts are created once on first registration with a zero balance
  and never deleted. Whether a new account starts exchange-locked is a
  club policy switch (LockOnCreate); a locked start writes a system lock
  entry to the audit log so the history explains the flag.

MEMBERSHIP:
  Admins set the official flag, expiry and paid years. ExpireMemberships
  is the scheduled sweep performing the same flip redemption does lazily
  when it meets a lapsed member.

SEE ALSO:
  - adjust.go: admin point adjustments on the same service
  - api/scheduler.go: membership expiry job
*/
package rewards

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
)

type AccountService struct {
	Store        generic.TxStore
	Permissions  Permissions
	Clock        generic.Clock
	Log          logrus.FieldLogger
	LockOnCreate bool
	PointsFloor  int64
}

// RegisterInput describes a new account.
type RegisterInput struct {
	AccountID   generic.AccountID
	DisplayName string
	IsAdmin     bool
}

// Register creates an account with a zero balance.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*generic.Account, error) {
	in.AccountID = generic.AccountID(strings.TrimSpace(string(in.AccountID)))
	if in.AccountID == "" {
		return nil, generic.Invalid("accountId", "is required")
	}
	now := s.Clock.Now()
	acct := generic.Account{
		ID:            in.AccountID,
		DisplayName:   strings.TrimSpace(in.DisplayName),
		IsAdmin:       in.IsAdmin,
		TrainingStats: generic.NewTrainingStats(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.LockOnCreate {
		acct.ExchangeLocked = true
		acct.LockReason = "new account"
		acct.LockedAt = &now
		acct.LockedBy = generic.SystemActor
	}

	err := s.Store.WithTx(ctx, func(st generic.Store) error {
		if err := st.CreateAccount(ctx, acct); err != nil {
			return err
		}
		if !acct.ExchangeLocked {
			return nil
		}
		return st.AppendLockLog(ctx, generic.LockAuditEntry{
			ID:          newID("lock"),
			AccountID:   acct.ID,
			Action:      generic.LockActionLock,
			Reason:      acct.LockReason,
			PerformedBy: generic.SystemActor,
			Timestamp:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"account_id": acct.ID, "locked": acct.ExchangeLocked}).Info("account registered")
	return &acct, nil
}

// Get returns an account to itself or an admin.
func (s *AccountService) Get(ctx context.Context, actor, id generic.AccountID) (*generic.Account, error) {
	if err := s.selfOrAdmin(ctx, actor, id, "view another account"); err != nil {
		return nil, err
	}
	return s.Store.GetAccount(ctx, id)
}

// Entries lists ledger entries of an account, oldest first.
func (s *AccountService) Entries(ctx context.Context, actor, id generic.AccountID, kind generic.EntryKind, status generic.EntryStatus, limit int) ([]generic.LedgerEntry, error) {
	if err := s.selfOrAdmin(ctx, actor, id, "list another account's entries"); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListEntries(ctx, generic.EntryFilter{AccountID: id, Kind: kind, Status: status, Limit: limit})
}

func (s *AccountService) selfOrAdmin(ctx context.Context, actor, id generic.AccountID, action string) error {
	if actor == id {
		return nil
	}
	return s.Permissions.RequireAdmin(ctx, actor, action)
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// SetMembership replaces the membership portion of an account. Admin only.
func (s *AccountService) SetMembership(ctx context.Context, actor, id generic.AccountID, m generic.Membership) error {
	if err := s.Permissions.RequireAdmin(ctx, actor, "set membership"); err != nil {
		return err
	}
	years, err := normalizeYears(m.PaidYears)
	if err != nil {
		return err
	}
	m.PaidYears = years
	if _, err := s.Store.GetAccount(ctx, id); err != nil {
		return err
	}
	if err := s.Store.SetMembership(ctx, id, m); err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"account_id": id,
		"actor":      actor,
		"official":   m.IsOfficialMember,
		"paid_years": m.PaidYears,
	}).Info("membership updated")
	return nil
}

// normalizeYears sorts and de-duplicates paid years.
func normalizeYears(in []int) ([]int, error) {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, y := range in {
		if y < 1900 || y > 9999 {
			return nil, generic.Invalid("paidYears", "invalid year %d", y)
		}
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ExpireMemberships clears the official flag of every member whose
// membership has lapsed and returns how many were changed.
func (s *AccountService) ExpireMemberships(ctx context.Context) (int, error) {
	accounts, err := s.Store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	now := s.Clock.Now()
	expired := 0
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if !a.MembershipExpired(now) {
			continue
		}
		if err := s.Store.SetMembership(ctx, a.ID, generic.Membership{
			IsOfficialMember: false,
			MembershipUntil:  a.MembershipUntil,
			PaidYears:        a.PaidYears,
		}); err != nil {
			return expired, err
		}
		expired++
		s.Log.WithField("account_id", a.ID).Info("membership expired")
	}
	return expired, nil
}
