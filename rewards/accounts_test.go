package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/generic/store"
	"github.com/warp/points-engine/rewards"
)

func TestRegister_StartsLockedWithSystemLog(t *testing.T) {
	f := newFixture(t)

	acct, err := f.engine.Accounts.Register(f.ctx, rewards.RegisterInput{AccountID: " dave ", DisplayName: "Dave"})

	require.NoError(t, err)
	assert.Equal(t, generic.AccountID("dave"), acct.ID)
	assert.Zero(t, acct.PointsBalance)
	assert.True(t, acct.ExchangeLocked)
	assert.Equal(t, generic.SystemActor, acct.LockedBy)

	log, err := f.engine.Eligibility.LockLog(f.ctx, "dave")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, generic.LockActionLock, log[0].Action)

	_, err = f.engine.Accounts.Register(f.ctx, rewards.RegisterInput{AccountID: "dave"})
	assert.ErrorIs(t, err, generic.ErrConflict)

	_, err = f.engine.Accounts.Register(f.ctx, rewards.RegisterInput{AccountID: "  "})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestRegister_UnlockedWhenPolicyOff(t *testing.T) {
	s := store.NewTxMemory()
	log, _ := test.NewNullLogger()
	engine := rewards.New(rewards.Options{Store: s, Log: log})

	acct, err := engine.Accounts.Register(context.Background(), rewards.RegisterInput{AccountID: "erin"})

	require.NoError(t, err)
	assert.False(t, acct.ExchangeLocked)
	entries, err := s.ListLockLog(context.Background(), "erin")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAccountReads_SelfOrAdmin(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 10)
	f.member(t, "bob", 0)

	_, err := f.engine.Accounts.Get(f.ctx, "alice", "alice")
	assert.NoError(t, err)
	_, err = f.engine.Accounts.Get(f.ctx, admin, "alice")
	assert.NoError(t, err)
	_, err = f.engine.Accounts.Get(f.ctx, "bob", "alice")
	assert.ErrorIs(t, err, generic.ErrPermission)

	entries, err := f.engine.Accounts.Entries(f.ctx, "alice", "alice", generic.KindAdjust, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.engine.Accounts.Entries(f.ctx, admin, "ghost", "", "", 0)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestSetMembership(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 0)

	err := f.engine.Accounts.SetMembership(f.ctx, admin, "alice", generic.Membership{
		IsOfficialMember: true,
		PaidYears:        []int{2024, 2022, 2024},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2022, 2024}, f.account(t, "alice").PaidYears)

	err = f.engine.Accounts.SetMembership(f.ctx, admin, "alice", generic.Membership{PaidYears: []int{24}})
	assert.ErrorIs(t, err, generic.ErrValidation)

	err = f.engine.Accounts.SetMembership(f.ctx, "alice", "alice", generic.Membership{IsOfficialMember: true})
	assert.ErrorIs(t, err, generic.ErrPermission)

	err = f.engine.Accounts.SetMembership(f.ctx, admin, "ghost", generic.Membership{})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestExpireMemberships(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 0)
	f.member(t, "bob", 0)
	lapsed := f.clock.Now().AddDate(0, 0, -1)
	require.NoError(t, f.engine.Accounts.SetMembership(f.ctx, admin, "bob", generic.Membership{
		IsOfficialMember: true,
		MembershipUntil:  &lapsed,
		PaidYears:        []int{2023},
	}))

	n, err := f.engine.Accounts.ExpireMemberships(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	bob := f.account(t, "bob")
	assert.False(t, bob.IsOfficialMember)
	assert.Equal(t, []int{2023}, bob.PaidYears)
	assert.True(t, f.account(t, "alice").IsOfficialMember)

	n, err = f.engine.Accounts.ExpireMemberships(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdjustPoints(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 100)

	// GIVEN: a plain credit
	res, err := f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", 50, "volunteer day")
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.NewBalance)
	assert.Equal(t, int64(50), res.Delta)
	assert.NotEmpty(t, res.EntryID)

	// WHEN: a debit would cross the floor
	res, err = f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", -10000, "penalty")
	require.NoError(t, err)

	// THEN: the delta shrinks to land on the floor
	assert.Equal(t, generic.DefaultPointsFloor, res.NewBalance)
	assert.Equal(t, generic.DefaultPointsFloor-150, res.Delta)
	f.requireConsistent(t, "alice")

	// AND: at the floor a further debit is a no-op without an entry
	before, err := f.store.ListEntries(f.ctx, generic.EntryFilter{AccountID: "alice"})
	require.NoError(t, err)
	res, err = f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", -1, "penalty")
	require.NoError(t, err)
	assert.Zero(t, res.Delta)
	assert.Empty(t, res.EntryID)
	after, err := f.store.ListEntries(f.ctx, generic.EntryFilter{AccountID: "alice"})
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	_, err = f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", 5, " ")
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = f.engine.Accounts.AdjustPoints(f.ctx, "alice", "alice", 5, "gift")
	assert.ErrorIs(t, err, generic.ErrPermission)
}

func TestAdjustPoints_BelowFloorAfterReversal(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 0)
	f.product(t, generic.Product{ID: "bike", Name: "Road bike", PointsCost: 10000, StockTotal: 1})
	id := f.submit(t, "alice", generic.Category{Code: "race", Name: "全马"}, 10000, "")
	require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
	_, err := f.engine.Redemption.Redeem(f.ctx, rewards.RedeemInput{
		AccountID: "alice", ProductID: "bike", Quantity: 1, Recipient: pickup,
	})
	require.NoError(t, err)

	// GIVEN: the funding record is reversed after the points were spent
	require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusRejected, "duplicate record"))
	require.Equal(t, int64(-10000), f.account(t, "alice").PointsBalance)

	// WHEN: an admin debits further
	res, err := f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", -10, "penalty")

	// THEN: nothing moves, and never upward
	require.NoError(t, err)
	assert.Zero(t, res.Delta)
	assert.Empty(t, res.EntryID)
	assert.Equal(t, int64(-10000), res.NewBalance)

	// AND: credits apply as asked
	res, err = f.engine.Accounts.AdjustPoints(f.ctx, admin, "alice", 5, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Delta)
	assert.Equal(t, int64(-9995), res.NewBalance)
	f.requireConsistent(t, "alice")
}

func TestSetPoints(t *testing.T) {
	tests := []struct {
		name      string
		start     int64
		target    int64
		wantDelta int64
		wantFinal int64
	}{
		{"raise", 100, 250, 150, 250},
		{"lower below zero", 100, -300, -400, -300},
		{"clamped at floor", 500, -9000, -8500, -8000},
		{"unchanged", 100, 100, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.member(t, "alice", tt.start)

			res, err := f.engine.Accounts.SetPoints(f.ctx, admin, "alice", tt.target, "")

			require.NoError(t, err)
			assert.Equal(t, tt.wantDelta, res.Delta)
			assert.Equal(t, tt.wantFinal, res.NewBalance)
			assert.Equal(t, tt.wantFinal, f.account(t, "alice").PointsBalance)
			f.requireConsistent(t, "alice")
		})
	}
}

func TestVerifyBalance_DetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 100)

	check, err := f.engine.Accounts.VerifyBalance(f.ctx, admin, "alice")
	require.NoError(t, err)
	assert.True(t, check.Consistent)

	// GIVEN: a balance write that bypassed the ledger
	_, err = f.store.IncrementBalance(f.ctx, "alice", 7)
	require.NoError(t, err)

	check, err = f.engine.Accounts.VerifyBalance(f.ctx, admin, "alice")
	require.NoError(t, err)
	assert.False(t, check.Consistent)
	assert.Equal(t, int64(107), check.Stored)
	assert.Equal(t, int64(100), check.Replayed)
	assert.Equal(t, "balance does not match ledger", f.hook.LastEntry().Message)

	_, err = f.engine.Accounts.VerifyBalance(f.ctx, "alice", "alice")
	assert.ErrorIs(t, err, generic.ErrPermission)
}

func TestMembershipUntilIsRespected(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 0)
	until := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.engine.Accounts.SetMembership(f.ctx, admin, "alice", generic.Membership{
		IsOfficialMember: true, MembershipUntil: &until, PaidYears: []int{2024},
	}))

	f.clock.Advance(2 * time.Hour)
	n, err := f.engine.Accounts.ExpireMemberships(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
