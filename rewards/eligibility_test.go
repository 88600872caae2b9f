package rewards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
)

// lockedMember is a paid official member who is exchange-locked.
func lockedMember(t *testing.T, f *fixture, id generic.AccountID) {
	t.Helper()
	f.member(t, id, 0)
	require.NoError(t, f.engine.Eligibility.LockAccount(f.ctx, admin, id, "new member"))
}

func TestAutoUnlock_TriathlonDescription(t *testing.T) {
	f := newFixture(t)
	lockedMember(t, f, "bob")
	id := f.submit(t, "bob", generic.Category{Code: "race", Name: "其他", Description: "70.3 铁人三项"}, 100, "")

	// WHEN: the record is approved
	require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))

	// THEN: auto-unlocked by the system, participation counted
	acct := f.account(t, "bob")
	assert.False(t, acct.ExchangeLocked)
	assert.Equal(t, 1, acct.CompetitionParticipationCount)
	require.NotNil(t, acct.LastCompetitionDate)

	log, err := f.engine.Eligibility.LockLog(f.ctx, "bob")
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, generic.LockActionUnlock, last.Action)
	assert.Equal(t, generic.SystemActor, last.PerformedBy)
	assert.Contains(t, last.Reason, string(id))
}

func TestAutoUnlock_Outcomes(t *testing.T) {
	race := generic.Category{Code: "race", Name: "全马"}
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  rewards.UnlockOutcome
	}{
		{
			name:  "not locked",
			setup: func(t *testing.T, f *fixture) { f.member(t, "bob", 0) },
			want:  rewards.OutcomeNotLocked,
		},
		{
			name: "not a member",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				require.NoError(t, f.engine.Accounts.SetMembership(f.ctx, admin, "bob", generic.Membership{PaidYears: []int{2024}}))
			},
			want: rewards.OutcomeNotMember,
		},
		{
			name: "fee not paid this year",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				require.NoError(t, f.engine.Accounts.SetMembership(f.ctx, admin, "bob", generic.Membership{IsOfficialMember: true, PaidYears: []int{2023}}))
			},
			want: rewards.OutcomeNotPaid,
		},
		{
			name: "training is not a competition",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				id := f.submit(t, "bob", training, 20, `{"hours": 3}`)
				require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
			},
			want: rewards.OutcomeNoQualifier,
		},
		{
			name: "pending race does not count",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				f.submit(t, "bob", race, 20, "")
			},
			want: rewards.OutcomeNoQualifier,
		},
		{
			name: "last year's race does not count",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				now := f.clock.Now()
				f.clock.Set(time.Date(2023, 11, 5, 9, 0, 0, 0, now.Location()))
				id := f.submit(t, "bob", race, 20, "")
				f.clock.Set(now)
				require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
			},
			want: rewards.OutcomeNoQualifier,
		},
		{
			name: "zero point race does not count",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				id := f.submit(t, "bob", race, 0, "")
				require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
			},
			want: rewards.OutcomeNoQualifier,
		},
		{
			name: "race type code",
			setup: func(t *testing.T, f *fixture) {
				lockedMember(t, f, "bob")
				id := f.submit(t, "bob", generic.Category{Code: "race", Name: "x", RaceType: "IRONMAN_70_3"}, 20, "")
				require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
				require.NoError(t, f.engine.Eligibility.LockAccount(f.ctx, admin, "bob", "relock"))
			},
			want: rewards.OutcomeUnlocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			res, err := f.engine.Eligibility.CheckAndAutoUnlock(f.ctx, "bob")

			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.want == rewards.OutcomeUnlocked, res.Unlocked)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestAutoUnlock_ConcurrentChecksUnlockOnce(t *testing.T) {
	f := newFixture(t)
	lockedMember(t, f, "bob")
	f.engine.Audit.Unlocker = noopUnlocker{}
	id := f.submit(t, "bob", generic.Category{Code: "race", Name: "Trail run 50K"}, 30, "")
	require.NoError(t, f.engine.Audit.Audit(f.ctx, admin, id, generic.StatusApproved, ""))
	require.True(t, f.account(t, "bob").ExchangeLocked)

	// WHEN: several flows check at the same time
	var wg sync.WaitGroup
	results := make([]rewards.UnlockResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Eligibility.CheckAndAutoUnlock(context.Background(), "bob")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	// THEN: exactly one unlock, one count, one log entry
	unlocked := 0
	for _, r := range results {
		if r.Unlocked {
			unlocked++
		}
	}
	assert.Equal(t, 1, unlocked)
	assert.Equal(t, 1, f.account(t, "bob").CompetitionParticipationCount)

	log, err := f.engine.Eligibility.LockLog(f.ctx, "bob")
	require.NoError(t, err)
	systemUnlocks := 0
	for _, e := range log {
		if e.Action == generic.LockActionUnlock && e.PerformedBy == generic.SystemActor {
			systemUnlocks++
		}
	}
	assert.Equal(t, 1, systemUnlocks)
}

type noopUnlocker struct{}

func (noopUnlocker) CheckAndAutoUnlock(context.Context, generic.AccountID) (rewards.UnlockResult, error) {
	return rewards.UnlockResult{}, nil
}

func TestAdminLockUnlock(t *testing.T) {
	f := newFixture(t)
	f.member(t, "alice", 0)

	err := f.engine.Eligibility.LockAccount(f.ctx, admin, "alice", "  ")
	assert.ErrorIs(t, err, generic.ErrValidation)

	err = f.engine.Eligibility.LockAccount(f.ctx, "alice", "alice", "self")
	assert.ErrorIs(t, err, generic.ErrPermission)

	require.NoError(t, f.engine.Eligibility.LockAccount(f.ctx, admin, "alice", "unpaid kit"))
	acct := f.account(t, "alice")
	assert.True(t, acct.ExchangeLocked)
	assert.Equal(t, "unpaid kit", acct.LockReason)
	assert.Equal(t, string(admin), acct.LockedBy)

	require.NoError(t, f.engine.Eligibility.UnlockAccount(f.ctx, admin, "alice", "paid"))
	acct = f.account(t, "alice")
	assert.False(t, acct.ExchangeLocked)
	assert.Empty(t, acct.LockReason)
	assert.Equal(t, 0, acct.CompetitionParticipationCount)

	// register lock, fixture unlock, admin lock, admin unlock
	log, err := f.engine.Eligibility.LockLog(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, generic.SystemActor, log[0].PerformedBy)
	assert.Equal(t, "unpaid kit", log[2].Reason)
}
