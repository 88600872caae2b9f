package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/generic/store"
	"github.com/warp/points-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const admin generic.AccountID = "admin"

type fixture struct {
	ctx    context.Context
	store  generic.TxStore
	clock  *generic.FixedClock
	engine *rewards.Engine
	hook   *test.Hook
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewTxMemory())
}

func newFixtureWithStore(t *testing.T, s generic.TxStore) *fixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	clock := generic.NewFixedClock(time.Date(2024, 6, 15, 10, 0, 0, 0, shanghai(t)))
	f := &fixture{
		ctx:   context.Background(),
		store: s,
		clock: clock,
		hook:  hook,
		engine: rewards.New(rewards.Options{
			Store:             s,
			Clock:             clock,
			Log:               log,
			NewAccountsLocked: true,
		}),
	}
	_, err := f.engine.Accounts.Register(f.ctx, rewards.RegisterInput{AccountID: admin, IsAdmin: true})
	require.NoError(t, err)
	return f
}

// member registers an unlocked official member who paid 2024 and has
// balance points backed by an adjust entry.
func (f *fixture) member(t *testing.T, id generic.AccountID, balance int64) {
	t.Helper()
	_, err := f.engine.Accounts.Register(f.ctx, rewards.RegisterInput{AccountID: id})
	require.NoError(t, err)
	until := f.clock.Now().AddDate(1, 0, 0)
	require.NoError(t, f.engine.Accounts.SetMembership(f.ctx, admin, id, generic.Membership{
		IsOfficialMember: true,
		MembershipUntil:  &until,
		PaidYears:        []int{2024},
	}))
	require.NoError(t, f.engine.Eligibility.UnlockAccount(f.ctx, admin, id, "fixture"))
	if balance != 0 {
		_, err = f.engine.Accounts.AdjustPoints(f.ctx, admin, id, balance, "fixture")
		require.NoError(t, err)
	}
}

func (f *fixture) product(t *testing.T, p generic.Product) {
	t.Helper()
	p.Active = true
	_, err := f.engine.Catalog.UpsertProduct(f.ctx, admin, p)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, id generic.AccountID) *generic.Account {
	t.Helper()
	a, err := f.store.GetAccount(f.ctx, id)
	require.NoError(t, err)
	return a
}

func (f *fixture) requireConsistent(t *testing.T, id generic.AccountID) {
	t.Helper()
	check, err := f.engine.Ledger.Verify(f.ctx, id)
	require.NoError(t, err)
	require.True(t, check.Consistent, "stored %d, replayed %d", check.Stored, check.Replayed)
}

func (f *fixture) submit(t *testing.T, id generic.AccountID, cat generic.Category, points int64, meta string) generic.EntryID {
	t.Helper()
	in := rewards.SubmitEarnInput{AccountID: id, Category: cat, Points: points}
	if meta != "" {
		in.Meta = []byte(meta)
	}
	entryID, err := f.engine.Audit.SubmitEarn(f.ctx, in)
	require.NoError(t, err)
	return entryID
}

var pickup = generic.Recipient{Method: generic.DeliveryInPerson, Name: "Alice"}
