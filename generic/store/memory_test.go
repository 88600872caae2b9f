package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/generic/store"
)

func seed(t *testing.T) (*store.TxMemory, context.Context) {
	t.Helper()
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, s.CreateAccount(ctx, generic.Account{ID: "alice", ExchangeLocked: true}))
	require.NoError(t, s.SaveProduct(ctx, generic.Product{
		ID: "jersey", Name: "Jersey", PointsCost: 300, StockTotal: 3,
		SizesEnabled: true, SizeStocks: map[string]int{"S": 1, "M": 2}, Active: true,
	}))
	_, err := s.IncrementBalance(ctx, "alice", 500)
	require.NoError(t, err)
	return s, ctx
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, ctx := seed(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.DebitBalance(ctx, "alice", 300); err != nil {
			return err
		}
		if err := tx.DecrementStock(ctx, "jersey", "M", 1); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, generic.LedgerEntry{ID: "x1", AccountID: "alice", Kind: generic.KindExchange, Points: -300}); err != nil {
			return err
		}
		return boom
	})

	require.ErrorIs(t, err, boom)
	acct, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PointsBalance)
	p, err := s.GetProduct(ctx, "jersey")
	require.NoError(t, err)
	assert.Equal(t, 3, p.StockTotal)
	assert.Equal(t, 2, p.SizeStocks["M"])
	_, err = s.GetEntry(ctx, "x1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestWithTx_Commits(t *testing.T) {
	s, ctx := seed(t)

	err := s.WithTx(ctx, func(tx generic.Store) error {
		_, err := tx.DebitBalance(ctx, "alice", 300)
		return err
	})

	require.NoError(t, err)
	acct, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(200), acct.PointsBalance)
}

func TestWithTx_CancelledContext(t *testing.T) {
	s, _ := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(generic.Store) error { called = true; return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestConditionalWrites(t *testing.T) {
	s, ctx := seed(t)

	_, err := s.DebitBalance(ctx, "alice", 501)
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	err = s.DecrementStock(ctx, "jersey", "S", 2)
	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
	err = s.DecrementStock(ctx, "jersey", "", 4)
	assert.ErrorIs(t, err, generic.ErrInsufficientStock)

	at := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
	ok, err := s.UnlockIfLocked(ctx, "alice", at)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UnlockIfLocked(ctx, "alice", at)
	require.NoError(t, err)
	assert.False(t, ok)
	acct, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.CompetitionParticipationCount)
	assert.Equal(t, at, *acct.LastCompetitionDate)
}

func TestUpdateOrder_ExpectedStatus(t *testing.T) {
	s, ctx := seed(t)
	order := generic.RedemptionOrder{ID: "o1", AccountID: "alice", ProductID: "jersey", Status: generic.OrderPending}
	require.NoError(t, s.CreateOrder(ctx, order))

	order.Status = generic.OrderShipped
	require.NoError(t, s.UpdateOrder(ctx, order, generic.OrderPending))

	order.Status = generic.OrderCancelled
	err := s.UpdateOrder(ctx, order, generic.OrderPending)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	err = s.CreateOrder(ctx, generic.RedemptionOrder{ID: "o1"})
	assert.ErrorIs(t, err, generic.ErrDuplicate)
}

func TestUpdateEntryAudit_ExpectedStatus(t *testing.T) {
	s, ctx := seed(t)
	e := generic.LedgerEntry{ID: "e1", AccountID: "alice", Kind: generic.KindEarn, Status: generic.StatusPending, Points: 10}
	require.NoError(t, s.AppendEntry(ctx, e))

	e.Status = generic.StatusApproved
	e.AuditedBy = "admin"
	require.NoError(t, s.UpdateEntryAudit(ctx, e, generic.StatusPending))
	assert.ErrorIs(t, s.UpdateEntryAudit(ctx, e, generic.StatusPending), generic.ErrConcurrentModification)

	got, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusApproved, got.Status)
	assert.Equal(t, "admin", got.AuditedBy)
}

func TestReadsReturnCopies(t *testing.T) {
	s, ctx := seed(t)

	p, err := s.GetProduct(ctx, "jersey")
	require.NoError(t, err)
	p.SizeStocks["S"] = 99

	again, err := s.GetProduct(ctx, "jersey")
	require.NoError(t, err)
	assert.Equal(t, 1, again.SizeStocks["S"])
}
