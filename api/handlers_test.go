package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/generic/store"
	"github.com/warp/points-engine/rewards"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
	auth   *Authenticator
	engine *rewards.Engine
	clock  *generic.FixedClock
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	clock := generic.NewFixedClock(time.Date(2024, 6, 15, 10, 0, 0, 0, loc))
	log, _ := test.NewNullLogger()

	engine := rewards.New(rewards.Options{
		Store:             store.NewTxMemory(),
		Clock:             clock,
		Log:               log,
		NewAccountsLocked: true,
	})
	auth := NewAuthenticator("test-secret")
	h := NewHandler(engine, log, []string{"admin"})
	router := NewRouter(h, RouterOptions{
		Auth:           auth,
		Limiter:        limiter,
		Idempotency:    NewMemoryIdempotencyStore(),
		IdempotencyTTL: time.Hour,
		AllowedOrigins: []string{"*"},
	})
	s := &testServer{t: t, router: router, auth: auth, engine: engine, clock: clock}

	rec := s.do("admin", http.MethodPost, "/api/accounts", map[string]any{"displayName": "Admin"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return s
}

func (s *testServer) do(actor generic.AccountID, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		token, err := s.auth.Issue(actor, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data), string(env.Data))
	}
	return env
}

func (s *testServer) account(id string) AccountDTO {
	s.t.Helper()
	rec := s.do("admin", http.MethodGet, "/api/accounts/"+id, nil, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var acct AccountDTO
	decode(s.t, rec, &acct)
	return acct
}

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do("admin", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id}, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

var pickup = RecipientRequest{Method: "in_person", Name: "Alice"}

// =============================================================================
// AUTH AND PROBES
// =============================================================================

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	s := newTestServer(t, nil)

	// GIVEN: no token
	rec := s.do("", http.MethodGet, "/api/products", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// GIVEN: a token signed with another secret
	other, err := NewAuthenticator("other").Issue("admin", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Probes stay public
	rec = s.do("", http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	a := NewAuthenticator("secret")
	token, err := a.Issue("alice", -time.Minute)
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.Error(t, err)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestRegisterAccount_StartsLockedWithZeroBalance(t *testing.T) {
	s := newTestServer(t, nil)

	// WHEN: a member registers
	rec := s.do("dave", http.MethodPost, "/api/accounts", map[string]any{"displayName": "Dave"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: balance zero, locked by the system, not an admin
	var acct AccountDTO
	decode(t, rec, &acct)
	assert.Equal(t, "dave", acct.ID)
	assert.Equal(t, int64(0), acct.PointsBalance)
	assert.True(t, acct.ExchangeLocked)
	assert.Equal(t, generic.SystemActor, acct.LockedBy)
	assert.False(t, acct.IsAdmin)

	// AND: registering twice conflicts
	rec = s.do("dave", http.MethodPost, "/api/accounts", map[string]any{}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: members cannot read each other
	s.do("erin", http.MethodPost, "/api/accounts", map[string]any{}, nil)
	rec = s.do("erin", http.MethodGet, "/api/accounts/dave", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminEndpoints_ForbiddenForMembers(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")

	rec := s.do("demo-alice", http.MethodPost, "/api/admin/accounts/demo-alice/adjust",
		AdjustPointsRequest{Delta: 1000, Reason: "please"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("demo-alice", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "shop-basics"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, int64(500), s.account("demo-alice").PointsBalance)
}

func TestSetPoints_ClampsAtFloor(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")

	// WHEN: admin sets -9000
	rec := s.do("admin", http.MethodPost, "/api/admin/accounts/demo-alice/set-points",
		map[string]any{"newBalance": -9000, "reason": "penalty"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: balance lands on the floor and the ledger still agrees
	var res rewards.AdjustResult
	decode(t, rec, &res)
	assert.Equal(t, int64(-8000), res.NewBalance)
	assert.Equal(t, int64(-8500), res.Delta)

	rec = s.do("admin", http.MethodGet, "/api/admin/accounts/demo-alice/verify", nil, nil)
	var check generic.BalanceCheck
	decode(t, rec, &check)
	assert.True(t, check.Consistent)
	assert.Equal(t, int64(-8000), check.Stored)
}

// =============================================================================
// REDEMPTION
// =============================================================================

func TestRedeem_DebitThenCancelRefunds(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")

	// WHEN: alice redeems one jersey (300 of her 500)
	rec := s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{
		ProductID: "demo-jersey", Quantity: 1, SelectedSize: "M", Recipient: pickup,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res rewards.RedeemResult
	decode(t, rec, &res)
	assert.Equal(t, int64(300), res.PointsUsed)
	assert.Equal(t, int64(200), res.RemainingBalance)

	// AND: a second jersey is unaffordable
	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{
		ProductID: "demo-jersey", Quantity: 1, SelectedSize: "M", Recipient: pickup,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec, nil)
	assert.Contains(t, env.Message, "insufficient balance")

	// WHEN: she cancels the order
	rec = s.do("demo-alice", http.MethodPost, "/api/orders/"+string(res.OrderID)+"/cancel", CancelOrderRequest{Reason: "wrong size"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: points and stock are back
	assert.Equal(t, int64(500), s.account("demo-alice").PointsBalance)
	rec = s.do("demo-alice", http.MethodGet, "/api/products/demo-jersey", nil, nil)
	var product ProductDTO
	decode(t, rec, &product)
	assert.Equal(t, 3, product.SizeStocks["M"])
	assert.Equal(t, 6, product.StockTotal)

	// AND: cancelling again conflicts
	rec = s.do("demo-alice", http.MethodPost, "/api/orders/"+string(res.OrderID)+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRedeem_ShippedOrderCannotBeCancelled(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")

	rec := s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{
		ProductID: "demo-bottle", Quantity: 1,
		Recipient: RecipientRequest{Method: "mail", Name: "Alice", Phone: "13800138000", Address: "1 Lake Rd"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res rewards.RedeemResult
	decode(t, rec, &res)
	orderPath := "/api/orders/" + string(res.OrderID)

	// Mail orders need logistics
	rec = s.do("admin", http.MethodPost, orderPath+"/ship", ShipOrderRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("admin", http.MethodPost, orderPath+"/ship", ShipOrderRequest{Carrier: "SF", TrackingNumber: "SF123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: the owner tries to cancel the shipped order
	rec = s.do("demo-alice", http.MethodPost, orderPath+"/cancel", nil, nil)

	// THEN: rejected, nothing refunded
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(380), s.account("demo-alice").PointsBalance)

	rec = s.do("demo-alice", http.MethodPost, orderPath+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do("demo-alice", http.MethodGet, orderPath, nil, nil)
	var order OrderDTO
	decode(t, rec, &order)
	assert.Equal(t, "completed", order.Status)
	assert.Equal(t, "SF123", order.Logistics.TrackingNumber)
}

func TestRedeem_IdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")
	req := RedeemRequest{ProductID: "demo-jersey", Quantity: 1, SelectedSize: "S", Recipient: pickup}
	headers := map[string]string{idempotencyHeader: "retry-1"}

	first := s.do("demo-alice", http.MethodPost, "/api/redemptions", req, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// WHEN: the client retries with the same key
	second := s.do("demo-alice", http.MethodPost, "/api/redemptions", req, headers)

	// THEN: the stored response is replayed and points are debited once
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(200), s.account("demo-alice").PointsBalance)
}

func TestRedeem_RequestValidation(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")

	rec := s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{ProductID: "demo-bottle", Quantity: 0, Recipient: pickup}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{
		ProductID: "demo-bottle", Quantity: 1, Recipient: RecipientRequest{Method: "mail", Name: "A", Phone: "123", Address: "x"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{ProductID: "nope", Quantity: 1, Recipient: pickup}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Nobody redeems for someone else
	rec = s.do("admin", http.MethodPost, "/api/redemptions", RedeemRequest{AccountID: "demo-alice", ProductID: "demo-bottle", Quantity: 1, Recipient: pickup}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	env := decode(t, rec, nil)
	assert.False(t, env.Success)
	assert.Equal(t, generic.Forbidden("admin", "redeem for another account").Error(), env.Message)
	assert.Equal(t, int64(500), s.account("demo-alice").PointsBalance)
}

// =============================================================================
// AUDIT AND ELIGIBILITY
// =============================================================================

func TestAudit_ApprovingRaceUnlocksAccount(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("race-unlock")
	require.True(t, s.account("demo-bob").ExchangeLocked)

	// GIVEN: the pending triathlon submission
	rec := s.do("admin", http.MethodGet, "/api/entries/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []LedgerEntryDTO
	decode(t, rec, &pending)
	require.Len(t, pending, 1)

	// WHEN: admin approves it
	rec = s.do("admin", http.MethodPost, "/api/entries/"+pending[0].ID+"/audit", AuditRequest{Status: "approved"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: points credited and exchange unlocked by the system
	acct := s.account("demo-bob")
	assert.Equal(t, int64(200), acct.PointsBalance)
	assert.False(t, acct.ExchangeLocked)
	assert.Equal(t, 1, acct.CompetitionParticipationCount)

	rec = s.do("demo-bob", http.MethodGet, "/api/accounts/demo-bob/lock-log", nil, nil)
	var log []LockLogDTO
	decode(t, rec, &log)
	require.NotEmpty(t, log)
	last := log[len(log)-1]
	assert.Equal(t, "unlock", last.Action)
	assert.Equal(t, generic.SystemActor, last.PerformedBy)

	// AND: a second check reports nothing to do
	rec = s.do("demo-bob", http.MethodPost, "/api/accounts/demo-bob/auto-unlock", nil, nil)
	var res rewards.UnlockResult
	decode(t, rec, &res)
	assert.False(t, res.Unlocked)
	assert.Equal(t, rewards.OutcomeNotLocked, res.Outcome)
}

func TestAuditBatch_ReportsPerRecord(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("race-unlock")
	pending, err := s.engine.Audit.Pending(context.Background(), "admin", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rec := s.do("admin", http.MethodPost, "/api/entries/audit", BatchAuditRequest{
		RecordIDs: []string{string(pending[0].ID), "missing"},
		Status:    "rejected",
		Reason:    "no finisher photo",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var results []rewards.BatchAuditResult
	decode(t, rec, &results)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, int64(0), s.account("demo-bob").PointsBalance)
}

func TestTrainingScenario_RollsUpHours(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("training-hours")

	// 90 min -> 1.5h, explicit 2h, camp of 16 points -> 8h
	acct := s.account("demo-carol")
	assert.Equal(t, "11.5", acct.TrainingStats.TotalHours.String())
	assert.Equal(t, "1.5", acct.TrainingStats.ByWeek[generic.WeekKey(s.clock.Now().AddDate(0, 0, -7))].String())

	rec := s.do("admin", http.MethodPost, "/api/admin/training-stats/recompute", RecomputeRequest{DryRun: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res rewards.RecomputeResult
	decode(t, rec, &res)
	assert.Equal(t, 0, res.AccountsUpdated)
}

// =============================================================================
// MIDDLEWARE AND MAPPING
// =============================================================================

func TestRateLimiter_Returns429(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 1))

	// The admin's registration in newTestServer used the only token.
	rec := s.do("admin", http.MethodGet, "/api/products", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other actors have their own bucket
	rec = s.do("someone", http.MethodGet, "/api/products", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{generic.Invalid("quantity", "bad"), http.StatusBadRequest},
		{generic.Forbidden("a", "b"), http.StatusForbidden},
		{generic.NotFound("order", "x"), http.StatusNotFound},
		{generic.Conflict(generic.ErrInsufficientStock), http.StatusConflict},
		{generic.ErrConcurrentModification, http.StatusConflict},
		{generic.Internal("op", assert.AnError), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMemoryIdempotencyStore_Expires(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", CachedResponse{Status: 201, Body: []byte(`{}`)}, time.Minute))
	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, got.Status)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ADMIN CONTROLS AND READS
// =============================================================================

func TestAdminControls_GateRedemption(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadScenario("shop-basics")
	active := true
	capReq := UpsertProductRequest{ID: "cap", Name: "Club cap", PointsCost: 50, StockTotal: 10, Active: &active}

	rec := s.do("demo-alice", http.MethodPost, "/api/admin/products", capReq, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do("admin", http.MethodPost, "/api/admin/products", capReq, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{ProductID: "cap", Quantity: 1, Recipient: pickup}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: the order and the exchange entry are visible to the owner
	rec = s.do("demo-alice", http.MethodGet, "/api/accounts/demo-alice/orders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []OrderDTO
	decode(t, rec, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, "pending", orders[0].Status)

	rec = s.do("demo-alice", http.MethodGet, "/api/accounts/demo-alice/entries?kind=exchange", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []LedgerEntryDTO
	decode(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-50), entries[0].Points)

	rec = s.do("admin", http.MethodGet, "/api/products/cap", nil, nil)
	var product ProductDTO
	decode(t, rec, &product)
	assert.Equal(t, 9, product.StockTotal)

	// WHEN: an admin locks the account
	rec = s.do("admin", http.MethodPost, "/api/admin/accounts/demo-alice/lock", LockRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do("admin", http.MethodPost, "/api/admin/accounts/demo-alice/lock", LockRequest{Reason: "kit not returned"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: no competition record, so redemption stays blocked
	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{ProductID: "cap", Quantity: 1, Recipient: pickup}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: unlocked but membership revoked
	rec = s.do("admin", http.MethodPost, "/api/admin/accounts/demo-alice/unlock", LockRequest{Reason: "returned"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do("admin", http.MethodPost, "/api/admin/accounts/demo-alice/membership", MembershipRequest{PaidYears: []int{2024}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do("demo-alice", http.MethodPost, "/api/redemptions", RedeemRequest{ProductID: "cap", Quantity: 1, Recipient: pickup}, nil)
	env := decode(t, rec, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, int64(450), s.account("demo-alice").PointsBalance)
}
