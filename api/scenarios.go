/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos. Every write goes through the engines, so scenario
	balances are backed by ledger entries like any other balance.

AVAILABLE SCENARIOS:

	shop-basics:      Sized jersey, last water bottle, member with 500 points
	race-unlock:      Locked member with a pending 70.3 triathlon submission
	training-hours:   Member with approved training sessions in two weeks

HOW SCENARIOS WORK:
 1. Register demo accounts (ids prefixed "demo-")
 2. Grant membership and points through admin operations
 3. Create products through the catalog
 4. Submit and audit activity entries

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shop-basics"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, actor)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios do not reset the store. Loading one twice fails with 409
	because its demo accounts already exist.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "shop-basics",
		Name:        "Shop Basics",
		Description: "Member with 500 points, a sized jersey (300) and a single water bottle in stock",
	},
	{
		ID:          "race-unlock",
		Name:        "Race Unlock",
		Description: "Locked paid member whose pending 70.3 triathlon submission unlocks exchange on approval",
	},
	{
		ID:          "training-hours",
		Name:        "Training Hours",
		Description: "Member with approved training sessions: 90 minutes, 2 hours and a camp day",
	},
}

// ListScenarios returns available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, scenarios)
}

// LoadScenario populates demo data. Admin only.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.Permissions.RequireAdmin(ctx, actor, "load scenarios"); err != nil {
		h.fail(w, err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "shop-basics":
		err = h.loadShopBasicsScenario(ctx, actor)
	case "race-unlock":
		err = h.loadRaceUnlockScenario(ctx, actor)
	case "training-hours":
		err = h.loadTrainingHoursScenario(ctx, actor)
	default:
		writeMessage(w, http.StatusBadRequest, "unknown scenario: "+req.ScenarioID)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: fmt.Sprintf("scenario %s loaded", req.ScenarioID)})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadShopBasicsScenario(ctx context.Context, actor generic.AccountID) error {
	e := h.Engine
	if err := h.demoMember(ctx, actor, "demo-alice", "Alice"); err != nil {
		return err
	}
	if _, err := e.Accounts.AdjustPoints(ctx, actor, "demo-alice", 500, "demo opening balance"); err != nil {
		return err
	}
	if _, err := e.Catalog.UpsertProduct(ctx, actor, generic.Product{
		ID:           "demo-jersey",
		Name:         "Club Jersey",
		PointsCost:   300,
		SizesEnabled: true,
		SizeStocks:   map[string]int{"S": 2, "M": 3, "L": 1},
		Active:       true,
	}); err != nil {
		return err
	}
	_, err := e.Catalog.UpsertProduct(ctx, actor, generic.Product{
		ID:         "demo-bottle",
		Name:       "Water Bottle",
		PointsCost: 120,
		StockTotal: 1,
		Active:     true,
	})
	return err
}

func (h *Handler) loadRaceUnlockScenario(ctx context.Context, actor generic.AccountID) error {
	e := h.Engine
	if _, err := e.Accounts.Register(ctx, rewards.RegisterInput{AccountID: "demo-bob", DisplayName: "Bob"}); err != nil {
		return err
	}
	if err := e.Eligibility.LockAccount(ctx, actor, "demo-bob", "awaiting first race"); err != nil {
		return err
	}
	if err := h.grantMembership(ctx, actor, "demo-bob"); err != nil {
		return err
	}
	_, err := e.Audit.SubmitEarn(ctx, rewards.SubmitEarnInput{
		AccountID: "demo-bob",
		Category: generic.Category{
			Code:        "race",
			Name:        "比赛",
			Description: "70.3 铁人三项 完赛",
		},
		Points: 200,
		Meta:   demoMeta(map[string]any{"activityDate": e.Clock.Now().Format("2006-01-02")}),
	})
	return err
}

func (h *Handler) loadTrainingHoursScenario(ctx context.Context, actor generic.AccountID) error {
	e := h.Engine
	if err := h.demoMember(ctx, actor, "demo-carol", "Carol"); err != nil {
		return err
	}
	now := e.Clock.Now()
	sessions := []struct {
		category generic.Category
		points   int64
		meta     map[string]any
	}{
		{generic.Category{Code: "training", Name: "Swim session"}, 10, map[string]any{"durationMinutes": 90, "activityDate": now.AddDate(0, 0, -7).Format("2006-01-02")}},
		{generic.Category{Code: "training", Name: "Long ride"}, 20, map[string]any{"hours": 2, "activityDate": now.Format("2006-01-02")}},
		{generic.Category{Code: "camp", Name: "Spring camp"}, 16, nil},
	}
	for _, s := range sessions {
		id, err := e.Audit.SubmitEarn(ctx, rewards.SubmitEarnInput{
			AccountID: "demo-carol",
			Category:  s.category,
			Points:    s.points,
			Meta:      demoMeta(s.meta),
		})
		if err != nil {
			return err
		}
		if err := e.Audit.Audit(ctx, actor, id, generic.StatusApproved, ""); err != nil {
			return err
		}
	}
	return nil
}

// demoMember registers an unlocked official member who paid this year.
func (h *Handler) demoMember(ctx context.Context, actor, id generic.AccountID, name string) error {
	e := h.Engine
	acct, err := e.Accounts.Register(ctx, rewards.RegisterInput{AccountID: id, DisplayName: name})
	if err != nil {
		return err
	}
	if err := h.grantMembership(ctx, actor, id); err != nil {
		return err
	}
	if acct.ExchangeLocked {
		return e.Eligibility.UnlockAccount(ctx, actor, id, "demo member")
	}
	return nil
}

func (h *Handler) grantMembership(ctx context.Context, actor, id generic.AccountID) error {
	now := h.Engine.Clock.Now()
	until := now.AddDate(1, 0, 0)
	return h.Engine.Accounts.SetMembership(ctx, actor, id, generic.Membership{
		IsOfficialMember: true,
		MembershipUntil:  &until,
		PaidYears:        []int{now.Year()},
	})
}

func demoMeta(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	raw, _ := json.Marshal(m)
	return raw
}
