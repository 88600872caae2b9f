/*
handlers.go - HTTP API handlers for the club points engine

PURPOSE:
  Exposes the rewards engines via REST API. Handles HTTP request and
  response, JSON decoding, request shape validation, and delegates every
  business decision to rewards/.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                      Register the calling account
    GET    /api/accounts/{id}                 Account details
    GET    /api/accounts/{id}/entries         Ledger entries (?kind=&status=&limit=)
    GET    /api/accounts/{id}/orders          Redemption orders (?status=&limit=)
    GET    /api/accounts/{id}/lock-log        Lock audit history
    POST   /api/accounts/{id}/auto-unlock     Run the auto-unlock check

  Earn entries:
    POST   /api/entries                       Submit an activity for audit
    GET    /api/entries/pending               Submissions awaiting audit (admin)
    POST   /api/entries/audit                 Batch audit (admin)
    POST   /api/entries/{id}/audit            Audit one submission (admin)

  Redemption:
    POST   /api/redemptions                   Redeem a product
    GET    /api/orders/{id}                   Order details
    POST   /api/orders/{id}/cancel            Cancel a pending order and refund
    POST   /api/orders/{id}/ship              Mark shipped (admin)
    POST   /api/orders/{id}/complete          Mark received

  Catalog:
    GET    /api/products                      Active products (?all=true for admins)
    GET    /api/products/{id}                 Product details
    POST   /api/admin/products                Create or replace a product

  Admin:
    POST   /api/admin/accounts/{id}/adjust      Add or remove points
    POST   /api/admin/accounts/{id}/set-points  Set the balance
    POST   /api/admin/accounts/{id}/lock        Lock exchange
    POST   /api/admin/accounts/{id}/unlock      Unlock exchange
    POST   /api/admin/accounts/{id}/membership  Set membership
    GET    /api/admin/accounts/{id}/verify      Replay ledger against balance
    POST   /api/admin/training-stats/recompute  Rebuild training rollups

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    POST   /api/scenarios/load                Load a demo scenario (admin)

RESPONSES:
  Every body is {success, data, message}. Error kinds map to status:
  - 400: validation
  - 401: missing or invalid token (auth.go)
  - 403: permission
  - 404: not found
  - 409: business rule conflict or lost concurrent write
  - 429: rate limited (ratelimit.go)
  - 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine *rewards.Engine
	Log    logrus.FieldLogger
	// Admins lists account ids registered with the admin flag.
	Admins map[generic.AccountID]bool

	validate *validator.Validate
}

func NewHandler(engine *rewards.Engine, log logrus.FieldLogger, admins []string) *Handler {
	set := make(map[generic.AccountID]bool, len(admins))
	for _, a := range admins {
		set[generic.AccountID(a)] = true
	}
	return &Handler{
		Engine:   engine,
		Log:      log,
		Admins:   set,
		validate: validator.New(),
	}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// RegisterAccount creates the caller's account. Admins may register
// other ids.
// POST /api/accounts
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	var req RegisterAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.AccountID(strings.TrimSpace(req.AccountID))
	if id == "" {
		id = actor
	}
	if id != actor {
		if err := h.Engine.Permissions.RequireAdmin(ctx, actor, "register other accounts"); err != nil {
			h.fail(w, err)
			return
		}
	}
	acct, err := h.Engine.Accounts.Register(ctx, rewards.RegisterInput{
		AccountID:   id,
		DisplayName: req.DisplayName,
		IsAdmin:     h.Admins[id],
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns an account to itself or an admin.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Accounts.Get(r.Context(), ActorFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toAccountDTO(acct))
}

// ListEntries returns the ledger of an account, oldest first.
// GET /api/accounts/{id}/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	entries, err := h.Engine.Accounts.Entries(r.Context(), ActorFrom(r.Context()), accountParam(r),
		generic.EntryKind(q.Get("kind")), generic.EntryStatus(q.Get("status")), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toEntryDTOs(entries))
}

// ListOrders returns orders of an account, newest first.
// GET /api/accounts/{id}/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	orders, err := h.Engine.Redemption.Orders(r.Context(), ActorFrom(r.Context()), accountParam(r),
		generic.OrderStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toOrderDTOs(orders))
}

// GetLockLog returns the lock history of an account.
// GET /api/accounts/{id}/lock-log
func (h *Handler) GetLockLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)
	if err := h.selfOrAdmin(r, id, "view another account's lock log"); err != nil {
		h.fail(w, err)
		return
	}
	entries, err := h.Engine.Eligibility.LockLog(ctx, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toLockLogDTOs(entries))
}

// AutoUnlock runs the auto-unlock check for an account.
// POST /api/accounts/{id}/auto-unlock
func (h *Handler) AutoUnlock(w http.ResponseWriter, r *http.Request) {
	id := accountParam(r)
	if err := h.selfOrAdmin(r, id, "check another account"); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.Engine.Eligibility.CheckAndAutoUnlock(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: UnlockResponse(res), Message: res.Reason})
}

// =============================================================================
// EARN ENDPOINTS
// =============================================================================

// SubmitEarn records a pending activity submission. Members submit for
// themselves; admins may submit on behalf of others.
// POST /api/entries
func (h *Handler) SubmitEarn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SubmitEarnRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.AccountID(req.AccountID)
	if id == "" {
		id = ActorFrom(ctx)
	}
	if err := h.selfOrAdmin(r, id, "submit for another account"); err != nil {
		h.fail(w, err)
		return
	}
	entryID, err := h.Engine.Audit.SubmitEarn(ctx, rewards.SubmitEarnInput{
		AccountID: id,
		Category: generic.Category{
			Code:          req.CategoryCode,
			Name:          req.CategoryName,
			RaceType:      req.RaceType,
			RaceTypeLabel: req.RaceTypeLabel,
			Description:   req.Description,
		},
		Points: req.Points,
		Meta:   req.ActivityMeta,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusCreated, RecordIDResponse{RecordID: string(entryID)})
}

// ListPending returns submissions awaiting audit.
// GET /api/entries/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	entries, err := h.Engine.Audit.Pending(r.Context(), ActorFrom(r.Context()), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toEntryDTOs(entries))
}

// AuditEntry approves or rejects one submission.
// POST /api/entries/{id}/audit
func (h *Handler) AuditEntry(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.EntryID(chi.URLParam(r, "id"))
	err := h.Engine.Audit.Audit(r.Context(), ActorFrom(r.Context()), id, generic.EntryStatus(req.Status), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "entry " + req.Status})
}

// AuditBatch audits several submissions, reporting each outcome.
// POST /api/entries/audit
func (h *Handler) AuditBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAuditRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids := make([]generic.EntryID, 0, len(req.RecordIDs))
	for _, id := range req.RecordIDs {
		ids = append(ids, generic.EntryID(id))
	}
	results, err := h.Engine.Audit.AuditBatch(r.Context(), ActorFrom(r.Context()), ids, generic.EntryStatus(req.Status), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, results)
}

// =============================================================================
// REDEMPTION ENDPOINTS
// =============================================================================

// Redeem exchanges points for a product.
// POST /api/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.AccountID(req.AccountID)
	if id == "" {
		id = ActorFrom(ctx)
	}
	if id != ActorFrom(ctx) {
		h.fail(w, generic.Forbidden(string(ActorFrom(ctx)), "redeem for another account"))
		return
	}
	res, err := h.Engine.Redemption.Redeem(ctx, rewards.RedeemInput{
		AccountID:    id,
		ProductID:    generic.ProductID(req.ProductID),
		Quantity:     req.Quantity,
		SelectedSize: req.SelectedSize,
		Recipient: generic.Recipient{
			Method:  generic.DeliveryMethod(req.Recipient.Method),
			Name:    req.Recipient.Name,
			Phone:   req.Recipient.Phone,
			Address: req.Recipient.Address,
			Remark:  req.Recipient.Remark,
		},
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.Redemption.Order(r.Context(), ActorFrom(r.Context()), orderParam(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toOrderDTOs([]generic.RedemptionOrder{*order})[0])
}

// CancelOrder refunds a pending order.
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.Engine.Redemption.CancelOrder(r.Context(), ActorFrom(r.Context()), orderParam(r), req.Reason); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "order cancelled and refunded"})
}

// ShipOrder records logistics and marks the order shipped.
// POST /api/orders/{id}/ship
func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	var req ShipOrderRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	err := h.Engine.Redemption.ShipOrder(r.Context(), ActorFrom(r.Context()), orderParam(r), generic.Logistics{
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "order shipped"})
}

// CompleteOrder marks a shipped order received.
// POST /api/orders/{id}/complete
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Redemption.CompleteOrder(r.Context(), ActorFrom(r.Context()), orderParam(r)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "order completed"})
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListProducts returns the catalog. ?all=true includes inactive products
// and requires admin.
// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activeOnly := r.URL.Query().Get("all") != "true"
	if !activeOnly {
		if err := h.Engine.Permissions.RequireAdmin(ctx, ActorFrom(ctx), "list inactive products"); err != nil {
			h.fail(w, err)
			return
		}
	}
	products, err := h.Engine.Catalog.List(ctx, activeOnly)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		out = append(out, toProductDTO(p))
	}
	writeData(w, http.StatusOK, out)
}

// GetProduct returns one product.
// GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Catalog.Get(r.Context(), generic.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

// UpsertProduct creates or replaces a product.
// POST /api/admin/products
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req UpsertProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	p, err := h.Engine.Catalog.UpsertProduct(r.Context(), ActorFrom(r.Context()), generic.Product{
		ID:           generic.ProductID(req.ID),
		Name:         req.Name,
		PointsCost:   req.PointsCost,
		StockTotal:   req.StockTotal,
		SizesEnabled: req.SizesEnabled,
		SizeStocks:   req.SizeStocks,
		Active:       active,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// AdjustPoints adds a signed delta, clamped at the points floor.
// POST /api/admin/accounts/{id}/adjust
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req AdjustPointsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Accounts.AdjustPoints(r.Context(), ActorFrom(r.Context()), accountParam(r), req.Delta, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// SetPoints sets the balance, clamped at the points floor.
// POST /api/admin/accounts/{id}/set-points
func (h *Handler) SetPoints(w http.ResponseWriter, r *http.Request) {
	var req SetPointsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Accounts.SetPoints(r.Context(), ActorFrom(r.Context()), accountParam(r), *req.NewBalance, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// LockAccount sets the exchange lock.
// POST /api/admin/accounts/{id}/lock
func (h *Handler) LockAccount(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.Eligibility.LockAccount(r.Context(), ActorFrom(r.Context()), accountParam(r), req.Reason); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "account locked"})
}

// UnlockAccount clears the exchange lock.
// POST /api/admin/accounts/{id}/unlock
func (h *Handler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.Engine.Eligibility.UnlockAccount(r.Context(), ActorFrom(r.Context()), accountParam(r), req.Reason); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "account unlocked"})
}

// SetMembership replaces the membership fields of an account.
// POST /api/admin/accounts/{id}/membership
func (h *Handler) SetMembership(w http.ResponseWriter, r *http.Request) {
	var req MembershipRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.Engine.Accounts.SetMembership(r.Context(), ActorFrom(r.Context()), accountParam(r), generic.Membership{
		IsOfficialMember: req.IsOfficialMember,
		MembershipUntil:  req.MembershipUntil,
		PaidYears:        req.PaidYears,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "membership updated"})
}

// VerifyBalance replays the ledger against the stored balance.
// GET /api/admin/accounts/{id}/verify
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	check, err := h.Engine.Accounts.VerifyBalance(r.Context(), ActorFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, check)
}

// RecomputeTraining rebuilds every training rollup.
// POST /api/admin/training-stats/recompute
func (h *Handler) RecomputeTraining(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RecomputeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.Engine.Permissions.RequireAdmin(ctx, ActorFrom(ctx), "recompute training stats"); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.Engine.Training.Recompute(ctx, req.DryRun)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) selfOrAdmin(r *http.Request, id generic.AccountID, action string) error {
	actor := ActorFrom(r.Context())
	if actor == id {
		return nil
	}
	return h.Engine.Permissions.RequireAdmin(r.Context(), actor, action)
}

func accountParam(r *http.Request) generic.AccountID {
	return generic.AccountID(chi.URLParam(r, "id"))
}

func orderParam(r *http.Request) generic.OrderID {
	return generic.OrderID(chi.URLParam(r, "id"))
}

// limitParam reads ?limit=; zero means no limit.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// decode reads a JSON body and validates its tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return h.check(w, dst)
	}
	return h.decode(w, r, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeMessage(w, http.StatusBadRequest, "invalid "+fe.Field()+": failed "+fe.Tag())
			return false
		}
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, generic.ErrConcurrentModification) {
		return http.StatusConflict
	}
	switch generic.KindOf(err) {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindPermission:
		return http.StatusForbidden
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal details are logged,
// not returned.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error("request failed")
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Success: status < 400, Message: message})
}
