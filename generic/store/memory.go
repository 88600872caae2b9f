// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

// state holds the documents. Its methods assume the caller holds the lock.
type state struct {
	accounts map[generic.AccountID]generic.Account
	products map[generic.ProductID]generic.Product
	orders   map[generic.OrderID]generic.RedemptionOrder
	entries  []generic.LedgerEntry
	entryIdx map[generic.EntryID]int
	lockLog  []generic.LockAuditEntry
}

func newState() *state {
	return &state{
		accounts: make(map[generic.AccountID]generic.Account),
		products: make(map[generic.ProductID]generic.Product),
		orders:   make(map[generic.OrderID]generic.RedemptionOrder),
		entryIdx: make(map[generic.EntryID]int),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ generic.Store = (*Memory)(nil)

// Accounts

func (m *Memory) CreateAccount(_ context.Context, a generic.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createAccount(a)
}

func (m *Memory) GetAccount(_ context.Context, id generic.AccountID) (*generic.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAccount(id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]generic.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAccounts(), nil
}

func (m *Memory) IncrementBalance(_ context.Context, id generic.AccountID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.incrementBalance(id, delta)
}

func (m *Memory) DebitBalance(_ context.Context, id generic.AccountID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.debitBalance(id, amount)
}

func (m *Memory) SetLockState(_ context.Context, id generic.AccountID, ls generic.LockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.setLockState(id, ls)
}

func (m *Memory) UnlockIfLocked(_ context.Context, id generic.AccountID, competitionAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.unlockIfLocked(id, competitionAt)
}

func (m *Memory) SetMembership(_ context.Context, id generic.AccountID, ms generic.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.setMembership(id, ms)
}

func (m *Memory) SetTrainingStats(_ context.Context, id generic.AccountID, stats generic.TrainingStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.setTrainingStats(id, stats)
}

// Products

func (m *Memory) SaveProduct(_ context.Context, p generic.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.saveProduct(p)
	return nil
}

func (m *Memory) GetProduct(_ context.Context, id generic.ProductID) (*generic.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProduct(id)
}

func (m *Memory) ListProducts(_ context.Context, activeOnly bool) ([]generic.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listProducts(activeOnly), nil
}

func (m *Memory) DecrementStock(_ context.Context, id generic.ProductID, size string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.decrementStock(id, size, qty)
}

func (m *Memory) IncrementStock(_ context.Context, id generic.ProductID, size string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.incrementStock(id, size, qty)
}

// Orders

func (m *Memory) CreateOrder(_ context.Context, o generic.RedemptionOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createOrder(o)
}

func (m *Memory) GetOrder(_ context.Context, id generic.OrderID) (*generic.RedemptionOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getOrder(id)
}

func (m *Memory) ListOrders(_ context.Context, f generic.OrderFilter) ([]generic.RedemptionOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listOrders(f), nil
}

func (m *Memory) UpdateOrder(_ context.Context, o generic.RedemptionOrder, expected generic.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateOrder(o, expected)
}

// Ledger

func (m *Memory) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendEntry(e)
}

func (m *Memory) GetEntry(_ context.Context, id generic.EntryID) (*generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getEntry(id)
}

func (m *Memory) ListEntries(_ context.Context, f generic.EntryFilter) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEntries(f), nil
}

func (m *Memory) UpdateEntryAudit(_ context.Context, e generic.LedgerEntry, expected generic.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateEntryAudit(e, expected)
}

// Lock log

func (m *Memory) AppendLockLog(_ context.Context, e generic.LockAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.lockLog = append(m.st.lockLog, e)
	return nil
}

func (m *Memory) ListLockLog(_ context.Context, id generic.AccountID) ([]generic.LockAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listLockLog(id), nil
}

// =============================================================================
// STATE OPERATIONS (caller holds the lock)
// =============================================================================

func (s *state) createAccount(a generic.Account) error {
	if _, ok := s.accounts[a.ID]; ok {
		return generic.Conflictf(generic.ErrDuplicate, "account %q already exists", a.ID)
	}
	if a.TrainingStats.ByMonth == nil {
		a.TrainingStats = generic.NewTrainingStats()
	}
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *state) getAccount(id generic.AccountID) (*generic.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, generic.NotFound("account", string(id))
	}
	out := cloneAccount(a)
	return &out, nil
}

func (s *state) listAccounts() []generic.Account {
	out := make([]generic.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) mutateAccount(id generic.AccountID, fn func(*generic.Account) error) error {
	a, ok := s.accounts[id]
	if !ok {
		return generic.NotFound("account", string(id))
	}
	if err := fn(&a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	s.accounts[id] = a
	return nil
}

func (s *state) incrementBalance(id generic.AccountID, delta int64) (int64, error) {
	var balance int64
	err := s.mutateAccount(id, func(a *generic.Account) error {
		a.PointsBalance += delta
		balance = a.PointsBalance
		return nil
	})
	return balance, err
}

func (s *state) debitBalance(id generic.AccountID, amount int64) (int64, error) {
	var balance int64
	err := s.mutateAccount(id, func(a *generic.Account) error {
		if a.PointsBalance < amount {
			return generic.Conflict(generic.ErrInsufficientBalance)
		}
		a.PointsBalance -= amount
		balance = a.PointsBalance
		return nil
	})
	return balance, err
}

func (s *state) setLockState(id generic.AccountID, ls generic.LockState) error {
	return s.mutateAccount(id, func(a *generic.Account) error {
		a.ExchangeLocked = ls.Locked
		a.LockReason = ls.Reason
		a.LockedAt = copyTime(ls.LockedAt)
		a.LockedBy = ls.LockedBy
		return nil
	})
}

func (s *state) unlockIfLocked(id generic.AccountID, competitionAt time.Time) (bool, error) {
	unlocked := false
	err := s.mutateAccount(id, func(a *generic.Account) error {
		if !a.ExchangeLocked {
			return nil
		}
		a.ExchangeLocked = false
		a.LockReason = ""
		a.LockedAt = nil
		a.LockedBy = ""
		a.CompetitionParticipationCount++
		a.LastCompetitionDate = copyTime(&competitionAt)
		unlocked = true
		return nil
	})
	return unlocked, err
}

func (s *state) setMembership(id generic.AccountID, ms generic.Membership) error {
	return s.mutateAccount(id, func(a *generic.Account) error {
		a.IsOfficialMember = ms.IsOfficialMember
		a.MembershipUntil = copyTime(ms.MembershipUntil)
		a.PaidYears = append([]int(nil), ms.PaidYears...)
		return nil
	})
}

func (s *state) setTrainingStats(id generic.AccountID, stats generic.TrainingStats) error {
	return s.mutateAccount(id, func(a *generic.Account) error {
		a.TrainingStats = stats.Clone()
		return nil
	})
}

func (s *state) saveProduct(p generic.Product) {
	s.products[p.ID] = cloneProduct(p)
}

func (s *state) getProduct(id generic.ProductID) (*generic.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, generic.NotFound("product", string(id))
	}
	out := cloneProduct(p)
	return &out, nil
}

func (s *state) listProducts(activeOnly bool) []generic.Product {
	out := make([]generic.Product, 0, len(s.products))
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) decrementStock(id generic.ProductID, size string, qty int) error {
	p, ok := s.products[id]
	if !ok {
		return generic.NotFound("product", string(id))
	}
	if p.StockTotal < qty {
		return generic.Conflict(generic.ErrInsufficientStock)
	}
	p = cloneProduct(p)
	if size != "" {
		if p.SizeStocks[size] < qty {
			return generic.Conflict(generic.ErrInsufficientStock)
		}
		p.SizeStocks[size] -= qty
	}
	p.StockTotal -= qty
	p.UpdatedAt = time.Now()
	s.products[id] = p
	return nil
}

func (s *state) incrementStock(id generic.ProductID, size string, qty int) error {
	p, ok := s.products[id]
	if !ok {
		return generic.NotFound("product", string(id))
	}
	p = cloneProduct(p)
	if size != "" {
		if p.SizeStocks == nil {
			p.SizeStocks = make(map[string]int)
		}
		p.SizeStocks[size] += qty
	}
	p.StockTotal += qty
	p.UpdatedAt = time.Now()
	s.products[id] = p
	return nil
}

func (s *state) createOrder(o generic.RedemptionOrder) error {
	if _, ok := s.orders[o.ID]; ok {
		return generic.Conflictf(generic.ErrDuplicate, "order %q already exists", o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *state) getOrder(id generic.OrderID) (*generic.RedemptionOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, generic.NotFound("order", string(id))
	}
	out := cloneOrder(o)
	return &out, nil
}

func (s *state) listOrders(f generic.OrderFilter) []generic.RedemptionOrder {
	var out []generic.RedemptionOrder
	for _, o := range s.orders {
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *state) updateOrder(o generic.RedemptionOrder, expected generic.OrderStatus) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return generic.NotFound("order", string(o.ID))
	}
	if cur.Status != expected {
		return generic.ErrConcurrentModification
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *state) appendEntry(e generic.LedgerEntry) error {
	if _, ok := s.entryIdx[e.ID]; ok {
		return generic.Conflictf(generic.ErrDuplicate, "ledger entry %q already exists", e.ID)
	}
	s.entryIdx[e.ID] = len(s.entries)
	s.entries = append(s.entries, cloneEntry(e))
	return nil
}

func (s *state) getEntry(id generic.EntryID) (*generic.LedgerEntry, error) {
	i, ok := s.entryIdx[id]
	if !ok {
		return nil, generic.NotFound("ledger entry", string(id))
	}
	out := cloneEntry(s.entries[i])
	return &out, nil
}

func (s *state) listEntries(f generic.EntryFilter) []generic.LedgerEntry {
	var out []generic.LedgerEntry
	for _, e := range s.entries {
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.From != nil && e.SubmittedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.SubmittedAt.After(*f.To) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *state) updateEntryAudit(e generic.LedgerEntry, expected generic.EntryStatus) error {
	i, ok := s.entryIdx[e.ID]
	if !ok {
		return generic.NotFound("ledger entry", string(e.ID))
	}
	cur := s.entries[i]
	if cur.Status != expected {
		return generic.ErrConcurrentModification
	}
	cur.Status = e.Status
	cur.AuditedAt = copyTime(e.AuditedAt)
	cur.AuditedBy = e.AuditedBy
	cur.RejectReason = e.RejectReason
	s.entries[i] = cur
	return nil
}

func (s *state) listLockLog(id generic.AccountID) []generic.LockAuditEntry {
	var out []generic.LockAuditEntry
	for _, e := range s.lockLog {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

var _ generic.TxStore = (*TxMemory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized, so every conditional write inside fn sees
// the state left by the previous committed transaction.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()

	if err := fn(&txMemoryView{st: tm.st}); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = cloneAccount(v)
	}
	for k, v := range s.products {
		c.products[k] = cloneProduct(v)
	}
	for k, v := range s.orders {
		c.orders[k] = cloneOrder(v)
	}
	c.entries = make([]generic.LedgerEntry, len(s.entries))
	for i, e := range s.entries {
		c.entries[i] = cloneEntry(e)
	}
	for k, v := range s.entryIdx {
		c.entryIdx[k] = v
	}
	c.lockLog = append([]generic.LockAuditEntry(nil), s.lockLog...)
	return c
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock
// is already held, so it calls state operations directly.
type txMemoryView struct {
	st *state
}

func (v *txMemoryView) CreateAccount(_ context.Context, a generic.Account) error {
	return v.st.createAccount(a)
}

func (v *txMemoryView) GetAccount(_ context.Context, id generic.AccountID) (*generic.Account, error) {
	return v.st.getAccount(id)
}

func (v *txMemoryView) ListAccounts(_ context.Context) ([]generic.Account, error) {
	return v.st.listAccounts(), nil
}

func (v *txMemoryView) IncrementBalance(_ context.Context, id generic.AccountID, delta int64) (int64, error) {
	return v.st.incrementBalance(id, delta)
}

func (v *txMemoryView) DebitBalance(_ context.Context, id generic.AccountID, amount int64) (int64, error) {
	return v.st.debitBalance(id, amount)
}

func (v *txMemoryView) SetLockState(_ context.Context, id generic.AccountID, ls generic.LockState) error {
	return v.st.setLockState(id, ls)
}

func (v *txMemoryView) UnlockIfLocked(_ context.Context, id generic.AccountID, at time.Time) (bool, error) {
	return v.st.unlockIfLocked(id, at)
}

func (v *txMemoryView) SetMembership(_ context.Context, id generic.AccountID, ms generic.Membership) error {
	return v.st.setMembership(id, ms)
}

func (v *txMemoryView) SetTrainingStats(_ context.Context, id generic.AccountID, stats generic.TrainingStats) error {
	return v.st.setTrainingStats(id, stats)
}

func (v *txMemoryView) SaveProduct(_ context.Context, p generic.Product) error {
	v.st.saveProduct(p)
	return nil
}

func (v *txMemoryView) GetProduct(_ context.Context, id generic.ProductID) (*generic.Product, error) {
	return v.st.getProduct(id)
}

func (v *txMemoryView) ListProducts(_ context.Context, activeOnly bool) ([]generic.Product, error) {
	return v.st.listProducts(activeOnly), nil
}

func (v *txMemoryView) DecrementStock(_ context.Context, id generic.ProductID, size string, qty int) error {
	return v.st.decrementStock(id, size, qty)
}

func (v *txMemoryView) IncrementStock(_ context.Context, id generic.ProductID, size string, qty int) error {
	return v.st.incrementStock(id, size, qty)
}

func (v *txMemoryView) CreateOrder(_ context.Context, o generic.RedemptionOrder) error {
	return v.st.createOrder(o)
}

func (v *txMemoryView) GetOrder(_ context.Context, id generic.OrderID) (*generic.RedemptionOrder, error) {
	return v.st.getOrder(id)
}

func (v *txMemoryView) ListOrders(_ context.Context, f generic.OrderFilter) ([]generic.RedemptionOrder, error) {
	return v.st.listOrders(f), nil
}

func (v *txMemoryView) UpdateOrder(_ context.Context, o generic.RedemptionOrder, expected generic.OrderStatus) error {
	return v.st.updateOrder(o, expected)
}

func (v *txMemoryView) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	return v.st.appendEntry(e)
}

func (v *txMemoryView) GetEntry(_ context.Context, id generic.EntryID) (*generic.LedgerEntry, error) {
	return v.st.getEntry(id)
}

func (v *txMemoryView) ListEntries(_ context.Context, f generic.EntryFilter) ([]generic.LedgerEntry, error) {
	return v.st.listEntries(f), nil
}

func (v *txMemoryView) UpdateEntryAudit(_ context.Context, e generic.LedgerEntry, expected generic.EntryStatus) error {
	return v.st.updateEntryAudit(e, expected)
}

func (v *txMemoryView) AppendLockLog(_ context.Context, e generic.LockAuditEntry) error {
	v.st.lockLog = append(v.st.lockLog, e)
	return nil
}

func (v *txMemoryView) ListLockLog(_ context.Context, id generic.AccountID) ([]generic.LockAuditEntry, error) {
	return v.st.listLockLog(id), nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneAccount(a generic.Account) generic.Account {
	a.PaidYears = append([]int(nil), a.PaidYears...)
	a.MembershipUntil = copyTime(a.MembershipUntil)
	a.LockedAt = copyTime(a.LockedAt)
	a.LastCompetitionDate = copyTime(a.LastCompetitionDate)
	a.TrainingStats = a.TrainingStats.Clone()
	return a
}

func cloneProduct(p generic.Product) generic.Product {
	if p.SizeStocks != nil {
		sizes := make(map[string]int, len(p.SizeStocks))
		for k, v := range p.SizeStocks {
			sizes[k] = v
		}
		p.SizeStocks = sizes
	}
	return p
}

func cloneOrder(o generic.RedemptionOrder) generic.RedemptionOrder {
	o.ShippedAt = copyTime(o.ShippedAt)
	o.CompletedAt = copyTime(o.CompletedAt)
	o.CancelledAt = copyTime(o.CancelledAt)
	return o
}

func cloneEntry(e generic.LedgerEntry) generic.LedgerEntry {
	e.Meta = append([]byte(nil), e.Meta...)
	e.AuditedAt = copyTime(e.AuditedAt)
	return e
}
