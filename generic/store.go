/*
store.go - Persistence ports for the points engine

PURPOSE:
  Defines the interface between the engines and the document store.
  The engines assume a store with short optimistic multi-document
  transactions and atomic numeric increments. Different implementations
  can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   reads, atomic increments and conditional writes
  TxStore: Store + WithTx for all-or-nothing multi-document mutation

CONDITIONAL WRITES:
  Every write that could race with another request is expressed as a
  compare-and-swap so the store itself rejects the loser:
  - DebitBalance:      balance >= amount
  - DecrementStock:    stock_total >= qty AND size_stock >= qty
  - UnlockIfLocked:    exchange_locked == true
  - UpdateEntryAudit:  status == expected
  - UpdateOrder:       status == expected

APPEND-ONLY:
  Ledger entries and lock audit entries are never deleted.
  Only earn entries have their audit fields updated.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: balance replay built on ListEntries
  - rewards/: engines that drive these ports
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// EntryFilter selects ledger entries. Zero fields do not filter.
// Results are ordered by SubmittedAt ascending.
type EntryFilter struct {
	AccountID AccountID
	Kind      EntryKind
	Status    EntryStatus
	From      *time.Time // inclusive, on SubmittedAt
	To        *time.Time // inclusive, on SubmittedAt
	Limit     int
}

// OrderFilter selects redemption orders, newest first.
type OrderFilter struct {
	AccountID AccountID
	Status    OrderStatus
	Limit     int
}

// =============================================================================
// STORE
// =============================================================================

// Store is the document store the engines operate on.
// Read methods return a NotFoundError for unknown ids.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// IncrementBalance atomically adds delta and returns the new balance.
	IncrementBalance(ctx context.Context, id AccountID, delta int64) (int64, error)
	// DebitBalance atomically subtracts amount if balance >= amount,
	// otherwise returns a ConflictError(ErrInsufficientBalance).
	DebitBalance(ctx context.Context, id AccountID, amount int64) (int64, error)
	SetLockState(ctx context.Context, id AccountID, state LockState) error
	// UnlockIfLocked clears the lock only while exchange_locked is true,
	// bumping the participation count. Returns false if already unlocked.
	UnlockIfLocked(ctx context.Context, id AccountID, competitionAt time.Time) (bool, error)
	SetMembership(ctx context.Context, id AccountID, m Membership) error
	SetTrainingStats(ctx context.Context, id AccountID, stats TrainingStats) error

	// Products
	SaveProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	// DecrementStock atomically removes qty from the total and, when size
	// is non-empty, from that size. Fails with ErrInsufficientStock.
	DecrementStock(ctx context.Context, id ProductID, size string, qty int) error
	IncrementStock(ctx context.Context, id ProductID, size string, qty int) error

	// Orders
	CreateOrder(ctx context.Context, o RedemptionOrder) error
	GetOrder(ctx context.Context, id OrderID) (*RedemptionOrder, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]RedemptionOrder, error)
	// UpdateOrder replaces the order if its stored status equals expected,
	// otherwise returns ErrConcurrentModification.
	UpdateOrder(ctx context.Context, o RedemptionOrder, expected OrderStatus) error

	// Ledger
	AppendEntry(ctx context.Context, e LedgerEntry) error
	GetEntry(ctx context.Context, id EntryID) (*LedgerEntry, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]LedgerEntry, error)
	// UpdateEntryAudit writes status and audit fields if the stored status
	// equals expected, otherwise returns ErrConcurrentModification.
	UpdateEntryAudit(ctx context.Context, e LedgerEntry, expected EntryStatus) error

	// Lock audit log
	AppendLockLog(ctx context.Context, e LockAuditEntry) error
	ListLockLog(ctx context.Context, id AccountID) ([]LockAuditEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
