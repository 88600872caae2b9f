/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

PURPOSE:
  Implements the persistence ports of generic/store.go on SQLite through
  jmoiron/sqlx. The same SQL runs against a *sqlx.DB or a *sqlx.Tx, so
  the Store and the transactional view share one set of queries.

KEY TABLES:
  accounts:        balance, membership, lock state, training rollup (JSON)
  products:        catalog items
  product_sizes:   per-size stock of sized products
  orders:          redemption orders
  ledger_entries:  append-only point events
  lock_audit_log:  append-only lock/unlock history

CONDITIONAL WRITES:
  Each compare-and-swap from generic/store.go is one UPDATE whose WHERE
  clause carries the guard. Zero affected rows means the guard failed
  (or the row does not exist, which is checked separately):

    points_balance >= ?    DebitBalance
    stock >= ?             DecrementStock (size row, then product row)
    exchange_locked = 1    UnlockIfLocked
    status = ?             UpdateEntryAudit, UpdateOrder

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string order is
  time order and range filters can compare columns directly.

CONCURRENCY:
  WithTx is serialized by a mutex and opens transactions with
  BEGIN IMMEDIATE (_txlock=immediate), so writers never deadlock on
  lock upgrades. Other writers wait on _busy_timeout.

WAL MODE:
  File databases are opened in WAL mode: readers do not block the
  writer. ":memory:" databases are pinned to one connection, because
  each SQLite connection would otherwise see its own empty database.

MIGRATION:
  Schema is applied on New() by golang-migrate from the embedded
  migrations/ directory.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rewards.New(rewards.Options{Store: store})

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - migrate.go: schema migration
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/points-engine/generic"
)

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements generic.TxStore using SQLite.
type Store struct {
	queries
	db *sqlx.DB
	mu sync.Mutex
}

var _ generic.TxStore = (*Store)(nil)

// New opens the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return newStore(db), nil
}

// newStore wraps an already-migrated database.
func newStore(db *sqlx.DB) *Store {
	return &Store{queries: queries{x: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return generic.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(queries{x: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return generic.Internal("commit transaction", err)
	}
	return nil
}

// SaveProduct writes the product and its size rows in one transaction.
func (s *Store) SaveProduct(ctx context.Context, p generic.Product) error {
	return s.WithTx(ctx, func(st generic.Store) error {
		return st.SaveProduct(ctx, p)
	})
}

// =============================================================================
// QUERIES - shared by Store and the transactional view
// =============================================================================

type queries struct {
	x sqlx.ExtContext
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

type accountRow struct {
	ID                  string         `db:"id"`
	DisplayName         string         `db:"display_name"`
	IsAdmin             bool           `db:"is_admin"`
	PointsBalance       int64          `db:"points_balance"`
	IsOfficialMember    bool           `db:"is_official_member"`
	MembershipUntil     sql.NullString `db:"membership_until"`
	PaidYears           string         `db:"paid_years"`
	ExchangeLocked      bool           `db:"exchange_locked"`
	LockReason          string         `db:"lock_reason"`
	LockedAt            sql.NullString `db:"locked_at"`
	LockedBy            string         `db:"locked_by"`
	ParticipationCount  int            `db:"competition_participation_count"`
	LastCompetitionDate sql.NullString `db:"last_competition_date"`
	TrainingStats       string         `db:"training_stats"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

const accountColumns = `id, display_name, is_admin, points_balance, is_official_member,
	membership_until, paid_years, exchange_locked, lock_reason, locked_at, locked_by,
	competition_participation_count, last_competition_date, training_stats,
	created_at, updated_at`

func (r accountRow) toAccount() (generic.Account, error) {
	a := generic.Account{
		ID:                            generic.AccountID(r.ID),
		DisplayName:                   r.DisplayName,
		IsAdmin:                       r.IsAdmin,
		PointsBalance:                 r.PointsBalance,
		IsOfficialMember:              r.IsOfficialMember,
		MembershipUntil:               parseNullTime(r.MembershipUntil),
		ExchangeLocked:                r.ExchangeLocked,
		LockReason:                    r.LockReason,
		LockedAt:                      parseNullTime(r.LockedAt),
		LockedBy:                      r.LockedBy,
		CompetitionParticipationCount: r.ParticipationCount,
		LastCompetitionDate:           parseNullTime(r.LastCompetitionDate),
		TrainingStats:                 generic.NewTrainingStats(),
		CreatedAt:                     parseTime(r.CreatedAt),
		UpdatedAt:                     parseTime(r.UpdatedAt),
	}
	if r.PaidYears != "" {
		if err := json.Unmarshal([]byte(r.PaidYears), &a.PaidYears); err != nil {
			return a, fmt.Errorf("decode paid_years: %w", err)
		}
	}
	if r.TrainingStats != "" && r.TrainingStats != "{}" {
		var stats generic.TrainingStats
		if err := json.Unmarshal([]byte(r.TrainingStats), &stats); err != nil {
			return a, fmt.Errorf("decode training_stats: %w", err)
		}
		a.TrainingStats = stats.Clone()
	}
	return a, nil
}

func (q queries) CreateAccount(ctx context.Context, a generic.Account) error {
	years, err := json.Marshal(nonNilYears(a.PaidYears))
	if err != nil {
		return generic.Internal("encode paid_years", err)
	}
	stats := a.TrainingStats
	if stats.ByMonth == nil {
		stats = generic.NewTrainingStats()
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return generic.Internal("encode training_stats", err)
	}
	_, err = q.x.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DisplayName, a.IsAdmin, a.PointsBalance, a.IsOfficialMember,
		formatNullTime(a.MembershipUntil), string(years), a.ExchangeLocked, a.LockReason,
		formatNullTime(a.LockedAt), a.LockedBy, a.CompetitionParticipationCount,
		formatNullTime(a.LastCompetitionDate), string(statsJSON),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueConstraintError(err) {
		return generic.Conflictf(generic.ErrDuplicate, "account %q already exists", a.ID)
	}
	return generic.Internal("create account", err)
}

func (q queries) GetAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, q.x, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("account", string(id))
	}
	if err != nil {
		return nil, generic.Internal("get account", err)
	}
	a, err := row.toAccount()
	if err != nil {
		return nil, generic.Internal("get account", err)
	}
	return &a, nil
}

func (q queries) ListAccounts(ctx context.Context) ([]generic.Account, error) {
	var rows []accountRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY id`); err != nil {
		return nil, generic.Internal("list accounts", err)
	}
	out := make([]generic.Account, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAccount()
		if err != nil {
			return nil, generic.Internal("list accounts", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (q queries) IncrementBalance(ctx context.Context, id generic.AccountID, delta int64) (int64, error) {
	var balance int64
	err := sqlx.GetContext(ctx, q.x, &balance,
		`UPDATE accounts SET points_balance = points_balance + ?, updated_at = ?
		 WHERE id = ? RETURNING points_balance`,
		delta, now(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, generic.NotFound("account", string(id))
	}
	if err != nil {
		return 0, generic.Internal("increment balance", err)
	}
	return balance, nil
}

func (q queries) DebitBalance(ctx context.Context, id generic.AccountID, amount int64) (int64, error) {
	var balance int64
	err := sqlx.GetContext(ctx, q.x, &balance,
		`UPDATE accounts SET points_balance = points_balance - ?, updated_at = ?
		 WHERE id = ? AND points_balance >= ? RETURNING points_balance`,
		amount, now(), id, amount)
	if errors.Is(err, sql.ErrNoRows) {
		if err := q.mustExist(ctx, "accounts", "account", string(id)); err != nil {
			return 0, err
		}
		return 0, generic.Conflict(generic.ErrInsufficientBalance)
	}
	if err != nil {
		return 0, generic.Internal("debit balance", err)
	}
	return balance, nil
}

func (q queries) SetLockState(ctx context.Context, id generic.AccountID, ls generic.LockState) error {
	res, err := q.x.ExecContext(ctx,
		`UPDATE accounts SET exchange_locked = ?, lock_reason = ?, locked_at = ?, locked_by = ?, updated_at = ?
		 WHERE id = ?`,
		ls.Locked, ls.Reason, formatNullTime(ls.LockedAt), ls.LockedBy, now(), id)
	return q.expectRow(res, err, "set lock state", "account", string(id))
}

func (q queries) UnlockIfLocked(ctx context.Context, id generic.AccountID, competitionAt time.Time) (bool, error) {
	res, err := q.x.ExecContext(ctx,
		`UPDATE accounts SET exchange_locked = 0, lock_reason = '', locked_at = NULL, locked_by = '',
			competition_participation_count = competition_participation_count + 1,
			last_competition_date = ?, updated_at = ?
		 WHERE id = ? AND exchange_locked = 1`,
		formatTime(competitionAt), now(), id)
	if err != nil {
		return false, generic.Internal("unlock account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, generic.Internal("unlock account", err)
	}
	if n == 0 {
		return false, q.mustExist(ctx, "accounts", "account", string(id))
	}
	return true, nil
}

func (q queries) SetMembership(ctx context.Context, id generic.AccountID, m generic.Membership) error {
	years, err := json.Marshal(nonNilYears(m.PaidYears))
	if err != nil {
		return generic.Internal("encode paid_years", err)
	}
	res, err := q.x.ExecContext(ctx,
		`UPDATE accounts SET is_official_member = ?, membership_until = ?, paid_years = ?, updated_at = ?
		 WHERE id = ?`,
		m.IsOfficialMember, formatNullTime(m.MembershipUntil), string(years), now(), id)
	return q.expectRow(res, err, "set membership", "account", string(id))
}

func (q queries) SetTrainingStats(ctx context.Context, id generic.AccountID, stats generic.TrainingStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return generic.Internal("encode training_stats", err)
	}
	res, err := q.x.ExecContext(ctx,
		`UPDATE accounts SET training_stats = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), id)
	return q.expectRow(res, err, "set training stats", "account", string(id))
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

type productRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	PointsCost   int64  `db:"points_cost"`
	StockTotal   int    `db:"stock_total"`
	SizesEnabled bool   `db:"sizes_enabled"`
	Active       bool   `db:"active"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

type sizeRow struct {
	ProductID string `db:"product_id"`
	Size      string `db:"size"`
	Stock     int    `db:"stock"`
}

const productColumns = `id, name, points_cost, stock_total, sizes_enabled, active, created_at, updated_at`

func (r productRow) toProduct() generic.Product {
	return generic.Product{
		ID:           generic.ProductID(r.ID),
		Name:         r.Name,
		PointsCost:   r.PointsCost,
		StockTotal:   r.StockTotal,
		SizesEnabled: r.SizesEnabled,
		Active:       r.Active,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

func (q queries) SaveProduct(ctx context.Context, p generic.Product) error {
	_, err := q.x.ExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			points_cost = excluded.points_cost,
			stock_total = excluded.stock_total,
			sizes_enabled = excluded.sizes_enabled,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.PointsCost, p.StockTotal, p.SizesEnabled, p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return generic.Internal("save product", err)
	}
	if _, err := q.x.ExecContext(ctx, `DELETE FROM product_sizes WHERE product_id = ?`, p.ID); err != nil {
		return generic.Internal("save product sizes", err)
	}
	if !p.SizesEnabled {
		return nil
	}
	for size, stock := range p.SizeStocks {
		if _, err := q.x.ExecContext(ctx,
			`INSERT INTO product_sizes (product_id, size, stock) VALUES (?, ?, ?)`,
			p.ID, size, stock); err != nil {
			return generic.Internal("save product sizes", err)
		}
	}
	return nil
}

func (q queries) GetProduct(ctx context.Context, id generic.ProductID) (*generic.Product, error) {
	var row productRow
	err := sqlx.GetContext(ctx, q.x, &row, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("product", string(id))
	}
	if err != nil {
		return nil, generic.Internal("get product", err)
	}
	p := row.toProduct()
	if p.SizesEnabled {
		var sizes []sizeRow
		if err := sqlx.SelectContext(ctx, q.x, &sizes,
			`SELECT product_id, size, stock FROM product_sizes WHERE product_id = ?`, id); err != nil {
			return nil, generic.Internal("get product sizes", err)
		}
		p.SizeStocks = make(map[string]int, len(sizes))
		for _, s := range sizes {
			p.SizeStocks[s.Size] = s.Stock
		}
	}
	return &p, nil
}

func (q queries) ListProducts(ctx context.Context, activeOnly bool) ([]generic.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	var rows []productRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, query+` ORDER BY id`); err != nil {
		return nil, generic.Internal("list products", err)
	}
	var sizes []sizeRow
	if err := sqlx.SelectContext(ctx, q.x, &sizes, `SELECT product_id, size, stock FROM product_sizes`); err != nil {
		return nil, generic.Internal("list product sizes", err)
	}
	bySize := make(map[string]map[string]int)
	for _, s := range sizes {
		if bySize[s.ProductID] == nil {
			bySize[s.ProductID] = make(map[string]int)
		}
		bySize[s.ProductID][s.Size] = s.Stock
	}
	out := make([]generic.Product, 0, len(rows))
	for _, r := range rows {
		p := r.toProduct()
		if p.SizesEnabled {
			p.SizeStocks = bySize[r.ID]
			if p.SizeStocks == nil {
				p.SizeStocks = make(map[string]int)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// DecrementStock must run inside WithTx when size is set: the product
// and size rows are two guarded statements.
func (q queries) DecrementStock(ctx context.Context, id generic.ProductID, size string, qty int) error {
	res, err := q.x.ExecContext(ctx,
		`UPDATE products SET stock_total = stock_total - ?, updated_at = ?
		 WHERE id = ? AND stock_total >= ?`,
		qty, now(), id, qty)
	if err := q.expectGuard(ctx, res, err, "decrement stock", "products", "product", string(id)); err != nil {
		return err
	}
	if size == "" {
		return nil
	}
	res, err = q.x.ExecContext(ctx,
		`UPDATE product_sizes SET stock = stock - ? WHERE product_id = ? AND size = ? AND stock >= ?`,
		qty, id, size, qty)
	if err != nil {
		return generic.Internal("decrement size stock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Internal("decrement size stock", err)
	}
	if n == 0 {
		return generic.Conflict(generic.ErrInsufficientStock)
	}
	return nil
}

func (q queries) IncrementStock(ctx context.Context, id generic.ProductID, size string, qty int) error {
	res, err := q.x.ExecContext(ctx,
		`UPDATE products SET stock_total = stock_total + ?, updated_at = ? WHERE id = ?`,
		qty, now(), id)
	if err := q.expectRow(res, err, "increment stock", "product", string(id)); err != nil {
		return err
	}
	if size == "" {
		return nil
	}
	_, err = q.x.ExecContext(ctx,
		`INSERT INTO product_sizes (product_id, size, stock) VALUES (?, ?, ?)
		 ON CONFLICT(product_id, size) DO UPDATE SET stock = stock + excluded.stock`,
		id, size, qty)
	return generic.Internal("increment size stock", err)
}

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

type orderRow struct {
	ID             string         `db:"id"`
	AccountID      string         `db:"account_id"`
	ProductID      string         `db:"product_id"`
	ProductName    string         `db:"product_name"`
	Quantity       int            `db:"quantity"`
	SelectedSize   string         `db:"selected_size"`
	PointsSpent    int64          `db:"points_spent"`
	Status         string         `db:"status"`
	Recipient      string         `db:"recipient"`
	Carrier        string         `db:"carrier"`
	TrackingNumber string         `db:"tracking_number"`
	CancelReason   string         `db:"cancel_reason"`
	CancelledBy    string         `db:"cancelled_by"`
	CreatedAt      string         `db:"created_at"`
	ShippedAt      sql.NullString `db:"shipped_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	CancelledAt    sql.NullString `db:"cancelled_at"`
}

const orderColumns = `id, account_id, product_id, product_name, quantity, selected_size,
	points_spent, status, recipient, carrier, tracking_number, cancel_reason, cancelled_by,
	created_at, shipped_at, completed_at, cancelled_at`

func (r orderRow) toOrder() (generic.RedemptionOrder, error) {
	o := generic.RedemptionOrder{
		ID:           generic.OrderID(r.ID),
		AccountID:    generic.AccountID(r.AccountID),
		ProductID:    generic.ProductID(r.ProductID),
		ProductName:  r.ProductName,
		Quantity:     r.Quantity,
		SelectedSize: r.SelectedSize,
		PointsSpent:  r.PointsSpent,
		Status:       generic.OrderStatus(r.Status),
		Logistics:    generic.Logistics{Carrier: r.Carrier, TrackingNumber: r.TrackingNumber},
		CancelReason: r.CancelReason,
		CancelledBy:  r.CancelledBy,
		CreatedAt:    parseTime(r.CreatedAt),
		ShippedAt:    parseNullTime(r.ShippedAt),
		CompletedAt:  parseNullTime(r.CompletedAt),
		CancelledAt:  parseNullTime(r.CancelledAt),
	}
	if r.Recipient != "" {
		if err := json.Unmarshal([]byte(r.Recipient), &o.Recipient); err != nil {
			return o, fmt.Errorf("decode recipient: %w", err)
		}
	}
	return o, nil
}

func (q queries) CreateOrder(ctx context.Context, o generic.RedemptionOrder) error {
	recipient, err := json.Marshal(o.Recipient)
	if err != nil {
		return generic.Internal("encode recipient", err)
	}
	_, err = q.x.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.ProductID, o.ProductName, o.Quantity, o.SelectedSize,
		o.PointsSpent, o.Status, string(recipient), o.Logistics.Carrier, o.Logistics.TrackingNumber,
		o.CancelReason, o.CancelledBy, formatTime(o.CreatedAt),
		formatNullTime(o.ShippedAt), formatNullTime(o.CompletedAt), formatNullTime(o.CancelledAt))
	if isUniqueConstraintError(err) {
		return generic.Conflictf(generic.ErrDuplicate, "order %q already exists", o.ID)
	}
	return generic.Internal("create order", err)
}

func (q queries) GetOrder(ctx context.Context, id generic.OrderID) (*generic.RedemptionOrder, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q.x, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("order", string(id))
	}
	if err != nil {
		return nil, generic.Internal("get order", err)
	}
	o, err := row.toOrder()
	if err != nil {
		return nil, generic.Internal("get order", err)
	}
	return &o, nil
}

func (q queries) ListOrders(ctx context.Context, f generic.OrderFilter) ([]generic.RedemptionOrder, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + orderColumns + ` FROM orders` + whereClause(where) +
		` ORDER BY created_at DESC, id DESC` + limitClause(f.Limit, &args)

	var rows []orderRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, query, args...); err != nil {
		return nil, generic.Internal("list orders", err)
	}
	out := make([]generic.RedemptionOrder, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, generic.Internal("list orders", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (q queries) UpdateOrder(ctx context.Context, o generic.RedemptionOrder, expected generic.OrderStatus) error {
	res, err := q.x.ExecContext(ctx,
		`UPDATE orders SET status = ?, carrier = ?, tracking_number = ?, cancel_reason = ?,
			cancelled_by = ?, shipped_at = ?, completed_at = ?, cancelled_at = ?
		 WHERE id = ? AND status = ?`,
		o.Status, o.Logistics.Carrier, o.Logistics.TrackingNumber, o.CancelReason,
		o.CancelledBy, formatNullTime(o.ShippedAt), formatNullTime(o.CompletedAt),
		formatNullTime(o.CancelledAt), o.ID, expected)
	return q.expectCAS(ctx, res, err, "update order", "orders", "order", string(o.ID))
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

type entryRow struct {
	ID             string         `db:"id"`
	AccountID      string         `db:"account_id"`
	Kind           string         `db:"kind"`
	Points         int64          `db:"points"`
	Status         string         `db:"status"`
	CategoryCode   string         `db:"category_code"`
	CategoryName   string         `db:"category_name"`
	RaceType       string         `db:"race_type"`
	RaceTypeLabel  string         `db:"race_type_label"`
	Description    string         `db:"description"`
	Meta           sql.NullString `db:"meta"`
	Reason         string         `db:"reason"`
	SubmittedAt    string         `db:"submitted_at"`
	AuditedAt      sql.NullString `db:"audited_at"`
	AuditedBy      string         `db:"audited_by"`
	RejectReason   string         `db:"reject_reason"`
	RelatedOrderID string         `db:"related_order_id"`
	CreatedBy      string         `db:"created_by"`
}

const entryColumns = `id, account_id, kind, points, status, category_code, category_name,
	race_type, race_type_label, description, meta, reason, submitted_at, audited_at,
	audited_by, reject_reason, related_order_id, created_by`

func (r entryRow) toEntry() generic.LedgerEntry {
	e := generic.LedgerEntry{
		ID:        generic.EntryID(r.ID),
		AccountID: generic.AccountID(r.AccountID),
		Kind:      generic.EntryKind(r.Kind),
		Points:    r.Points,
		Status:    generic.EntryStatus(r.Status),
		Category: generic.Category{
			Code:          r.CategoryCode,
			Name:          r.CategoryName,
			RaceType:      r.RaceType,
			RaceTypeLabel: r.RaceTypeLabel,
			Description:   r.Description,
		},
		Reason:         r.Reason,
		SubmittedAt:    parseTime(r.SubmittedAt),
		AuditedAt:      parseNullTime(r.AuditedAt),
		AuditedBy:      r.AuditedBy,
		RejectReason:   r.RejectReason,
		RelatedOrderID: generic.OrderID(r.RelatedOrderID),
		CreatedBy:      r.CreatedBy,
	}
	if r.Meta.Valid && r.Meta.String != "" {
		e.Meta = json.RawMessage(r.Meta.String)
	}
	return e
}

func (q queries) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	var meta sql.NullString
	if len(e.Meta) > 0 {
		meta = sql.NullString{String: string(e.Meta), Valid: true}
	}
	_, err := q.x.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Kind, e.Points, e.Status, e.Category.Code, e.Category.Name,
		e.Category.RaceType, e.Category.RaceTypeLabel, e.Category.Description, meta, e.Reason,
		formatTime(e.SubmittedAt), formatNullTime(e.AuditedAt), e.AuditedBy, e.RejectReason,
		e.RelatedOrderID, e.CreatedBy)
	if isUniqueConstraintError(err) {
		return generic.Conflictf(generic.ErrDuplicate, "ledger entry %q already exists", e.ID)
	}
	return generic.Internal("append entry", err)
}

func (q queries) GetEntry(ctx context.Context, id generic.EntryID) (*generic.LedgerEntry, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, q.x, &row, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("ledger entry", string(id))
	}
	if err != nil {
		return nil, generic.Internal("get entry", err)
	}
	e := row.toEntry()
	return &e, nil
}

func (q queries) ListEntries(ctx context.Context, f generic.EntryFilter) ([]generic.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		where = append(where, "submitted_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "submitted_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries` + whereClause(where) +
		` ORDER BY submitted_at, rowid` + limitClause(f.Limit, &args)

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, query, args...); err != nil {
		return nil, generic.Internal("list entries", err)
	}
	out := make([]generic.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

func (q queries) UpdateEntryAudit(ctx context.Context, e generic.LedgerEntry, expected generic.EntryStatus) error {
	res, err := q.x.ExecContext(ctx,
		`UPDATE ledger_entries SET status = ?, audited_at = ?, audited_by = ?, reject_reason = ?
		 WHERE id = ? AND status = ?`,
		e.Status, formatNullTime(e.AuditedAt), e.AuditedBy, e.RejectReason, e.ID, expected)
	return q.expectCAS(ctx, res, err, "update entry audit", "ledger_entries", "ledger entry", string(e.ID))
}

// -----------------------------------------------------------------------------
// Lock audit log
// -----------------------------------------------------------------------------

type lockLogRow struct {
	ID          string `db:"id"`
	AccountID   string `db:"account_id"`
	Action      string `db:"action"`
	Reason      string `db:"reason"`
	PerformedBy string `db:"performed_by"`
	Timestamp   string `db:"ts"`
}

func (q queries) AppendLockLog(ctx context.Context, e generic.LockAuditEntry) error {
	_, err := q.x.ExecContext(ctx,
		`INSERT INTO lock_audit_log (id, account_id, action, reason, performed_by, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Action, e.Reason, e.PerformedBy, formatTime(e.Timestamp))
	if isUniqueConstraintError(err) {
		return generic.Conflictf(generic.ErrDuplicate, "lock log entry %q already exists", e.ID)
	}
	return generic.Internal("append lock log", err)
}

func (q queries) ListLockLog(ctx context.Context, id generic.AccountID) ([]generic.LockAuditEntry, error) {
	var rows []lockLogRow
	if err := sqlx.SelectContext(ctx, q.x, &rows,
		`SELECT id, account_id, action, reason, performed_by, ts FROM lock_audit_log
		 WHERE account_id = ? ORDER BY ts, rowid`, id); err != nil {
		return nil, generic.Internal("list lock log", err)
	}
	out := make([]generic.LockAuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, generic.LockAuditEntry{
			ID:          r.ID,
			AccountID:   generic.AccountID(r.AccountID),
			Action:      generic.LockAction(r.Action),
			Reason:      r.Reason,
			PerformedBy: r.PerformedBy,
			Timestamp:   parseTime(r.Timestamp),
		})
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mustExist returns a NotFoundError when no row in table has id.
func (q queries) mustExist(ctx context.Context, table, resource, id string) error {
	var one int
	err := sqlx.GetContext(ctx, q.x, &one, `SELECT 1 FROM `+table+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.NotFound(resource, id)
	}
	return generic.Internal("check "+resource, err)
}

// expectRow maps zero affected rows of an unguarded UPDATE to NotFound.
func (q queries) expectRow(res sql.Result, err error, op, resource, id string) error {
	if err != nil {
		return generic.Internal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Internal(op, err)
	}
	if n == 0 {
		return generic.NotFound(resource, id)
	}
	return nil
}

// expectGuard maps zero affected rows of a stock guard to NotFound or
// insufficient stock.
func (q queries) expectGuard(ctx context.Context, res sql.Result, err error, op, table, resource, id string) error {
	if err != nil {
		return generic.Internal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Internal(op, err)
	}
	if n > 0 {
		return nil
	}
	if err := q.mustExist(ctx, table, resource, id); err != nil {
		return err
	}
	return generic.Conflict(generic.ErrInsufficientStock)
}

// expectCAS maps zero affected rows of a status guard to NotFound or
// ErrConcurrentModification.
func (q queries) expectCAS(ctx context.Context, res sql.Result, err error, op, table, resource, id string) error {
	if err != nil {
		return generic.Internal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Internal(op, err)
	}
	if n > 0 {
		return nil
	}
	if err := q.mustExist(ctx, table, resource, id); err != nil {
		return err
	}
	return generic.ErrConcurrentModification
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int, args *[]any) string {
	if limit <= 0 {
		return ""
	}
	*args = append(*args, limit)
	return " LIMIT ?"
}

func nonNilYears(years []int) []int {
	if years == nil {
		return []int{}
	}
	return years
}

func now() string { return formatTime(time.Now()) }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
