// Package db provides account-isolated storage for orders, audit records and
// pending approvals.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrAccountIDRequired guards every account-scoped query; an empty
	// account id would silently cross the isolation boundary.
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
)

// AccountQueries provides account-isolated database queries.
type AccountQueries struct {
	db *sql.DB
}

// NewAccountQueries creates a new AccountQueries instance.
func NewAccountQueries(db *sql.DB) *AccountQueries {
	return &AccountQueries{db: db}
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// CreateOrder inserts an order row. Re-inserting an existing id (an
// order released from the approval queue) refreshes status and reason
// instead of failing.
func (q *AccountQueries) CreateOrder(ctx context.Context, o Order) error {
	if o.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, account_id, broker, symbol, side, notional, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, reason = excluded.reason
	`, o.ID, o.AccountID, o.Broker, o.Symbol, o.Side, o.Notional, o.Status, o.Reason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus moves an order to a new lifecycle state.
func (q *AccountQueries) UpdateOrderStatus(ctx context.Context, id, status, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, reason = ? WHERE id = ?
	`, status, reason, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrdersByAccount returns recent orders for one account.
func (q *AccountQueries) GetOrdersByAccount(ctx context.Context, accountID string, limit int) ([]Order, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, broker, symbol, side, notional, status, COALESCE(reason, ''), created_at
		FROM orders
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Broker, &o.Symbol, &o.Side, &o.Notional, &o.Status, &o.Reason, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Audit queries
// ----------------------------------------

// InsertAuditRecord appends one audit row. Records are never updated.
func (q *AccountQueries) InsertAuditRecord(ctx context.Context, r AuditRecord) error {
	if r.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, account_id, event, order_id, detail, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.ID, r.AccountID, r.Event, r.OrderID, r.Detail, r.Outcome, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// GetAuditByAccount returns the most recent audit records for one account.
func (q *AccountQueries) GetAuditByAccount(ctx context.Context, accountID string, limit int) ([]AuditRecord, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, event, COALESCE(order_id, ''), COALESCE(detail, ''), outcome, created_at
		FROM audit_records
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Event, &r.OrderID, &r.Detail, &r.Outcome, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ----------------------------------------
// Pending approval queries
// ----------------------------------------

// InsertPendingApproval enqueues an order awaiting manual sign-off.
func (q *AccountQueries) InsertPendingApproval(ctx context.Context, p PendingApproval) error {
	if p.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (id, account_id, order_json, enqueued_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, p.ID, p.AccountID, p.OrderJSON, p.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert pending approval: %w", err)
	}
	return nil
}

// GetPendingByAccount returns queued approvals for one account, oldest first.
func (q *AccountQueries) GetPendingByAccount(ctx context.Context, accountID string) ([]PendingApproval, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	return q.scanPending(ctx, `
		SELECT id, account_id, order_json, COALESCE(released_by, ''), enqueued_at
		FROM pending_approvals
		WHERE account_id = ?
		ORDER BY enqueued_at ASC
	`, accountID)
}

// GetAllPending returns every queued approval, oldest first. Used for
// startup recovery.
func (q *AccountQueries) GetAllPending(ctx context.Context) ([]PendingApproval, error) {
	return q.scanPending(ctx, `
		SELECT id, account_id, order_json, COALESCE(released_by, ''), enqueued_at
		FROM pending_approvals
		ORDER BY enqueued_at ASC
	`)
}

// DeletePendingApproval removes an approval after release or rejection.
func (q *AccountQueries) DeletePendingApproval(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingByAccount returns the queue depth for one account.
func (q *AccountQueries) CountPendingByAccount(ctx context.Context, accountID string) (int, error) {
	if accountID == "" {
		return 0, ErrAccountIDRequired
	}
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_approvals WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

func (q *AccountQueries) scanPending(ctx context.Context, query string, args ...any) ([]PendingApproval, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var pending []PendingApproval
	for rows.Next() {
		var p PendingApproval
		if err := rows.Scan(&p.ID, &p.AccountID, &p.OrderJSON, &p.ReleasedBy, &p.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
