package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"broker-core/pkg/db"
)

// ApprovalQueue is the durable manual-approval queue. Entries survive a
// restart; the operator API releases or rejects them.
type ApprovalQueue struct {
	queries *db.AccountQueries
}

func NewApprovalQueue(queries *db.AccountQueries) *ApprovalQueue {
	return &ApprovalQueue{queries: queries}
}

// Enqueue stores an order awaiting sign-off.
func (q *ApprovalQueue) Enqueue(ctx context.Context, ord db.Order) error {
	snapshot, err := json.Marshal(ord)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return q.queries.InsertPendingApproval(ctx, db.PendingApproval{
		ID:         ord.ID,
		AccountID:  ord.AccountID,
		OrderJSON:  string(snapshot),
		EnqueuedAt: time.Now().UTC(),
	})
}

// Pending lists queued entries for one account, oldest first.
func (q *ApprovalQueue) Pending(ctx context.Context, accountID string) ([]db.PendingApproval, error) {
	return q.queries.GetPendingByAccount(ctx, accountID)
}

// Count returns the number of queued entries for one account.
func (q *ApprovalQueue) Count(ctx context.Context, accountID string) (int, error) {
	return q.queries.CountPendingByAccount(ctx, accountID)
}

// Take removes up to n oldest entries for the account and returns the
// wrapped orders.
func (q *ApprovalQueue) Take(ctx context.Context, accountID string, n int) ([]db.Order, error) {
	pending, err := q.queries.GetPendingByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if n > len(pending) {
		n = len(pending)
	}
	orders := make([]db.Order, 0, n)
	for _, p := range pending[:n] {
		var ord db.Order
		if err := json.Unmarshal([]byte(p.OrderJSON), &ord); err != nil {
			return orders, fmt.Errorf("corrupt pending approval %s: %w", p.ID, err)
		}
		if err := q.queries.DeletePendingApproval(ctx, p.ID); err != nil {
			return orders, err
		}
		orders = append(orders, ord)
	}
	return orders, nil
}

// Remove deletes one entry without dispatching it.
func (q *ApprovalQueue) Remove(ctx context.Context, id string) error {
	return q.queries.DeletePendingApproval(ctx, id)
}

// RecoverAll returns every queued entry across accounts; called once at
// startup to log what survived the restart.
func (q *ApprovalQueue) RecoverAll(ctx context.Context) ([]db.PendingApproval, error) {
	return q.queries.GetAllPending(ctx)
}
