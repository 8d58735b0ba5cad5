// Package gate is the order safety pipeline. Every outbound order
// passes mode, size, rate and manual-approval checks before it may
// reach a venue, and every decision lands in the audit trail, rejected
// orders included.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/events"
	"broker-core/pkg/db"
)

const rateWindow = 60 * time.Second

// Executor forwards an accepted order to a venue. Satisfied by
// *dispatch.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, ord db.Order) (string, error)
}

// Decision is the gate's verdict on one order.
type Decision struct {
	Accepted bool
	State    string
	Reason   string
}

// SafetyGate validates orders account by account. One gate serves all
// accounts; per-account state lives in guarded maps.
type SafetyGate struct {
	registry  *account.Registry
	queries   *db.AccountQueries
	approvals *ApprovalQueue
	exec      Executor
	audit     *audit.Recorder
	bus       *events.Bus

	mu       sync.Mutex
	recent   map[string][]time.Time // order timestamps inside the window
	released map[string]int         // manual approvals granted so far
	now      func() time.Time
}

func New(registry *account.Registry, queries *db.AccountQueries, approvals *ApprovalQueue,
	exec Executor, rec *audit.Recorder, bus *events.Bus) *SafetyGate {
	return &SafetyGate{
		registry:  registry,
		queries:   queries,
		approvals: approvals,
		exec:      exec,
		audit:     rec,
		bus:       bus,
		recent:    make(map[string][]time.Time),
		released:  make(map[string]int),
		now:       time.Now,
	}
}

// Submit runs the pipeline. Checks short-circuit in order: mode, size
// band, trailing-window rate, manual-approval quota, then dispatch.
func (g *SafetyGate) Submit(ctx context.Context, ord db.Order) Decision {
	acct, ok := g.registry.Get(ord.AccountID)
	if !ok {
		return g.reject(ctx, ord, "unknown account")
	}

	// 1. Mode: non-live accounts never reach a venue.
	if !acct.Live {
		ord.Status = db.OrderSimulated
		g.persist(ctx, ord, "")
		g.audit.Record(ord.AccountID, "gate.simulated", ord.ID, "ok", ord)
		g.bus.Publish(events.EventOrderSimulated, ord)
		g.markSubmitted(ord.AccountID)
		return Decision{Accepted: true, State: db.OrderSimulated}
	}

	// 2. Notional band.
	if ord.Notional < acct.MinOrderUSD || ord.Notional > acct.MaxOrderUSD {
		return g.reject(ctx, ord, fmt.Sprintf(
			"notional %.2f outside band [%.2f, %.2f]", ord.Notional, acct.MinOrderUSD, acct.MaxOrderUSD))
	}

	// 3. Trailing 60s rate ceiling.
	if acct.MaxOrdersPerMinute > 0 && !g.underRateCeiling(acct) {
		return g.reject(ctx, ord, fmt.Sprintf(
			"order rate ceiling %d/min reached", acct.MaxOrdersPerMinute))
	}

	// 4. Manual-approval quota: the account's first N live orders wait
	// for a human; the counter moves only on explicit release.
	if g.needsApproval(acct) {
		ord.Status = db.OrderPendingApproval
		g.persist(ctx, ord, "awaiting manual approval")
		if err := g.approvals.Enqueue(ctx, ord); err != nil {
			log.Printf("gate: enqueue approval for %s: %v", ord.AccountID, err)
			return g.reject(ctx, ord, fmt.Sprintf("approval enqueue failed: %v", err))
		}
		g.audit.Record(ord.AccountID, "approval.queued", ord.ID, "pending", ord)
		g.bus.Publish(events.EventApprovalQueued, ord)
		return Decision{Accepted: false, State: db.OrderPendingApproval, Reason: "awaiting manual approval"}
	}

	// 5. Dispatch.
	return g.dispatch(ctx, ord, acct)
}

// Release forwards up to n queued orders for the account to the
// dispatcher and consumes that much of the approval quota.
func (g *SafetyGate) Release(ctx context.Context, accountID, releasedBy string, n int) (int, error) {
	acct, ok := g.registry.Get(accountID)
	if !ok {
		return 0, fmt.Errorf("unknown account %s", accountID)
	}
	orders, err := g.approvals.Take(ctx, accountID, n)
	if err != nil && len(orders) == 0 {
		return 0, err
	}
	for _, ord := range orders {
		g.mu.Lock()
		g.released[accountID]++
		g.mu.Unlock()
		g.audit.Record(accountID, "approval.released", ord.ID, "released by "+releasedBy, ord)
		g.bus.Publish(events.EventApprovalReleased, ord)
		g.dispatch(ctx, ord, acct)
	}
	return len(orders), err
}

// Reject drops one queued order without executing it.
func (g *SafetyGate) Reject(ctx context.Context, accountID, id, rejectedBy string) error {
	if err := g.approvals.Remove(ctx, id); err != nil {
		return err
	}
	if err := g.queries.UpdateOrderStatus(ctx, id, db.OrderRejected, "rejected by "+rejectedBy); err != nil {
		log.Printf("gate: mark rejected %s: %v", id, err)
	}
	g.audit.Record(accountID, "approval.rejected", id, "rejected by "+rejectedBy, nil)
	g.bus.Publish(events.EventApprovalRejected, id)
	return nil
}

// Recover logs approvals that survived a restart. The quota counter
// restarts at zero, so recovered accounts err on the side of more
// manual sign-off, never less.
func (g *SafetyGate) Recover(ctx context.Context) (int, error) {
	pending, err := g.approvals.RecoverAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (g *SafetyGate) dispatch(ctx context.Context, ord db.Order, acct account.Account) Decision {
	ord.Status = db.OrderAccepted
	g.persist(ctx, ord, "")
	g.audit.Record(ord.AccountID, "gate.accepted", ord.ID, "forwarded", ord)
	g.markSubmitted(ord.AccountID)

	state, err := g.exec.Execute(ctx, ord)
	if err != nil {
		if uerr := g.queries.UpdateOrderStatus(ctx, ord.ID, state, err.Error()); uerr != nil {
			log.Printf("gate: update order %s: %v", ord.ID, uerr)
		}
		return Decision{Accepted: false, State: state, Reason: err.Error()}
	}
	if uerr := g.queries.UpdateOrderStatus(ctx, ord.ID, state, ""); uerr != nil {
		log.Printf("gate: update order %s: %v", ord.ID, uerr)
	}
	return Decision{Accepted: true, State: state}
}

func (g *SafetyGate) reject(ctx context.Context, ord db.Order, reason string) Decision {
	ord.Status = db.OrderRejected
	ord.Reason = reason
	g.persist(ctx, ord, reason)
	g.audit.Record(ord.AccountID, "gate.rejected", ord.ID, reason, ord)
	g.bus.Publish(events.EventOrderRejected, ord)
	return Decision{Accepted: false, State: db.OrderRejected, Reason: reason}
}

func (g *SafetyGate) persist(ctx context.Context, ord db.Order, reason string) {
	ord.Reason = reason
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = time.Now().UTC()
	}
	if err := g.queries.CreateOrder(ctx, ord); err != nil {
		log.Printf("gate: persist order %s: %v", ord.ID, err)
	}
}

// underRateCeiling prunes the trailing window and reports whether a new
// order may pass. The slot is not reserved here; markSubmitted claims
// it once the order actually moves forward.
func (g *SafetyGate) underRateCeiling(acct account.Account) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-rateWindow)
	kept := g.recent[acct.ID][:0]
	for _, ts := range g.recent[acct.ID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.recent[acct.ID] = kept
	return len(kept) < acct.MaxOrdersPerMinute
}

func (g *SafetyGate) markSubmitted(accountID string) {
	g.mu.Lock()
	g.recent[accountID] = append(g.recent[accountID], g.now())
	g.mu.Unlock()
}

func (g *SafetyGate) needsApproval(acct account.Account) bool {
	if acct.ApprovalQuota <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released[acct.ID] < acct.ApprovalQuota
}
