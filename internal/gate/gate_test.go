package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/events"
	"broker-core/pkg/db"

	"github.com/google/uuid"
)

// fakeExec records forwarded orders and can be scripted to fail.
type fakeExec struct {
	mu     sync.Mutex
	orders []db.Order
	err    error
	state  string
}

func (f *fakeExec) Execute(_ context.Context, ord db.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, ord)
	if f.err != nil {
		return f.state, f.err
	}
	if f.state != "" {
		return f.state, nil
	}
	return db.OrderFilled, nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fixture struct {
	gate *SafetyGate
	exec *fakeExec
	db   *db.Database
}

func newFixture(t *testing.T, accts ...account.Account) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	rec := audit.NewRecorder(database, nil, 100, time.Hour)
	t.Cleanup(func() { rec.Close() })

	reg := account.NewRegistry(&account.ConfigFile{Accounts: accts})
	exec := &fakeExec{}
	g := New(reg, database.Queries(), NewApprovalQueue(database.Queries()), exec, rec, events.NewBus())
	return &fixture{gate: g, exec: exec, db: database}
}

func newOrder(accountID string, notional float64) db.Order {
	return db.Order{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Broker:    "alpha",
		Symbol:    "BTC/USD",
		Side:      "BUY",
		Notional:  notional,
	}
}

func TestSubmitSimulatesNonLiveAccount(t *testing.T) {
	f := newFixture(t, account.Account{ID: "a1", Live: false, MinOrderUSD: 10, MaxOrderUSD: 100})
	d := f.gate.Submit(context.Background(), newOrder("a1", 50))
	if !d.Accepted || d.State != db.OrderSimulated {
		t.Fatalf("decision = %+v, want accepted SIMULATED", d)
	}
	if f.exec.count() != 0 {
		t.Fatalf("simulated order must not reach the dispatcher")
	}
}

func TestSubmitRejectsOutOfBandNotional(t *testing.T) {
	f := newFixture(t, account.Account{ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100})

	for _, notional := range []float64{5, 500} {
		d := f.gate.Submit(context.Background(), newOrder("a1", notional))
		if d.Accepted || d.State != db.OrderRejected {
			t.Fatalf("notional %.0f: decision = %+v, want REJECTED", notional, d)
		}
		if !strings.Contains(d.Reason, "outside band") {
			t.Fatalf("reason = %q", d.Reason)
		}
	}
	if f.exec.count() != 0 {
		t.Fatalf("rejected orders must not reach the dispatcher")
	}

	// Rejection is repeatable: resubmitting the same oversized order is
	// rejected again, not accumulated anywhere.
	d := f.gate.Submit(context.Background(), newOrder("a1", 500))
	if d.Accepted {
		t.Fatalf("resubmitted oversized order accepted")
	}
}

func TestSubmitEnforcesRateCeiling(t *testing.T) {
	f := newFixture(t, account.Account{
		ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100, MaxOrdersPerMinute: 2,
	})
	now := time.Unix(1700000000, 0)
	f.gate.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if d := f.gate.Submit(context.Background(), newOrder("a1", 50)); !d.Accepted {
			t.Fatalf("order %d: %+v", i, d)
		}
	}
	d := f.gate.Submit(context.Background(), newOrder("a1", 50))
	if d.Accepted || !strings.Contains(d.Reason, "rate ceiling") {
		t.Fatalf("third order inside window: %+v", d)
	}

	// Window slides: a minute later the account may trade again.
	now = now.Add(61 * time.Second)
	if d := f.gate.Submit(context.Background(), newOrder("a1", 50)); !d.Accepted {
		t.Fatalf("order after window slid: %+v", d)
	}
}

func TestSubmitQueuesApprovalUntilQuotaReleased(t *testing.T) {
	f := newFixture(t, account.Account{
		ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100, ApprovalQuota: 2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := f.gate.Submit(ctx, newOrder("a1", 50))
		if d.Accepted || d.State != db.OrderPendingApproval {
			t.Fatalf("order %d: %+v, want PENDING_APPROVAL", i, d)
		}
	}
	if f.exec.count() != 0 {
		t.Fatalf("queued orders must not reach the dispatcher before release")
	}
	if n, _ := f.gate.approvals.Count(ctx, "a1"); n != 2 {
		t.Fatalf("pending count = %d, want 2", n)
	}

	released, err := f.gate.Release(ctx, "a1", "operator", 5)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	if f.exec.count() != 2 {
		t.Fatalf("dispatched = %d, want 2", f.exec.count())
	}

	// Quota consumed: the next order flows straight through.
	d := f.gate.Submit(ctx, newOrder("a1", 50))
	if !d.Accepted || d.State != db.OrderFilled {
		t.Fatalf("post-quota order: %+v", d)
	}
}

func TestRejectDropsQueuedOrder(t *testing.T) {
	f := newFixture(t, account.Account{
		ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100, ApprovalQuota: 1,
	})
	ctx := context.Background()
	ord := newOrder("a1", 50)
	f.gate.Submit(ctx, ord)

	if err := f.gate.Reject(ctx, "a1", ord.ID, "operator"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if n, _ := f.gate.approvals.Count(ctx, "a1"); n != 0 {
		t.Fatalf("pending count after reject = %d", n)
	}
	if f.exec.count() != 0 {
		t.Fatalf("rejected approval must never dispatch")
	}

	// Quota is consumed only by release, so the next order queues too.
	d := f.gate.Submit(ctx, newOrder("a1", 50))
	if d.State != db.OrderPendingApproval {
		t.Fatalf("next order state = %s, want PENDING_APPROVAL", d.State)
	}
}

func TestSubmitSurfacesDispatchFailure(t *testing.T) {
	f := newFixture(t, account.Account{ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100})
	f.exec.err = errors.New("venue unreachable")
	f.exec.state = db.OrderFailed

	d := f.gate.Submit(context.Background(), newOrder("a1", 50))
	if d.Accepted || d.State != db.OrderFailed {
		t.Fatalf("decision = %+v, want FAILED", d)
	}
}

func TestRejectedOrdersAreAudited(t *testing.T) {
	f := newFixture(t, account.Account{ID: "a1", Live: true, MinOrderUSD: 10, MaxOrderUSD: 100})
	f.gate.Submit(context.Background(), newOrder("a1", 5000))

	// Recorder flushes on demand for the assertion.
	recs := auditRecords(t, f, "a1")
	var found bool
	for _, r := range recs {
		if r.Event == "gate.rejected" && strings.Contains(r.Outcome, "outside band") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no gate.rejected audit record, got %+v", recs)
	}
}

func auditRecords(t *testing.T, f *fixture, accountID string) []db.AuditRecord {
	t.Helper()
	if err := f.gate.audit.Flush(); err != nil {
		t.Fatalf("audit flush: %v", err)
	}
	recs, err := f.db.Queries().GetAuditByAccount(context.Background(), accountID, 50)
	if err != nil {
		t.Fatalf("GetAuditByAccount: %v", err)
	}
	return recs
}
