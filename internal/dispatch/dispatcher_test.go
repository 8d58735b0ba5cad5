package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/breaker"
	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/internal/nonce"
	"broker-core/internal/ratelimit"
	"broker-core/pkg/broker"
	"broker-core/pkg/db"
)

type paperSource struct {
	paper *broker.Paper
}

func (s *paperSource) Client(account.Account, account.Broker) (broker.Client, error) {
	return s.paper, nil
}

type fixture struct {
	d      *Dispatcher
	paper  *broker.Paper
	board  *breaker.Board
	gov    *ratelimit.Governor
	m      *monitor.ExecMetrics
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
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

	reg := account.NewRegistry(&account.ConfigFile{
		Accounts: []account.Account{{ID: "a1", Broker: "alpha", Live: true}},
		Brokers:  []account.Broker{{Name: "alpha"}},
	})
	f := &fixture{
		paper: broker.NewPaper("alpha", 1_000_000),
		board: breaker.NewBoard(),
		gov:   ratelimit.NewGovernor(),
		m:     monitor.NewExecMetrics(),
	}
	f.board.Register("alpha", breaker.Config{FailureThreshold: 3, BaseCooldown: time.Minute})
	f.gov.Register("alpha", ratelimit.Limits{
		Orders:   ratelimit.Spec{PerSec: 1000, Burst: 1000},
		MinBatch: 1, MidBatch: 2, MaxBatch: 4,
	})
	f.d = New(reg, &paperSource{paper: f.paper}, f.board, f.gov, nonce.New(), rec, events.NewBus(), f.m)
	f.d.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func order() db.Order {
	return db.Order{
		ID: "ord-1", AccountID: "a1", Broker: "alpha",
		Symbol: "BTC/USD", Side: "BUY", Notional: 100,
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	state, err := f.d.Execute(context.Background(), order())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != db.OrderFilled {
		t.Fatalf("state = %s, want FILLED", state)
	}
	if f.gov.Health("alpha") != 100 {
		t.Fatalf("health = %d, success should not lower it", f.gov.Health("alpha"))
	}
	snap := f.m.GetSnapshot()
	if snap.OrdersSubmitted != 1 || snap.OrdersFilled != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.paper.FailNext(&broker.Error{Kind: broker.KindTransient, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("blip")})
	f.paper.FailNext(&broker.Error{Kind: broker.KindTransient, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("blip")})

	state, err := f.d.Execute(context.Background(), order())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != db.OrderFilled {
		t.Fatalf("state = %s", state)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("backoffs = %v, want 2", f.sleeps)
	}
	if f.sleeps[0] != 250*time.Millisecond || f.sleeps[1] != 500*time.Millisecond {
		t.Fatalf("backoff progression = %v", f.sleeps)
	}
	if h := f.gov.Health("alpha"); h != 82 {
		// 100 -10 -10 +2
		t.Fatalf("health = %d, want 82", h)
	}
}

func TestExecuteBoundedRetries(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.paper.FailNext(&broker.Error{Kind: broker.KindTransient, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("down")})
	}
	state, err := f.d.Execute(context.Background(), order())
	if err == nil {
		t.Fatalf("expected failure")
	}
	if state != db.OrderFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	// 1 initial attempt + 2 retries, never more.
	if len(f.sleeps) != 2 {
		t.Fatalf("retries = %d, want 2", len(f.sleeps))
	}
}

func TestExecuteThrottledTripsImmediately(t *testing.T) {
	f := newFixture(t)
	f.paper.FailNext(&broker.Error{Kind: broker.KindThrottled, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("429")})

	state, err := f.d.Execute(context.Background(), order())
	if state != db.OrderFailed || err == nil {
		t.Fatalf("state = %s err = %v", state, err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("throttle must not be retried, got backoffs %v", f.sleeps)
	}
	if !f.board.IsOpen("alpha") {
		t.Fatalf("hard failure should trip the breaker")
	}
	if h := f.gov.Health("alpha"); h != 75 {
		t.Fatalf("health = %d, want 75 after throttle penalty", h)
	}
}

func TestExecuteValidationRejectsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.paper.FailNext(&broker.Error{Kind: broker.KindValidation, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("bad size")})

	state, err := f.d.Execute(context.Background(), order())
	if state != db.OrderRejected || err == nil {
		t.Fatalf("state = %s err = %v", state, err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("validation must not be retried")
	}
	if f.board.IsOpen("alpha") {
		t.Fatalf("validation must not trip the breaker")
	}
}

func TestExecuteAbortsWhenCircuitOpen(t *testing.T) {
	f := newFixture(t)
	f.board.Register("alpha", breaker.Config{FailureThreshold: 1, BaseCooldown: time.Hour})
	f.board.RecordFailure("alpha", breaker.SeverityOrdinary)

	state, err := f.d.Execute(context.Background(), order())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if state != db.OrderFailed {
		t.Fatalf("state = %s", state)
	}
	if got := len(f.paper.Filled()); got != 0 {
		t.Fatalf("venue reached while circuit open")
	}
}

func TestExecuteIssuesNonceOnlyWhenRequired(t *testing.T) {
	f := newFixture(t)
	if _, err := f.d.Execute(context.Background(), order()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Paper venue does not authenticate with nonces.
	if issued := f.d.nonces.Issued(); issued != 0 {
		t.Fatalf("issued = %d nonces for a nonce-free venue", issued)
	}
}

func TestCancelAllOpenClearsRestingOrders(t *testing.T) {
	f := newFixture(t)
	f.paper.Rest(broker.OrderRequest{OrderID: "ord-9", Symbol: "BTC/USD", Side: broker.SideBuy, Notional: 100})

	acct := account.Account{ID: "a1", Broker: "alpha", Live: true}
	if err := f.d.CancelAllOpen(context.Background(), acct); err != nil {
		t.Fatalf("CancelAllOpen: %v", err)
	}
	if n := f.paper.RestingOrders(); n != 0 {
		t.Fatalf("resting orders = %d, want 0", n)
	}

	// Paper accounts are skipped entirely.
	f.paper.Rest(broker.OrderRequest{OrderID: "ord-10", Side: broker.SideSell, Notional: 50})
	if err := f.d.CancelAllOpen(context.Background(), account.Account{ID: "a1", Broker: "alpha"}); err != nil {
		t.Fatalf("CancelAllOpen on non-live account: %v", err)
	}
	if n := f.paper.RestingOrders(); n != 1 {
		t.Fatalf("non-live cancel touched the venue: resting = %d", n)
	}
}
