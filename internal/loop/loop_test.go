package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/breaker"
	"broker-core/internal/dispatch"
	"broker-core/internal/eligibility"
	"broker-core/internal/events"
	"broker-core/internal/gate"
	"broker-core/internal/monitor"
	"broker-core/internal/nonce"
	"broker-core/internal/ratelimit"
	"broker-core/internal/strategy"
	"broker-core/pkg/broker"
	"broker-core/pkg/db"
)

// manualSched lets tests fire loop ticks by hand.
type manualSched struct{ ch chan time.Time }

func newManualSched() *manualSched           { return &manualSched{ch: make(chan time.Time)} }
func (m *manualSched) Tick() <-chan time.Time { return m.ch }
func (m *manualSched) Stop()                  {}

// scriptProvider returns fixed signals and records the symbol batches
// it was asked for.
type scriptProvider struct {
	mu      sync.Mutex
	batches [][]string
	signals map[string][]strategy.Signal // per account
	errs    map[string]error
}

func (p *scriptProvider) Signals(_ context.Context, accountID string, symbols []string) ([]strategy.Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, symbols)
	if err := p.errs[accountID]; err != nil {
		return nil, err
	}
	return p.signals[accountID], nil
}

func (p *scriptProvider) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.batches))
	for i, b := range p.batches {
		out[i] = len(b)
	}
	return out
}

type paperSource struct {
	mu     sync.Mutex
	papers map[string]*broker.Paper
}

func (s *paperSource) Client(_ account.Account, brk account.Broker) (broker.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[brk.Name]
	if !ok {
		p = broker.NewPaper(brk.Name, 10_000)
		s.papers[brk.Name] = p
	}
	return p, nil
}

type harness struct {
	orch    *Orchestrator
	papers  *paperSource
	board   *breaker.Board
	gov     *ratelimit.Governor
	prov    *scriptProvider
	metrics *monitor.ExecMetrics
	cancel  context.CancelFunc

	mu     sync.Mutex
	scheds map[string]*manualSched
}

// sched returns the per-account manual scheduler, creating it lazily.
func (h *harness) sched(accountID string) *manualSched {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scheds[accountID]
	if !ok {
		s = newManualSched()
		h.scheds[accountID] = s
	}
	return s
}

// tickAndWait fires one tick for the account and waits for it to
// complete.
func (h *harness) tickAndWait(t *testing.T, accountID string, tick uint64) Status {
	t.Helper()
	h.sched(accountID).ch <- time.Now()
	return h.waitIdle(t, accountID, tick)
}

func buySignal(n float64) []strategy.Signal {
	return []strategy.Signal{{Symbol: "BTC/USD", Side: strategy.SideBuy, Notional: n}}
}

func newHarness(t *testing.T, accts []account.Account, brokers []account.Broker) *harness {
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

	reg := account.NewRegistry(&account.ConfigFile{Accounts: accts, Brokers: brokers})
	board := breaker.NewBoard()
	gov := ratelimit.NewGovernor()
	for _, b := range brokers {
		board.Register(b.Name, breaker.Config{
			FailureThreshold: b.FailureThreshold,
			BaseCooldown:     b.BaseCooldown,
			HardCooldown:     b.HardCooldown,
		})
		gov.Register(b.Name, ratelimit.Limits{
			Orders:   ratelimit.Spec{PerSec: 1000, Burst: 1000},
			Account:  ratelimit.Spec{PerSec: 1000, Burst: 1000},
			Market:   ratelimit.Spec{PerSec: 1000, Burst: 1000},
			MinBatch: b.MinBatch, MidBatch: b.MidBatch, MaxBatch: b.MaxBatch,
		})
	}

	h := &harness{
		scheds:  make(map[string]*manualSched),
		papers:  &paperSource{papers: make(map[string]*broker.Paper)},
		board:   board,
		gov:     gov,
		metrics: monitor.NewExecMetrics(),
		prov: &scriptProvider{
			signals: make(map[string][]strategy.Signal),
			errs:    make(map[string]error),
		},
	}

	bus := events.NewBus()
	sel := eligibility.NewSelector(reg, h.papers, board)
	disp := dispatch.New(reg, h.papers, board, gov, nonce.New(), rec, bus, h.metrics)
	g := gate.New(reg, database.Queries(), gate.NewApprovalQueue(database.Queries()), disp, rec, bus)

	h.orch = NewOrchestrator(Deps{
		Registry:  reg,
		Selector:  sel,
		Provider:  h.prov,
		Gate:      g,
		Governor:  gov,
		Audit:     rec,
		Bus:       bus,
		Metrics:   h.metrics,
		Interval:  time.Hour,
		Scheduler: func(accountID string, _ time.Duration) Scheduler { return h.sched(accountID) },
	}, board)
	return h
}

// start launches every loop; call it only after the provider and paper
// venues are configured so first ticks see the scripted behavior.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(func() {
		cancel()
		h.orch.StopAll(2 * time.Second)
	})
	if err := h.orch.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitIdle(t *testing.T, accountID string, minTicks uint64) Status {
	t.Helper()
	var st Status
	waitFor(t, "loop "+accountID+" idle", func() bool {
		s, ok := h.orch.StatusFor(accountID)
		if !ok || !s.Running {
			return false
		}
		st = s.Loop
		return st.Ticks >= minTicks && st.State == StateIdle
	})
	return st
}

func testAccount(id string) account.Account {
	return account.Account{
		ID: id, Broker: "alpha", Enabled: true, Live: true,
		MinBalance: 100, MinOrderUSD: 10, MaxOrderUSD: 100,
		Symbols: []string{"BTC/USD", "ETH/USD"},
	}
}

func testBroker() account.Broker {
	return account.Broker{
		Name: "alpha", FailureThreshold: 3,
		BaseCooldown: time.Hour, HardCooldown: time.Hour,
		MinBatch: 1, MidBatch: 2, MaxBatch: 4,
		BalanceTimeout: time.Second,
	}
}

func TestLoopExecutesSignalsThroughGate(t *testing.T) {
	h := newHarness(t, []account.Account{testAccount("a1")}, []account.Broker{testBroker()})
	h.prov.signals["a1"] = buySignal(50)
	h.start(t)

	st := h.waitIdle(t, "a1", 1)
	if !strings.Contains(st.LastOutcome, "1 accepted") {
		t.Fatalf("outcome = %q", st.LastOutcome)
	}
	h.papers.mu.Lock()
	p := h.papers.papers["alpha"]
	h.papers.mu.Unlock()
	if got := len(p.Filled()); got != 1 {
		t.Fatalf("filled = %d, want 1", got)
	}
}

func TestLoopIdlesWhenNoEligibleBroker(t *testing.T) {
	acct := testAccount("a1")
	acct.MinBalance = 1_000_000 // paper starts at 10k
	h := newHarness(t, []account.Account{acct}, []account.Broker{testBroker()})
	h.prov.signals["a1"] = buySignal(50)
	h.start(t)

	st := h.waitIdle(t, "a1", 1)
	if !strings.Contains(st.LastOutcome, "no eligible broker") {
		t.Fatalf("outcome = %q", st.LastOutcome)
	}
}

func TestHardThrottleObservedBySiblingAccount(t *testing.T) {
	h := newHarness(t,
		[]account.Account{testAccount("a1"), testAccount("a2")},
		[]account.Broker{testBroker()},
	)
	h.prov.signals["a1"] = buySignal(50)
	h.prov.signals["a2"] = buySignal(50)

	// The first order placed on alpha hits a hard throttle and trips
	// the shared breaker.
	p := broker.NewPaper("alpha", 10_000)
	p.FailNext(&broker.Error{Kind: broker.KindThrottled, Venue: "alpha", Op: "PlaceOrder", Err: errors.New("429")})
	h.papers.papers["alpha"] = p
	h.start(t)

	waitFor(t, "breaker open", func() bool { return h.board.IsOpen("alpha") })
	h.waitIdle(t, "a1", 1)
	h.waitIdle(t, "a2", 1)

	// Next tick: both accounts see the shared open circuit.
	st1 := h.tickAndWait(t, "a1", 2)
	st2 := h.tickAndWait(t, "a2", 2)
	combined := st1.LastOutcome + " " + st2.LastOutcome
	if !strings.Contains(combined, "circuit open") {
		t.Fatalf("no loop observed the open circuit: %q / %q", st1.LastOutcome, st2.LastOutcome)
	}
	// Both loops are still alive; a tripped broker never kills a loop.
	for _, id := range []string{"a1", "a2"} {
		if s, ok := h.orch.StatusFor(id); !ok || !s.Running {
			t.Fatalf("loop %s not running after trip", id)
		}
	}
}

func TestAccountFailureIsolation(t *testing.T) {
	h := newHarness(t,
		[]account.Account{testAccount("a1"), testAccount("a2")},
		[]account.Broker{testBroker()},
	)
	h.prov.errs["a1"] = errors.New("model exploded")
	h.prov.signals["a2"] = buySignal(50)
	h.start(t)

	st1 := h.waitIdle(t, "a1", 1)
	st2 := h.waitIdle(t, "a2", 1)
	if !strings.Contains(st1.LastOutcome, "strategy error") {
		t.Fatalf("a1 outcome = %q", st1.LastOutcome)
	}
	if !strings.Contains(st2.LastOutcome, "1 accepted") {
		t.Fatalf("a2 outcome = %q; a1's failure must not leak", st2.LastOutcome)
	}
}

func TestBatchWarmsUpTowardGovernorTarget(t *testing.T) {
	acct := testAccount("a1")
	acct.Symbols = []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	h := newHarness(t, []account.Account{acct}, []account.Broker{testBroker()})
	h.start(t)

	h.waitIdle(t, "a1", 1)
	for tick := uint64(2); tick <= 4; tick++ {
		h.tickAndWait(t, "a1", tick)
	}
	sizes := h.prov.batchSizes()
	want := []int{1, 2, 4, 4} // min, doubling, capped at healthy max
	if len(sizes) < len(want) {
		t.Fatalf("batches = %v", sizes)
	}
	for i, w := range want {
		if sizes[i] != w {
			t.Fatalf("batch %d = %d, want %d (all: %v)", i, sizes[i], w, sizes)
		}
	}
}

func TestOrchestratorStopIsolatesOneLoop(t *testing.T) {
	h := newHarness(t,
		[]account.Account{testAccount("a1"), testAccount("a2")},
		[]account.Broker{testBroker()},
	)
	h.start(t)
	h.waitIdle(t, "a1", 1)
	h.waitIdle(t, "a2", 1)

	if err := h.orch.Stop("a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s, ok := h.orch.StatusFor("a1"); !ok || s.Running {
		t.Fatalf("a1 still reported running")
	}
	if s, ok := h.orch.StatusFor("a2"); !ok || !s.Running {
		t.Fatalf("a2 should be untouched")
	}

	// Restart is allowed.
	if err := h.orch.Start("a1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitIdle(t, "a1", 1)
}

func TestOrchestratorSkipsDisabledAccounts(t *testing.T) {
	disabled := testAccount("a2")
	disabled.Enabled = false
	h := newHarness(t, []account.Account{testAccount("a1"), disabled}, []account.Broker{testBroker()})
	h.start(t)

	h.waitIdle(t, "a1", 1)
	if s, ok := h.orch.StatusFor("a2"); !ok || s.Running {
		t.Fatalf("disabled account must not get a loop")
	}
}

func TestStopAllDrainsWithinGrace(t *testing.T) {
	h := newHarness(t, []account.Account{testAccount("a1")}, []account.Broker{testBroker()})
	h.start(t)
	h.waitIdle(t, "a1", 1)

	if ok := h.orch.StopAll(2 * time.Second); !ok {
		t.Fatalf("StopAll did not drain within grace")
	}
	if s, ok := h.orch.StatusFor("a1"); !ok || s.Running {
		t.Fatalf("loop reported running after StopAll")
	}
}

func TestStatusAggregatesBrokerControls(t *testing.T) {
	h := newHarness(t, []account.Account{testAccount("a1")}, []account.Broker{testBroker()})
	h.prov.signals["a1"] = buySignal(50)
	h.start(t)
	h.waitIdle(t, "a1", 1)

	snap := h.orch.Status()
	st, ok := snap.Accounts["a1"]
	if !ok {
		t.Fatalf("no a1 in snapshot")
	}
	if st.BrokerHealth["alpha"] == 0 {
		t.Fatalf("health missing: %+v", st)
	}
	if st.BrokerCircuits["alpha"] != "CLOSED" {
		t.Fatalf("circuit = %q", st.BrokerCircuits["alpha"])
	}
	if _, ok := snap.Breakers["alpha"]; !ok {
		t.Fatalf("breaker snapshot missing alpha")
	}
}
