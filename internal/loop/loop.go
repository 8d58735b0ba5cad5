// Package loop runs one independent trading cycle per account and the
// orchestrator that owns the set. A loop never shares mutable state
// with its siblings; coordination happens only through the per-broker
// governor and breaker board.
package loop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/eligibility"
	"broker-core/internal/events"
	"broker-core/internal/gate"
	"broker-core/internal/monitor"
	"broker-core/internal/ratelimit"
	"broker-core/internal/strategy"
	"broker-core/pkg/db"
)

// State is the loop's lifecycle phase.
type State string

const (
	StateIdle      State = "IDLE"
	StateScanning  State = "SCANNING"
	StateExecuting State = "EXECUTING"
	StateStopped   State = "STOPPED"
)

// Submitter accepts orders from the loop; satisfied by
// *gate.SafetyGate.
type Submitter interface {
	Submit(ctx context.Context, ord db.Order) gate.Decision
}

// Scheduler paces loop ticks; injectable so tests drive time manually.
type Scheduler interface {
	Tick() <-chan time.Time
	Stop()
}

type tickerScheduler struct{ t *time.Ticker }

func (s tickerScheduler) Tick() <-chan time.Time { return s.t.C }
func (s tickerScheduler) Stop()                  { s.t.Stop() }

// NewTickerScheduler is the production scheduler.
func NewTickerScheduler(interval time.Duration) Scheduler {
	return tickerScheduler{t: time.NewTicker(interval)}
}

// Deps are the collaborators every loop shares.
type Deps struct {
	Registry  *account.Registry
	Selector  *eligibility.Selector
	Provider  strategy.Provider
	Gate      Submitter
	Governor  *ratelimit.Governor
	Audit     *audit.Recorder
	Bus       *events.Bus
	Metrics   *monitor.ExecMetrics
	Interval  time.Duration
	Scheduler func(accountID string, interval time.Duration) Scheduler
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Status is a point-in-time view of one loop.
type Status struct {
	AccountID   string    `json:"account_id"`
	State       State     `json:"state"`
	LastTick    time.Time `json:"last_tick"`
	LastOutcome string    `json:"last_outcome"`
	BatchSize   int       `json:"batch_size"`
	Broker      string    `json:"broker"`
	Ticks       uint64    `json:"ticks"`
}

// Loop is one account's trading cycle.
type Loop struct {
	accountID string
	deps      Deps

	mu     sync.Mutex
	status Status
	batch  int
	cursor int // rotates through the account's symbols
}

func NewLoop(accountID string, deps Deps) *Loop {
	if deps.Interval <= 0 {
		deps.Interval = 2 * time.Minute
	}
	if deps.Scheduler == nil {
		deps.Scheduler = func(_ string, interval time.Duration) Scheduler {
			return NewTickerScheduler(interval)
		}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Loop{
		accountID: accountID,
		deps:      deps,
		status:    Status{AccountID: accountID, State: StateIdle},
	}
}

// Run blocks until ctx is cancelled. One tick fires immediately so a
// fresh loop does not sit idle for a full interval.
func (l *Loop) Run(ctx context.Context) {
	sched := l.deps.Scheduler(l.accountID, l.deps.Interval)
	defer sched.Stop()
	defer l.setState(StateStopped, "stopped")

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sched.Tick():
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.status.State = StateScanning
	l.status.LastTick = time.Now()
	l.status.Ticks++
	l.mu.Unlock()

	l.deps.Metrics.IncrementTicks()
	l.deps.Bus.Publish(events.EventLoopTick, l.accountID)

	acct, ok := l.deps.Registry.Get(l.accountID)
	if !ok || !acct.Enabled {
		l.setState(StateIdle, "account disabled")
		return
	}

	timer := monitor.NewTimer(l.deps.Metrics.BalanceLatency)
	choice, reasons := l.deps.Selector.Select(ctx, acct)
	timer.Stop()
	if choice == nil {
		outcome := "no eligible broker: " + strings.Join(reasons, "; ")
		log.Printf("loop %s: %s", l.accountID, outcome)
		l.deps.Audit.Record(l.accountID, "loop.no_broker", "", outcome, reasons)
		l.setState(StateIdle, outcome)
		return
	}
	brokerName := choice.Broker.Name
	l.mu.Lock()
	l.status.Broker = brokerName
	l.mu.Unlock()

	symbols := l.nextSymbols(acct, l.deps.Governor.BatchSize(brokerName), l.deps.Governor.MinBatch(brokerName))
	if len(symbols) == 0 {
		l.setState(StateIdle, "no symbols configured")
		return
	}

	// Signal fetch is a market-class bulk call: pace it through the
	// governor and respect the mandatory post-bulk cooldown.
	if err := l.deps.Governor.Wait(ctx, brokerName, ratelimit.ClassMarket); err != nil {
		l.setState(StateIdle, "market budget: "+err.Error())
		return
	}
	timer = monitor.NewTimer(l.deps.Metrics.StrategyLatency)
	signals, err := l.deps.Provider.Signals(ctx, l.accountID, symbols)
	timer.Stop()
	if cooldown := l.deps.Governor.BulkCooldown(brokerName); cooldown > 0 {
		if serr := l.deps.Sleep(ctx, cooldown); serr != nil {
			l.setState(StateIdle, "cancelled during cooldown")
			return
		}
	}
	if err != nil {
		log.Printf("loop %s: strategy: %v", l.accountID, err)
		l.setState(StateIdle, "strategy error: "+err.Error())
		return
	}
	if len(signals) == 0 {
		l.setState(StateIdle, "no signals")
		return
	}

	l.setState(StateExecuting, "")
	var accepted, blocked int
	for _, sig := range signals {
		if ctx.Err() != nil {
			break
		}
		l.deps.Metrics.IncrementSignals()
		ord := db.Order{
			ID:        uuid.NewString(),
			AccountID: l.accountID,
			Broker:    brokerName,
			Symbol:    sig.Symbol,
			Side:      string(sig.Side),
			Notional:  sig.Notional,
			CreatedAt: time.Now().UTC(),
		}
		d := l.deps.Gate.Submit(ctx, ord)
		if d.Accepted {
			accepted++
		} else {
			blocked++
		}
	}
	l.setState(StateIdle, outcomeSummary(brokerName, accepted, blocked))
}

// nextSymbols returns the adaptively-sized symbol window. The batch
// warms up from the governor minimum, doubling each healthy tick, and
// shrinks immediately when the health band drops.
func (l *Loop) nextSymbols(acct account.Account, target, min int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if min < 1 {
		min = 1
	}
	switch {
	case l.batch == 0:
		l.batch = min
	case l.batch < target:
		l.batch *= 2
	}
	if l.batch > target && target > 0 {
		l.batch = target
	}
	l.status.BatchSize = l.batch

	n := len(acct.Symbols)
	if n == 0 {
		return nil
	}
	count := l.batch
	if count > n {
		count = n
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, acct.Symbols[(l.cursor+i)%n])
	}
	l.cursor = (l.cursor + count) % n
	return out
}

func (l *Loop) setState(s State, outcome string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.State = s
	if outcome != "" {
		l.status.LastOutcome = outcome
	}
}

// Status returns a copy of the loop's current status.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func outcomeSummary(broker string, accepted, blocked int) string {
	return fmt.Sprintf("via %s: %d accepted, %d blocked", broker, accepted, blocked)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
