package loop

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"broker-core/internal/breaker"
	"broker-core/internal/ratelimit"
)

// Orchestrator owns one Loop per enabled account. Loops are started
// and stopped individually; stopping one never disturbs the others.
type Orchestrator struct {
	deps    Deps
	board   *breaker.Board
	baseCtx context.Context

	mu    sync.Mutex
	loops map[string]*running
}

type running struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(deps Deps, board *breaker.Board) *Orchestrator {
	return &Orchestrator{
		deps:  deps,
		board: board,
		loops: make(map[string]*running),
	}
}

// StartAll spawns a loop for every enabled account. ctx is the parent
// of every loop; cancelling it stops them all.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	var started int
	for _, acct := range o.deps.Registry.All() {
		if !acct.Enabled {
			continue
		}
		if err := o.Start(acct.ID); err != nil {
			return err
		}
		started++
	}
	log.Printf("orchestrator: %d account loops running", started)
	return nil
}

// Start spawns the loop for one account. Idempotent: starting a
// running loop is a no-op.
func (o *Orchestrator) Start(accountID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.baseCtx == nil {
		return fmt.Errorf("orchestrator: StartAll not called")
	}
	if _, ok := o.loops[accountID]; ok {
		return nil
	}
	if _, ok := o.deps.Registry.Get(accountID); !ok {
		return fmt.Errorf("orchestrator: unknown account %s", accountID)
	}

	l := NewLoop(accountID, o.deps)
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &running{loop: l, cancel: cancel, done: make(chan struct{})}
	o.loops[accountID] = r

	go func() {
		defer close(r.done)
		l.Run(ctx)
	}()
	log.Printf("orchestrator: loop started for %s", accountID)
	return nil
}

// Stop cancels one account's loop and waits for it to exit. Other
// loops keep trading.
func (o *Orchestrator) Stop(accountID string) error {
	o.mu.Lock()
	r, ok := o.loops[accountID]
	if ok {
		delete(o.loops, accountID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no running loop for %s", accountID)
	}
	r.cancel()
	<-r.done
	log.Printf("orchestrator: loop stopped for %s", accountID)
	return nil
}

// StopAll cancels every loop and waits up to grace for in-flight work
// to drain. Returns false if the deadline passed with loops still
// running.
func (o *Orchestrator) StopAll(grace time.Duration) bool {
	o.mu.Lock()
	stopping := make([]*running, 0, len(o.loops))
	for id, r := range o.loops {
		r.cancel()
		stopping = append(stopping, r)
		delete(o.loops, id)
	}
	o.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, r := range stopping {
		select {
		case <-r.done:
		case <-deadline.C:
			log.Printf("orchestrator: shutdown grace %v expired with loops still draining", grace)
			return false
		}
	}
	return true
}

// AccountStatus is the per-account slice of the aggregate status.
type AccountStatus struct {
	Loop           Status            `json:"loop"`
	Running        bool              `json:"running"`
	BrokerHealth   map[string]int    `json:"broker_health"`
	BrokerCircuits map[string]string `json:"broker_circuits"`
}

// Snapshot aggregates per-account loop state with the shared broker
// controls; this is the view the status API serves.
type Snapshot struct {
	Accounts  map[string]AccountStatus     `json:"accounts"`
	Breakers  map[string]breaker.Status    `json:"breakers"`
	Governors map[string]ratelimit.Status  `json:"governors"`
	Time      time.Time                    `json:"time"`
}

func (o *Orchestrator) Status() Snapshot {
	breakers := o.board.Snapshot()
	governors := o.deps.Governor.Snapshot()

	o.mu.Lock()
	runningLoops := make(map[string]*running, len(o.loops))
	for id, r := range o.loops {
		runningLoops[id] = r
	}
	o.mu.Unlock()

	snap := Snapshot{
		Accounts:  make(map[string]AccountStatus),
		Breakers:  breakers,
		Governors: governors,
		Time:      time.Now(),
	}
	for _, acct := range o.deps.Registry.All() {
		st := AccountStatus{
			Loop:           Status{AccountID: acct.ID, State: StateStopped},
			BrokerHealth:   make(map[string]int),
			BrokerCircuits: make(map[string]string),
		}
		if r, ok := runningLoops[acct.ID]; ok {
			st.Loop = r.loop.Status()
			st.Running = true
		}
		for _, name := range acct.Candidates() {
			if g, ok := governors[name]; ok {
				st.BrokerHealth[name] = g.Health
			}
			if b, ok := breakers[name]; ok {
				st.BrokerCircuits[name] = b.State
			}
		}
		snap.Accounts[acct.ID] = st
	}
	return snap
}

// StatusFor returns one account's slice of the snapshot.
func (o *Orchestrator) StatusFor(accountID string) (AccountStatus, bool) {
	snap := o.Status()
	st, ok := snap.Accounts[accountID]
	return st, ok
}
