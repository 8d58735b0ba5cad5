// Package ratelimit paces outbound broker calls per (broker, endpoint class)
// and adapts throughput to recent call health.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class partitions a broker's endpoints by their rate-limit contract.
type Class string

const (
	ClassOrders  Class = "orders"
	ClassAccount Class = "account"
	ClassMarket  Class = "market" // bulk list/candle endpoints
)

// Outcome classifies a finished broker call for health accounting.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure           // timeout / 5xx
	OutcomeThrottled         // explicit rate-limit or forbidden response
)

// Health score adjustments; clamped to [0,100].
const (
	healthMax          = 100
	healthMin          = 0
	successBonus       = 2
	failurePenalty     = 10
	throttledPenalty   = 25
	lowHealthBand      = 50
	mediumHealthBand   = 80
	lowThroughputScale = 0.25
	midThroughputScale = 0.5
)

// Spec is one endpoint-class ceiling.
type Spec struct {
	PerSec float64
	Burst  int
}

// Limits hold the full rate-budget configuration for one broker family.
type Limits struct {
	Orders  Spec
	Account Spec
	Market  Spec

	MinBatch int
	MidBatch int
	MaxBatch int

	BulkCooldown time.Duration
}

// Status is a point-in-time view for the status API.
type Status struct {
	Health    int `json:"health"`
	BatchSize int `json:"batch_size"`
}

type budget struct {
	limiter *rate.Limiter
	full    rate.Limit
}

// Governor owns per-(broker, class) token limiters and a per-broker health
// score. State is shared by every account loop trading through a broker
// family; all access goes through the Governor's lock.
type Governor struct {
	mu      sync.RWMutex
	budgets map[string]map[Class]*budget
	health  map[string]int
	limits  map[string]Limits
}

// NewGovernor creates an empty governor; brokers are registered at startup.
func NewGovernor() *Governor {
	return &Governor{
		budgets: make(map[string]map[Class]*budget),
		health:  make(map[string]int),
		limits:  make(map[string]Limits),
	}
}

// Register installs the rate budget for one broker family. Health starts at
// the maximum.
func (g *Governor) Register(broker string, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.budgets[broker] = map[Class]*budget{
		ClassOrders:  newBudget(limits.Orders),
		ClassAccount: newBudget(limits.Account),
		ClassMarket:  newBudget(limits.Market),
	}
	g.health[broker] = healthMax
	g.limits[broker] = limits
}

func newBudget(s Spec) *budget {
	if s.PerSec <= 0 {
		s.PerSec = 1
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return &budget{limiter: rate.NewLimiter(rate.Limit(s.PerSec), s.Burst), full: rate.Limit(s.PerSec)}
}

// Wait blocks until the class budget admits one request or the context
// deadline would be exceeded, in which case it returns the limiter error
// without consuming a token. Callers must never busy-poll around this.
func (g *Governor) Wait(ctx context.Context, broker string, class Class) error {
	g.mu.RLock()
	b, ok := g.budgets[broker]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ratelimit: broker %q not registered", broker)
	}
	return b[class].limiter.Wait(ctx)
}

// Reserve reports how long the next request on the class budget would block,
// without sleeping and without consuming a token. Callers with a hard
// deadline check this before committing to Wait.
func (g *Governor) Reserve(broker string, class Class) time.Duration {
	g.mu.RLock()
	b, ok := g.budgets[broker]
	g.mu.RUnlock()
	if !ok {
		return 0
	}
	r := b[class].limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}

// RecordOutcome folds one finished call into the broker's health score and
// rescales the effective throughput when the health band changes.
func (g *Governor) RecordOutcome(broker string, class Class, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.health[broker]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		h += successBonus
	case OutcomeFailure:
		h -= failurePenalty
	case OutcomeThrottled:
		h -= throttledPenalty
	}
	if h > healthMax {
		h = healthMax
	}
	if h < healthMin {
		h = healthMin
	}
	g.health[broker] = h

	scale := throughputScale(h)
	for _, b := range g.budgets[broker] {
		b.limiter.SetLimit(b.full * rate.Limit(scale))
	}
}

func throughputScale(health int) float64 {
	switch {
	case health < lowHealthBand:
		return lowThroughputScale
	case health <= mediumHealthBand:
		return midThroughputScale
	default:
		return 1.0
	}
}

// BatchSize recommends how many symbols a bulk scan may cover right now.
func (g *Governor) BatchSize(broker string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	limits, ok := g.limits[broker]
	if !ok {
		return 1
	}
	switch h := g.health[broker]; {
	case h < lowHealthBand:
		return limits.MinBatch
	case h <= mediumHealthBand:
		return limits.MidBatch
	default:
		return limits.MaxBatch
	}
}

// MinBatch returns the configured floor, the warm-up starting point for a
// fresh trading loop.
func (g *Governor) MinBatch(broker string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limits, ok := g.limits[broker]; ok {
		return limits.MinBatch
	}
	return 1
}

// BulkCooldown returns the mandatory pause after a bulk market-class call,
// so the next cycle does not open with a burst penalty.
func (g *Governor) BulkCooldown(broker string) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits[broker].BulkCooldown
}

// Health returns the current score for one broker.
func (g *Governor) Health(broker string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health[broker]
}

// Snapshot returns per-broker status for reporting.
func (g *Governor) Snapshot() map[string]Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]Status, len(g.health))
	for broker, h := range g.health {
		limits := g.limits[broker]
		batch := limits.MaxBatch
		switch {
		case h < lowHealthBand:
			batch = limits.MinBatch
		case h <= mediumHealthBand:
			batch = limits.MidBatch
		}
		out[broker] = Status{Health: h, BatchSize: batch}
	}
	return out
}
