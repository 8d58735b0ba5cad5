package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		Orders:       Spec{PerSec: 100, Burst: 1},
		Account:      Spec{PerSec: 100, Burst: 1},
		Market:       Spec{PerSec: 100, Burst: 2},
		MinBatch:     2,
		MidBatch:     5,
		MaxBatch:     10,
		BulkCooldown: 50 * time.Millisecond,
	}
}

func TestBatchSizeFollowsHealthBands(t *testing.T) {
	g := NewGovernor()
	g.Register("krakenlike", testLimits())

	if got := g.BatchSize("krakenlike"); got != 10 {
		t.Fatalf("healthy batch=%d, want max 10", got)
	}

	// Two throttled outcomes: 100 -> 75 -> 50, inside the medium band.
	g.RecordOutcome("krakenlike", ClassMarket, OutcomeThrottled)
	g.RecordOutcome("krakenlike", ClassMarket, OutcomeThrottled)
	if h := g.Health("krakenlike"); h != 50 {
		t.Fatalf("health=%d, want 50", h)
	}
	if got := g.BatchSize("krakenlike"); got != 5 {
		t.Fatalf("medium batch=%d, want mid 5", got)
	}

	// One more ordinary failure drops below 50: minimum batch.
	g.RecordOutcome("krakenlike", ClassMarket, OutcomeFailure)
	if got := g.BatchSize("krakenlike"); got != 2 {
		t.Fatalf("degraded batch=%d, want min 2", got)
	}
}

func TestHealthRecoversToMaxBatch(t *testing.T) {
	g := NewGovernor()
	g.Register("krakenlike", testLimits())

	for i := 0; i < 5; i++ {
		g.RecordOutcome("krakenlike", ClassOrders, OutcomeThrottled)
	}
	if h := g.Health("krakenlike"); h != 0 {
		t.Fatalf("health=%d, want floor 0", h)
	}

	// 41 successes: 0 + 41*2 = 82 > 80, back to the full band.
	for i := 0; i < 41; i++ {
		g.RecordOutcome("krakenlike", ClassOrders, OutcomeSuccess)
	}
	if got := g.BatchSize("krakenlike"); got != 10 {
		t.Fatalf("recovered batch=%d, want max 10", got)
	}

	// Bonus is clamped at 100.
	for i := 0; i < 50; i++ {
		g.RecordOutcome("krakenlike", ClassOrders, OutcomeSuccess)
	}
	if h := g.Health("krakenlike"); h != 100 {
		t.Fatalf("health=%d, want ceiling 100", h)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	g := NewGovernor()
	limits := testLimits()
	limits.Orders = Spec{PerSec: 0.5, Burst: 1} // one token, two seconds to refill
	g.Register("slow", limits)

	ctx := context.Background()
	if err := g.Wait(ctx, "slow", ClassOrders); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	// Budget exhausted: a short deadline must fail fast, not block.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := g.Wait(short, "slow", ClassOrders)
	if err == nil {
		t.Fatalf("Wait succeeded despite exhausted budget and short deadline")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Wait blocked %v instead of failing fast", elapsed)
	}
}

func TestWaitUnknownBroker(t *testing.T) {
	g := NewGovernor()
	if err := g.Wait(context.Background(), "ghost", ClassOrders); err == nil {
		t.Fatalf("expected error for unregistered broker")
	}
}

func TestBulkCooldownConfigured(t *testing.T) {
	g := NewGovernor()
	g.Register("krakenlike", testLimits())
	if d := g.BulkCooldown("krakenlike"); d != 50*time.Millisecond {
		t.Fatalf("BulkCooldown=%v, want 50ms", d)
	}
}

func TestReserveReportsWithoutConsuming(t *testing.T) {
	g := NewGovernor()
	g.Register("krakenlike", Limits{
		Orders:   Spec{PerSec: 1, Burst: 1},
		Account:  Spec{PerSec: 1, Burst: 1},
		Market:   Spec{PerSec: 1, Burst: 1},
		MinBatch: 1, MidBatch: 1, MaxBatch: 1,
	})

	// Burst token available: no wait, and the probe must not consume it.
	if d := g.Reserve("krakenlike", ClassOrders); d != 0 {
		t.Fatalf("Reserve on fresh limiter=%v, want 0", d)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, "krakenlike", ClassOrders); err != nil {
		t.Fatalf("Wait after Reserve probe: %v", err)
	}

	// Token spent: the next request needs roughly a full refill interval.
	if d := g.Reserve("krakenlike", ClassOrders); d <= 0 {
		t.Fatalf("Reserve on drained limiter=%v, want >0", d)
	}

	if d := g.Reserve("ghost", ClassOrders); d != 0 {
		t.Fatalf("Reserve for unregistered broker=%v, want 0", d)
	}
}
