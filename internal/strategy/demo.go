package strategy

import (
	"context"
	"hash/fnv"
	"sync"
)

// Demo is the built-in signal source used in dry runs and tests. It is
// deterministic: the same account and symbol sequence always yields the
// same signals, which keeps end-to-end tests reproducible.
type Demo struct {
	notional float64

	mu    sync.Mutex
	ticks map[string]uint64 // per-account cycle counter
}

// NewDemo creates a demo provider emitting orders of the given USD
// notional.
func NewDemo(notional float64) *Demo {
	if notional <= 0 {
		notional = 25
	}
	return &Demo{notional: notional, ticks: make(map[string]uint64)}
}

func (d *Demo) Signals(_ context.Context, accountID string, symbols []string) ([]Signal, error) {
	d.mu.Lock()
	tick := d.ticks[accountID]
	d.ticks[accountID]++
	d.mu.Unlock()

	// Emit a signal for roughly every other symbol, alternating sides,
	// keyed off a stable hash so runs are repeatable.
	var out []Signal
	for i, sym := range symbols {
		h := fnv.New32a()
		h.Write([]byte(accountID))
		h.Write([]byte(sym))
		seed := uint64(h.Sum32()) + tick
		if seed%2 != 0 {
			continue
		}
		side := SideBuy
		if (seed/2+uint64(i))%2 == 1 {
			side = SideSell
		}
		out = append(out, Signal{Symbol: sym, Side: side, Notional: d.notional})
	}
	return out, nil
}
