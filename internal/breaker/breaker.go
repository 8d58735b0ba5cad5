// Package breaker suspends calls to a broker family after repeated or severe
// failures. One circuit per broker, shared by every account trading through
// it: throttle signals are usually key/IP-level, so the breaker is
// deliberately broker-wide, never per account.
package breaker

import (
	"math/rand"
	"sync"
	"time"
)

// State of one broker circuit.
type State int

const (
	StateClosed  State = iota // normal operation
	StateOpen                 // tripped, cooldown pending
	StateCooling              // cooldown running; probe allowed once it elapses
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateCooling:
		return "COOLING"
	default:
		return "UNKNOWN"
	}
}

// Severity qualifies a recorded failure.
type Severity int

const (
	// SeverityOrdinary covers timeouts and 5xx; counts toward the
	// consecutive-failure threshold.
	SeverityOrdinary Severity = iota
	// SeverityHard covers explicit throttle/forbidden responses; trips the
	// circuit immediately with the longer base cooldown.
	SeverityHard
)

// Config tunes one broker circuit.
type Config struct {
	FailureThreshold int           // consecutive ordinary failures before tripping
	BaseCooldown     time.Duration // first-trip cooldown for ordinary failures
	HardCooldown     time.Duration // first-trip cooldown for hard failures
	MaxCooldown      time.Duration // backoff growth cap
	HealthyReset     time.Duration // sustained healthy period that resets the trip count
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseCooldown:     10 * time.Second,
		HardCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		HealthyReset:     5 * time.Minute,
	}
}

// Status is a point-in-time circuit view for reporting.
type Status struct {
	State    string    `json:"state"`
	Trips    int       `json:"trips"`
	ReopenAt time.Time `json:"reopen_at,omitempty"`
}

type circuit struct {
	cfg         Config
	state       State
	consecutive int
	trips       int
	curBase     time.Duration // cooldown base of the current trip series
	reopenAt    time.Time
	closedAt    time.Time
}

// Board holds the circuit for every registered broker.
type Board struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
	jitter   func(time.Duration) time.Duration
}

// NewBoard creates an empty board backed by the system clock.
func NewBoard() *Board {
	return &Board{
		circuits: make(map[string]*circuit),
		now:      time.Now,
		// ±20% jitter avoids thundering-herd re-opens across accounts
		// sharing a broker family.
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
		},
	}
}

// NewBoardWithClock creates a board with injected clock and jitter, for
// deterministic tests.
func NewBoardWithClock(now func() time.Time, jitter func(time.Duration) time.Duration) *Board {
	b := NewBoard()
	if now != nil {
		b.now = now
	}
	if jitter != nil {
		b.jitter = jitter
	}
	return b
}

// Register installs a circuit for one broker family.
func (b *Board) Register(broker string, cfg Config) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = DefaultConfig().BaseCooldown
	}
	if cfg.HardCooldown <= 0 {
		cfg.HardCooldown = DefaultConfig().HardCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	if cfg.HealthyReset <= 0 {
		cfg.HealthyReset = DefaultConfig().HealthyReset
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits[broker] = &circuit{cfg: cfg, state: StateClosed, closedAt: b.now()}
}

// IsOpen reports whether calls to the broker must be skipped. Once the
// cooldown elapses IsOpen returns false so exactly the next call can act as
// the recovery probe; the circuit only closes when that probe succeeds.
func (b *Board) IsOpen(broker string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[broker]
	if !ok {
		return false
	}
	switch c.state {
	case StateClosed:
		return false
	case StateOpen, StateCooling:
		c.state = StateCooling
		return b.now().Before(c.reopenAt)
	default:
		return false
	}
}

// RecordFailure folds in one failed call. Returns true when this call
// tripped (or re-tripped) the circuit, so callers can emit an alert.
func (b *Board) RecordFailure(broker string, severity Severity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[broker]
	if !ok {
		return false
	}

	if severity == SeverityHard {
		b.trip(c, c.cfg.HardCooldown)
		return true
	}

	switch c.state {
	case StateClosed:
		c.consecutive++
		if c.consecutive >= c.cfg.FailureThreshold {
			b.trip(c, c.cfg.BaseCooldown)
			return true
		}
	case StateOpen, StateCooling:
		// Failed probe: back to OPEN with a longer backoff.
		b.trip(c, c.curBase)
		return true
	}
	return false
}

func (b *Board) trip(c *circuit, base time.Duration) {
	if base > c.curBase {
		c.curBase = base
	} else if c.curBase == 0 {
		c.curBase = base
	}
	c.trips++
	c.consecutive = 0
	c.state = StateOpen

	cooldown := c.curBase << (c.trips - 1)
	if c.trips > 16 || cooldown > c.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = c.cfg.MaxCooldown
	}
	c.reopenAt = b.now().Add(b.jitter(cooldown))
}

// RecordSuccess folds in one successful call. A success while the cooldown
// has elapsed closes the circuit; a sustained healthy period resets the trip
// count so the next trip starts from the base cooldown again. Returns true
// when this call closed an open circuit.
func (b *Board) RecordSuccess(broker string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[broker]
	if !ok {
		return false
	}
	now := b.now()
	switch c.state {
	case StateClosed:
		c.consecutive = 0
		if c.trips > 0 && now.Sub(c.closedAt) >= c.cfg.HealthyReset {
			c.trips = 0
			c.curBase = 0
		}
	case StateOpen, StateCooling:
		if !now.Before(c.reopenAt) {
			c.state = StateClosed
			c.consecutive = 0
			c.closedAt = now
			return true
		}
	}
	return false
}

// Snapshot returns every circuit's status keyed by broker.
func (b *Board) Snapshot() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Status, len(b.circuits))
	for broker, c := range b.circuits {
		s := Status{State: c.state.String(), Trips: c.trips}
		if c.state != StateClosed {
			s.ReopenAt = c.reopenAt
		}
		out[broker] = s
	}
	return out
}
