package breaker

import (
	"testing"
	"time"
)

// fakeClock drives the board deterministically; jitter is identity.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time            { return f.t }
func (f *fakeClock) advance(d time.Duration)   { f.t = f.t.Add(d) }
func identity(d time.Duration) time.Duration   { return d }

func newTestBoard(cfg Config) (*Board, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBoardWithClock(clock.now, identity)
	b.Register("krakenlike", cfg)
	return b, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseCooldown:     10 * time.Second,
		HardCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		HealthyReset:     time.Minute,
	}
}

func TestTripsAfterConsecutiveOrdinaryFailures(t *testing.T) {
	b, _ := newTestBoard(testConfig())

	b.RecordFailure("krakenlike", SeverityOrdinary)
	b.RecordFailure("krakenlike", SeverityOrdinary)
	if b.IsOpen("krakenlike") {
		t.Fatalf("circuit open before threshold")
	}
	if tripped := b.RecordFailure("krakenlike", SeverityOrdinary); !tripped {
		t.Fatalf("third failure did not trip")
	}
	if !b.IsOpen("krakenlike") {
		t.Fatalf("circuit not open after threshold")
	}
}

func TestSuccessBetweenFailuresResetsCount(t *testing.T) {
	b, _ := newTestBoard(testConfig())

	b.RecordFailure("krakenlike", SeverityOrdinary)
	b.RecordFailure("krakenlike", SeverityOrdinary)
	b.RecordSuccess("krakenlike")
	b.RecordFailure("krakenlike", SeverityOrdinary)
	b.RecordFailure("krakenlike", SeverityOrdinary)
	if b.IsOpen("krakenlike") {
		t.Fatalf("circuit open although failures were not consecutive")
	}
}

func TestHardFailureTripsImmediately(t *testing.T) {
	b, clock := newTestBoard(testConfig())

	if tripped := b.RecordFailure("krakenlike", SeverityHard); !tripped {
		t.Fatalf("hard failure did not trip")
	}
	if !b.IsOpen("krakenlike") {
		t.Fatalf("circuit not open after hard failure")
	}

	// Hard base cooldown is 30s; still open at 29s.
	clock.advance(29 * time.Second)
	if !b.IsOpen("krakenlike") {
		t.Fatalf("circuit closed before hard cooldown elapsed")
	}
}

func TestProbeSuccessClosesCircuit(t *testing.T) {
	b, clock := newTestBoard(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure("krakenlike", SeverityOrdinary)
	}
	clock.advance(11 * time.Second) // base cooldown 10s elapsed

	if b.IsOpen("krakenlike") {
		t.Fatalf("probe not allowed after cooldown")
	}
	b.RecordSuccess("krakenlike")
	if b.IsOpen("krakenlike") {
		t.Fatalf("circuit still open after probe success")
	}
	if got := b.Snapshot()["krakenlike"].State; got != "CLOSED" {
		t.Fatalf("state=%s, want CLOSED", got)
	}
}

func TestFailedProbeEscalatesCooldown(t *testing.T) {
	b, clock := newTestBoard(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure("krakenlike", SeverityOrdinary)
	}
	clock.advance(11 * time.Second)
	if b.IsOpen("krakenlike") {
		t.Fatalf("probe not allowed after first cooldown")
	}

	// Probe fails: second trip doubles the cooldown (20s from now).
	b.RecordFailure("krakenlike", SeverityOrdinary)
	clock.advance(15 * time.Second)
	if !b.IsOpen("krakenlike") {
		t.Fatalf("circuit closed before escalated cooldown elapsed")
	}
	clock.advance(6 * time.Second)
	if b.IsOpen("krakenlike") {
		t.Fatalf("circuit still open after escalated cooldown")
	}
	if trips := b.Snapshot()["krakenlike"].Trips; trips != 2 {
		t.Fatalf("trips=%d, want 2", trips)
	}
}

func TestSustainedHealthResetsTripCount(t *testing.T) {
	b, clock := newTestBoard(testConfig())

	b.RecordFailure("krakenlike", SeverityHard)
	clock.advance(31 * time.Second)
	b.RecordSuccess("krakenlike") // closes circuit

	// Healthy for longer than HealthyReset: trip count goes back to zero.
	clock.advance(2 * time.Minute)
	b.RecordSuccess("krakenlike")
	if trips := b.Snapshot()["krakenlike"].Trips; trips != 0 {
		t.Fatalf("trips=%d after sustained healthy period, want 0", trips)
	}
}

func TestUnknownBrokerNeverOpen(t *testing.T) {
	b, _ := newTestBoard(testConfig())
	if b.IsOpen("ghost") {
		t.Fatalf("unknown broker reported open")
	}
	if b.RecordFailure("ghost", SeverityHard) {
		t.Fatalf("unknown broker reported tripped")
	}
}
