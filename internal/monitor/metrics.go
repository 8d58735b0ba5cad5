package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ExecMetrics tracks execution-core performance across all accounts.
type ExecMetrics struct {
	// Latency histograms
	OrderLatency    *LatencyHistogram
	BalanceLatency  *LatencyHistogram
	StrategyLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	ordersSubmitted uint64
	ordersFilled    uint64
	ordersRejected  uint64
	ordersFailed    uint64
	retries         uint64
	circuitTrips    uint64
	ticks           uint64
	signals         uint64
	apiRequests     uint64
	apiErrors       uint64

	startedAt time.Time
}

// LatencyHistogram tracks latency samples over a sliding window with
// lazily computed percentiles.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewExecMetrics creates a metrics instance.
func NewExecMetrics() *ExecMetrics {
	return &ExecMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		BalanceLatency:  NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		startedAt:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *ExecMetrics) IncrementSubmitted() { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *ExecMetrics) IncrementFilled()    { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *ExecMetrics) IncrementRejected()  { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *ExecMetrics) IncrementFailed()    { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *ExecMetrics) IncrementRetries()   { atomic.AddUint64(&m.retries, 1) }
func (m *ExecMetrics) IncrementTrips()     { atomic.AddUint64(&m.circuitTrips, 1) }
func (m *ExecMetrics) IncrementTicks()     { atomic.AddUint64(&m.ticks, 1) }
func (m *ExecMetrics) IncrementSignals()   { atomic.AddUint64(&m.signals, 1) }
func (m *ExecMetrics) IncrementAPI()       { atomic.AddUint64(&m.apiRequests, 1) }
func (m *ExecMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// MetricsSnapshot is a point-in-time view for the status API.
type MetricsSnapshot struct {
	InstanceID      string       `json:"instance_id"`
	OrderLatency    LatencyStats `json:"order_latency"`
	BalanceLatency  LatencyStats `json:"balance_latency"`
	StrategyLatency LatencyStats `json:"strategy_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	OrdersSubmitted uint64       `json:"orders_submitted"`
	OrdersFilled    uint64       `json:"orders_filled"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	OrdersFailed    uint64       `json:"orders_failed"`
	Retries         uint64       `json:"retries"`
	CircuitTrips    uint64       `json:"circuit_trips"`
	Ticks           uint64       `json:"ticks"`
	Signals         uint64       `json:"signals"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns current counters plus runtime stats.
func (m *ExecMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		InstanceID:      InstanceID(),
		OrderLatency:    m.OrderLatency.Stats(),
		BalanceLatency:  m.BalanceLatency.Stats(),
		StrategyLatency: m.StrategyLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		OrdersSubmitted: atomic.LoadUint64(&m.ordersSubmitted),
		OrdersFilled:    atomic.LoadUint64(&m.ordersFilled),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		OrdersFailed:    atomic.LoadUint64(&m.ordersFailed),
		Retries:         atomic.LoadUint64(&m.retries),
		CircuitTrips:    atomic.LoadUint64(&m.circuitTrips),
		Ticks:           atomic.LoadUint64(&m.ticks),
		Signals:         atomic.LoadUint64(&m.signals),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		UptimeSeconds:   time.Since(m.startedAt).Seconds(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording into h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() {
	if t.histogram != nil {
		t.histogram.RecordDuration(time.Since(t.start))
	}
}
