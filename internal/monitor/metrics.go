package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TickMetrics tracks tick engine performance.
type TickMetrics struct {
	// Latency histograms, one per pipeline stage plus the whole tick.
	TickLatency     *LatencyHistogram
	SnapshotLatency *LatencyHistogram
	EvaluateLatency *LatencyHistogram
	ExecuteLatency  *LatencyHistogram

	ticksProcessed     uint64
	tickFailures       uint64
	ticksRejected      uint64
	evaluations        uint64
	eventsFired        uint64
	ordersPlaced       uint64
	ordersCancelled    uint64
	registrationErrors uint64
	evaluationErrors   uint64

	mu       sync.RWMutex
	lastTick time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewTickMetrics creates a new metrics instance.
func NewTickMetrics() *TickMetrics {
	return &TickMetrics{
		TickLatency:     NewLatencyHistogram(1000),
		SnapshotLatency: NewLatencyHistogram(1000),
		EvaluateLatency: NewLatencyHistogram(1000),
		ExecuteLatency:  NewLatencyHistogram(1000),
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

// Stats returns min, max, avg, p50, p95, p99.
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

// TickCompleted counts a finished tick and its mutations.
func (m *TickMetrics) TickCompleted(placed, cancelled int) {
	atomic.AddUint64(&m.ticksProcessed, 1)
	atomic.AddUint64(&m.ordersPlaced, uint64(placed))
	atomic.AddUint64(&m.ordersCancelled, uint64(cancelled))
	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()
}

// TickFailed counts a tick aborted by a snapshot or write failure.
func (m *TickMetrics) TickFailed() { atomic.AddUint64(&m.tickFailures, 1) }

// TickRejected counts a trigger refused because a tick was already running.
func (m *TickMetrics) TickRejected() { atomic.AddUint64(&m.ticksRejected, 1) }

// Evaluated counts one (bot, position) evaluation and the events it fired.
func (m *TickMetrics) Evaluated(fired int) {
	atomic.AddUint64(&m.evaluations, 1)
	atomic.AddUint64(&m.eventsFired, uint64(fired))
}

// RegistrationFailed counts a rule set rejected at registration.
func (m *TickMetrics) RegistrationFailed() { atomic.AddUint64(&m.registrationErrors, 1) }

// EvaluationFailed counts a failed (bot, position) evaluation.
func (m *TickMetrics) EvaluationFailed() { atomic.AddUint64(&m.evaluationErrors, 1) }

// MetricsSnapshot is a point-in-time view of TickMetrics.
type MetricsSnapshot struct {
	TickLatency        LatencyStats `json:"tick_latency"`
	SnapshotLatency    LatencyStats `json:"snapshot_latency"`
	EvaluateLatency    LatencyStats `json:"evaluate_latency"`
	ExecuteLatency     LatencyStats `json:"execute_latency"`
	TicksProcessed     uint64       `json:"ticks_processed"`
	TickFailures       uint64       `json:"tick_failures"`
	TicksRejected      uint64       `json:"ticks_rejected"`
	Evaluations        uint64       `json:"evaluations"`
	EventsFired        uint64       `json:"events_fired"`
	OrdersPlaced       uint64       `json:"orders_placed"`
	OrdersCancelled    uint64       `json:"orders_cancelled"`
	RegistrationErrors uint64       `json:"registration_errors"`
	EvaluationErrors   uint64       `json:"evaluation_errors"`
	LastTick           time.Time    `json:"last_tick"`
	GoroutineCount     int          `json:"goroutine_count"`
	HeapAlloc          uint64       `json:"heap_alloc_bytes"`
	Timestamp          time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *TickMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	last := m.lastTick
	m.mu.RUnlock()

	return MetricsSnapshot{
		TickLatency:        m.TickLatency.Stats(),
		SnapshotLatency:    m.SnapshotLatency.Stats(),
		EvaluateLatency:    m.EvaluateLatency.Stats(),
		ExecuteLatency:     m.ExecuteLatency.Stats(),
		TicksProcessed:     atomic.LoadUint64(&m.ticksProcessed),
		TickFailures:       atomic.LoadUint64(&m.tickFailures),
		TicksRejected:      atomic.LoadUint64(&m.ticksRejected),
		Evaluations:        atomic.LoadUint64(&m.evaluations),
		EventsFired:        atomic.LoadUint64(&m.eventsFired),
		OrdersPlaced:       atomic.LoadUint64(&m.ordersPlaced),
		OrdersCancelled:    atomic.LoadUint64(&m.ordersCancelled),
		RegistrationErrors: atomic.LoadUint64(&m.registrationErrors),
		EvaluationErrors:   atomic.LoadUint64(&m.evaluationErrors),
		LastTick:           last,
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAlloc:          memStats.HeapAlloc,
		Timestamp:          time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
