package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nexus-core/internal/events"
)

// Job status labels.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Metrics owns the engine's Prometheus collectors and the in-process
// latency windows served by the ops API.
type Metrics struct {
	registry *prometheus.Registry

	tradeJobs     *prometheus.CounterVec
	aiJobs        *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	firewallHP    prometheus.Gauge
	deadLetters   *prometheus.CounterVec
	partials      prometheus.Counter
	alertsSent    *prometheus.CounterVec
	balanceEvents prometheus.Counter

	mu      sync.Mutex
	latency map[string]*LatencyHistogram
	started time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tradeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_jobs_total",
			Help: "Trade job delivery attempts by outcome",
		}, []string{"status"}),
		aiJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_jobs_total",
			Help: "AI job delivery attempts by outcome",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler wall time per delivery attempt",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"type"}),
		firewallHP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewall_hp",
			Help: "Current firewall health points",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Jobs moved to the dead-letter state",
		}, []string{"type"}),
		partials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partial_completions_total",
			Help: "Multi-transfer operations where only some legs landed",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Operator alerts by source",
		}, []string{"source"}),
		balanceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balance_updates_total",
			Help: "Persisted balance refreshes",
		}),
		latency: make(map[string]*LatencyHistogram),
		started: time.Now(),
	}
	m.registry.MustRegister(
		m.tradeJobs, m.aiJobs, m.jobDuration, m.firewallHP,
		m.deadLetters, m.partials, m.alertsSent, m.balanceEvents,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one finished delivery attempt.
func (m *Metrics) ObserveJob(o events.JobOutcome, status string) {
	switch o.Type {
	case "trade":
		m.tradeJobs.WithLabelValues(status).Inc()
	case "ai":
		m.aiJobs.WithLabelValues(status).Inc()
	}
	if status == StatusDead {
		m.deadLetters.WithLabelValues(o.Type).Inc()
	}
	m.jobDuration.WithLabelValues(o.Type).Observe(o.Duration.Seconds())
	m.histogram(o.Type).RecordDuration(o.Duration)
}

func (m *Metrics) SetHP(hp int) { m.firewallHP.Set(float64(hp)) }

func (m *Metrics) IncPartial() { m.partials.Inc() }

func (m *Metrics) IncAlert(source string) { m.alertsSent.WithLabelValues(source).Inc() }

func (m *Metrics) IncBalanceUpdate() { m.balanceEvents.Inc() }

func (m *Metrics) histogram(jobType string) *LatencyHistogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.latency[jobType]
	if !ok {
		h = NewLatencyHistogram(1000)
		m.latency[jobType] = h
	}
	return h
}

// LatencyHistogram keeps a sliding window of samples; stats are computed
// lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a sample in milliseconds.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
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

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the ops view of process and job latency.
type Snapshot struct {
	JobLatency     map[string]LatencyStats `json:"job_latency_ms"`
	GoroutineCount int                     `json:"goroutine_count"`
	HeapAlloc      uint64                  `json:"heap_alloc_bytes"`
	HeapSys        uint64                  `json:"heap_sys_bytes"`
	Uptime         string                  `json:"uptime"`
	Timestamp      time.Time               `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	hists := make(map[string]*LatencyHistogram, len(m.latency))
	for k, h := range m.latency {
		hists[k] = h
	}
	m.mu.Unlock()

	lat := make(map[string]LatencyStats, len(hists))
	for k, h := range hists {
		lat[k] = h.Stats()
	}
	return Snapshot{
		JobLatency:     lat,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		HeapSys:        mem.HeapSys,
		Uptime:         time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:      time.Now(),
	}
}
