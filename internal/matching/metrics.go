package matching

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// emaAlpha weights the newest processed order.
const emaAlpha = 0.2

// Collectors holds the Prometheus gauges shared by every engine of a worker.
type Collectors struct {
	attempts  *prometheus.GaugeVec
	successes *prometheus.GaugeVec
	failures  *prometheus.GaugeVec
	latency   *prometheus.GaugeVec
	processed *prometheus.CounterVec
}

// NewCollectors registers the engine gauges on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		attempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexmatch",
			Subsystem: "matching",
			Name:      "attempts_ema",
			Help:      "Moving average of match transactions submitted per processed order.",
		}, []string{"contract"}),
		successes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexmatch",
			Subsystem: "matching",
			Name:      "successes_ema",
			Help:      "Moving average of confirmed matches per processed order.",
		}, []string{"contract"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexmatch",
			Subsystem: "matching",
			Name:      "failures_ema",
			Help:      "Moving average of failed matches per processed order.",
		}, []string{"contract"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexmatch",
			Subsystem: "matching",
			Name:      "latency_seconds_ema",
			Help:      "Moving average of submit-to-receipt latency.",
		}, []string{"contract"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexmatch",
			Subsystem: "matching",
			Name:      "orders_processed_total",
			Help:      "Orders run through the matching engine.",
		}, []string{"contract"}),
	}
	reg.MustRegister(c.attempts, c.successes, c.failures, c.latency, c.processed)
	return c
}

func (c *Collectors) forget(contract string) {
	c.attempts.DeleteLabelValues(contract)
	c.successes.DeleteLabelValues(contract)
	c.failures.DeleteLabelValues(contract)
	c.latency.DeleteLabelValues(contract)
	c.processed.DeleteLabelValues(contract)
}

// Snapshot is the engine metrics record cached by the manager.
type Snapshot struct {
	Contract     string    `json:"contract"`
	State        State     `json:"state"`
	Processed    uint64    `json:"processed"`
	AttemptsEMA  float64   `json:"attempts_ema"`
	SuccessesEMA float64   `json:"successes_ema"`
	FailuresEMA  float64   `json:"failures_ema"`
	LatencyEMA   float64   `json:"latency_seconds_ema"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// outcome is what processing one order produced.
type outcome struct {
	attempts  int
	successes int
	failures  int
	latency   time.Duration
}

type metrics struct {
	contract   string
	collectors *Collectors

	mu        sync.Mutex
	processed uint64
	attempts  float64
	successes float64
	failures  float64
	latency   float64
	updatedAt time.Time
}

func newMetrics(contract string, collectors *Collectors) *metrics {
	return &metrics{contract: contract, collectors: collectors}
}

func ema(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*prev
}

func (m *metrics) observe(o outcome, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.processed == 0
	m.processed++
	m.attempts = ema(m.attempts, float64(o.attempts), first)
	m.successes = ema(m.successes, float64(o.successes), first)
	m.failures = ema(m.failures, float64(o.failures), first)
	if o.latency > 0 {
		m.latency = ema(m.latency, o.latency.Seconds(), m.latency == 0)
	}
	m.updatedAt = now

	if m.collectors != nil {
		m.collectors.attempts.WithLabelValues(m.contract).Set(m.attempts)
		m.collectors.successes.WithLabelValues(m.contract).Set(m.successes)
		m.collectors.failures.WithLabelValues(m.contract).Set(m.failures)
		m.collectors.latency.WithLabelValues(m.contract).Set(m.latency)
		m.collectors.processed.WithLabelValues(m.contract).Inc()
	}
}

func (m *metrics) snapshot(state State) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Contract:     m.contract,
		State:        state,
		Processed:    m.processed,
		AttemptsEMA:  m.attempts,
		SuccessesEMA: m.successes,
		FailuresEMA:  m.failures,
		LatencyEMA:   m.latency,
		UpdatedAt:    m.updatedAt,
	}
}

func (m *metrics) close() {
	if m.collectors != nil {
		m.collectors.forget(m.contract)
	}
}
