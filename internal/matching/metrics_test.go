package matching

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsMovingAverage(t *testing.T) {
	c := NewCollectors(prometheus.NewRegistry())
	m := newMetrics("0xabc", c)
	now := time.Unix(1700000000, 0)

	m.observe(outcome{attempts: 1, successes: 1, latency: 2 * time.Second}, now)
	m.observe(outcome{attempts: 1, failures: 1}, now)
	m.observe(outcome{}, now)

	snap := m.snapshot(StateIdle)
	assert.Equal(t, uint64(3), snap.Processed)
	// 1 -> 0.2*1 + 0.8*1 = 1 -> 0.2*0 + 0.8*1 = 0.8
	assert.InDelta(t, 0.8, snap.AttemptsEMA, 1e-9)
	// 1 -> 0.8 -> 0.64
	assert.InDelta(t, 0.64, snap.SuccessesEMA, 1e-9)
	// 0 -> 0.2 -> 0.16
	assert.InDelta(t, 0.16, snap.FailuresEMA, 1e-9)
	assert.InDelta(t, 2.0, snap.LatencyEMA, 1e-9)
	assert.Equal(t, now, snap.UpdatedAt)

	assert.InDelta(t, 0.64, testutil.ToFloat64(c.successes.WithLabelValues("0xabc")), 1e-9)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.processed.WithLabelValues("0xabc")))

	m.close()
	assert.Zero(t, testutil.CollectAndCount(c.successes))
}
