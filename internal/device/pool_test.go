package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()

	// Metrics are global, so track deltas.
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	// A fresh pool always misses.
	t1 := backend.GetTensor([]int{10, 10}, Float32)
	assert.Equal(t, 1.0, getMetricValue(poolMisses)-startMisses)
	assert.Equal(t, 0.0, getMetricValue(poolHits)-startHits)

	backend.PutTensor(t1)

	// sync.Pool may drop entries at any GC, so only the total is fixed.
	t2 := backend.GetTensor([]int{5, 5}, Float32)
	hits := getMetricValue(poolHits) - startHits
	misses := getMetricValue(poolMisses) - startMisses
	assert.Equal(t, 2.0, hits+misses)
	if hits == 1 {
		t.Log("Pool Hit Confirmed")
	}
	assert.Equal(t, 25, t2.Len())

	backend.PutTensor(t2)
}
