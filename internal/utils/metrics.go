// internal/utils/metrics.go
package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - using atomic operations for thread-safe value updates
type Counter struct {
	name  string
	value int64 // Use atomic operations for this field
}

// Gauge metric - using atomic operations for thread-safe value updates
type Gauge struct {
	name  string
	value int64 // Use atomic operations for this field
}

// Histogram metric (simple implementation tracking count, sum, min, max)
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// IncrementCounter increments a counter metric using atomic operations to reduce lock contention
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// AddCounter adds a value to a counter metric using atomic operations
func (m *MetricsCollector) AddCounter(name string, value int64) {
	// Fast path for existing counters
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		counter, exists = m.counters[name]
		if !exists {
			counter = &Counter{name: name}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&counter.value, value)
}

// SetGauge sets a gauge metric using atomic operations
func (m *MetricsCollector) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		gauge, exists = m.gauges[name]
		if !exists {
			gauge = &Gauge{name: name}
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(&gauge.value, value)
}

// GetGauge gets the current value of a gauge using atomic load
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&gauge.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{
				name: name,
				min:  value,
				max:  value,
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value

	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	counters := make(map[string]int64)
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(&counter.value)
	}
	metrics["counters"] = counters

	gauges := make(map[string]int64)
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(&gauge.value)
	}
	metrics["gauges"] = gauges

	// Histograms still need the mutex for min/max consistency
	histograms := make(map[string]map[string]int64)
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// GetCounterValue gets the current value of a counter using atomic load
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&counter.value)
}

// EngineMetrics wraps the collector with engine-specific recording helpers
type EngineMetrics struct {
	metrics *MetricsCollector
}

// NewEngineMetrics creates a new engine metrics instance
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		metrics: GetMetricsCollector(),
	}
}

// RecordGeneration records one generation-client call
func (em *EngineMetrics) RecordGeneration(provider, intent string, duration time.Duration, err error) {
	em.metrics.IncrementCounter(fmt.Sprintf("generation.%s.%s", provider, intent))
	em.metrics.RecordHistogram("generation.duration_ms", duration.Milliseconds())
	if err != nil {
		em.metrics.IncrementCounter("generation.errors")
	}
}

// RecordTurn records one scheduler turn outcome
func (em *EngineMetrics) RecordTurn(duration time.Duration, err error) {
	em.metrics.IncrementCounter("director.turns")
	em.metrics.RecordHistogram("director.turn_duration_ms", duration.Milliseconds())
	if err != nil {
		em.metrics.IncrementCounter("director.turn_failures")
	}
}

// RecordSkippedTick records a tick skipped by the single-flight guard
func (em *EngineMetrics) RecordSkippedTick() {
	em.metrics.IncrementCounter("director.ticks_skipped")
}

// RecordReconcile records one store reconciliation
func (em *EngineMetrics) RecordReconcile(partition string, duration time.Duration, err error) {
	em.metrics.IncrementCounter("store.reconcile." + partition)
	em.metrics.RecordHistogram("store.reconcile_duration_ms", duration.Milliseconds())
	if err != nil {
		em.metrics.IncrementCounter("store.reconcile_failures")
	}
}
