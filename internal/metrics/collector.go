// Package metrics keeps bounded in-memory sample rings with percentile
// queries. A Collector is constructed and injected, never a process global;
// tests build fresh instances.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names recorded by the memory core.
const (
	CacheL1Hit              = "memory_cache_l1_hit"
	CacheL2Hit              = "memory_cache_l2_hit"
	CacheMiss               = "memory_cache_miss"
	CacheL2Error            = "memory_cache_l2_error"
	WorkingSetLatencyMs     = "memory_get_workingset_latency_ms"
	UpsertLatencyMs         = "memory_upsert_latency_ms"
	PromoteLatencyMs        = "memory_promote_latency_ms"
	UpsertCount             = "memory_upsert_count"
	PromoteCount            = "memory_promote_count"
	NeedsReviewCount        = "memory_needs_review_count"
	ValidationErrorCount    = "memory_validation_error_count"
	RAGTriggerCount         = "rag_trigger_count"
	RAGLatencyMs            = "rag_latency_ms"
	RAGFallbackCount        = "rag_fallback_count"
	RAGErrorCount           = "rag_error_count"
	DriftDetectedCount      = "drift_detected_count"
	ExpiredSweepDeleteCount = "memory_expired_sweep_delete_count"
)

const maxSamplesPerSeries = 1000

type sample struct {
	value float64
	at    time.Time
}

// SeriesReport summarizes one series for Report().
type SeriesReport struct {
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Recent []float64 `json:"recent"`
}

// Collector stores bounded rings of recent samples per series and mirrors
// them into a private Prometheus registry for scraping.
type Collector struct {
	mu     sync.Mutex
	series map[string][]sample

	reg       *prometheus.Registry
	promCount *prometheus.CounterVec
	promValue *prometheus.CounterVec
}

// NewCollector returns an empty collector with its own Prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		series: make(map[string][]sample),
		reg:    reg,
		promCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_samples_total",
			Help: "Number of samples recorded per metric series.",
		}, []string{"name"}),
		promValue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_value_total",
			Help: "Accumulated sample value per metric series.",
		}, []string{"name"}),
	}
	reg.MustRegister(c.promCount, c.promValue)
	return c
}

// Handler exposes the collector's Prometheus registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Record appends one sample, evicting the oldest past the ring cap.
func (c *Collector) Record(name string, value float64, labels ...map[string]string) {
	var lb map[string]string
	if len(labels) > 0 {
		lb = labels[0]
	}
	key := seriesKey(name, lb)

	c.mu.Lock()
	ring := append(c.series[key], sample{value: value, at: time.Now()})
	if len(ring) > maxSamplesPerSeries {
		ring = ring[1:]
	}
	c.series[key] = ring
	c.mu.Unlock()

	c.promCount.WithLabelValues(key).Inc()
	if value >= 0 {
		c.promValue.WithLabelValues(key).Add(value)
	}
}

// Increment records a sample of value 1.
func (c *Collector) Increment(name string, labels ...map[string]string) {
	c.Record(name, 1, labels...)
}

// RecordLatency records elapsed milliseconds since start.
func (c *Collector) RecordLatency(name string, start time.Time, labels ...map[string]string) {
	c.Record(name, float64(time.Since(start).Milliseconds()), labels...)
}

func (c *Collector) values(name string, labels ...map[string]string) []float64 {
	var lb map[string]string
	if len(labels) > 0 {
		lb = labels[0]
	}
	key := seriesKey(name, lb)

	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.series[key]
	out := make([]float64, len(ring))
	for i, s := range ring {
		out[i] = s.value
	}
	return out
}

// P95 returns the 95th percentile of the series, 0 when empty.
func (c *Collector) P95(name string, labels ...map[string]string) float64 {
	return c.percentile(name, 0.95, labels...)
}

// P99 returns the 99th percentile of the series, 0 when empty.
func (c *Collector) P99(name string, labels ...map[string]string) float64 {
	return c.percentile(name, 0.99, labels...)
}

func (c *Collector) percentile(name string, p float64, labels ...map[string]string) float64 {
	vals := c.values(name, labels...)
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	idx := int(float64(len(vals))*p+0.9999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// Average returns the arithmetic mean of the series, 0 when empty.
func (c *Collector) Average(name string, labels ...map[string]string) float64 {
	vals := c.values(name, labels...)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Count returns the sum of sample values. For increment-style series this
// equals the number of events recorded while the ring retained them.
func (c *Collector) Count(name string, labels ...map[string]string) float64 {
	var sum float64
	for _, v := range c.values(name, labels...) {
		sum += v
	}
	return sum
}

// Sum is an alias of Count.
func (c *Collector) Sum(name string, labels ...map[string]string) float64 {
	return c.Count(name, labels...)
}

// Report summarizes all non-empty series.
func (c *Collector) Report() map[string]SeriesReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]SeriesReport, len(c.series))
	for key, ring := range c.series {
		if len(ring) == 0 {
			continue
		}
		rep := SeriesReport{Count: len(ring), Min: ring[0].value, Max: ring[0].value}
		for _, s := range ring {
			rep.Sum += s.value
			if s.value < rep.Min {
				rep.Min = s.value
			}
			if s.value > rep.Max {
				rep.Max = s.value
			}
		}
		rep.Avg = rep.Sum / float64(len(ring))
		start := len(ring) - 10
		if start < 0 {
			start = 0
		}
		for _, s := range ring[start:] {
			rep.Recent = append(rep.Recent, s.value)
		}
		out[key] = rep
	}
	return out
}

// CheckAlerts evaluates the fixed operational thresholds and returns one
// human-readable string per firing alert.
func (c *Collector) CheckAlerts() []string {
	var alerts []string

	p95 := c.P95(WorkingSetLatencyMs)
	if p95 > 250 {
		alerts = append(alerts, fmt.Sprintf("High memory latency P95: %.0fms > 250ms", p95))
	}

	l1 := c.Count(CacheL1Hit)
	l2 := c.Count(CacheL2Hit)
	miss := c.Count(CacheMiss)
	total := l1 + l2 + miss
	if total >= 100 {
		ratio := l2 / total
		if ratio < 0.4 {
			alerts = append(alerts, fmt.Sprintf("Low L2 hit ratio: %.1f%% < 40%%", ratio*100))
		}
	}

	triggers := c.Count(RAGTriggerCount)
	fallbacks := c.Count(RAGFallbackCount)
	if triggers >= 10 {
		rate := fallbacks / triggers
		if rate > 0.1 {
			alerts = append(alerts, fmt.Sprintf("High RAG fallback rate: %.1f%% > 10%%", rate*100))
		}
	}

	return alerts
}

// Reset drops all rings. Prometheus counters are monotonic and stay.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string][]sample)
}
