// Package rag wraps external knowledge retrieval behind a circuit breaker
// and a short-lived response cache. Failures never escape to callers; they
// come back as degraded results.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/metrics"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
	defaultCacheTTL         = time.Hour
)

type cachedResult struct {
	result    *Result
	expiresAt time.Time
}

// Manager is the resilience wrapper around a Retriever.
type Manager struct {
	retriever Retriever
	breaker   *CircuitBreaker

	mu       sync.Mutex
	cache    map[string]cachedResult
	cacheTTL time.Duration

	collector *metrics.Collector
	log       zerolog.Logger
	now       func() time.Time
}

// NewManager wraps the retriever with default breaker and cache settings.
func NewManager(retriever Retriever, collector *metrics.Collector, log zerolog.Logger) *Manager {
	return &Manager{
		retriever: retriever,
		breaker:   NewCircuitBreaker(defaultFailureThreshold, defaultResetTimeout),
		cache:     make(map[string]cachedResult),
		cacheTTL:  defaultCacheTTL,
		collector: collector,
		log:       log,
		now:       time.Now,
	}
}

func cacheKey(query string, hints map[string]any) string {
	h, err := json.Marshal(hints)
	if err != nil {
		return query + ":na"
	}
	return query + ":" + string(h)
}

// Retrieve returns cached or fresh knowledge for the query. Any failure,
// including an open circuit, yields a degraded result rather than an error.
func (m *Manager) Retrieve(ctx context.Context, query string, hints map[string]any) *Result {
	m.collector.Increment(metrics.RAGTriggerCount)
	start := m.now()

	key := cacheKey(query, hints)
	m.mu.Lock()
	if c, ok := m.cache[key]; ok && c.expiresAt.After(m.now()) {
		m.mu.Unlock()
		return c.result
	}
	m.mu.Unlock()

	if !m.breaker.Allow() {
		return m.fallback(fmt.Errorf("circuit breaker is open"))
	}

	result, err := m.retriever.Retrieve(ctx, query, hints)
	m.collector.RecordLatency(metrics.RAGLatencyMs, start)
	if err != nil {
		m.breaker.RecordFailure()
		m.collector.Increment(metrics.RAGErrorCount)
		m.log.Warn().Err(err).Str("query", query).Msg("knowledge retrieval failed")
		return m.fallback(err)
	}
	m.breaker.RecordSuccess()

	m.mu.Lock()
	m.cache[key] = cachedResult{result: result, expiresAt: m.now().Add(m.cacheTTL)}
	m.mu.Unlock()

	return result
}

func (m *Manager) fallback(cause error) *Result {
	m.collector.Increment(metrics.RAGFallbackCount)
	return &Result{
		Snippets:  []Snippet{},
		Citations: []Citation{},
		Notice:    fmt.Sprintf("knowledge retrieval unavailable: %v; answering in degraded mode", cause),
		Degraded:  true,
	}
}

// BreakerState exposes the circuit state for reporting.
func (m *Manager) BreakerState() CircuitState {
	return m.breaker.State()
}

// ClearCache drops all cached responses.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]cachedResult)
	m.mu.Unlock()
}
