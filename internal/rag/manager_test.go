package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/logger"
	"github.com/engramlabs/engram/internal/metrics"
)

type stubRetriever struct {
	calls  int
	fail   bool
	result *Result
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, hints map[string]any) (*Result, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("backend down")
	}
	if s.result != nil {
		return s.result, nil
	}
	return &Result{
		Snippets:  []Snippet{{Source: "internalDocs", Content: "about " + query, Confidence: 0.85}},
		Citations: []Citation{{Source: "Internal Documentation", Title: query}},
	}, nil
}

func newTestManager(r Retriever) (*Manager, *metrics.Collector) {
	col := metrics.NewCollector()
	return NewManager(r, col, logger.Nop()), col
}

func TestRetrieveSuccessAndCache(t *testing.T) {
	stub := &stubRetriever{}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	res := m.Retrieve(ctx, "billing rules", nil)
	require.False(t, res.Degraded)
	require.Len(t, res.Snippets, 1)
	require.Equal(t, 1, stub.calls)

	// Second identical query is served from cache.
	res = m.Retrieve(ctx, "billing rules", nil)
	require.False(t, res.Degraded)
	require.Equal(t, 1, stub.calls)

	// Different hints bypass the cached entry.
	m.Retrieve(ctx, "billing rules", map[string]any{"lang": "en"})
	require.Equal(t, 2, stub.calls)
}

func TestRetrieveFailureIsDegradedNeverAnError(t *testing.T) {
	stub := &stubRetriever{fail: true}
	m, col := newTestManager(stub)

	res := m.Retrieve(context.Background(), "q", nil)
	require.True(t, res.Degraded)
	require.Empty(t, res.Snippets)
	require.NotEmpty(t, res.Notice)
	require.Equal(t, float64(1), col.Count(metrics.RAGFallbackCount))
	require.Equal(t, float64(1), col.Count(metrics.RAGErrorCount))
}

func TestBreakerShortCircuitsAfterThreshold(t *testing.T) {
	stub := &stubRetriever{fail: true}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	for i := 0; i < defaultFailureThreshold; i++ {
		m.Retrieve(ctx, "q", nil)
	}
	require.Equal(t, CircuitOpen, m.BreakerState())
	callsWhenOpened := stub.calls

	// Further calls fail fast without touching the retriever.
	res := m.Retrieve(ctx, "q", nil)
	require.True(t, res.Degraded)
	require.Contains(t, res.Notice, "circuit breaker is open")
	require.Equal(t, callsWhenOpened, stub.calls)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	stub := &stubRetriever{fail: true}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }
	m.breaker.now = func() time.Time { return clock }

	for i := 0; i < defaultFailureThreshold; i++ {
		m.Retrieve(ctx, "q", nil)
	}
	require.Equal(t, CircuitOpen, m.BreakerState())

	// After the reset timeout the next call probes and succeeds.
	clock = clock.Add(defaultResetTimeout + time.Second)
	stub.fail = false
	res := m.Retrieve(ctx, "fresh query", nil)
	require.False(t, res.Degraded)
	require.Equal(t, CircuitClosed, m.BreakerState())
}

func TestCacheExpiry(t *testing.T) {
	stub := &stubRetriever{}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }

	m.Retrieve(ctx, "q", nil)
	clock = clock.Add(defaultCacheTTL + time.Minute)
	m.Retrieve(ctx, "q", nil)
	require.Equal(t, 2, stub.calls)
}
