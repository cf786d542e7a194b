package tuner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/logger"
	"github.com/engramlabs/engram/internal/metrics"
)

type fakeResizer struct{ capacity int }

func (f *fakeResizer) SetL1Capacity(entries int) { f.capacity = entries }

func newTestTuner() (*AutoTuner, *metrics.Collector, *fakeResizer) {
	col := metrics.NewCollector()
	rz := &fakeResizer{}
	return New(col, rz, logger.Nop()), col, rz
}

func TestOptimizeCacheSizingNoopWithoutData(t *testing.T) {
	tn, _, _ := newTestTuner()
	res := tn.OptimizeCacheSizing()
	require.False(t, res.Changed)
	require.Contains(t, res.Reason, "insufficient data")
}

func TestOptimizeCacheSizingGrowsL1(t *testing.T) {
	tn, col, rz := newTestTuner()

	// L1 cold (20%), L2 healthy (40%), miss 40% is not > 0.4 so only the
	// capacity rule fires.
	for i := 0; i < 20; i++ {
		col.Increment(metrics.CacheL1Hit)
	}
	for i := 0; i < 40; i++ {
		col.Increment(metrics.CacheL2Hit)
	}
	for i := 0; i < 40; i++ {
		col.Increment(metrics.CacheMiss)
	}

	res := tn.OptimizeCacheSizing()
	require.True(t, res.Changed)
	require.Len(t, res.Changes, 1)
	require.Equal(t, 12_000, tn.CacheConfig().L1MaxEntries)
	require.Equal(t, 12_000, rz.capacity, "resizer must receive the new capacity")
}

func TestOptimizeCacheSizingGrowsTTLsOnHighMissRate(t *testing.T) {
	tn, col, _ := newTestTuner()

	for i := 0; i < 30; i++ {
		col.Increment(metrics.CacheL1Hit)
	}
	for i := 0; i < 70; i++ {
		col.Increment(metrics.CacheMiss)
	}

	res := tn.OptimizeCacheSizing()
	require.True(t, res.Changed)
	cfg := tn.CacheConfig()
	require.Equal(t, 360, cfg.L1TTLContext)
	require.Equal(t, 2160, cfg.L1TTLTemporary)
}

func TestOptimizePromotionPolicyRelaxes(t *testing.T) {
	tn, col, _ := newTestTuner()

	// Backlog more than double the promotion count.
	for i := 0; i < 3; i++ {
		col.Increment(metrics.PromoteCount)
	}
	for i := 0; i < 20; i++ {
		col.Increment(metrics.NeedsReviewCount)
	}

	res := tn.OptimizePromotionPolicy()
	require.True(t, res.Changed)
	cfg := tn.PromotionConfig()
	require.Equal(t, 16, cfg.MinAccessCount)
	require.Equal(t, 8, cfg.MinUsedInResponses)
	require.InDelta(t, 0.63, cfg.MinConfidence, 0.001)
}

func TestOptimizePromotionPolicyTightens(t *testing.T) {
	tn, col, _ := newTestTuner()

	for i := 0; i < 150; i++ {
		col.Increment(metrics.PromoteCount)
	}

	res := tn.OptimizePromotionPolicy()
	require.True(t, res.Changed)
	cfg := tn.PromotionConfig()
	require.Equal(t, 24, cfg.MinAccessCount)
	require.Equal(t, 12, cfg.MinUsedInResponses)
	require.InDelta(t, 0.77, cfg.MinConfidence, 0.001)
}

func TestPromotionFloorsAndCeilings(t *testing.T) {
	tn, col, _ := newTestTuner()
	for i := 0; i < 100; i++ {
		col.Increment(metrics.NeedsReviewCount)
	}

	// Repeated relaxation bottoms out at the floors.
	for i := 0; i < 20; i++ {
		tn.OptimizePromotionPolicy()
	}
	cfg := tn.PromotionConfig()
	require.Equal(t, 5, cfg.MinAccessCount)
	require.Equal(t, 3, cfg.MinUsedInResponses)
	require.InDelta(t, 0.5, cfg.MinConfidence, 0.01)
}

func TestRollback(t *testing.T) {
	tn, col, rz := newTestTuner()

	res := tn.Rollback()
	require.False(t, res.Success)
	require.Contains(t, res.Reason, "no previous configuration")

	for i := 0; i < 20; i++ {
		col.Increment(metrics.CacheL1Hit)
	}
	for i := 0; i < 40; i++ {
		col.Increment(metrics.CacheL2Hit)
	}
	for i := 0; i < 40; i++ {
		col.Increment(metrics.CacheMiss)
	}
	require.True(t, tn.OptimizeCacheSizing().Changed)
	require.Equal(t, 12_000, tn.CacheConfig().L1MaxEntries)

	res = tn.Rollback()
	require.True(t, res.Success)
	require.Equal(t, 10_000, tn.CacheConfig().L1MaxEntries)
	require.Equal(t, 10_000, rz.capacity)
}

func TestAutoOptimizeRollsBackOnDegradation(t *testing.T) {
	tn, col, _ := newTestTuner()
	tn.degradeCheckDelay = 10 * time.Millisecond

	// Force a change and degraded latency at the same time.
	for i := 0; i < 30; i++ {
		col.Increment(metrics.CacheL1Hit)
	}
	for i := 0; i < 70; i++ {
		col.Increment(metrics.CacheMiss)
	}
	for i := 0; i < 20; i++ {
		col.Record(metrics.WorkingSetLatencyMs, 800)
	}

	res := tn.AutoOptimize()
	require.True(t, res.Cache.Changed)
	changed := tn.CacheConfig()
	require.NotEqual(t, DefaultCacheConfig(), changed)

	require.Eventually(t, func() bool {
		return tn.CacheConfig() == DefaultCacheConfig()
	}, time.Second, 10*time.Millisecond, "degradation check should roll back")
}

func TestGetReport(t *testing.T) {
	tn, col, _ := newTestTuner()
	col.Record(metrics.UpsertLatencyMs, 5)

	rep := tn.GetReport()
	require.Equal(t, DefaultCacheConfig(), rep.CacheConfig)
	require.Equal(t, DefaultPromotionConfig(), rep.PromotionConfig)
	require.Contains(t, rep.Metrics, metrics.UpsertLatencyMs)
	require.Zero(t, rep.HistoryLength)
}
