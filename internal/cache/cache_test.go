package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/logger"
	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
)

type selection struct {
	OwnerID string   `json:"ownerId"`
	Layers  []string `json:"layers"`
	Tags    []string `json:"tags"`
}

func newTestCache() (*WorkingSetCache, *metrics.Collector) {
	col := metrics.NewCollector()
	return New(nil, col, logger.Nop()), col
}

func TestKeyIsDeterministic(t *testing.T) {
	p := selection{OwnerID: "u1", Layers: []string{"temporary"}, Tags: []string{"a"}}
	require.Equal(t, Key("u1", p), Key("u1", p))
	require.NotEqual(t, Key("u1", p), Key("u2", p))

	p2 := p
	p2.Tags = []string{"b"}
	require.NotEqual(t, Key("u1", p), Key("u1", p2))
}

func TestL1HitAndMiss(t *testing.T) {
	c, col := newTestCache()
	ctx := context.Background()
	key := Key("u1", selection{OwnerID: "u1"})

	_, ok := c.Get(ctx, key)
	require.False(t, ok)
	require.Equal(t, float64(1), col.Count(metrics.CacheMiss))

	ws := &model.WorkingSet{TotalTokens: 42, Budget: model.Budget{Cap: 2000, ReservedForModel: 512}}
	c.Set(ctx, key, ws, 0)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, 42, got.TotalTokens)
	require.Equal(t, float64(1), col.Count(metrics.CacheL1Hit))
}

func TestInvalidateOwnerIsScoped(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	k1 := Key("u1", selection{OwnerID: "u1"})
	k2 := Key("u2", selection{OwnerID: "u2"})
	ws := &model.WorkingSet{TotalTokens: 1}
	c.Set(ctx, k1, ws, 0)
	c.Set(ctx, k2, ws, 0)

	c.InvalidateOwner(ctx, "u1")

	_, ok := c.Get(ctx, k1)
	require.False(t, ok, "owner u1 entry should be gone")
	_, ok = c.Get(ctx, k2)
	require.True(t, ok, "owner u2 entry must survive")
}

func TestSetL1CapacityRebuilds(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	c.Set(ctx, Key("u1", 1), &model.WorkingSet{}, 0)
	require.Equal(t, 1, c.L1Len())

	c.SetL1Capacity(5000)
	require.Equal(t, 0, c.L1Len(), "resize drops advisory entries")

	c.Set(ctx, Key("u1", 2), &model.WorkingSet{}, 0)
	require.Equal(t, 1, c.L1Len())
}

func TestNilRedisDegradesSilently(t *testing.T) {
	c, col := newTestCache()
	ctx := context.Background()

	c.InvalidateOwner(ctx, "u1") // must not panic
	_, ok := c.Get(ctx, Key("u1", 1))
	require.False(t, ok)
	require.Equal(t, float64(0), col.Count(metrics.CacheL2Error))
}
