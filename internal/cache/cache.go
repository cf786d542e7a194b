// Package cache provides the two-level working-set cache: a bounded
// process-local LRU in front of a shared Redis tier. Both levels hold only
// derived, reconstructable snapshots, so every failure path degrades to a
// miss and never to an error.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
)

const (
	keyPrefix = "engram:ws:"

	// l1Window caps how long a process-local copy is trusted, independent
	// of the TTL stored in the shared tier.
	l1Window = 60 * time.Second

	defaultL1Entries = 10_000
)

// WorkingSetCache caches assembled working sets keyed by owner and
// selection parameters.
type WorkingSetCache struct {
	mu  sync.RWMutex
	l1  *expirable.LRU[string, []byte]
	rdb *redis.Client // nil disables the shared tier

	collector *metrics.Collector
	log       zerolog.Logger
}

// New builds a cache. rdb may be nil for L1-only operation.
func New(rdb *redis.Client, collector *metrics.Collector, log zerolog.Logger) *WorkingSetCache {
	return &WorkingSetCache{
		l1:        expirable.NewLRU[string, []byte](defaultL1Entries, nil, l1Window),
		rdb:       rdb,
		collector: collector,
		log:       log,
	}
}

// Key derives the cache key for one owner and normalized selection
// parameters. Struct field order makes the serialization deterministic.
func Key(ownerID string, params any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return keyPrefix + ownerID + ":na"
	}
	sum := sha1.Sum(b)
	return keyPrefix + ownerID + ":" + hex.EncodeToString(sum[:])
}

// Get returns a cached working set. L1 is consulted first; an L2 hit
// re-warms L1 for the short window.
func (c *WorkingSetCache) Get(ctx context.Context, key string) (*model.WorkingSet, bool) {
	c.mu.RLock()
	raw, ok := c.l1.Get(key)
	c.mu.RUnlock()
	if ok {
		if ws := decode(raw); ws != nil {
			c.collector.Increment(metrics.CacheL1Hit)
			return ws, true
		}
	}

	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if ws := decode(val); ws != nil {
				c.mu.RLock()
				c.l1.Add(key, val)
				c.mu.RUnlock()
				c.collector.Increment(metrics.CacheL2Hit)
				return ws, true
			}
		case err != redis.Nil:
			c.collector.Increment(metrics.CacheL2Error)
			c.log.Debug().Err(err).Msg("shared cache read failed, treating as miss")
		}
	}

	c.collector.Increment(metrics.CacheMiss)
	return nil, false
}

// Set stores the working set in both tiers. The shared tier honors ttl;
// the local tier is always bounded by its short window.
func (c *WorkingSetCache) Set(ctx context.Context, key string, ws *model.WorkingSet, ttl time.Duration) {
	raw, err := json.Marshal(ws)
	if err != nil {
		return
	}

	c.mu.RLock()
	c.l1.Add(key, raw)
	c.mu.RUnlock()

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
			c.collector.Increment(metrics.CacheL2Error)
			c.log.Debug().Err(err).Msg("shared cache write failed")
		}
	}
}

// InvalidateOwner removes every cached working set for the owner: exact
// prefix removal in L1, best-effort SCAN+DEL in L2.
func (c *WorkingSetCache) InvalidateOwner(ctx context.Context, ownerID string) {
	prefix := keyPrefix + ownerID + ":"

	c.mu.RLock()
	for _, k := range c.l1.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.l1.Remove(k)
		}
	}
	c.mu.RUnlock()

	if c.rdb == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			c.collector.Increment(metrics.CacheL2Error)
			c.log.Debug().Err(err).Msg("shared cache scan failed during invalidation")
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.collector.Increment(metrics.CacheL2Error)
				c.log.Debug().Err(err).Msg("shared cache delete failed during invalidation")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// SetL1Capacity rebuilds the local tier with a new entry bound. Entries are
// dropped; the cache is advisory so a cold start is safe.
func (c *WorkingSetCache) SetL1Capacity(entries int) {
	if entries <= 0 {
		return
	}
	c.mu.Lock()
	c.l1 = expirable.NewLRU[string, []byte](entries, nil, l1Window)
	c.mu.Unlock()
}

// L1Len reports how many entries the local tier currently holds.
func (c *WorkingSetCache) L1Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.l1.Len()
}

func decode(raw []byte) *model.WorkingSet {
	var ws model.WorkingSet
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil
	}
	return &ws
}
