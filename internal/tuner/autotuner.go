// Package tuner adjusts cache sizing and promotion thresholds from
// observed load, keeping a bounded undo stack so bad changes can be
// rolled back.
package tuner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/metrics"
)

// CacheConfig is the tunable cache state. TTLs are seconds.
type CacheConfig struct {
	L1MaxEntries   int `json:"l1MaxEntries"`
	L1TTLContext   int `json:"l1TtlContext"`
	L1TTLTemporary int `json:"l1TtlTemporary"`
	L1TTLPermanent int `json:"l1TtlPermanent"`
	L2TTLContext   int `json:"l2TtlContext"`
	L2TTLTemporary int `json:"l2TtlTemporary"`
	L2TTLPermanent int `json:"l2TtlPermanent"`
}

// PromotionConfig gates temporary to permanent promotion.
type PromotionConfig struct {
	MinAccessCount     int     `json:"minAccessCount"`
	MinUsedInResponses int     `json:"minUsedInResponses"`
	MinConfidence      float64 `json:"minConfidence"`
}

// DefaultCacheConfig returns the process-start cache tuning state.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		L1MaxEntries:   10_000,
		L1TTLContext:   300,
		L1TTLTemporary: 1800,
		L1TTLPermanent: 3600,
		L2TTLContext:   600,
		L2TTLTemporary: 3600,
		L2TTLPermanent: 86_400,
	}
}

// DefaultPromotionConfig returns the process-start promotion thresholds.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{MinAccessCount: 20, MinUsedInResponses: 10, MinConfidence: 0.7}
}

// CacheResizer lets the tuner push L1 sizing into the cache tier.
type CacheResizer interface {
	SetL1Capacity(entries int)
}

// OptimizeResult reports what one optimization pass did.
type OptimizeResult struct {
	Changed bool     `json:"changed"`
	Changes []string `json:"changes,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// RollbackResult reports the outcome of a rollback attempt.
type RollbackResult struct {
	Success      bool      `json:"success"`
	Reason       string    `json:"reason,omitempty"`
	RolledBackTo time.Time `json:"rolledBackTo,omitempty"`
}

type snapshot struct {
	cache     CacheConfig
	promotion PromotionConfig
	takenAt   time.Time
}

const (
	historyCap       = 32
	maxChangePercent = 50
)

// AutoTuner owns CacheConfig and PromotionConfig for the process.
type AutoTuner struct {
	mu        sync.Mutex
	cache     CacheConfig
	promotion PromotionConfig
	history   []snapshot

	collector *metrics.Collector
	resizer   CacheResizer
	log       zerolog.Logger

	rollbackOnDegradation bool
	degradeCheckDelay     time.Duration
}

// New builds a tuner with default configs. resizer may be nil.
func New(collector *metrics.Collector, resizer CacheResizer, log zerolog.Logger) *AutoTuner {
	return &AutoTuner{
		cache:                 DefaultCacheConfig(),
		promotion:             DefaultPromotionConfig(),
		collector:             collector,
		resizer:               resizer,
		log:                   log,
		rollbackOnDegradation: true,
		degradeCheckDelay:     60 * time.Second,
	}
}

// CacheConfig returns a copy of the current cache tuning state.
func (t *AutoTuner) CacheConfig() CacheConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache
}

// PromotionConfig returns a copy of the current promotion thresholds.
func (t *AutoTuner) PromotionConfig() PromotionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.promotion
}

func (t *AutoTuner) pushHistory() {
	t.history = append(t.history, snapshot{cache: t.cache, promotion: t.promotion, takenAt: time.Now()})
	if len(t.history) > historyCap {
		t.history = t.history[1:]
	}
}

func capGrowth(current, grown int) int {
	ceiling := current + current*maxChangePercent/100
	if grown > ceiling {
		return ceiling
	}
	return grown
}

// OptimizeCacheSizing grows L1 capacity when L1 misses what L2 still
// serves, and grows TTLs when too much misses both tiers. No-op below a
// minimum sample count.
func (t *AutoTuner) OptimizeCacheSizing() OptimizeResult {
	l1 := t.collector.Count(metrics.CacheL1Hit)
	l2 := t.collector.Count(metrics.CacheL2Hit)
	miss := t.collector.Count(metrics.CacheMiss)
	total := l1 + l2 + miss

	if total < 100 {
		return OptimizeResult{Changed: false, Reason: "insufficient data for optimization"}
	}

	l1Rate := l1 / total
	l2Rate := l2 / total
	missRate := miss / total

	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []string
	next := t.cache

	if l1Rate < 0.5 && l2Rate > 0.3 {
		next.L1MaxEntries = capGrowth(t.cache.L1MaxEntries, t.cache.L1MaxEntries*120/100)
		changes = append(changes, "increased L1 cache capacity by 20%")
	}

	if missRate > 0.4 {
		next.L1TTLContext = capGrowth(t.cache.L1TTLContext, t.cache.L1TTLContext*120/100)
		next.L1TTLTemporary = capGrowth(t.cache.L1TTLTemporary, t.cache.L1TTLTemporary*120/100)
		changes = append(changes, "increased cache TTLs by 20%")
	}

	if len(changes) == 0 {
		return OptimizeResult{Changed: false, Reason: "no optimization needed"}
	}

	t.pushHistory()
	t.cache = next
	if t.resizer != nil {
		t.resizer.SetL1Capacity(next.L1MaxEntries)
	}
	t.log.Info().Strs("changes", changes).Msg("cache configuration tuned")
	return OptimizeResult{Changed: true, Changes: changes}
}

// OptimizePromotionPolicy relaxes thresholds when the review backlog
// dwarfs promotions, and tightens them when promotions are frequent with a
// small backlog. Bounded floors and ceilings keep the policy sane.
func (t *AutoTuner) OptimizePromotionPolicy() OptimizeResult {
	promotions := t.collector.Count(metrics.PromoteCount)
	backlog := t.collector.Count(metrics.NeedsReviewCount)

	if promotions+backlog < 10 {
		return OptimizeResult{Changed: false, Reason: "insufficient data for optimization"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []string
	next := t.promotion

	if backlog > promotions*2 {
		next.MinAccessCount = maxInt(next.MinAccessCount*8/10, 5)
		next.MinUsedInResponses = maxInt(next.MinUsedInResponses*8/10, 3)
		next.MinConfidence = maxFloat(next.MinConfidence*0.9, 0.5)
		changes = append(changes, "relaxed promotion criteria to reduce review backlog")
	}

	if promotions > 100 && backlog < 10 {
		next.MinAccessCount = next.MinAccessCount * 12 / 10
		next.MinUsedInResponses = next.MinUsedInResponses * 12 / 10
		next.MinConfidence = minFloat(next.MinConfidence*1.1, 0.95)
		changes = append(changes, "tightened promotion criteria to be more selective")
	}

	if len(changes) == 0 {
		return OptimizeResult{Changed: false, Reason: "no optimization needed"}
	}

	t.pushHistory()
	t.promotion = next
	t.log.Info().Strs("changes", changes).Msg("promotion policy tuned")
	return OptimizeResult{Changed: true, Changes: changes}
}

// Rollback restores the most recent snapshot of both configs.
func (t *AutoTuner) Rollback() RollbackResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return RollbackResult{Success: false, Reason: "no previous configuration to roll back to"}
	}

	prev := t.history[len(t.history)-1]
	t.history = t.history[:len(t.history)-1]
	t.cache = prev.cache
	t.promotion = prev.promotion
	if t.resizer != nil {
		t.resizer.SetL1Capacity(prev.cache.L1MaxEntries)
	}
	t.log.Warn().Time("rolled_back_to", prev.takenAt).Msg("tuning configuration rolled back")
	return RollbackResult{Success: true, RolledBackTo: prev.takenAt}
}

// CheckDegradation reports whether post-change signals look worse than the
// rollback thresholds allow.
func (t *AutoTuner) CheckDegradation() bool {
	p95 := t.collector.P95(metrics.WorkingSetLatencyMs)
	alerts := t.collector.CheckAlerts()
	return p95 > 500 || len(alerts) > 2
}

// AutoOptimizeResult bundles one full optimization pass.
type AutoOptimizeResult struct {
	Cache     OptimizeResult `json:"cache"`
	Promotion OptimizeResult `json:"promotion"`
	Timestamp time.Time      `json:"timestamp"`
}

// AutoOptimize runs both optimizations and, when anything changed,
// schedules a degradation check that rolls back on bad signals.
func (t *AutoTuner) AutoOptimize() AutoOptimizeResult {
	cacheRes := t.OptimizeCacheSizing()
	promoRes := t.OptimizePromotionPolicy()

	if (cacheRes.Changed || promoRes.Changed) && t.rollbackOnDegradation {
		time.AfterFunc(t.degradeCheckDelay, func() {
			if t.CheckDegradation() {
				t.Rollback()
			}
		})
	}

	return AutoOptimizeResult{Cache: cacheRes, Promotion: promoRes, Timestamp: time.Now()}
}

// Report summarizes current config, metric state and alerts.
type Report struct {
	CacheConfig     CacheConfig                     `json:"cacheConfig"`
	PromotionConfig PromotionConfig                 `json:"promotionConfig"`
	Metrics         map[string]metrics.SeriesReport `json:"metrics"`
	Alerts          []string                        `json:"alerts"`
	HistoryLength   int                             `json:"historyLength"`
}

// GetReport builds the observability report.
func (t *AutoTuner) GetReport() Report {
	t.mu.Lock()
	cacheCfg := t.cache
	promoCfg := t.promotion
	histLen := len(t.history)
	t.mu.Unlock()

	return Report{
		CacheConfig:     cacheCfg,
		PromotionConfig: promoCfg,
		Metrics:         t.collector.Report(),
		Alerts:          t.collector.CheckAlerts(),
		HistoryLength:   histLen,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
