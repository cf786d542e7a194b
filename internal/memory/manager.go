// Package memory implements the manager that orchestrates persistence,
// working-set assembly, promotion, search and deletion over the relational
// store, the two-level cache and the supporting units.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/cache"
	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/rbac"
	"github.com/engramlabs/engram/internal/schema"
	"github.com/engramlabs/engram/internal/sensitive"
	"github.com/engramlabs/engram/internal/store"
	"github.com/engramlabs/engram/internal/tuner"
)

const (
	candidateCap      = 1000
	defaultConfidence = 0.5
)

// Manager owns all writes to memory items and audit records. The cache is
// strictly advisory; the store is the single source of truth.
type Manager struct {
	store     store.Store
	cache     *cache.WorkingSetCache
	cryptor   *sensitive.Cryptor
	schemas   *schema.Registry
	tuner     *tuner.AutoTuner
	collector *metrics.Collector
	log       zerolog.Logger

	budgetTotal   int
	budgetReserve int
	estimator     Estimator
	now           func() time.Time
}

// New wires the manager. budgetTotal/budgetReserve are the process-wide
// defaults used when a caller does not pass its own envelope.
func New(st store.Store, c *cache.WorkingSetCache, cr *sensitive.Cryptor, reg *schema.Registry,
	tn *tuner.AutoTuner, col *metrics.Collector, budgetTotal, budgetReserve int, log zerolog.Logger) *Manager {
	return &Manager{
		store:         st,
		cache:         c,
		cryptor:       cr,
		schemas:       reg,
		tuner:         tn,
		collector:     col,
		log:           log,
		budgetTotal:   budgetTotal,
		budgetReserve: budgetReserve,
		estimator:     DefaultEstimator(),
		now:           time.Now,
	}
}

// SetEstimator swaps the token estimator.
func (m *Manager) SetEstimator(e Estimator) {
	if e != nil {
		m.estimator = e
	}
}

func (m *Manager) audit(ctx context.Context, rec *model.AuditRecord) {
	rec.CreatedAt = m.now().UTC()
	if err := m.store.Audits().Append(ctx, rec); err != nil {
		// Best effort: the mutation the record describes must stand.
		m.log.Warn().Err(err).Str("action", string(rec.Action)).Msg("audit write failed")
	}
}

func snapshot(it *model.MemoryItem) json.RawMessage {
	b, err := json.Marshal(it)
	if err != nil {
		return nil
	}
	return b
}

// --- Working set ---

// WorkingSetParams selects and budgets one working set. Nil numeric fields
// fall back to the process-wide defaults; empty slices mean "all".
type WorkingSetParams struct {
	MaxTokens       *int          `json:"maxTokens,omitempty"`
	ReserveForModel *int          `json:"reserveForModel,omitempty"`
	Layers          []model.Layer `json:"layers,omitempty"`
	Scopes          []model.Scope `json:"scopes,omitempty"`
	Tags            []string      `json:"tags,omitempty"`
}

// normalizedParams is the canonical, sorted form hashed into the cache key.
type normalizedParams struct {
	MaxTokens int      `json:"maxTokens"`
	Reserve   int      `json:"reserve"`
	Layers    []string `json:"layers"`
	Scopes    []string `json:"scopes"`
	Tags      []string `json:"tags"`
}

func (m *Manager) normalize(p WorkingSetParams) (normalizedParams, []model.Layer, []model.Scope) {
	maxTokens := m.budgetTotal
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		maxTokens = *p.MaxTokens
	}
	reserve := m.budgetReserve
	if p.ReserveForModel != nil && *p.ReserveForModel >= 0 {
		reserve = *p.ReserveForModel
	}

	layers := p.Layers
	if len(layers) == 0 {
		layers = []model.Layer{model.LayerContext, model.LayerTemporary, model.LayerPermanent}
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []model.Scope{model.ScopeAgentManaged, model.ScopeUserOwned}
	}

	norm := normalizedParams{
		MaxTokens: maxTokens,
		Reserve:   reserve,
		Layers:    make([]string, len(layers)),
		Scopes:    make([]string, len(scopes)),
		Tags:      append([]string{}, p.Tags...),
	}
	for i, l := range layers {
		norm.Layers[i] = string(l)
	}
	for i, s := range scopes {
		norm.Scopes[i] = string(s)
	}
	sort.Strings(norm.Layers)
	sort.Strings(norm.Scopes)
	sort.Strings(norm.Tags)
	return norm, layers, scopes
}

// rankCandidates orders candidates into the deterministic selection order:
// layer priority, review state, confidence, usage counters, recency, key.
func rankCandidates(items []*model.MemoryItem) {
	sort.SliceStable(items, func(a, b int) bool {
		ia, ib := items[a], items[b]
		if pa, pb := ia.Layer.Priority(), ib.Layer.Priority(); pa != pb {
			return pa > pb
		}
		if ia.NeedsReview != ib.NeedsReview {
			return !ia.NeedsReview
		}
		if ia.Confidence != ib.Confidence {
			return ia.Confidence > ib.Confidence
		}
		if ia.UsedInResponses != ib.UsedInResponses {
			return ia.UsedInResponses > ib.UsedInResponses
		}
		if ia.AccessCount != ib.AccessCount {
			return ia.AccessCount > ib.AccessCount
		}
		if !ia.UpdatedAt.Equal(ib.UpdatedAt) {
			return ia.UpdatedAt.After(ib.UpdatedAt)
		}
		return ia.Key < ib.Key
	})
}

// GetWorkingSet assembles the token-budgeted working set for one turn.
// Cached results are returned verbatim; a miss selects, ranks and greedily
// packs candidates, bumps their access counts and records a PREWARM audit.
func (m *Manager) GetWorkingSet(ctx context.Context, ownerID string, p WorkingSetParams) (*model.WorkingSet, error) {
	if ownerID == "" {
		return nil, pkgerrors.Wrap(model.ErrValidation, "ownerId is required")
	}
	start := m.now()
	defer m.collector.RecordLatency(metrics.WorkingSetLatencyMs, start)

	norm, layers, scopes := m.normalize(p)
	key := cache.Key(ownerID, norm)
	if ws, ok := m.cache.Get(ctx, key); ok {
		return ws, nil
	}

	now := m.now().UTC()
	candidates, err := m.store.Items().SelectCandidates(ctx, store.CandidateFilter{
		OwnerID: ownerID,
		Scopes:  scopes,
		Layers:  layers,
		Tags:    p.Tags,
		Now:     now,
		Limit:   candidateCap,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select working-set candidates")
	}
	rankCandidates(candidates)

	budget := model.Budget{
		Cap:              norm.MaxTokens,
		ReservedForModel: norm.Reserve,
	}
	if avail := norm.MaxTokens - norm.Reserve; avail > 0 {
		budget.AvailableForContext = avail
	}

	ws := &model.WorkingSet{Items: []model.WorkingSetItem{}, Budget: budget}
	remaining := budget.AvailableForContext
	var selectedIDs []string
	for _, it := range candidates {
		cost := it.TokenCost
		if cost <= 0 {
			cost = m.estimator.Estimate(it.Content)
		}
		// Skip, don't truncate: a large item never squeezes out budget
		// that a smaller later item could still use.
		if cost > remaining {
			continue
		}
		remaining -= cost
		ws.TotalTokens += cost
		selectedIDs = append(selectedIDs, it.ID)
		ws.Items = append(ws.Items, model.WorkingSetItem{
			ID:         it.ID,
			Scope:      it.Scope,
			Layer:      it.Layer,
			Key:        it.Key,
			Attribute:  it.Attribute,
			Detail:     it.Detail,
			Tags:       it.Tags,
			Content:    it.Content,
			TokenCost:  cost,
			Confidence: it.Confidence,
		})
	}

	if err := m.store.Items().IncrementAccess(ctx, ownerID, selectedIDs); err != nil {
		return nil, pkgerrors.Wrap(err, "increment access counts")
	}

	after, _ := json.Marshal(map[string]any{"selectedIds": selectedIDs, "totalTokens": ws.TotalTokens})
	m.audit(ctx, &model.AuditRecord{
		OwnerID: ownerID,
		Action:  model.AuditPrewarm,
		After:   after,
	})

	m.cache.Set(ctx, key, ws, time.Duration(m.tuner.CacheConfig().L2TTLContext)*time.Second)
	return ws, nil
}

// --- Upsert ---

// UpsertParams describes one write. (OwnerID, Key) addresses the row.
type UpsertParams struct {
	OwnerID     string          `json:"ownerId"`
	Scope       model.Scope     `json:"scope"`
	Layer       model.Layer     `json:"layer"`
	Key         string          `json:"key"`
	Attribute   *string         `json:"attribute,omitempty"`
	Detail      *string         `json:"detail,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Content     json.RawMessage `json:"content"`
	Confidence  *float64        `json:"confidence,omitempty"`
	NeedsReview *bool           `json:"needsReview,omitempty"`
	Sensitivity sensitive.Level `json:"sensitivity,omitempty"`
	TTLSeconds  *int            `json:"ttlSeconds,omitempty"`
	ActorID     *string         `json:"actorId,omitempty"`
	RequestID   *string         `json:"requestId,omitempty"`
}

// UpsertResult reports the outcome. Validation failures populate Error and
// NeedsReview and persist nothing.
type UpsertResult struct {
	ID          string `json:"id,omitempty"`
	Updated     bool   `json:"updated"`
	NeedsReview bool   `json:"needsReview,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Upsert validates, optionally encrypts, and writes one memory item,
// updating in place when (ownerId, key) already exists.
func (m *Manager) Upsert(ctx context.Context, p UpsertParams) (*UpsertResult, error) {
	start := m.now()
	defer m.collector.RecordLatency(metrics.UpsertLatencyMs, start)

	if p.OwnerID == "" || p.Key == "" {
		return &UpsertResult{Error: "ownerId and key are required"}, nil
	}
	if !p.Scope.Valid() {
		return &UpsertResult{Error: fmt.Sprintf("unknown scope %q", p.Scope)}, nil
	}
	if !p.Layer.Valid() {
		return &UpsertResult{Error: fmt.Sprintf("unknown layer %q", p.Layer)}, nil
	}

	schemaID := m.schemas.DetectSchemaID(p.Key)
	if valid, msg := m.schemas.Validate(p.Content, schemaID); !valid {
		m.collector.Increment(metrics.ValidationErrorCount)
		m.collector.Increment(metrics.NeedsReviewCount)
		return &UpsertResult{NeedsReview: true, Error: msg}, nil
	}

	now := m.now().UTC()
	tokenCost := m.estimator.Estimate(p.Content)
	content := p.Content
	if sensitive.ShouldEncrypt(p.Sensitivity) {
		content = m.cryptor.Wrap(p.Content, p.Sensitivity)
	}

	var expiresAt *time.Time
	if p.TTLSeconds != nil && *p.TTLSeconds > 0 && p.Layer != model.LayerPermanent {
		exp := now.Add(time.Duration(*p.TTLSeconds) * time.Second)
		expiresAt = &exp
	}

	existing, err := m.store.Items().GetByKey(ctx, p.OwnerID, p.Key)
	switch {
	case err == nil:
		before := snapshot(existing)
		updated := *existing
		updated.Scope = p.Scope
		updated.Layer = p.Layer
		updated.Content = content
		updated.TokenCost = tokenCost
		updated.SchemaID = schemaID
		// The review flag sticks to the row until the caller clears it.
		if p.NeedsReview != nil {
			updated.NeedsReview = *p.NeedsReview
		}
		updated.UpdatedAt = now
		updated.ExpiresAt = expiresAt
		// Unspecified optional fields carry over from the previous row.
		if p.Attribute != nil {
			updated.Attribute = p.Attribute
		}
		if p.Detail != nil {
			updated.Detail = p.Detail
		}
		if p.Tags != nil {
			updated.Tags = p.Tags
		}
		if p.Confidence != nil {
			updated.Confidence = *p.Confidence
		}
		if err := m.store.Items().Update(ctx, &updated); err != nil {
			return nil, pkgerrors.Wrap(err, "update memory item")
		}
		m.audit(ctx, &model.AuditRecord{
			OwnerID:   p.OwnerID,
			ActorID:   p.ActorID,
			Action:    model.AuditUpdate,
			EntityID:  &updated.ID,
			EntityKey: &updated.Key,
			Scope:     &updated.Scope,
			Layer:     &updated.Layer,
			Before:    before,
			After:     snapshot(&updated),
			RequestID: p.RequestID,
		})
		m.collector.Increment(metrics.UpsertCount)
		m.cache.InvalidateOwner(ctx, p.OwnerID)
		return &UpsertResult{ID: updated.ID, Updated: true}, nil

	case pkgerrors.Is(err, model.ErrNotFound):
		confidence := defaultConfidence
		if p.Confidence != nil {
			confidence = *p.Confidence
		}
		needsReview := false
		if p.NeedsReview != nil {
			needsReview = *p.NeedsReview
		}
		item := &model.MemoryItem{
			ID:          uuid.New().String(),
			OwnerID:     p.OwnerID,
			Scope:       p.Scope,
			Layer:       p.Layer,
			Key:         p.Key,
			Attribute:   p.Attribute,
			Detail:      p.Detail,
			Tags:        p.Tags,
			Content:     content,
			TokenCost:   tokenCost,
			Confidence:  confidence,
			NeedsReview: needsReview,
			SchemaID:    schemaID,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   expiresAt,
		}
		if err := m.store.Items().Insert(ctx, item); err != nil {
			return nil, pkgerrors.Wrap(err, "insert memory item")
		}
		m.audit(ctx, &model.AuditRecord{
			OwnerID:   p.OwnerID,
			ActorID:   p.ActorID,
			Action:    model.AuditCreate,
			EntityID:  &item.ID,
			EntityKey: &item.Key,
			Scope:     &item.Scope,
			Layer:     &item.Layer,
			After:     snapshot(item),
			RequestID: p.RequestID,
		})
		m.collector.Increment(metrics.UpsertCount)
		m.cache.InvalidateOwner(ctx, p.OwnerID)
		return &UpsertResult{ID: item.ID, Updated: false}, nil

	default:
		return nil, pkgerrors.Wrap(err, "lookup memory item")
	}
}

// --- Delete ---

// DeleteByIDsOrKeys deletes matching rows scoped to ownerID. Cross-owner ids
// and keys are silently ignored. One DELETE audit is written per removed row
// with its full prior snapshot.
func (m *Manager) DeleteByIDsOrKeys(ctx context.Context, ownerID string, ids, keys []string, actorID, requestID *string) (int, error) {
	if ownerID == "" {
		return 0, pkgerrors.Wrap(model.ErrValidation, "ownerId is required")
	}

	var removed []*model.MemoryItem
	if len(ids) > 0 {
		rows, err := m.store.Items().DeleteByIDs(ctx, ownerID, ids)
		if err != nil {
			return 0, pkgerrors.Wrap(err, "delete by ids")
		}
		removed = append(removed, rows...)
	}
	if len(keys) > 0 {
		rows, err := m.store.Items().DeleteByKeys(ctx, ownerID, keys)
		if err != nil {
			return len(removed), pkgerrors.Wrap(err, "delete by keys")
		}
		removed = append(removed, rows...)
	}

	for _, it := range removed {
		it := it
		m.audit(ctx, &model.AuditRecord{
			OwnerID:   ownerID,
			ActorID:   actorID,
			Action:    model.AuditDelete,
			EntityID:  &it.ID,
			EntityKey: &it.Key,
			Scope:     &it.Scope,
			Layer:     &it.Layer,
			Before:    snapshot(it),
			RequestID: requestID,
		})
	}
	if len(removed) > 0 {
		m.cache.InvalidateOwner(ctx, ownerID)
	}
	return len(removed), nil
}

// --- Promote ---

// PromoteParams drives the temporary-to-permanent state machine.
type PromoteParams struct {
	OwnerID   string    `json:"ownerId"`
	Key       string    `json:"key"`
	Force     bool      `json:"force,omitempty"`
	Merge     bool      `json:"merge,omitempty"`
	Reason    *string   `json:"reason,omitempty"`
	ActorRole rbac.Role `json:"actorRole"`
	ActorID   *string   `json:"actorId,omitempty"`
	RequestID *string   `json:"requestId,omitempty"`
}

// PromoteResult reports the outcome; rejections carry the decisive reason.
type PromoteResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Promote moves the temporary row for (ownerId, key) to the permanent layer,
// gated by role, review state and the current tuning thresholds.
func (m *Manager) Promote(ctx context.Context, p PromoteParams) (*PromoteResult, error) {
	start := m.now()
	defer m.collector.RecordLatency(metrics.PromoteLatencyMs, start)

	if !rbac.CanPromote(p.ActorRole) {
		return &PromoteResult{Error: fmt.Sprintf("role %q may not promote memories", p.ActorRole)}, nil
	}

	temp, err := m.store.Items().GetByKeyLayer(ctx, p.OwnerID, p.Key, model.LayerTemporary)
	if pkgerrors.Is(err, model.ErrNotFound) {
		return &PromoteResult{Error: "not found: no temporary memory for key"}, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "lookup temporary memory")
	}

	if temp.NeedsReview && !p.Force {
		m.collector.Increment(metrics.NeedsReviewCount)
		return &PromoteResult{Error: "memory is flagged for review; use force to override"}, nil
	}

	if !p.Force {
		cfg := m.tuner.PromotionConfig()
		var deficits []string
		if temp.AccessCount < cfg.MinAccessCount {
			deficits = append(deficits, fmt.Sprintf("accessCount %d < %d", temp.AccessCount, cfg.MinAccessCount))
		}
		if temp.UsedInResponses < cfg.MinUsedInResponses {
			deficits = append(deficits, fmt.Sprintf("usedInResponses %d < %d", temp.UsedInResponses, cfg.MinUsedInResponses))
		}
		if temp.Confidence < cfg.MinConfidence {
			deficits = append(deficits, fmt.Sprintf("confidence %.2f < %.2f", temp.Confidence, cfg.MinConfidence))
		}
		if len(deficits) > 0 {
			return &PromoteResult{Error: "promotion criteria not met: " + strings.Join(deficits, "; ")}, nil
		}
	}

	now := m.now().UTC()
	perm, err := m.store.Items().GetByKeyLayer(ctx, p.OwnerID, p.Key, model.LayerPermanent)
	switch {
	case err == nil && !p.Merge:
		return &PromoteResult{Error: "a permanent memory already exists for key; pass merge to combine"}, nil

	case err == nil:
		// Merge: content follows the newer temporary row, confidence keeps
		// the stronger signal, counters accumulate.
		before := snapshot(perm)
		perm.Content = temp.Content
		if temp.Confidence > perm.Confidence {
			perm.Confidence = temp.Confidence
		}
		perm.AccessCount += temp.AccessCount
		perm.UsedInResponses += temp.UsedInResponses
		perm.ExpiresAt = nil
		perm.UpdatedAt = now
		if err := m.store.Items().Update(ctx, perm); err != nil {
			return nil, pkgerrors.Wrap(err, "merge into permanent memory")
		}
		if _, err := m.store.Items().DeleteByIDs(ctx, p.OwnerID, []string{temp.ID}); err != nil {
			return nil, pkgerrors.Wrap(err, "remove merged temporary memory")
		}
		m.audit(ctx, &model.AuditRecord{
			OwnerID:   p.OwnerID,
			ActorID:   p.ActorID,
			Action:    model.AuditPromoteMerge,
			EntityID:  &perm.ID,
			EntityKey: &perm.Key,
			Scope:     &perm.Scope,
			Layer:     &perm.Layer,
			Before:    before,
			After:     snapshot(perm),
			RequestID: p.RequestID,
		})

	case pkgerrors.Is(err, model.ErrNotFound):
		before := snapshot(temp)
		temp.Layer = model.LayerPermanent
		temp.ExpiresAt = nil
		temp.UpdatedAt = now
		if err := m.store.Items().Update(ctx, temp); err != nil {
			return nil, pkgerrors.Wrap(err, "promote memory")
		}
		m.audit(ctx, &model.AuditRecord{
			OwnerID:   p.OwnerID,
			ActorID:   p.ActorID,
			Action:    model.AuditPromote,
			EntityID:  &temp.ID,
			EntityKey: &temp.Key,
			Scope:     &temp.Scope,
			Layer:     &temp.Layer,
			Before:    before,
			After:     snapshot(temp),
			RequestID: p.RequestID,
		})

	default:
		return nil, pkgerrors.Wrap(err, "lookup permanent memory")
	}

	m.collector.Increment(metrics.PromoteCount)
	m.cache.InvalidateOwner(ctx, p.OwnerID)
	return &PromoteResult{OK: true}, nil
}

// --- Search ---

// SearchParams filters the read-only search surface.
type SearchParams struct {
	OwnerID       string       `json:"ownerId"`
	Query         string       `json:"query,omitempty"`
	Layer         *model.Layer `json:"layer,omitempty"`
	Keys          []string     `json:"keys,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	MinConfidence *float64     `json:"minConfidence,omitempty"`
	Limit         int          `json:"limit,omitempty"`
}

// Search matches the query case-insensitively against keys and serialized
// content. No side effects: no access counting, no audit, no cache writes.
func (m *Manager) Search(ctx context.Context, p SearchParams) ([]*model.MemoryItem, error) {
	if p.OwnerID == "" {
		return nil, pkgerrors.Wrap(model.ErrValidation, "ownerId is required")
	}
	if p.Layer != nil && !p.Layer.Valid() {
		return nil, pkgerrors.Wrapf(model.ErrValidation, "unknown layer %q", *p.Layer)
	}
	items, err := m.store.Items().Search(ctx, store.SearchFilter{
		OwnerID:       p.OwnerID,
		Query:         p.Query,
		Layer:         p.Layer,
		Keys:          p.Keys,
		Tags:          p.Tags,
		MinConfidence: p.MinConfidence,
		Limit:         p.Limit,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "search memory items")
	}
	return items, nil
}

// Store exposes the underlying store for maintenance jobs.
func (m *Manager) Store() store.Store { return m.store }
