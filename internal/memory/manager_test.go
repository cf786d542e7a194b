package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/cache"
	"github.com/engramlabs/engram/internal/logger"
	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/rbac"
	"github.com/engramlabs/engram/internal/schema"
	"github.com/engramlabs/engram/internal/sensitive"
	sqlitestore "github.com/engramlabs/engram/internal/store/sqlite"
	"github.com/engramlabs/engram/internal/tuner"
)

func intPtr(v int) *int                   { return &v }
func floatPtr(v float64) *float64         { return &v }
func boolPtr(v bool) *bool                { return &v }
func layerPtr(l model.Layer) *model.Layer { return &l }

type env struct {
	mgr       *Manager
	collector *metrics.Collector
	cryptor   *sensitive.Cryptor
	tuner     *tuner.AutoTuner
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	st, err := sqlitestore.New(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)

	log := logger.Nop()
	col := metrics.NewCollector()
	ws := cache.New(nil, col, log)
	cr := sensitive.NewCryptor("pii-key", "secret-key", "confidential-key", log)
	tn := tuner.New(col, ws, log)
	mgr := New(st, ws, cr, schema.NewRegistry(), tn, col, 2000, 512, log)
	return &env{mgr: mgr, collector: col, cryptor: cr, tuner: tn}
}

func TestUpsertIsIdempotentOnOwnerKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	p := UpsertParams{
		OwnerID:    "u1",
		Scope:      model.ScopeUserOwned,
		Layer:      model.LayerTemporary,
		Key:        "user:u1:pref:theme",
		Content:    json.RawMessage(`{"theme":"dark"}`),
		Confidence: floatPtr(0.9),
	}

	first, err := e.mgr.Upsert(ctx, p)
	require.NoError(t, err)
	require.Empty(t, first.Error)
	require.False(t, first.Updated)

	second, err := e.mgr.Upsert(ctx, p)
	require.NoError(t, err)
	require.True(t, second.Updated)
	require.Equal(t, first.ID, second.ID)

	rows, err := e.mgr.Search(ctx, SearchParams{OwnerID: "u1", Keys: []string{p.Key}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestUpsertValidationFailureWritesNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// ArchitectureSchema requires a string "type" field.
	res, err := e.mgr.Upsert(ctx, UpsertParams{
		OwnerID: "u1",
		Scope:   model.ScopeAgentManaged,
		Layer:   model.LayerTemporary,
		Key:     "project:p1:architecture:db",
		Content: json.RawMessage(`{"components":["api"]}`),
	})
	require.NoError(t, err)
	require.True(t, res.NeedsReview)
	require.Contains(t, res.Error, "type: required field missing")

	_, err = e.mgr.Store().Items().GetByKey(ctx, "u1", "project:p1:architecture:db")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Equal(t, float64(1), e.collector.Count(metrics.ValidationErrorCount))
}

func TestUpsertEncryptsSensitiveContent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	plain := json.RawMessage(`{"ssn":"123-45-6789"}`)

	res, err := e.mgr.Upsert(ctx, UpsertParams{
		OwnerID:     "u1",
		Scope:       model.ScopeUserOwned,
		Layer:       model.LayerPermanent,
		Key:         "user:u1:identity:ssn",
		Content:     plain,
		Sensitivity: sensitive.LevelPII,
	})
	require.NoError(t, err)
	require.Empty(t, res.Error)

	stored, err := e.mgr.Store().Items().GetByKey(ctx, "u1", "user:u1:identity:ssn")
	require.NoError(t, err)
	_, isEnv := sensitive.IsEnvelope(stored.Content)
	require.True(t, isEnv, "sensitive content must be stored as an envelope")
	require.JSONEq(t, string(plain), string(e.cryptor.Unwrap(stored.Content)))
}

func TestUpsertThenWorkingSetIncrementsAccess(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.mgr.Upsert(ctx, UpsertParams{
		OwnerID:    "u1",
		Scope:      model.ScopeUserOwned,
		Layer:      model.LayerTemporary,
		Key:        "user:u1:pref:theme",
		Content:    json.RawMessage(`{"theme":"dark"}`),
		Confidence: floatPtr(0.9),
	})
	require.NoError(t, err)

	ws, err := e.mgr.GetWorkingSet(ctx, "u1", WorkingSetParams{Layers: []model.Layer{model.LayerTemporary}})
	require.NoError(t, err)
	require.Len(t, ws.Items, 1)
	require.Equal(t, "user:u1:pref:theme", ws.Items[0].Key)

	stored, err := e.mgr.Store().Items().GetByKey(ctx, "u1", "user:u1:pref:theme")
	require.NoError(t, err)
	require.Equal(t, 1, stored.AccessCount)
}

func insertRaw(t *testing.T, e *env, it *model.MemoryItem) {
	t.Helper()
	now := time.Now().UTC()
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	it.CreatedAt = now
	it.UpdatedAt = now
	require.NoError(t, e.mgr.Store().Items().Insert(context.Background(), it))
}

func TestWorkingSetBudgetNeverExceeded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerContext, Key: "k:big", TokenCost: 90, Confidence: 0.9})
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k:mid", TokenCost: 40, Confidence: 0.9})
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerPermanent, Key: "k:small", TokenCost: 10, Confidence: 0.9})

	// cap = 100 - 40 = 60: the 90-token item is skipped, not truncated,
	// and the later smaller items still pack.
	ws, err := e.mgr.GetWorkingSet(ctx, "u1", WorkingSetParams{
		MaxTokens:       intPtr(100),
		ReserveForModel: intPtr(40),
	})
	require.NoError(t, err)
	require.LessOrEqual(t, ws.TotalTokens, 60)
	require.Equal(t, 50, ws.TotalTokens)
	require.Len(t, ws.Items, 2)
	require.Equal(t, "k:mid", ws.Items[0].Key)
	require.Equal(t, "k:small", ws.Items[1].Key)
	require.Equal(t, 60, ws.Budget.AvailableForContext)
}

func TestWorkingSetRanksLayerPriorityFirst(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Same everything except layer: the context item must win the
	// scarce budget over the higher-confidence permanent one.
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerPermanent, Key: "k:perm", TokenCost: 50, Confidence: 0.99})
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerContext, Key: "k:ctx", TokenCost: 50, Confidence: 0.5})

	ws, err := e.mgr.GetWorkingSet(ctx, "u1", WorkingSetParams{
		MaxTokens:       intPtr(50),
		ReserveForModel: intPtr(0),
	})
	require.NoError(t, err)
	require.Len(t, ws.Items, 1)
	require.Equal(t, "k:ctx", ws.Items[0].Key)
}

func TestWorkingSetSecondCallHitsCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k:a", Content: json.RawMessage(`{"a":1}`),
		TokenCost: 5, Confidence: 0.9})

	first, err := e.mgr.GetWorkingSet(ctx, "u1", WorkingSetParams{})
	require.NoError(t, err)
	second, err := e.mgr.GetWorkingSet(ctx, "u1", WorkingSetParams{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, float64(1), e.collector.Count(metrics.CacheL1Hit))

	// Only the first call materialized a working set.
	counts, err := e.mgr.Store().Audits().CountByAction(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.AuditPrewarm])

	// Access counts were bumped once, not twice.
	stored, err := e.mgr.Store().Items().GetByKey(ctx, "u1", "k:a")
	require.NoError(t, err)
	require.Equal(t, 1, stored.AccessCount)
}

func TestPromoteGates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, err := e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleUser})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "may not promote")

	res, err = e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.Contains(t, res.Error, "not found")

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k", TokenCost: 5,
		Confidence: 0.4, AccessCount: 3, UsedInResponses: 1})

	// Below every threshold: the rejection names the deficient values.
	res, err = e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "accessCount 3 < 20")
	require.Contains(t, res.Error, "usedInResponses 1 < 10")
	require.Contains(t, res.Error, "confidence 0.40 < 0.70")

	// Force overrides the criteria.
	res, err = e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", Force: true, ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.True(t, res.OK)

	got, err := e.mgr.Store().Items().GetByKeyLayer(ctx, "u1", "k", model.LayerPermanent)
	require.NoError(t, err)
	require.Nil(t, got.ExpiresAt)
}

func TestPromoteAcceptsWhenThresholdsMet(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k", TokenCost: 5,
		Confidence: 0.7, AccessCount: 20, UsedInResponses: 10})

	res, err := e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, float64(1), e.collector.Count(metrics.PromoteCount))
}

func TestPromoteRejectsNeedsReviewWithoutForce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k", NeedsReview: true,
		Confidence: 0.9, AccessCount: 50, UsedInResponses: 30})

	res, err := e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "flagged for review")
}

func TestPromoteMergeCombinesRows(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerPermanent, Key: "k", Content: json.RawMessage(`{"v":"old"}`),
		Confidence: 0.8, AccessCount: 7, UsedInResponses: 4})
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k", Content: json.RawMessage(`{"v":"new"}`),
		Confidence: 0.95, AccessCount: 25, UsedInResponses: 12})

	// Without merge the duplicate permanent key is a rejection.
	res, err := e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "already exists")

	res, err = e.mgr.Promote(ctx, PromoteParams{OwnerID: "u1", Key: "k", Merge: true, ActorRole: rbac.RoleAgent})
	require.NoError(t, err)
	require.True(t, res.OK)

	rows, err := e.mgr.Search(ctx, SearchParams{OwnerID: "u1", Keys: []string{"k"}})
	require.NoError(t, err)
	require.Len(t, rows, 1, "exactly one row survives the merge")
	got := rows[0]
	require.Equal(t, model.LayerPermanent, got.Layer)
	require.JSONEq(t, `{"v":"new"}`, string(got.Content))
	require.InDelta(t, 0.95, got.Confidence, 0.001)
	require.Equal(t, 32, got.AccessCount)
	require.Equal(t, 16, got.UsedInResponses)
	require.Nil(t, got.ExpiresAt)
}

func TestDeleteIsCrossOwnerIsolated(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	theirs := &model.MemoryItem{OwnerID: "u2", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k:theirs", TokenCost: 5}
	insertRaw(t, e, theirs)
	mine := &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k:mine", TokenCost: 5}
	insertRaw(t, e, mine)

	n, err := e.mgr.DeleteByIDsOrKeys(ctx, "u1", []string{theirs.ID}, nil, nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = e.mgr.DeleteByIDsOrKeys(ctx, "u1", []string{mine.ID}, []string{"k:theirs"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = e.mgr.Store().Items().GetByKey(ctx, "u2", "k:theirs")
	require.NoError(t, err, "u2's row must survive u1's delete")

	counts, err := e.mgr.Store().Audits().CountByAction(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.AuditDelete])
}

func TestSearchHasNoSideEffects(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "user:u1:pref:theme",
		Content: json.RawMessage(`{"theme":"dark"}`), Confidence: 0.6})
	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerPermanent, Key: "user:u1:pref:editor",
		Content: json.RawMessage(`{"editor":"dark-mode"}`), Confidence: 0.9})

	rows, err := e.mgr.Search(ctx, SearchParams{OwnerID: "u1", Query: "DARK"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "user:u1:pref:editor", rows[0].Key, "confidence desc ordering")

	rows, err = e.mgr.Search(ctx, SearchParams{OwnerID: "u1", Query: "dark", Layer: layerPtr(model.LayerPermanent)})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	for _, key := range []string{"user:u1:pref:theme", "user:u1:pref:editor"} {
		got, err := e.mgr.Store().Items().GetByKey(ctx, "u1", key)
		require.NoError(t, err)
		require.Zero(t, got.AccessCount)
	}
	counts, err := e.mgr.Store().Audits().CountByAction(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestUpsertTTLAndPermanentNeverExpires(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.mgr.Upsert(ctx, UpsertParams{
		OwnerID: "u1", Scope: model.ScopeAgentManaged, Layer: model.LayerContext,
		Key: "session:s1:scratch:a", Content: json.RawMessage(`{"x":1}`),
		TTLSeconds: intPtr(600),
	})
	require.NoError(t, err)
	got, err := e.mgr.Store().Items().GetByKey(ctx, "u1", "session:s1:scratch:a")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)

	_, err = e.mgr.Upsert(ctx, UpsertParams{
		OwnerID: "u1", Scope: model.ScopeUserOwned, Layer: model.LayerPermanent,
		Key: "user:u1:fact:b", Content: json.RawMessage(`{"x":2}`),
		TTLSeconds: intPtr(600),
	})
	require.NoError(t, err)
	got, err = e.mgr.Store().Items().GetByKey(ctx, "u1", "user:u1:fact:b")
	require.NoError(t, err)
	require.Nil(t, got.ExpiresAt, "permanent items never expire")
}

func TestUpsertCarriesReviewFlagForward(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	insertRaw(t, e, &model.MemoryItem{OwnerID: "u1", Scope: model.ScopeUserOwned,
		Layer: model.LayerTemporary, Key: "k:flagged", NeedsReview: true,
		Content: json.RawMessage(`{"v":1}`), Confidence: 0.6})

	// An update that says nothing about review keeps the flag set.
	_, err := e.mgr.Upsert(ctx, UpsertParams{
		OwnerID: "u1", Scope: model.ScopeUserOwned, Layer: model.LayerTemporary,
		Key: "k:flagged", Content: json.RawMessage(`{"v":2}`),
	})
	require.NoError(t, err)
	got, err := e.mgr.Store().Items().GetByKey(ctx, "u1", "k:flagged")
	require.NoError(t, err)
	require.True(t, got.NeedsReview)

	// Clearing the flag is an explicit act.
	_, err = e.mgr.Upsert(ctx, UpsertParams{
		OwnerID: "u1", Scope: model.ScopeUserOwned, Layer: model.LayerTemporary,
		Key: "k:flagged", Content: json.RawMessage(`{"v":3}`), NeedsReview: boolPtr(false),
	})
	require.NoError(t, err)
	got, err = e.mgr.Store().Items().GetByKey(ctx, "u1", "k:flagged")
	require.NoError(t, err)
	require.False(t, got.NeedsReview)
}
