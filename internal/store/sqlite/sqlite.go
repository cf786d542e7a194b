// Package sqlite is the embedded single-file driver used by dev mode and
// tests. It mirrors the postgres driver's behavior with JSON-text columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/store"
)

// New opens (or creates) the database file and applies the embedded schema.
func New(path string) (store.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Bootstrap(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wires the store onto an existing connection.
func NewWithDB(db *sql.DB) store.Store { return &liteStore{db: db} }

type liteStore struct{ db *sql.DB }

func (s *liteStore) Items() store.Items   { return &items{db: s.db} }
func (s *liteStore) Audits() store.Audits { return &audits{db: s.db} }

// HealthPing reports connectivity for the health endpoint.
func (s *liteStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Bootstrap applies the embedded schema. Idempotent.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range DDLStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const itemColumns = `id, owner_id, scope, layer, key, attribute, detail, tags, content,
       token_cost, confidence, used_in_responses, access_count, needs_review,
       schema_id, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*model.MemoryItem, error) {
	var it model.MemoryItem
	var tags string
	var content *string
	if err := r.Scan(
		&it.ID, &it.OwnerID, &it.Scope, &it.Layer, &it.Key, &it.Attribute, &it.Detail,
		&tags, &content, &it.TokenCost, &it.Confidence, &it.UsedInResponses,
		&it.AccessCount, &it.NeedsReview, &it.SchemaID, &it.CreatedAt, &it.UpdatedAt,
		&it.ExpiresAt,
	); err != nil {
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	if content != nil {
		it.Content = json.RawMessage(*content)
	}
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]*model.MemoryItem, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.MemoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func tagsJSON(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return string(b), err
}

func contentValue(content json.RawMessage) any {
	if len(content) == 0 {
		return nil
	}
	return string(content)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// --- Items ---

type items struct{ db *sql.DB }

func (i *items) Insert(ctx context.Context, it *model.MemoryItem) error {
	tags, err := tagsJSON(it.Tags)
	if err != nil {
		return err
	}
	_, err = i.db.ExecContext(ctx, `
        INSERT INTO memory_items (`+itemColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `, it.ID, it.OwnerID, string(it.Scope), string(it.Layer), it.Key, it.Attribute, it.Detail,
		tags, contentValue(it.Content), it.TokenCost, it.Confidence, it.UsedInResponses,
		it.AccessCount, it.NeedsReview, it.SchemaID, it.CreatedAt, it.UpdatedAt, it.ExpiresAt)
	return err
}

func (i *items) Update(ctx context.Context, it *model.MemoryItem) error {
	tags, err := tagsJSON(it.Tags)
	if err != nil {
		return err
	}
	res, err := i.db.ExecContext(ctx, `
        UPDATE memory_items
        SET scope=?, layer=?, key=?, attribute=?, detail=?, tags=?, content=?,
            token_cost=?, confidence=?, used_in_responses=?, access_count=?,
            needs_review=?, schema_id=?, updated_at=?, expires_at=?
        WHERE owner_id=? AND id=?
    `, string(it.Scope), string(it.Layer), it.Key, it.Attribute, it.Detail, tags,
		contentValue(it.Content), it.TokenCost, it.Confidence, it.UsedInResponses,
		it.AccessCount, it.NeedsReview, it.SchemaID, it.UpdatedAt, it.ExpiresAt,
		it.OwnerID, it.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (i *items) GetByKey(ctx context.Context, ownerID, key string) (*model.MemoryItem, error) {
	// Layers may briefly share a key around a promote-merge; prefer the
	// most recently updated row.
	row := i.db.QueryRowContext(ctx, `
        SELECT `+itemColumns+` FROM memory_items WHERE owner_id=? AND key=?
        ORDER BY updated_at DESC LIMIT 1
    `, ownerID, key)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return it, err
}

func (i *items) GetByKeyLayer(ctx context.Context, ownerID, key string, layer model.Layer) (*model.MemoryItem, error) {
	row := i.db.QueryRowContext(ctx, `
        SELECT `+itemColumns+` FROM memory_items WHERE owner_id=? AND key=? AND layer=?
    `, ownerID, key, string(layer))
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return it, err
}

func (i *items) SelectCandidates(ctx context.Context, f store.CandidateFilter) ([]*model.MemoryItem, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	args := []any{f.OwnerID, f.Now}
	where := []string{"owner_id=?", "(expires_at IS NULL OR expires_at > ?)"}
	if len(f.Scopes) > 0 {
		where = append(where, fmt.Sprintf("scope IN (%s)", placeholders(len(f.Scopes))))
		for _, s := range f.Scopes {
			args = append(args, string(s))
		}
	}
	if len(f.Layers) > 0 {
		where = append(where, fmt.Sprintf("layer IN (%s)", placeholders(len(f.Layers))))
		for _, l := range f.Layers {
			args = append(args, string(l))
		}
	}
	if len(f.Tags) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(memory_items.tags) WHERE json_each.value IN (%s))",
			placeholders(len(f.Tags))))
		args = append(args, toAny(f.Tags)...)
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE %s
        ORDER BY updated_at DESC LIMIT ?
    `, itemColumns, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (i *items) Search(ctx context.Context, f store.SearchFilter) ([]*model.MemoryItem, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	args := []any{f.OwnerID}
	where := []string{"owner_id=?"}
	if f.Query != "" {
		pattern := "%" + strings.ToLower(f.Query) + "%"
		where = append(where, "(LOWER(key) LIKE ? OR LOWER(COALESCE(content, '')) LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if f.Layer != nil {
		where = append(where, "layer=?")
		args = append(args, string(*f.Layer))
	}
	if len(f.Keys) > 0 {
		where = append(where, fmt.Sprintf("key IN (%s)", placeholders(len(f.Keys))))
		args = append(args, toAny(f.Keys)...)
	}
	if len(f.Tags) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(memory_items.tags) WHERE json_each.value IN (%s))",
			placeholders(len(f.Tags))))
		args = append(args, toAny(f.Tags)...)
	}
	if f.MinConfidence != nil {
		where = append(where, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE %s
        ORDER BY confidence DESC, updated_at DESC LIMIT ?
    `, itemColumns, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (i *items) deleteWhere(ctx context.Context, ownerID, column string, values []string) ([]*model.MemoryItem, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{ownerID}, toAny(values)...)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE owner_id=? AND %s IN (%s)
    `, itemColumns, column, placeholders(len(values))), args...)
	if err != nil {
		return nil, err
	}
	deleted, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, tx.Commit()
	}

	delArgs := make([]any, 0, len(deleted)+1)
	delArgs = append(delArgs, ownerID)
	for _, it := range deleted {
		delArgs = append(delArgs, it.ID)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
        DELETE FROM memory_items WHERE owner_id=? AND id IN (%s)
    `, placeholders(len(deleted))), delArgs...); err != nil {
		return nil, err
	}
	return deleted, tx.Commit()
}

func (i *items) DeleteByIDs(ctx context.Context, ownerID string, ids []string) ([]*model.MemoryItem, error) {
	return i.deleteWhere(ctx, ownerID, "id", ids)
}

func (i *items) DeleteByKeys(ctx context.Context, ownerID string, keys []string) ([]*model.MemoryItem, error) {
	return i.deleteWhere(ctx, ownerID, "key", keys)
}

func (i *items) IncrementAccess(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{ownerID}, toAny(ids)...)
	_, err := i.db.ExecContext(ctx, fmt.Sprintf(`
        UPDATE memory_items SET access_count = access_count + 1
        WHERE owner_id=? AND id IN (%s)
    `, placeholders(len(ids))), args...)
	return err
}

func (i *items) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx, `
        DELETE FROM memory_items WHERE expires_at IS NOT NULL AND expires_at <= ?
    `, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (i *items) CountByLayer(ctx context.Context, layer model.Layer) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM memory_items WHERE layer=?
    `, string(layer)).Scan(&n)
	return n, err
}

func (i *items) ListByLayer(ctx context.Context, layer model.Layer, limit int) ([]*model.MemoryItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := i.db.QueryContext(ctx, `
        SELECT `+itemColumns+` FROM memory_items WHERE layer=?
        ORDER BY owner_id, key LIMIT ?
    `, string(layer), limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (i *items) Stats(ctx context.Context) ([]model.LayerStat, error) {
	rows, err := i.db.QueryContext(ctx, `
        SELECT layer, scope, COUNT(*),
               COALESCE(AVG(confidence), 0),
               COALESCE(AVG(access_count), 0),
               COALESCE(AVG(used_in_responses), 0)
        FROM memory_items GROUP BY layer, scope ORDER BY layer, scope
    `)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.LayerStat
	for rows.Next() {
		var st model.LayerStat
		if err := rows.Scan(&st.Layer, &st.Scope, &st.Count, &st.AvgConfidence,
			&st.AvgAccessCount, &st.AvgUsedInResponses); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Audits ---

type audits struct{ db *sql.DB }

func (a *audits) Append(ctx context.Context, rec *model.AuditRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	var scope, layer *string
	if rec.Scope != nil {
		s := string(*rec.Scope)
		scope = &s
	}
	if rec.Layer != nil {
		l := string(*rec.Layer)
		layer = &l
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO audit_records (id, owner_id, actor_id, action, entity_id, entity_key,
                                   scope, layer, before, after, request_id, created_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
    `, id, rec.OwnerID, rec.ActorID, string(rec.Action), rec.EntityID, rec.EntityKey,
		scope, layer, contentValue(rec.Before), contentValue(rec.After), rec.RequestID, rec.CreatedAt)
	return err
}

func (a *audits) CountByAction(ctx context.Context, since time.Time) (map[model.AuditAction]int, error) {
	rows, err := a.db.QueryContext(ctx, `
        SELECT action, COUNT(*) FROM audit_records WHERE created_at >= ? GROUP BY action
    `, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.AuditAction]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[model.AuditAction(action)] = n
	}
	return out, rows.Err()
}
