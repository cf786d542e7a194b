package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/store"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

type pgStore struct{ db *sql.DB }

func (s *pgStore) Items() store.Items   { return &items{db: s.db} }
func (s *pgStore) Audits() store.Audits { return &audits{db: s.db} }

// HealthPing reports connectivity for the health endpoint.
func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Bootstrap applies the embedded schema. Statements are idempotent
// (IF NOT EXISTS) so repeated startup is safe.
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
	var tags, content []byte
	if err := r.Scan(
		&it.ID, &it.OwnerID, &it.Scope, &it.Layer, &it.Key, &it.Attribute, &it.Detail,
		&tags, &content, &it.TokenCost, &it.Confidence, &it.UsedInResponses,
		&it.AccessCount, &it.NeedsReview, &it.SchemaID, &it.CreatedAt, &it.UpdatedAt,
		&it.ExpiresAt,
	); err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &it.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	it.Content = json.RawMessage(content)
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

func tagsJSON(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func contentValue(content json.RawMessage) any {
	if len(content) == 0 {
		return nil
	}
	return []byte(content)
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
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
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
        SET scope=$3, layer=$4, key=$5, attribute=$6, detail=$7, tags=$8, content=$9,
            token_cost=$10, confidence=$11, used_in_responses=$12, access_count=$13,
            needs_review=$14, schema_id=$15, updated_at=$16, expires_at=$17
        WHERE owner_id=$1 AND id=$2
    `, it.OwnerID, it.ID, string(it.Scope), string(it.Layer), it.Key, it.Attribute, it.Detail,
		tags, contentValue(it.Content), it.TokenCost, it.Confidence, it.UsedInResponses,
		it.AccessCount, it.NeedsReview, it.SchemaID, it.UpdatedAt, it.ExpiresAt)
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
        SELECT `+itemColumns+` FROM memory_items WHERE owner_id=$1 AND key=$2
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
        SELECT `+itemColumns+` FROM memory_items WHERE owner_id=$1 AND key=$2 AND layer=$3
    `, ownerID, key, string(layer))
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return it, err
}

func scopeStrings(scopes []model.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func layerStrings(layers []model.Layer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = string(l)
	}
	return out
}

func (i *items) SelectCandidates(ctx context.Context, f store.CandidateFilter) ([]*model.MemoryItem, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	args := []any{f.OwnerID, f.Now}
	where := []string{"owner_id=$1", "(expires_at IS NULL OR expires_at > $2)"}
	if len(f.Scopes) > 0 {
		args = append(args, scopeStrings(f.Scopes))
		where = append(where, fmt.Sprintf("scope = ANY($%d)", len(args)))
	}
	if len(f.Layers) > 0 {
		args = append(args, layerStrings(f.Layers))
		where = append(where, fmt.Sprintf("layer = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		where = append(where, fmt.Sprintf("tags ?| $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE %s
        ORDER BY updated_at DESC LIMIT $%d
    `, itemColumns, strings.Join(where, " AND "), len(args)), args...)
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
	where := []string{"owner_id=$1"}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		where = append(where, fmt.Sprintf("(key ILIKE $%d OR content::text ILIKE $%d)", len(args), len(args)))
	}
	if f.Layer != nil {
		args = append(args, string(*f.Layer))
		where = append(where, fmt.Sprintf("layer=$%d", len(args)))
	}
	if len(f.Keys) > 0 {
		args = append(args, f.Keys)
		where = append(where, fmt.Sprintf("key = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		where = append(where, fmt.Sprintf("tags ?| $%d", len(args)))
	}
	if f.MinConfidence != nil {
		args = append(args, *f.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE %s
        ORDER BY confidence DESC, updated_at DESC LIMIT $%d
    `, itemColumns, strings.Join(where, " AND "), len(args)), args...)
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

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
        SELECT %s FROM memory_items WHERE owner_id=$1 AND %s = ANY($2)
    `, itemColumns, column), ownerID, values)
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

	ids := make([]string, len(deleted))
	for n, it := range deleted {
		ids[n] = it.ID
	}
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM memory_items WHERE owner_id=$1 AND id = ANY($2)
    `, ownerID, ids); err != nil {
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
	_, err := i.db.ExecContext(ctx, `
        UPDATE memory_items SET access_count = access_count + 1
        WHERE owner_id=$1 AND id = ANY($2)
    `, ownerID, ids)
	return err
}

func (i *items) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx, `
        DELETE FROM memory_items WHERE expires_at IS NOT NULL AND expires_at <= $1
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
        SELECT COUNT(*) FROM memory_items WHERE layer=$1
    `, string(layer)).Scan(&n)
	return n, err
}

func (i *items) ListByLayer(ctx context.Context, layer model.Layer, limit int) ([]*model.MemoryItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := i.db.QueryContext(ctx, `
        SELECT `+itemColumns+` FROM memory_items WHERE layer=$1
        ORDER BY owner_id, key LIMIT $2
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
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `, id, rec.OwnerID, rec.ActorID, string(rec.Action), rec.EntityID, rec.EntityKey,
		scope, layer, contentValue(rec.Before), contentValue(rec.After), rec.RequestID, rec.CreatedAt)
	return err
}

func (a *audits) CountByAction(ctx context.Context, since time.Time) (map[model.AuditAction]int, error) {
	rows, err := a.db.QueryContext(ctx, `
        SELECT action, COUNT(*) FROM audit_records WHERE created_at >= $1 GROUP BY action
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
