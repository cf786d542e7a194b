package store

import (
	"context"
	"time"

	"github.com/engramlabs/engram/internal/model"
)

// Store exposes persistence operations required by the memory manager and
// the maintenance jobs. Implementations live under internal/store/<driver>/
// (postgres, sqlite).
type Store interface {
	Items() Items
	Audits() Audits
}

// CandidateFilter narrows working-set candidate selection. Zero-value slices
// mean "no filter on that dimension". Limit of 0 applies the hard cap.
type CandidateFilter struct {
	OwnerID string
	Scopes  []model.Scope
	Layers  []model.Layer
	Tags    []string
	Now     time.Time
	Limit   int
}

// SearchFilter narrows read-only search.
type SearchFilter struct {
	OwnerID       string
	Query         string
	Layer         *model.Layer
	Keys          []string
	Tags          []string
	MinConfidence *float64
	Limit         int
}

type Items interface {
	Insert(ctx context.Context, item *model.MemoryItem) error
	Update(ctx context.Context, item *model.MemoryItem) error
	GetByKey(ctx context.Context, ownerID, key string) (*model.MemoryItem, error)
	GetByKeyLayer(ctx context.Context, ownerID, key string, layer model.Layer) (*model.MemoryItem, error)
	SelectCandidates(ctx context.Context, f CandidateFilter) ([]*model.MemoryItem, error)
	Search(ctx context.Context, f SearchFilter) ([]*model.MemoryItem, error)

	// DeleteByIDs and DeleteByKeys return the deleted rows so the caller
	// can write per-row audit snapshots. Cross-owner ids/keys never match.
	DeleteByIDs(ctx context.Context, ownerID string, ids []string) ([]*model.MemoryItem, error)
	DeleteByKeys(ctx context.Context, ownerID string, keys []string) ([]*model.MemoryItem, error)

	// IncrementAccess bumps access_count for all ids in one statement.
	IncrementAccess(ctx context.Context, ownerID string, ids []string) error

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	CountByLayer(ctx context.Context, layer model.Layer) (int, error)
	ListByLayer(ctx context.Context, layer model.Layer, limit int) ([]*model.MemoryItem, error)
	Stats(ctx context.Context) ([]model.LayerStat, error)
}

type Audits interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	CountByAction(ctx context.Context, since time.Time) (map[model.AuditAction]int, error)
}
