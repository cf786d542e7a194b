package model

import (
	"encoding/json"
	"time"
)

// Scope classifies who manages a memory item.
type Scope string

const (
	ScopeAgentManaged Scope = "agent_managed"
	ScopeUserOwned    Scope = "user_owned"
)

// Layer is the durability class of a memory item, not a storage tier.
type Layer string

const (
	LayerContext   Layer = "context"
	LayerTemporary Layer = "temporary"
	LayerPermanent Layer = "permanent"
)

// Priority returns the ranking weight of a layer. Higher ranks first.
func (l Layer) Priority() int {
	switch l {
	case LayerContext:
		return 3
	case LayerTemporary:
		return 2
	case LayerPermanent:
		return 1
	default:
		return 0
	}
}

// Valid reports whether l is one of the known layers.
func (l Layer) Valid() bool {
	return l == LayerContext || l == LayerTemporary || l == LayerPermanent
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	return s == ScopeAgentManaged || s == ScopeUserOwned
}

// MemoryItem is one stored fact. (OwnerID, Key) carries upsert semantics:
// writes to an existing key update the row in place.
type MemoryItem struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Scope           Scope           `json:"scope"`
	Layer           Layer           `json:"layer"`
	Key             string          `json:"key"`
	Attribute       *string         `json:"attribute,omitempty"`
	Detail          *string         `json:"detail,omitempty"`
	Tags            []string        `json:"tags"`
	Content         json.RawMessage `json:"content"`
	TokenCost       int             `json:"tokenCost"`
	Confidence      float64         `json:"confidence"`
	UsedInResponses int             `json:"usedInResponses"`
	AccessCount     int             `json:"accessCount"`
	NeedsReview     bool            `json:"needsReview"`
	SchemaID        *string         `json:"schemaId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
}

// AuditAction enumerates the recorded mutation kinds.
type AuditAction string

const (
	AuditCreate       AuditAction = "CREATE"
	AuditUpdate       AuditAction = "UPDATE"
	AuditDelete       AuditAction = "DELETE"
	AuditPromote      AuditAction = "PROMOTE"
	AuditPromoteMerge AuditAction = "PROMOTE_MERGE"
	AuditPrewarm      AuditAction = "PREWARM"
)

// AuditRecord is append-only: one row per mutation or working-set
// materialization. Before/After are serialized snapshots, deliberately
// copied so later mutations to the live row cannot alter history.
type AuditRecord struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	ActorID   *string         `json:"actorId,omitempty"`
	Action    AuditAction     `json:"action"`
	EntityID  *string         `json:"entityId,omitempty"`
	EntityKey *string         `json:"entityKey,omitempty"`
	Scope     *Scope          `json:"scope,omitempty"`
	Layer     *Layer          `json:"layer,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	RequestID *string         `json:"requestId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WorkingSetItem is the projection of a selected item returned to callers.
type WorkingSetItem struct {
	ID         string          `json:"id"`
	Scope      Scope           `json:"scope"`
	Layer      Layer           `json:"layer"`
	Key        string          `json:"key"`
	Attribute  *string         `json:"attribute,omitempty"`
	Detail     *string         `json:"detail,omitempty"`
	Tags       []string        `json:"tags"`
	Content    json.RawMessage `json:"content"`
	TokenCost  int             `json:"tokenCost"`
	Confidence float64         `json:"confidence"`
}

// Budget describes the token envelope a working set was packed into.
type Budget struct {
	Cap                 int `json:"cap"`
	ReservedForModel    int `json:"reservedForModel"`
	AvailableForContext int `json:"availableForContext"`
}

// WorkingSet is derived, never persisted; the cache may drop it at any time.
type WorkingSet struct {
	TotalTokens int              `json:"totalTokens"`
	Items       []WorkingSetItem `json:"items"`
	Budget      Budget           `json:"budget"`
}

// LayerStat is one row of the aggregate reporting query.
type LayerStat struct {
	Layer              Layer   `json:"layer"`
	Scope              Scope   `json:"scope"`
	Count              int     `json:"count"`
	AvgConfidence      float64 `json:"avgConfidence"`
	AvgAccessCount     float64 `json:"avgAccessCount"`
	AvgUsedInResponses float64 `json:"avgUsedInResponses"`
}
