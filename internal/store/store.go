// Package store defines the backend contracts the memory engine depends on:
// vector search, full-text search, append-only history, the relation graph,
// and user profiles. Backends normalize their native distances so that every
// search score is a similarity in [0,1], higher is better.
package store

import (
	"context"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/types"
)

// SearchHit is one scored result from a vector or full-text search.
type SearchHit struct {
	Memory *types.MemoryFact
	Score  float64
}

// VectorStore persists memory facts and answers similarity queries. The
// configured embedding dimension is a store-level invariant; a mismatched
// vector is a fatal error, never coerced.
type VectorStore interface {
	Insert(ctx context.Context, mem *types.MemoryFact) error
	Upsert(ctx context.Context, mem *types.MemoryFact) error
	Get(ctx context.Context, id int64) (*types.MemoryFact, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, vector []float32, k int, f *filter.Filter) ([]SearchHit, error)
	// List pages facts by ascending id. cursor is the last id of the previous
	// page (0 for the first); the second return value is the next cursor, or 0
	// when the listing is exhausted.
	List(ctx context.Context, f *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error)
	DeleteAll(ctx context.Context, f *filter.Filter) error
	Dims() int
	Close() error
}

// FullTextStore answers lexical queries. It may be the same backend as the
// VectorStore.
type FullTextStore interface {
	SearchText(ctx context.Context, query string, k int, f *filter.Filter, parser string) ([]SearchHit, error)
}

// HistoryStore is the append-only audit log, strictly ordered per memory id.
type HistoryStore interface {
	Append(ctx context.Context, ev *types.HistoryEvent) error
	List(ctx context.Context, memoryID int64) ([]*types.HistoryEvent, error)
	Close() error
}

// GraphStore persists entities and relations per scope and runs bounded
// traversals. Neighbors returns edges reachable from the seed entity within
// the given hop count, capped at maxEdgesPerHop per expansion, ordered by
// (mentions desc, updated_at desc). The traversal runs inside a single read
// transaction where the backend supports one.
type GraphStore interface {
	UpsertEntity(ctx context.Context, entity *types.GraphEntity) (*types.GraphEntity, error)
	UpsertEdge(ctx context.Context, edge *types.GraphEdge) (*types.GraphEdge, error)
	DeleteEdge(ctx context.Context, source, relation, target string, sc types.Scope) error
	// EdgesBetween returns all edges from source to target in scope, any
	// relation. Used for reconciliation on ingest.
	EdgesBetween(ctx context.Context, source, target string, sc types.Scope) ([]*types.GraphEdge, error)
	Neighbors(ctx context.Context, entity string, sc types.Scope, hops, maxEdgesPerHop int) ([]*types.GraphEdge, error)
	DeleteAll(ctx context.Context, sc types.Scope) error
	Close() error
}

// ProfileStore keeps at most one profile per (user_id, agent_id, run_id).
type ProfileStore interface {
	GetProfile(ctx context.Context, userID, agentID, runID string) (*types.UserProfile, error)
	PutProfile(ctx context.Context, profile *types.UserProfile) error
	DeleteProfile(ctx context.Context, userID, agentID, runID string) error
}
