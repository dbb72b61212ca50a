// Package memstore is the embedded, in-process implementation of every store
// contract. It backs unit tests and the zero-dependency "memory" provider;
// similarity search is an exact cosine scan over all rows.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

type Store struct {
	mu   sync.RWMutex
	dims int

	facts   map[int64]*types.MemoryFact
	history map[int64][]*types.HistoryEvent
	histSeq int64

	entities map[string]*types.GraphEntity // key: scopeKey|normalized name
	edges    map[string]*types.GraphEdge   // key: scopeKey|source|relation|target
	graphSeq int64

	profiles map[string]*types.UserProfile
	profSeq  int64
}

func New(dims int) *Store {
	return &Store{
		dims:     dims,
		facts:    map[int64]*types.MemoryFact{},
		history:  map[int64][]*types.HistoryEvent{},
		entities: map[string]*types.GraphEntity{},
		edges:    map[string]*types.GraphEdge{},
		profiles: map[string]*types.UserProfile{},
	}
}

var (
	_ store.VectorStore   = (*Store)(nil)
	_ store.FullTextStore = (*Store)(nil)
	_ store.HistoryStore  = historyView{}
	_ store.GraphStore    = graphView{}
	_ store.ProfileStore  = (*Store)(nil)
)

func (s *Store) Dims() int { return s.dims }

func (s *Store) checkDims(op string, vec []float32) error {
	if len(vec) != s.dims {
		return types.E(types.KindFatal, op,
			fmt.Sprintf("embedding dimension mismatch: expected=%d got=%d", s.dims, len(vec)), nil)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, mem *types.MemoryFact) error {
	if err := s.checkDims("memstore.Insert", mem.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.facts[mem.ID]; exists {
		return types.E(types.KindFatal, "memstore.Insert",
			fmt.Sprintf("id collision: %d", mem.ID), nil)
	}
	s.facts[mem.ID] = mem.Clone()
	return nil
}

func (s *Store) Upsert(ctx context.Context, mem *types.MemoryFact) error {
	if err := s.checkDims("memstore.Upsert", mem.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[mem.ID] = mem.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*types.MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem, ok := s.facts[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "memstore.Get",
			fmt.Sprintf("memory %d not found", id), nil)
	}
	return mem.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[id]; !ok {
		return types.E(types.KindNotFound, "memstore.Delete",
			fmt.Sprintf("memory %d not found", id), nil)
	}
	delete(s.facts, id)
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, f *filter.Filter) ([]store.SearchHit, error) {
	if err := s.checkDims("memstore.Search", vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]store.SearchHit, 0, k)
	for _, mem := range s.facts {
		if f != nil && !f.Match(filter.Fields(mem)) {
			continue
		}
		hits = append(hits, store.SearchHit{Memory: mem.Clone(), Score: cosine(vector, mem.Embedding)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) SearchText(ctx context.Context, query string, k int, f *filter.Filter, parser string) ([]store.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	terms := store.Tokenize(parser, query)
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]store.SearchHit, 0, k)
	for _, mem := range s.facts {
		if f != nil && !f.Match(filter.Fields(mem)) {
			continue
		}
		score := lexicalScore(terms, store.Tokenize(parser, mem.Content))
		if score <= 0 {
			continue
		}
		hits = append(hits, store.SearchHit{Memory: mem.Clone(), Score: score})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) List(ctx context.Context, f *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.facts))
	for id := range s.facts {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*types.MemoryFact, 0, limit)
	var next int64
	for _, id := range ids {
		mem := s.facts[id]
		if f != nil && !f.Match(filter.Fields(mem)) {
			continue
		}
		out = append(out, mem.Clone())
		if len(out) == limit {
			next = id
			break
		}
	}
	return out, next, nil
}

func (s *Store) DeleteAll(ctx context.Context, f *filter.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mem := range s.facts {
		if f != nil && !f.Match(filter.Fields(mem)) {
			continue
		}
		delete(s.facts, id)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// ---- history ----

func (s *Store) Append(ctx context.Context, ev *types.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histSeq++
	cp := *ev
	cp.ID = s.histSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.history[cp.MemoryID] = append(s.history[cp.MemoryID], &cp)
	return nil
}

func (s *Store) listHistory(memoryID int64) ([]*types.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.history[memoryID]
	out := make([]*types.HistoryEvent, 0, len(events))
	for _, ev := range events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// History exposes the Store as a store.HistoryStore.
func (s *Store) History() store.HistoryStore { return historyView{s} }

type historyView struct{ s *Store }

func (h historyView) Append(ctx context.Context, ev *types.HistoryEvent) error {
	return h.s.Append(ctx, ev)
}

func (h historyView) List(ctx context.Context, memoryID int64) ([]*types.HistoryEvent, error) {
	return h.s.listHistory(memoryID)
}

func (h historyView) Close() error { return nil }

// ---- graph ----

func scopeKey(sc types.Scope) string {
	c := sc.Canonical()
	return strings.Join([]string{c.UserID, c.AgentID, c.RunID, c.ActorID}, "\x1f")
}

func (s *Store) UpsertEntity(ctx context.Context, entity *types.GraphEntity) (*types.GraphEntity, error) {
	key := scopeKey(entity.Scope) + "\x1f" + types.NormalizeEntityName(entity.Name)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entities[key]; ok {
		if entity.Type != "" {
			existing.Type = entity.Type
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	s.graphSeq++
	cp := *entity
	cp.ID = s.graphSeq
	cp.Scope = entity.Scope.Canonical()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.entities[key] = &cp
	out := cp
	return &out, nil
}

func edgeKey(sc types.Scope, source, relation, target string) string {
	return strings.Join([]string{
		scopeKey(sc),
		types.NormalizeEntityName(source),
		strings.ToLower(strings.TrimSpace(relation)),
		types.NormalizeEntityName(target),
	}, "\x1f")
}

func (s *Store) UpsertEdge(ctx context.Context, edge *types.GraphEdge) (*types.GraphEdge, error) {
	key := edgeKey(edge.Scope, edge.Source, edge.Relation, edge.Target)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.edges[key]; ok {
		existing.Mentions++
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	s.graphSeq++
	cp := *edge
	cp.ID = s.graphSeq
	cp.Scope = edge.Scope.Canonical()
	if cp.Mentions <= 0 {
		cp.Mentions = 1
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.edges[key] = &cp
	out := cp
	return &out, nil
}

func (s *Store) DeleteEdge(ctx context.Context, source, relation, target string, sc types.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, edgeKey(sc, source, relation, target))
	return nil
}

func (s *Store) EdgesBetween(ctx context.Context, source, target string, sc types.Scope) ([]*types.GraphEdge, error) {
	srcNorm := types.NormalizeEntityName(source)
	tgtNorm := types.NormalizeEntityName(target)
	sk := scopeKey(sc)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.GraphEdge
	for _, e := range s.edges {
		if scopeKey(e.Scope) != sk {
			continue
		}
		if types.NormalizeEntityName(e.Source) == srcNorm && types.NormalizeEntityName(e.Target) == tgtNorm {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Neighbors(ctx context.Context, entity string, sc types.Scope, hops, maxEdgesPerHop int) ([]*types.GraphEdge, error) {
	if hops <= 0 {
		hops = 2
	}
	if maxEdgesPerHop <= 0 {
		maxEdgesPerHop = 20
	}
	sk := scopeKey(sc)

	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := map[string]bool{types.NormalizeEntityName(entity): true}
	frontier := []string{types.NormalizeEntityName(entity)}
	seenEdge := map[int64]bool{}
	var out []*types.GraphEdge

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			adjacent := s.adjacentLocked(sk, node)
			sortEdges(adjacent)
			if len(adjacent) > maxEdgesPerHop {
				adjacent = adjacent[:maxEdgesPerHop]
			}
			for _, e := range adjacent {
				if !seenEdge[e.ID] {
					seenEdge[e.ID] = true
					cp := *e
					out = append(out, &cp)
				}
				for _, other := range []string{types.NormalizeEntityName(e.Source), types.NormalizeEntityName(e.Target)} {
					if !visited[other] {
						visited[other] = true
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}
	sortEdges(out)
	return out, nil
}

func (s *Store) adjacentLocked(sk, node string) []*types.GraphEdge {
	var out []*types.GraphEdge
	for _, e := range s.edges {
		if scopeKey(e.Scope) != sk {
			continue
		}
		if types.NormalizeEntityName(e.Source) == node || types.NormalizeEntityName(e.Target) == node {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GraphDeleteAll(ctx context.Context, sc types.Scope) error {
	sk := scopeKey(sc)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.edges {
		if scopeKey(e.Scope) == sk {
			delete(s.edges, k)
		}
	}
	for k, e := range s.entities {
		if scopeKey(e.Scope) == sk {
			delete(s.entities, k)
		}
	}
	return nil
}

// Graph exposes the Store as a store.GraphStore.
func (s *Store) Graph() store.GraphStore { return graphView{s} }

type graphView struct{ s *Store }

func (g graphView) UpsertEntity(ctx context.Context, e *types.GraphEntity) (*types.GraphEntity, error) {
	return g.s.UpsertEntity(ctx, e)
}

func (g graphView) UpsertEdge(ctx context.Context, e *types.GraphEdge) (*types.GraphEdge, error) {
	return g.s.UpsertEdge(ctx, e)
}

func (g graphView) DeleteEdge(ctx context.Context, source, relation, target string, sc types.Scope) error {
	return g.s.DeleteEdge(ctx, source, relation, target, sc)
}

func (g graphView) EdgesBetween(ctx context.Context, source, target string, sc types.Scope) ([]*types.GraphEdge, error) {
	return g.s.EdgesBetween(ctx, source, target, sc)
}

func (g graphView) Neighbors(ctx context.Context, entity string, sc types.Scope, hops, maxEdgesPerHop int) ([]*types.GraphEdge, error) {
	return g.s.Neighbors(ctx, entity, sc, hops, maxEdgesPerHop)
}

func (g graphView) DeleteAll(ctx context.Context, sc types.Scope) error {
	return g.s.GraphDeleteAll(ctx, sc)
}

func (g graphView) Close() error { return nil }

// ---- profiles ----

func profileKey(userID, agentID, runID string) string {
	return strings.Join([]string{strings.TrimSpace(userID), strings.TrimSpace(agentID), strings.TrimSpace(runID)}, "\x1f")
}

func (s *Store) GetProfile(ctx context.Context, userID, agentID, runID string) (*types.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey(userID, agentID, runID)]
	if !ok {
		return nil, types.E(types.KindNotFound, "memstore.GetProfile", "profile not found", nil)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *types.UserProfile) error {
	key := profileKey(profile.UserID, profile.AgentID, profile.RunID)
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[key]; ok {
		existing.ProfileText = profile.ProfileText
		existing.Topics = append([]string(nil), profile.Topics...)
		existing.UpdatedAt = now
		return nil
	}
	s.profSeq++
	cp := *profile
	cp.ID = s.profSeq
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.profiles[key] = &cp
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, userID, agentID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, profileKey(userID, agentID, runID))
	return nil
}

// ---- scoring helpers ----

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Scores are similarities in [0,1]; negative cosine carries no signal here.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

func lexicalScore(queryTerms, docTerms []string) float64 {
	if len(queryTerms) == 0 || len(docTerms) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docTerms))
	for _, t := range docTerms {
		docSet[t] = true
	}
	matched := 0
	for _, t := range queryTerms {
		if docSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func sortHits(hits []store.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Memory.ID < hits[j].Memory.ID
		}
		return hits[i].Score > hits[j].Score
	})
}

func sortEdges(edges []*types.GraphEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Mentions != edges[j].Mentions {
			return edges[i].Mentions > edges[j].Mentions
		}
		if !edges[i].UpdatedAt.Equal(edges[j].UpdatedAt) {
			return edges[i].UpdatedAt.After(edges[j].UpdatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
}
