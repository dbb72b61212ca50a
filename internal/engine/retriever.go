package engine

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

// Fusion methods.
const (
	FusionRRF      = "rrf"
	FusionWeighted = "weighted"
)

// FusionWeights orders the weighted-sum contributions per branch.
type FusionWeights struct {
	Vector float64
	Text   float64
	Graph  float64
}

// SearchOptions tunes one hybrid search call. Zero values fall back to the
// engine configuration.
type SearchOptions struct {
	K           int
	UseFullText bool
	UseGraph    bool
	Hops        int
	Fusion      string
	Weights     *FusionWeights
	Filter      *filter.Filter
	// NoRecency disables retention reweighting of fused scores.
	NoRecency bool
}

// SearchResultItem is one ranked memory with its final fused score.
type SearchResultItem struct {
	Memory *types.MemoryFact `json:"memory"`
	Score  float64           `json:"score"`
}

// retriever runs the hybrid pipeline: concurrent vector, lexical, and graph
// branches fused into one ranking.
type retriever struct {
	vec      store.VectorStore
	fts      store.FullTextStore
	graphEng *graphEngine
	embedder llm.Embedder
	eb       Ebbinghaus
	log      *logger.Logger

	fusion   string
	rrfK     int
	weights  FusionWeights
	parser   string
	recency  bool
}

// branchHits is one branch's ranked candidate list.
type branchHits struct {
	hits   []store.SearchHit
	weight float64
}

// Search embeds the query, fans out the enabled branches, fuses, reweights by
// retention, and returns the top k. Relations found by the graph branch are
// returned alongside the ranked memories.
func (r *retriever) Search(ctx context.Context, query string, sc types.Scope, scopeFilter *filter.Filter, opts SearchOptions) ([]SearchResultItem, []*types.GraphEdge, error) {
	k := opts.K
	if k <= 0 {
		k = 10
	}
	// Branches over-fetch so fusion has real overlap to work with.
	kPrime := k * 3
	if kPrime < 10 {
		kPrime = 10
	}

	f := scopeFilter
	if opts.Filter != nil {
		f = filter.New().WithAnd(scopeFilter).WithAnd(opts.Filter)
	}

	method := opts.Fusion
	if method == "" {
		method = r.fusion
	}
	weights := r.weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	var (
		mu       sync.Mutex
		branches []branchHits
		edges    []*types.GraphEdge
	)
	addBranch := func(hits []store.SearchHit, weight float64) {
		mu.Lock()
		branches = append(branches, branchHits{hits: hits, weight: weight})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vector, err := r.embedder.Embed(gctx, []string{query})
		if err != nil {
			return err
		}
		hits, err := r.vec.Search(gctx, vector[0], kPrime, f)
		if err != nil {
			return err
		}
		addBranch(hits, weights.Vector)
		return nil
	})

	if opts.UseFullText && r.fts != nil {
		g.Go(func() error {
			hits, err := r.fts.SearchText(gctx, query, kPrime, f, r.parser)
			if err != nil {
				return err
			}
			addBranch(hits, weights.Text)
			return nil
		})
	}

	if opts.UseGraph && r.graphEng != nil {
		g.Go(func() error {
			hits, found, err := r.graphBranch(gctx, query, sc, f, kPrime, opts.Hops)
			if err != nil {
				return err
			}
			addBranch(hits, weights.Graph)
			mu.Lock()
			edges = found
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	fused := fuse(branches, method, r.rrfK)

	now := time.Now().UTC()
	useRecency := r.recency && !opts.NoRecency
	for i := range fused {
		if useRecency {
			fused[i].Score *= r.eb.RetentionOf(fused[i].Memory, now)
		}
	}

	return topK(fused, k), edges, nil
}

// graphBranch turns the query into seed entities, walks the graph, and then
// looks up memories that mention the reached entities so the branch yields
// fusable memory candidates rather than bare edges.
func (r *retriever) graphBranch(ctx context.Context, query string, sc types.Scope, f *filter.Filter, kPrime, hops int) ([]store.SearchHit, []*types.GraphEdge, error) {
	seeds := r.graphEng.QueryEntities(ctx, query, sc)
	if len(seeds) == 0 {
		return nil, nil, nil
	}
	edges, err := r.graphEng.Traverse(ctx, seeds, sc, hops)
	if err != nil {
		return nil, nil, err
	}
	if len(edges) == 0 || r.fts == nil {
		return nil, edges, nil
	}

	entities := make([]string, 0, len(edges)*2)
	seen := map[string]bool{}
	for _, edge := range edges {
		for _, name := range []string{edge.Source, edge.Target} {
			if name != "" && !seen[name] {
				seen[name] = true
				entities = append(entities, name)
			}
		}
	}

	var hits []store.SearchHit
	byID := map[int64]bool{}
	for _, entity := range entities {
		found, err := r.fts.SearchText(ctx, entity, kPrime, f, r.parser)
		if err != nil {
			return nil, edges, err
		}
		for _, hit := range found {
			if !byID[hit.Memory.ID] {
				byID[hit.Memory.ID] = true
				hits = append(hits, hit)
			}
		}
		if len(hits) >= kPrime {
			break
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > kPrime {
		hits = hits[:kPrime]
	}
	return hits, edges, nil
}

// fuse merges branch rankings into one candidate list. RRF scores each
// candidate sum(1/(rrfK+rank)); weighted sums w*similarity. Either way the
// result is a permutation of the union of branch candidates.
func fuse(branches []branchHits, method string, rrfK int) []SearchResultItem {
	if rrfK <= 0 {
		rrfK = 60
	}
	scores := map[int64]float64{}
	facts := map[int64]*types.MemoryFact{}

	for _, branch := range branches {
		for rank, hit := range branch.hits {
			id := hit.Memory.ID
			if _, ok := facts[id]; !ok {
				facts[id] = hit.Memory
			}
			if method == FusionWeighted {
				scores[id] += branch.weight * hit.Score
			} else {
				scores[id] += 1 / float64(rrfK+rank+1)
			}
		}
	}

	out := make([]SearchResultItem, 0, len(scores))
	for id, score := range scores {
		out = append(out, SearchResultItem{Memory: facts[id], Score: score})
	}
	return out
}

// ranksBefore is the total order on results: score desc, then importance
// desc, then updated_at desc, then id asc.
func ranksBefore(a, b SearchResultItem) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	ai := metaFloat(a.Memory.Metadata, types.MetaImportanceScore, 0)
	bi := metaFloat(b.Memory.Metadata, types.MetaImportanceScore, 0)
	if ai != bi {
		return ai > bi
	}
	if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
		return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
	}
	return a.Memory.ID < b.Memory.ID
}

// resultHeap is a min-heap over ranksBefore; the root is the weakest result.
type resultHeap []SearchResultItem

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(SearchResultItem)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topK selects the k best results with a bounded min-heap.
func topK(items []SearchResultItem, k int) []SearchResultItem {
	h := make(resultHeap, 0, k)
	heap.Init(&h)
	for _, item := range items {
		if h.Len() < k {
			heap.Push(&h, item)
			continue
		}
		if ranksBefore(item, h[0]) {
			h[0] = item
			heap.Fix(&h, 0)
		}
	}
	out := make([]SearchResultItem, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(SearchResultItem)
	}
	return out
}
