package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/powermem/powermem/internal/ids"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store/memstore"
	"github.com/powermem/powermem/internal/types"
)

// scriptedProvider answers each engine prompt from canned data, keyed off
// marker phrases in the default templates.
type scriptedProvider struct {
	facts      []string
	factsErr   error
	plan       func(prompt string) (map[string]any, error)
	importance float64
	relations  map[string][]map[string]any
	deletes    map[string][]map[string]any
	profile    string
}

func (p *scriptedProvider) GenerateText(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (p *scriptedProvider) GenerateJSON(_ context.Context, _, user string) (map[string]any, error) {
	switch {
	case strings.Contains(user, "personal information organizer"):
		if p.factsErr != nil {
			return nil, p.factsErr
		}
		facts := make([]any, 0, len(p.facts))
		for _, f := range p.facts {
			facts = append(facts, f)
		}
		return map[string]any{"facts": facts}, nil
	case strings.Contains(user, "memory manager"):
		if p.plan != nil {
			return p.plan(user)
		}
		return map[string]any{"memory": []any{}}, nil
	case strings.Contains(user, "Rate how important"):
		score := p.importance
		if score == 0 {
			score = 0.5
		}
		return map[string]any{"score": score}, nil
	case strings.Contains(user, "Extract entity relations"):
		for key, triples := range p.relations {
			if strings.Contains(user, key) {
				entities := make([]any, 0, len(triples))
				for _, t := range triples {
					entities = append(entities, t)
				}
				return map[string]any{"entities": entities}, nil
			}
		}
		return map[string]any{"entities": []any{}}, nil
	case strings.Contains(user, "maintain a relation graph"):
		return map[string]any{"superseded": []any{}}, nil
	case strings.Contains(user, "invalidates"):
		for key, edges := range p.deletes {
			if strings.Contains(user, key) {
				out := make([]any, 0, len(edges))
				for _, e := range edges {
					out = append(out, e)
				}
				return map[string]any{"delete": out}, nil
			}
		}
		return map[string]any{"delete": []any{}}, nil
	case strings.Contains(user, "Summarize what is known"):
		return map[string]any{"profile": p.profile, "topics": []any{}}, nil
	}
	return nil, fmt.Errorf("unexpected prompt: %.80s", user)
}

func (p *scriptedProvider) Close() error { return nil }

// hashEmbedder derives a deterministic unit-free vector from the input text;
// identical texts embed identically. Known texts can be pinned via vecs.
type hashEmbedder struct {
	dims int
	vecs map[string][]float32
}

func (e *hashEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		if v, ok := e.vecs[input]; ok {
			out[i] = v
			continue
		}
		sum := sha256.Sum256([]byte(input))
		vec := make([]float32, e.dims)
		for d := 0; d < e.dims; d++ {
			vec[d] = float32(sum[d])/255 + 0.01
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) Dims() int    { return e.dims }
func (e *hashEmbedder) Close() error { return nil }

const testDims = 8

func newTestEngine(t *testing.T, provider *scriptedProvider, embedder *hashEmbedder, mutate func(*Config)) (*Engine, *memstore.Store) {
	t.Helper()
	ms := memstore.New(testDims)
	gen, err := ids.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	cfg := NewConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(Deps{
		Log:      logger.NewNop(),
		Vector:   ms,
		FullText: ms,
		History:  ms.History(),
		Graph:    ms.Graph(),
		Profiles: ms,
		Provider: provider,
		Embedder: embedder,
		IDs:      gen,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, ms
}

func boolPtr(b bool) *bool { return &b }

func TestAddIdempotentByHash(t *testing.T) {
	provider := &scriptedProvider{facts: []string{"User likes coffee"}}
	embedder := &hashEmbedder{dims: testDims}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	sc := types.Scope{UserID: "u1"}
	first, err := eng.Add(context.Background(), AddRequest{Input: "I like coffee", Scope: sc})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if len(first.Results) != 1 || first.Results[0].Event != types.EventAdd {
		t.Fatalf("first add results: %+v", first.Results)
	}

	second, err := eng.Add(context.Background(), AddRequest{Input: "I like coffee", Scope: sc})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(second.Results) != 1 || second.Results[0].Event != types.EventNone {
		t.Fatalf("second add results: %+v", second.Results)
	}
	if second.Results[0].ID != first.Results[0].ID {
		t.Fatalf("NONE should reference the existing fact: first=%d second=%d",
			first.Results[0].ID, second.Results[0].ID)
	}

	facts, _, err := eng.GetAll(context.Background(), sc, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts stored: want=1 got=%d", len(facts))
	}
}

var idPattern = regexp.MustCompile(`id=(\d+)`)

func TestAddConflictResolutionUpdates(t *testing.T) {
	provider := &scriptedProvider{facts: []string{"User likes coffee"}}
	embedder := &hashEmbedder{
		dims: testDims,
		vecs: map[string][]float32{
			// Same direction keeps the neighbor above the 0.7 threshold.
			"User likes coffee": {1, 0, 0, 0, 0, 0, 0, 0},
			"User prefers tea":  {0.95, 0.3, 0, 0, 0, 0, 0, 0},
		},
	}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	sc := types.Scope{UserID: "u1"}
	first, err := eng.Add(context.Background(), AddRequest{Input: "coffee", Scope: sc})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	originalID := first.Results[0].ID

	provider.facts = []string{"User prefers tea"}
	provider.plan = func(prompt string) (map[string]any, error) {
		m := idPattern.FindStringSubmatch(prompt)
		if m == nil {
			return nil, fmt.Errorf("no candidate id in prompt")
		}
		return map[string]any{"memory": []any{map[string]any{
			"event": "UPDATE",
			"id":    m[1],
			"text":  "User prefers tea",
		}}}, nil
	}

	second, err := eng.Add(context.Background(), AddRequest{Input: "tea", Scope: sc})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(second.Results) != 1 || second.Results[0].Event != types.EventUpdate {
		t.Fatalf("second add results: %+v", second.Results)
	}

	facts, _, err := eng.GetAll(context.Background(), sc, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "User prefers tea" {
		t.Fatalf("expected single merged preference, got=%+v", facts)
	}

	events, err := eng.History(context.Background(), originalID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 || events[0].Event != types.EventAdd || events[1].Event != types.EventUpdate {
		t.Fatalf("history: %+v", events)
	}
}

func TestAddUnknownPlanIDDowngradesToAdd(t *testing.T) {
	provider := &scriptedProvider{facts: []string{"User likes coffee"}}
	embedder := &hashEmbedder{
		dims: testDims,
		vecs: map[string][]float32{
			"User likes coffee": {1, 0, 0, 0, 0, 0, 0, 0},
			"User likes tea":    {0.9, 0.4, 0, 0, 0, 0, 0, 0},
		},
	}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	sc := types.Scope{UserID: "u1"}
	if _, err := eng.Add(context.Background(), AddRequest{Input: "coffee", Scope: sc}); err != nil {
		t.Fatalf("first add: %v", err)
	}

	provider.facts = []string{"User likes tea"}
	provider.plan = func(string) (map[string]any, error) {
		return map[string]any{"memory": []any{map[string]any{
			"event": "UPDATE",
			"id":    "999999",
			"text":  "bogus",
		}}}, nil
	}
	res, err := eng.Add(context.Background(), AddRequest{Input: "tea", Scope: sc})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Event != types.EventAdd {
		t.Fatalf("expected downgrade to ADD, got=%+v", res.Results)
	}
	if res.Results[0].Memory != "User likes tea" {
		t.Fatalf("downgraded ADD should store the fact, got=%q", res.Results[0].Memory)
	}
}

func TestAddExtractorFallbackOnParseFailure(t *testing.T) {
	provider := &scriptedProvider{
		factsErr: types.E(types.KindParseWarning, "test", "malformed JSON", nil),
	}
	embedder := &hashEmbedder{dims: testDims}
	eng, _ := newTestEngine(t, provider, embedder, nil)

	res, err := eng.Add(context.Background(), AddRequest{Input: "gibberish", Scope: types.Scope{UserID: "u1"}})
	if err != nil {
		t.Fatalf("add should not fail: %v", err)
	}
	if len(res.Results) != 0 {
		t.Fatalf("expected empty results, got=%+v", res.Results)
	}

	facts, _, err := eng.GetAll(context.Background(), types.Scope{UserID: "u1"}, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("no facts should be written, got=%d", len(facts))
	}
}

func TestAddInferFalseStoresVerbatim(t *testing.T) {
	provider := &scriptedProvider{}
	embedder := &hashEmbedder{dims: testDims}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	res, err := eng.Add(context.Background(), AddRequest{
		Input: "raw note, stored as-is",
		Scope: types.Scope{UserID: "u1"},
		Infer: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Memory != "raw note, stored as-is" {
		t.Fatalf("results: %+v", res.Results)
	}
}

func TestAddRequiresWriteScope(t *testing.T) {
	provider := &scriptedProvider{facts: []string{"fact"}}
	eng, _ := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)

	_, err := eng.Add(context.Background(), AddRequest{Input: "x", Scope: types.Scope{RunID: "r1"}})
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error, got=%v", err)
	}
}

func TestSearchScopeIsolation(t *testing.T) {
	provider := &scriptedProvider{}
	embedder := &hashEmbedder{dims: testDims}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	for _, sc := range []types.Scope{
		{UserID: "u1", AgentID: "a1"},
		{UserID: "u2", AgentID: "a1"},
	} {
		_, err := eng.Add(ctx, AddRequest{Input: "likes hiking", Scope: sc, Infer: boolPtr(false)})
		if err != nil {
			t.Fatalf("add %v: %v", sc, err)
		}
	}

	other, err := eng.Search(ctx, SearchRequest{Query: "likes hiking", Scope: types.Scope{UserID: "u3"}})
	if err != nil {
		t.Fatalf("search u3: %v", err)
	}
	if len(other.Results) != 0 {
		t.Fatalf("u3 should see nothing, got=%d", len(other.Results))
	}

	agent, err := eng.Search(ctx, SearchRequest{Query: "likes hiking", Scope: types.Scope{AgentID: "a1"}})
	if err != nil {
		t.Fatalf("search a1: %v", err)
	}
	if len(agent.Results) != 2 {
		t.Fatalf("agent-group read should span both users, got=%d", len(agent.Results))
	}
}

func TestSearchRecencyWeighting(t *testing.T) {
	provider := &scriptedProvider{}
	shared := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	embedder := &hashEmbedder{
		dims: testDims,
		vecs: map[string][]float32{"beverage": shared},
	}
	eng, ms := newTestEngine(t, provider, embedder, func(c *Config) {
		c.Fusion = FusionWeighted
		c.Weights = FusionWeights{Vector: 1}
	})

	ctx := context.Background()
	now := time.Now().UTC()
	old := &types.MemoryFact{
		ID: 1, Content: "drinks espresso", Embedding: shared,
		Scope: types.Scope{UserID: "u1"},
		Metadata: map[string]any{
			types.MetaImportanceScore: 0.9,
			types.MetaLastAccessed:    now.Add(-30 * 24 * time.Hour).Format(time.RFC3339Nano),
		},
		Hash:      types.ContentHash("drinks espresso"),
		CreatedAt: now.Add(-30 * 24 * time.Hour), UpdatedAt: now.Add(-30 * 24 * time.Hour),
	}
	recent := &types.MemoryFact{
		ID: 2, Content: "drinks matcha", Embedding: shared,
		Scope: types.Scope{UserID: "u1"},
		Metadata: map[string]any{
			types.MetaImportanceScore: 0.1,
			types.MetaLastAccessed:    now.Add(-time.Hour).Format(time.RFC3339Nano),
		},
		Hash:      types.ContentHash("drinks matcha"),
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	for _, mem := range []*types.MemoryFact{old, recent} {
		if err := ms.Insert(ctx, mem); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	weighted, err := eng.Search(ctx, SearchRequest{
		Query: "beverage", Scope: types.Scope{UserID: "u1"},
		Options: SearchOptions{K: 2},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(weighted.Results) != 2 || weighted.Results[0].Memory.ID != 2 {
		t.Fatalf("recency on: recent fact should rank first, got=%+v", resultIDs(weighted.Results))
	}

	// Reinforcement from the first search touched last_accessed; reset both.
	old.Metadata[types.MetaLastAccessed] = now.Add(-30 * 24 * time.Hour).Format(time.RFC3339Nano)
	old.Metadata[types.MetaRetentionStrength] = 1.0
	recent.Metadata[types.MetaLastAccessed] = now.Add(-time.Hour).Format(time.RFC3339Nano)
	recent.Metadata[types.MetaRetentionStrength] = 1.0
	for _, mem := range []*types.MemoryFact{old, recent} {
		if err := ms.Upsert(ctx, mem); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	flat, err := eng.Search(ctx, SearchRequest{
		Query: "beverage", Scope: types.Scope{UserID: "u1"},
		Options: SearchOptions{K: 2, NoRecency: true},
	})
	if err != nil {
		t.Fatalf("search no recency: %v", err)
	}
	if len(flat.Results) != 2 || flat.Results[0].Memory.ID != 1 {
		t.Fatalf("recency off: tie should break on importance, got=%+v", resultIDs(flat.Results))
	}
}

func resultIDs(items []SearchResultItem) []int64 {
	out := make([]int64, len(items))
	for i, item := range items {
		out[i] = item.Memory.ID
	}
	return out
}

func TestSearchGraphMultiHop(t *testing.T) {
	provider := &scriptedProvider{
		relations: map[string][]map[string]any{
			"Alice is Bob's manager": {
				{"source": "alice", "relation": "manages", "target": "bob"},
			},
			"Bob works on project X": {
				{"source": "bob", "relation": "works_on", "target": "project x"},
			},
			"Alice's projects": {
				{"source": "alice", "relation": "works_on", "target": "projects"},
			},
		},
	}
	embedder := &hashEmbedder{dims: testDims}
	eng, _ := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	for _, input := range []string{"Alice is Bob's manager", "Bob works on project X"} {
		if _, err := eng.Add(ctx, AddRequest{Input: input, Scope: sc, Infer: boolPtr(false)}); err != nil {
			t.Fatalf("add %q: %v", input, err)
		}
	}

	res, err := eng.Search(ctx, SearchRequest{
		Query: "Alice's projects", Scope: sc,
		Options: SearchOptions{K: 5, UseGraph: true, UseFullText: true, Hops: 2},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, item := range res.Results {
		if strings.Contains(item.Memory.Content, "project X") {
			found = true
		}
	}
	if !found {
		t.Fatalf("graph branch should surface project X, got=%+v", res.Results)
	}
	if len(res.Relations) == 0 {
		t.Fatal("expected traversed relations in response")
	}
}

func TestGraphEdgeMentionsAccumulate(t *testing.T) {
	provider := &scriptedProvider{
		relations: map[string][]map[string]any{
			"checks in at the gym": {
				{"source": "USER_ID", "relation": "goes_to", "target": "gym"},
			},
		},
	}
	embedder := &hashEmbedder{dims: testDims}
	eng, ms := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	for i := 0; i < 2; i++ {
		_, err := eng.Add(ctx, AddRequest{Input: "checks in at the gym", Scope: sc, Infer: boolPtr(false)})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	edges, err := ms.Graph().Neighbors(ctx, "u1", sc, 1, 10)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(edges) != 1 || edges[0].Mentions < 2 {
		t.Fatalf("expected reobserved edge with mentions >= 2, got=%+v", edges)
	}
}

func TestAddDeletesContradictedRelations(t *testing.T) {
	provider := &scriptedProvider{
		relations: map[string][]map[string]any{
			"lives in Paris": {
				{"source": "USER_ID", "relation": "lives_in", "target": "Paris"},
			},
			"moved to Berlin": {
				{"source": "USER_ID", "relation": "lives_in", "target": "Berlin"},
			},
		},
		deletes: map[string][]map[string]any{
			"moved to Berlin": {
				{"source": "USER_ID", "relation": "lives_in", "target": "Paris"},
			},
		},
	}
	embedder := &hashEmbedder{dims: testDims}
	eng, ms := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	if _, err := eng.Add(ctx, AddRequest{Input: "lives in Paris", Scope: sc, Infer: boolPtr(false)}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := eng.Add(ctx, AddRequest{Input: "moved to Berlin", Scope: sc, Infer: boolPtr(false)}); err != nil {
		t.Fatalf("second add: %v", err)
	}

	graph := ms.Graph()
	stale, err := graph.EdgesBetween(ctx, "u1", "paris", sc)
	if err != nil {
		t.Fatalf("EdgesBetween: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("contradicted relation should be deleted, got=%+v", stale)
	}
	current, err := graph.EdgesBetween(ctx, "u1", "berlin", sc)
	if err != nil {
		t.Fatalf("EdgesBetween: %v", err)
	}
	if len(current) != 1 || current[0].Relation != "lives_in" {
		t.Fatalf("new relation should be stored, got=%+v", current)
	}
}

func TestProfileRebuildAfterAdd(t *testing.T) {
	provider := &scriptedProvider{profile: "Enjoys coffee."}
	embedder := &hashEmbedder{dims: testDims}
	eng, ms := newTestEngine(t, provider, embedder, nil)

	sc := types.Scope{UserID: "u1"}
	_, err := eng.Add(context.Background(), AddRequest{Input: "likes coffee", Scope: sc, Infer: boolPtr(false)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	eng.WaitAsync()

	profile, err := ms.GetProfile(context.Background(), "u1", "", "")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.ProfileText != "Enjoys coffee." {
		t.Fatalf("profile text: got=%q", profile.ProfileText)
	}
}

func TestUpdateReembedsContent(t *testing.T) {
	provider := &scriptedProvider{}
	embedder := &hashEmbedder{dims: testDims}
	eng, ms := newTestEngine(t, provider, embedder, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	res, err := eng.Add(ctx, AddRequest{Input: "works at Acme", Scope: sc, Infer: boolPtr(false)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := res.Results[0].ID

	newContent := "works at Globex"
	if _, err := eng.Update(ctx, UpdateRequest{ID: id, Content: &newContent}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := ms.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, _ := embedder.Embed(ctx, []string{newContent})
	for d := range want[0] {
		if stored.Embedding[d] != want[0][d] {
			t.Fatalf("embedding not refreshed at dim %d", d)
		}
	}
	if stored.Hash != types.ContentHash(newContent) {
		t.Fatal("hash not refreshed")
	}
}

func TestDeleteWritesHistory(t *testing.T) {
	provider := &scriptedProvider{}
	eng, _ := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	res, err := eng.Add(ctx, AddRequest{Input: "temp", Scope: types.Scope{UserID: "u1"}, Infer: boolPtr(false)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := res.Results[0].ID

	if err := eng.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := eng.Get(ctx, id); !types.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got=%v", err)
	}

	events, err := eng.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := events[len(events)-1]
	if last.Event != types.EventDelete {
		t.Fatalf("terminal event: got=%s", last.Event)
	}
}

func TestResetPurgesScopeOnly(t *testing.T) {
	provider := &scriptedProvider{}
	eng, _ := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		_, err := eng.Add(ctx, AddRequest{Input: "note for " + user, Scope: types.Scope{UserID: user}, Infer: boolPtr(false)})
		if err != nil {
			t.Fatalf("add %s: %v", user, err)
		}
	}

	if err := eng.Reset(ctx, types.Scope{UserID: "u1"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	gone, _, err := eng.GetAll(ctx, types.Scope{UserID: "u1"}, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAll u1: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("u1 should be empty after reset, got=%d", len(gone))
	}
	kept, _, err := eng.GetAll(ctx, types.Scope{UserID: "u2"}, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAll u2: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("u2 must survive a u1 reset, got=%d", len(kept))
	}

	if err := eng.Reset(ctx, types.Scope{}); !types.IsValidation(err) {
		t.Fatalf("empty-scope reset must be rejected, got=%v", err)
	}
}

func TestMaintenancePromotesAndCleans(t *testing.T) {
	provider := &scriptedProvider{}
	eng, ms := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)

	ctx := context.Background()
	now := time.Now().UTC()

	hot := &types.MemoryFact{
		ID: 10, Content: "hot working memory", Embedding: make([]float32, testDims),
		Scope: types.Scope{UserID: "u1"},
		Metadata: map[string]any{
			types.MetaTier:         string(types.TierWorking),
			types.MetaAccessCount:  3,
			types.MetaLastAccessed: now.Add(-time.Hour).Format(time.RFC3339Nano),
		},
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	stale := &types.MemoryFact{
		ID: 11, Content: "expired archive", Embedding: make([]float32, testDims),
		Scope: types.Scope{UserID: "u1"},
		Metadata: map[string]any{
			types.MetaTier:       string(types.TierArchived),
			types.MetaArchivedAt: now.Add(-40 * 24 * time.Hour).Format(time.RFC3339Nano),
		},
		CreatedAt: now.Add(-90 * 24 * time.Hour), UpdatedAt: now.Add(-40 * 24 * time.Hour),
	}
	for _, mem := range []*types.MemoryFact{hot, stale} {
		if err := ms.Insert(ctx, mem); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := eng.Maintenance(ctx)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if stats.Promoted != 1 || stats.Cleaned != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	promoted, err := ms.Get(ctx, 10)
	if err != nil {
		t.Fatalf("get promoted: %v", err)
	}
	if promoted.Tier() != types.TierShortTerm {
		t.Fatalf("tier: got=%s", promoted.Tier())
	}
	if _, err := ms.Get(ctx, 11); !types.IsNotFound(err) {
		t.Fatalf("cleaned fact should be gone, got=%v", err)
	}
}

func TestDeleteAllSoftArchivesUnderGrace(t *testing.T) {
	provider := &scriptedProvider{}
	eng, ms := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	if _, err := eng.Add(ctx, AddRequest{Input: "to be archived", Scope: sc, Infer: boolPtr(false)}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := eng.DeleteAll(ctx, sc); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	facts, _, err := ms.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(facts) != 1 || facts[0].Tier() != types.TierArchived {
		t.Fatalf("expected soft-archived fact, got=%+v", facts)
	}
}

func TestDeleteAllHardWithoutGrace(t *testing.T) {
	provider := &scriptedProvider{}
	eng, ms := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, func(c *Config) {
		eb := DefaultEbbinghaus()
		eb.ArchiveGrace = 0
		c.Ebbinghaus = eb
	})
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	if _, err := eng.Add(ctx, AddRequest{Input: "to be removed", Scope: sc, Infer: boolPtr(false)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := eng.DeleteAll(ctx, sc); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	facts, _, err := ms.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected hard delete, got=%d facts", len(facts))
	}
}

func TestReinforcementOnSearch(t *testing.T) {
	provider := &scriptedProvider{}
	eng, ms := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	sc := types.Scope{UserID: "u1"}
	res, err := eng.Add(ctx, AddRequest{Input: "reinforce me", Scope: sc, Infer: boolPtr(false)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := res.Results[0].ID

	if _, err := eng.Search(ctx, SearchRequest{Query: "reinforce me", Scope: sc}); err != nil {
		t.Fatalf("search: %v", err)
	}

	stored, err := ms.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := stored.Metadata[types.MetaAccessCount]; got != 1 {
		t.Fatalf("access_count: want=1 got=%v", got)
	}
	strength, ok := stored.Metadata[types.MetaRetentionStrength].(float64)
	if !ok || strength <= 1.0 {
		t.Fatalf("retention_strength should grow, got=%v", stored.Metadata[types.MetaRetentionStrength])
	}
}

func TestConcurrentAddsDistinctUsers(t *testing.T) {
	provider := &scriptedProvider{}
	eng, _ := newTestEngine(t, provider, &hashEmbedder{dims: testDims}, nil)
	defer eng.WaitAsync()

	ctx := context.Background()
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := eng.Add(ctx, AddRequest{
				Input: "note " + strconv.Itoa(i),
				Scope: types.Scope{UserID: "user-" + strconv.Itoa(i)},
				Infer: boolPtr(false),
			})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent add: %v", err)
		}
	}
}
