// Package engine implements the memory engine: ingestion of conversational
// input into durable memory facts, hybrid retrieval over them, the forgetting
// lifecycle, and the relation graph. Engine is the single facade; callers
// construct one explicitly and share it across goroutines.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/ids"
	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/ctxutil"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/scope"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

// Config carries the engine tunables. NewConfig returns the defaults; zero
// values in a caller-built Config are normalized the same way.
type Config struct {
	NeighborK         int
	NeighborThreshold float64
	MaxContentLen     int

	Fusion  string
	RRFK    int
	Weights FusionWeights
	Recency bool
	Parser  string

	MaxHop         int
	MaxEdgesPerHop int

	WorkerPool int

	// IntelligentMemory enables LLM importance scoring and tier assignment.
	IntelligentMemory bool
	Ebbinghaus        Ebbinghaus
}

func NewConfig() Config {
	return Config{
		NeighborK:         5,
		NeighborThreshold: 0.7,
		MaxContentLen:     10000,
		Fusion:            FusionRRF,
		RRFK:              60,
		Weights:           FusionWeights{Vector: 1, Text: 0.5, Graph: 0.5},
		Recency:           true,
		Parser:            store.ParserSpace,
		MaxHop:            2,
		MaxEdgesPerHop:    20,
		WorkerPool:        32,
		IntelligentMemory: true,
		Ebbinghaus:        DefaultEbbinghaus(),
	}
}

func (c *Config) normalize() {
	d := NewConfig()
	if c.NeighborK <= 0 {
		c.NeighborK = d.NeighborK
	}
	if c.NeighborThreshold <= 0 {
		c.NeighborThreshold = d.NeighborThreshold
	}
	if c.MaxContentLen <= 0 {
		c.MaxContentLen = d.MaxContentLen
	}
	if c.Fusion == "" {
		c.Fusion = d.Fusion
	}
	if c.RRFK <= 0 {
		c.RRFK = d.RRFK
	}
	if c.Weights == (FusionWeights{}) {
		c.Weights = d.Weights
	}
	if c.Parser == "" {
		c.Parser = d.Parser
	}
	if c.MaxHop <= 0 {
		c.MaxHop = d.MaxHop
	}
	if c.MaxHop > hardMaxHop {
		c.MaxHop = hardMaxHop
	}
	if c.MaxEdgesPerHop <= 0 {
		c.MaxEdgesPerHop = d.MaxEdgesPerHop
	}
	if c.WorkerPool <= 0 {
		c.WorkerPool = d.WorkerPool
	}
	if c.Ebbinghaus == (Ebbinghaus{}) {
		c.Ebbinghaus = d.Ebbinghaus
	}
}

// Deps are the backends and providers the engine orchestrates. Vector,
// History, Provider, Embedder, and IDs are required; the rest degrade
// gracefully when absent.
type Deps struct {
	Log      *logger.Logger
	Vector   store.VectorStore
	FullText store.FullTextStore
	History  store.HistoryStore
	Graph    store.GraphStore
	Profiles store.ProfileStore
	Provider llm.Provider
	Embedder llm.Embedder
	IDs      *ids.Generator
	Locker   Locker
	Prompts  prompts.Set
}

// graphJob is a deferred graph ingest, queued when the graph backend failed
// after the scalar write succeeded.
type graphJob struct {
	Text  string
	Scope types.Scope
}

const maxPendingGraphJobs = 1000

type Engine struct {
	log *logger.Logger
	cfg Config

	vec      store.VectorStore
	fts      store.FullTextStore
	hist     store.HistoryStore
	graph    store.GraphStore
	profiles store.ProfileStore
	provider llm.Provider
	embedder llm.Embedder
	ids      *ids.Generator
	locks    Locker

	extract  *extractor
	plan     *planner
	retrieve *retriever
	graphEng *graphEngine
	profile  *profileBuilder
	eb       Ebbinghaus

	pendingMu    sync.Mutex
	pendingGraph []graphJob
}

func New(deps Deps, cfg Config) (*Engine, error) {
	const op = "engine.New"
	if deps.Log == nil || deps.Vector == nil || deps.History == nil ||
		deps.Provider == nil || deps.Embedder == nil || deps.IDs == nil {
		return nil, types.E(types.KindValidation, op,
			"log, vector store, history store, provider, embedder, and id generator are required", nil)
	}
	if deps.Vector.Dims() != deps.Embedder.Dims() {
		return nil, types.E(types.KindFatal, op,
			fmt.Sprintf("embedder dimension %d does not match store dimension %d",
				deps.Embedder.Dims(), deps.Vector.Dims()), nil)
	}
	cfg.normalize()

	log := deps.Log.With("service", "MemoryEngine")
	if deps.Locker == nil {
		deps.Locker = NewStripedLocker(1024)
	}
	if deps.Prompts == (prompts.Set{}) {
		deps.Prompts = prompts.Defaults()
	}

	e := &Engine{
		log:      log,
		cfg:      cfg,
		vec:      deps.Vector,
		fts:      deps.FullText,
		hist:     deps.History,
		graph:    deps.Graph,
		profiles: deps.Profiles,
		provider: deps.Provider,
		embedder: deps.Embedder,
		ids:      deps.IDs,
		locks:    deps.Locker,
		eb:       cfg.Ebbinghaus,
	}
	e.extract = &extractor{provider: deps.Provider, prompts: deps.Prompts, log: log}
	e.plan = &planner{
		provider:          deps.Provider,
		vec:               deps.Vector,
		prompts:           deps.Prompts,
		log:               log,
		neighborK:         cfg.NeighborK,
		neighborThreshold: cfg.NeighborThreshold,
	}
	if deps.Graph != nil {
		e.graphEng = &graphEngine{
			provider:       deps.Provider,
			graph:          deps.Graph,
			prompts:        deps.Prompts,
			log:            log,
			maxHop:         cfg.MaxHop,
			maxEdgesPerHop: cfg.MaxEdgesPerHop,
		}
	}
	e.retrieve = &retriever{
		vec:      deps.Vector,
		fts:      deps.FullText,
		graphEng: e.graphEng,
		embedder: deps.Embedder,
		eb:       cfg.Ebbinghaus,
		log:      log,
		fusion:   cfg.Fusion,
		rrfK:     cfg.RRFK,
		weights:  cfg.Weights,
		parser:   cfg.Parser,
		recency:  cfg.Recency,
	}
	if deps.Profiles != nil {
		e.profile = &profileBuilder{
			provider: deps.Provider,
			profiles: deps.Profiles,
			vec:      deps.Vector,
			prompts:  deps.Prompts,
			log:      log,
		}
	}
	return e, nil
}

// Close flushes async work and closes the backends the engine owns.
func (e *Engine) Close() error {
	if e.profile != nil {
		e.profile.Wait()
	}
	var first error
	for _, c := range []interface{ Close() error }{e.vec, e.hist, e.graph, e.provider, e.embedder} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitAsync blocks until background profile rebuilds finish. Tests and
// shutdown paths use it for determinism.
func (e *Engine) WaitAsync() {
	if e.profile != nil {
		e.profile.Wait()
	}
}

// ---- add ----

// AddRequest is one ingestion call. Either Input or Turns carries the
// conversation; Infer=false stores the input verbatim as a single fact.
type AddRequest struct {
	Input    string         `json:"input,omitempty"`
	Turns    []Turn         `json:"turns,omitempty"`
	Scope    types.Scope    `json:"scope"`
	Infer    *bool          `json:"infer,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// MemoryType tags the stored facts (e.g. "fact", "preference").
	MemoryType string `json:"memory_type,omitempty"`
	// NoGraph skips relation extraction for this call.
	NoGraph bool `json:"no_graph,omitempty"`
}

// AddResultItem is the per-fact outcome of an add.
type AddResultItem struct {
	ID     int64           `json:"id"`
	Memory string          `json:"memory"`
	Event  types.EventType `json:"event"`
}

type AddResult struct {
	Results   []AddResultItem    `json:"results"`
	Relations []*types.GraphEdge `json:"relations,omitempty"`
}

// appliedOp records a completed mutation so a later write failure in the same
// add can be rolled back.
type appliedOp struct {
	event types.EventType
	id    int64
	prev  *types.MemoryFact
}

func (e *Engine) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	const op = "engine.Add"
	sc, scopeFilter, err := scope.ForWrite(req.Scope)
	if err != nil {
		return nil, err
	}

	input := renderInput(req.Input, req.Turns)
	infer := req.Infer == nil || *req.Infer

	var facts []string
	if infer {
		facts = e.extract.Extract(ctx, req.Input, req.Turns)
	} else if input != "" {
		facts = []string{input}
	}
	if len(facts) == 0 {
		return &AddResult{Results: []AddResultItem{}}, nil
	}
	for _, fact := range facts {
		if len(fact) > e.cfg.MaxContentLen {
			return nil, types.E(types.KindValidation, op,
				fmt.Sprintf("fact exceeds content cap of %d bytes", e.cfg.MaxContentLen), nil)
		}
	}

	embedCtx, cancel := ctxutil.Default(ctx)
	embeddings, err := e.embedder.Embed(embedCtx, facts)
	cancel()
	if err != nil {
		return nil, err
	}

	// Plan all facts in parallel, bounded by the worker pool; apply in
	// extractor order below so downstream reads observe that order.
	plans := make([][]plannedOp, len(facts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkerPool)
	for i := range facts {
		g.Go(func() error {
			ops, err := e.plan.Plan(gctx, facts[i], embeddings[i], scopeFilter)
			if err != nil {
				return err
			}
			plans[i] = ops
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &AddResult{}
	var applied []appliedOp
	mutated := false
	for i, ops := range plans {
		for _, planned := range ops {
			item, done, err := e.apply(ctx, planned, sc, facts[i], embeddings[i], req)
			if err != nil {
				e.rollback(applied)
				return nil, err
			}
			result.Results = append(result.Results, item)
			if done != nil {
				applied = append(applied, *done)
				mutated = true
			}
		}
	}

	if !req.NoGraph && e.graphEng != nil {
		edges, err := e.graphEng.Ingest(ctx, input, sc)
		if err != nil {
			// The scalar store is the source of truth; a graph failure is a
			// partial-failure warning and the ingest is retried later.
			e.log.Warn("graph ingest failed after scalar write, queued for retry",
				"user_id", sc.UserID, "error", err.Error())
			e.queueGraphJob(graphJob{Text: input, Scope: sc})
		} else {
			result.Relations = edges
		}
	}

	if mutated && e.profile != nil {
		e.profile.RebuildAsync(sc)
	}
	return result, nil
}

// apply executes one planned mutation. The returned appliedOp is nil for
// NONE, which writes nothing.
func (e *Engine) apply(ctx context.Context, planned plannedOp, sc types.Scope, factText string, embedding []float32, req AddRequest) (AddResultItem, *appliedOp, error) {
	now := time.Now().UTC()
	switch planned.Event {
	case types.EventAdd:
		id := e.ids.Next()
		meta := e.newFactMetadata(ctx, planned.Text, req, now)
		mem := &types.MemoryFact{
			ID:        id,
			Content:   planned.Text,
			Embedding: embedding,
			Scope:     sc,
			Metadata:  meta,
			Hash:      types.ContentHash(planned.Text),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if planned.Text != factText {
			// The planner rewrote the fact; the stored embedding must match
			// the stored content.
			reEmbedded, err := e.embedSingle(ctx, planned.Text)
			if err != nil {
				return AddResultItem{}, nil, err
			}
			mem.Embedding = reEmbedded
		}
		if err := e.vec.Insert(ctx, mem); err != nil {
			return AddResultItem{}, nil, err
		}
		e.appendHistory(ctx, id, types.EventAdd, "", planned.Text, sc)
		return AddResultItem{ID: id, Memory: planned.Text, Event: types.EventAdd},
			&appliedOp{event: types.EventAdd, id: id}, nil

	case types.EventUpdate:
		unlock, err := e.locks.Lock(ctx, strconv.FormatInt(planned.TargetID, 10))
		if err != nil {
			return AddResultItem{}, nil, err
		}
		defer unlock()

		prev, err := e.vec.Get(ctx, planned.TargetID)
		if err != nil {
			return AddResultItem{}, nil, err
		}
		newEmbedding, err := e.embedSingle(ctx, planned.Text)
		if err != nil {
			return AddResultItem{}, nil, err
		}
		next := prev.Clone()
		next.Content = planned.Text
		next.Embedding = newEmbedding
		next.Hash = types.ContentHash(planned.Text)
		next.UpdatedAt = now
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		next.Metadata[types.MetaUpdatedAt] = now.Format(time.RFC3339Nano)
		if err := e.vec.Upsert(ctx, next); err != nil {
			return AddResultItem{}, nil, err
		}
		e.appendHistory(ctx, planned.TargetID, types.EventUpdate, prev.Content, planned.Text, sc)
		return AddResultItem{ID: planned.TargetID, Memory: planned.Text, Event: types.EventUpdate},
			&appliedOp{event: types.EventUpdate, id: planned.TargetID, prev: prev}, nil

	case types.EventDelete:
		unlock, err := e.locks.Lock(ctx, strconv.FormatInt(planned.TargetID, 10))
		if err != nil {
			return AddResultItem{}, nil, err
		}
		defer unlock()

		prev, err := e.vec.Get(ctx, planned.TargetID)
		if err != nil {
			return AddResultItem{}, nil, err
		}
		if err := e.vec.Delete(ctx, planned.TargetID); err != nil {
			return AddResultItem{}, nil, err
		}
		e.appendHistory(ctx, planned.TargetID, types.EventDelete, prev.Content, "", sc)
		return AddResultItem{ID: planned.TargetID, Memory: prev.Content, Event: types.EventDelete},
			&appliedOp{event: types.EventDelete, id: planned.TargetID, prev: prev}, nil

	default: // NONE
		return AddResultItem{ID: planned.TargetID, Memory: planned.OldText, Event: types.EventNone}, nil, nil
	}
}

// newFactMetadata builds the initial metadata for an ADD, including the
// importance score and tier when intelligent memory is on.
func (e *Engine) newFactMetadata(ctx context.Context, content string, req AddRequest, now time.Time) map[string]any {
	meta := make(map[string]any, len(req.Metadata)+8)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	stamp := now.Format(time.RFC3339Nano)
	meta[types.MetaCreatedAt] = stamp
	meta[types.MetaUpdatedAt] = stamp
	meta[types.MetaAccessCount] = 0
	meta[types.MetaRetentionStrength] = 1.0
	if req.MemoryType != "" {
		meta[types.MetaMemoryType] = req.MemoryType
	}

	importance := 0.5
	if e.cfg.IntelligentMemory {
		importance = e.evaluateImportance(ctx, content)
	}
	meta[types.MetaImportanceScore] = importance
	meta[types.MetaTier] = string(e.eb.InitialTier(importance))
	return meta
}

// evaluateImportance asks the model for a [0,1] importance score; failures
// fall back to a neutral 0.5.
func (e *Engine) evaluateImportance(ctx context.Context, content string) float64 {
	prompt := prompts.Render(e.extract.prompts.ImportanceEvaluation, map[string]string{
		prompts.VarInput: content,
	})
	obj, err := e.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		e.log.Warn("importance evaluation failed, using default", "error", err.Error())
		return 0.5
	}
	score := metaFloat(obj, "score", 0.5)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (e *Engine) embedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// appendHistory writes the audit record for a mutation. History failures are
// logged, not surfaced; the mutation itself already committed.
func (e *Engine) appendHistory(ctx context.Context, memoryID int64, event types.EventType, prev, next string, sc types.Scope) {
	err := e.hist.Append(ctx, &types.HistoryEvent{
		MemoryID:  memoryID,
		Event:     event,
		PrevValue: prev,
		NewValue:  next,
		Actor:     sc.ActorID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.log.Error("history append failed", "memory_id", memoryID, "event", string(event), "error", err.Error())
	}
}

// rollback undoes the already-applied mutations of a failed add, newest
// first, using the pre-images captured alongside each write.
func (e *Engine) rollback(applied []appliedOp) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxutil.DefaultTimeout)
	defer cancel()
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		var err error
		switch a.event {
		case types.EventAdd:
			err = e.vec.Delete(ctx, a.id)
		case types.EventUpdate, types.EventDelete:
			err = e.vec.Upsert(ctx, a.prev)
		}
		if err != nil {
			e.log.Error("rollback step failed", "memory_id", a.id, "event", string(a.event), "error", err.Error())
		}
	}
}

func (e *Engine) queueGraphJob(job graphJob) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pendingGraph) >= maxPendingGraphJobs {
		e.pendingGraph = e.pendingGraph[1:]
	}
	e.pendingGraph = append(e.pendingGraph, job)
}

// ---- search ----

type SearchRequest struct {
	Query       string         `json:"query"`
	Scope       types.Scope    `json:"scope"`
	Options     SearchOptions  `json:"options"`
	WithProfile bool           `json:"with_profile,omitempty"`
}

type SearchResult struct {
	Results   []SearchResultItem `json:"results"`
	Relations []*types.GraphEdge `json:"relations,omitempty"`
	Profile   *types.UserProfile `json:"profile,omitempty"`
}

func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	sc, scopeFilter, err := scope.ForRead(req.Scope, false)
	if err != nil {
		return nil, err
	}
	if err := req.Options.Filter.Validate(); err != nil {
		return nil, err
	}

	items, edges, err := e.retrieve.Search(ctx, req.Query, sc, scopeFilter, req.Options)
	if err != nil {
		return nil, err
	}

	e.reinforceBulk(ctx, items)

	out := &SearchResult{Results: items, Relations: edges}
	if req.WithProfile && e.profiles != nil && sc.UserID != "" {
		profile, err := e.profiles.GetProfile(ctx, sc.UserID, sc.AgentID, sc.RunID)
		if err == nil {
			out.Profile = profile
		} else if !types.IsNotFound(err) {
			e.log.Warn("profile lookup failed", "user_id", sc.UserID, "error", err.Error())
		}
	}
	return out, nil
}

// reinforceBulk records one access on every returned fact. Best effort; a
// failed reinforcement never fails the search.
func (e *Engine) reinforceBulk(ctx context.Context, items []SearchResultItem) {
	now := time.Now().UTC()
	for _, item := range items {
		fresh, err := e.vec.Get(ctx, item.Memory.ID)
		if err != nil {
			continue
		}
		e.eb.Reinforce(fresh, now)
		if err := e.vec.Upsert(ctx, fresh); err != nil {
			e.log.Warn("reinforcement write failed", "memory_id", fresh.ID, "error", err.Error())
		}
	}
}

// ---- crud ----

// Get returns one fact and reinforces it as an explicit read.
func (e *Engine) Get(ctx context.Context, id int64) (*types.MemoryFact, error) {
	mem, err := e.vec.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.eb.Reinforce(mem, time.Now().UTC())
	if err := e.vec.Upsert(ctx, mem); err != nil {
		e.log.Warn("reinforcement write failed", "memory_id", id, "error", err.Error())
	}
	return mem.Clone(), nil
}

// GetAll pages facts in scope. The extra filter narrows within the scope; it
// can never widen it.
func (e *Engine) GetAll(ctx context.Context, sc types.Scope, extra *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error) {
	_, scopeFilter, err := scope.ForRead(sc, false)
	if err != nil {
		return nil, 0, err
	}
	if err := extra.Validate(); err != nil {
		return nil, 0, err
	}
	f := scopeFilter
	if extra != nil {
		f = filter.New().WithAnd(scopeFilter).WithAnd(extra)
	}
	return e.vec.List(ctx, f, limit, cursor)
}

// UpdateRequest mutates one fact. A nil Content leaves content (and the
// embedding) untouched; Metadata entries are merged over the existing map.
type UpdateRequest struct {
	ID       int64          `json:"id"`
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *Engine) Update(ctx context.Context, req UpdateRequest) (*types.MemoryFact, error) {
	const op = "engine.Update"
	if req.Content == nil && len(req.Metadata) == 0 {
		return nil, types.E(types.KindValidation, op, "nothing to update", nil)
	}
	if req.Content != nil && len(*req.Content) > e.cfg.MaxContentLen {
		return nil, types.E(types.KindValidation, op,
			fmt.Sprintf("content exceeds cap of %d bytes", e.cfg.MaxContentLen), nil)
	}

	unlock, err := e.locks.Lock(ctx, strconv.FormatInt(req.ID, 10))
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := e.vec.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	now := time.Now().UTC()

	if req.Content != nil && *req.Content != prev.Content {
		embedding, err := e.embedSingle(ctx, *req.Content)
		if err != nil {
			return nil, err
		}
		next.Content = *req.Content
		next.Embedding = embedding
		next.Hash = types.ContentHash(*req.Content)
	}
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	for k, v := range req.Metadata {
		next.Metadata[k] = v
	}
	next.UpdatedAt = now
	next.Metadata[types.MetaUpdatedAt] = now.Format(time.RFC3339Nano)

	if err := e.vec.Upsert(ctx, next); err != nil {
		return nil, err
	}
	e.appendHistory(ctx, req.ID, types.EventUpdate, prev.Content, next.Content, next.Scope)
	return next.Clone(), nil
}

func (e *Engine) Delete(ctx context.Context, id int64) error {
	unlock, err := e.locks.Lock(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := e.vec.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.vec.Delete(ctx, id); err != nil {
		return err
	}
	e.appendHistory(ctx, id, types.EventDelete, prev.Content, "", prev.Scope)
	return nil
}

// DeleteAll removes every fact in scope. With a nonzero archive grace the
// facts are soft-archived and swept later by maintenance; otherwise they are
// deleted immediately.
func (e *Engine) DeleteAll(ctx context.Context, sc types.Scope) error {
	c, scopeFilter, err := scope.ForWrite(sc)
	if err != nil {
		return err
	}

	if e.eb.ArchiveGrace > 0 {
		now := time.Now().UTC()
		cursor := int64(0)
		for {
			facts, next, err := e.vec.List(ctx, scopeFilter, 200, cursor)
			if err != nil {
				return err
			}
			for _, mem := range facts {
				if mem.Metadata == nil {
					mem.Metadata = map[string]any{}
				}
				mem.Metadata[types.MetaTier] = string(types.TierArchived)
				mem.Metadata[types.MetaArchivedAt] = now.Format(time.RFC3339Nano)
				mem.UpdatedAt = now
				if err := e.vec.Upsert(ctx, mem); err != nil {
					return err
				}
				e.appendHistory(ctx, mem.ID, types.EventUpdate, mem.Content, mem.Content, c)
			}
			if next == 0 {
				break
			}
			cursor = next
		}
		return nil
	}

	cursor := int64(0)
	for {
		facts, next, err := e.vec.List(ctx, scopeFilter, 200, cursor)
		if err != nil {
			return err
		}
		for _, mem := range facts {
			if err := e.vec.Delete(ctx, mem.ID); err != nil && !types.IsNotFound(err) {
				return err
			}
			e.appendHistory(ctx, mem.ID, types.EventDelete, mem.Content, "", c)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return nil
}

func (e *Engine) History(ctx context.Context, id int64) ([]*types.HistoryEvent, error) {
	return e.hist.List(ctx, id)
}

// Reset purges everything in the scope: facts, graph, and profile. It never
// crosses scopes; an empty scope is rejected.
func (e *Engine) Reset(ctx context.Context, sc types.Scope) error {
	const op = "engine.Reset"
	c := sc.Canonical()
	if c.Empty() {
		return types.E(types.KindValidation, op, "reset requires a non-empty scope", nil)
	}

	if err := e.vec.DeleteAll(ctx, filter.FromScope(c)); err != nil {
		return err
	}
	if e.graph != nil {
		if err := e.graph.DeleteAll(ctx, c); err != nil {
			return err
		}
	}
	if e.profiles != nil && c.UserID != "" {
		if err := e.profiles.DeleteProfile(ctx, c.UserID, c.AgentID, c.RunID); err != nil && !types.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// ---- profiles ----

func (e *Engine) Profile(ctx context.Context, userID, agentID, runID string) (*types.UserProfile, error) {
	const op = "engine.Profile"
	if e.profiles == nil {
		return nil, types.E(types.KindValidation, op, "profile store not configured", nil)
	}
	return e.profiles.GetProfile(ctx, userID, agentID, runID)
}

func (e *Engine) DeleteProfile(ctx context.Context, userID, agentID, runID string) error {
	const op = "engine.DeleteProfile"
	if e.profiles == nil {
		return types.E(types.KindValidation, op, "profile store not configured", nil)
	}
	return e.profiles.DeleteProfile(ctx, userID, agentID, runID)
}
