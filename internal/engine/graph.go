package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

// userSentinel is how prompts refer to the current speaker; it is rewritten
// to the concrete user_id from scope before touching the graph.
const userSentinel = "USER_ID"

// hardMaxHop caps traversal depth regardless of configuration.
const hardMaxHop = 3

// graphEngine extracts relation triples from text, reconciles them against
// the stored graph, and runs bounded traversals for the search pipeline.
type graphEngine struct {
	provider llm.Provider
	graph    store.GraphStore
	prompts  prompts.Set
	log      *logger.Logger

	maxHop         int
	maxEdgesPerHop int
}

func (g *graphEngine) hops(requested int) int {
	h := requested
	if h <= 0 {
		h = g.maxHop
	}
	if h <= 0 {
		h = 2
	}
	if h > hardMaxHop {
		h = hardMaxHop
	}
	return h
}

// rewriteSentinel replaces the USER_ID placeholder with the scope's user id.
func rewriteSentinel(name, userID string) string {
	if strings.EqualFold(strings.TrimSpace(name), userSentinel) && userID != "" {
		return userID
	}
	return name
}

type triple struct {
	Source   string
	Relation string
	Target   string
}

// extractTriples asks the model for (source, relation, target) triples in the
// text. Extraction failures yield zero triples; the graph is best-effort.
func (g *graphEngine) extractTriples(ctx context.Context, text string, sc types.Scope) []triple {
	prompt := prompts.Render(g.prompts.ExtractRelations, map[string]string{
		prompts.VarInput:  text,
		prompts.VarUserID: sc.UserID,
	})
	obj, err := g.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		g.log.Warn("relation extraction failed", "error", err.Error())
		return nil
	}

	rawEntities, ok := obj["entities"].([]any)
	if !ok {
		return nil
	}
	out := make([]triple, 0, len(rawEntities))
	for _, raw := range rawEntities {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t := triple{
			Source:   types.NormalizeEntityName(rewriteSentinel(metaString(entry, "source"), sc.UserID)),
			Relation: strings.TrimSpace(metaString(entry, "relation")),
			Target:   types.NormalizeEntityName(rewriteSentinel(metaString(entry, "target"), sc.UserID)),
		}
		if t.Source == "" || t.Relation == "" || t.Target == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Ingest extracts triples from text and merges them into the graph. A
// reobserved triple bumps mentions; a conflicting relation between the same
// pair is kept or deleted according to the model's reconciliation verdict.
func (g *graphEngine) Ingest(ctx context.Context, text string, sc types.Scope) ([]*types.GraphEdge, error) {
	triples := g.extractTriples(ctx, text, sc)
	if len(triples) == 0 {
		return nil, nil
	}

	// Contradicted relations are swept first so the new triples land in a
	// reconciled graph.
	if err := g.deleteInvalidated(ctx, text, triples, sc); err != nil {
		return nil, err
	}

	var added []*types.GraphEdge
	for _, t := range triples {
		existing, err := g.graph.EdgesBetween(ctx, t.Source, t.Target, sc)
		if err != nil {
			return added, err
		}

		var conflicting []*types.GraphEdge
		sameRelation := false
		for _, edge := range existing {
			if edge.Relation == t.Relation {
				sameRelation = true
			} else {
				conflicting = append(conflicting, edge)
			}
		}
		if !sameRelation && len(conflicting) > 0 {
			for _, relation := range g.superseded(ctx, t, conflicting) {
				if err := g.graph.DeleteEdge(ctx, t.Source, relation, t.Target, sc); err != nil && !types.IsNotFound(err) {
					return added, err
				}
			}
		}

		edge, err := g.graph.UpsertEdge(ctx, &types.GraphEdge{
			Source:   t.Source,
			Relation: t.Relation,
			Target:   t.Target,
			Scope:    sc,
		})
		if err != nil {
			return added, err
		}
		added = append(added, edge)
	}
	return added, nil
}

// superseded asks the model which of the conflicting relations the new triple
// replaces. On any failure every existing relation is kept.
func (g *graphEngine) superseded(ctx context.Context, t triple, conflicting []*types.GraphEdge) []string {
	var existing strings.Builder
	known := make(map[string]bool, len(conflicting))
	for _, edge := range conflicting {
		fmt.Fprintf(&existing, "- (%s, %s, %s)\n", edge.Source, edge.Relation, edge.Target)
		known[edge.Relation] = true
	}
	prompt := prompts.Render(g.prompts.UpdateGraph, map[string]string{
		prompts.VarExisting: strings.TrimRight(existing.String(), "\n"),
		prompts.VarInput:    fmt.Sprintf("(%s, %s, %s)", t.Source, t.Relation, t.Target),
	})

	obj, err := g.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		g.log.Warn("graph reconciliation failed, keeping existing relations", "error", err.Error())
		return nil
	}
	var out []string
	for _, relation := range llm.StringList(obj, "superseded") {
		if known[relation] {
			out = append(out, relation)
		}
	}
	return out
}

// deleteInvalidated removes the stored relations the text contradicts, scoped
// to the entities the text mentions.
func (g *graphEngine) deleteInvalidated(ctx context.Context, text string, triples []triple, sc types.Scope) error {
	seen := map[string]bool{}
	var existing []*types.GraphEdge
	for _, t := range triples {
		for _, seed := range []string{t.Source, t.Target} {
			if seed == "" || seen[seed] {
				continue
			}
			seen[seed] = true
			edges, err := g.graph.Neighbors(ctx, seed, sc, 1, g.maxEdgesPerHop)
			if err != nil {
				return err
			}
			existing = append(existing, edges...)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	var rendered strings.Builder
	for _, edge := range existing {
		fmt.Fprintf(&rendered, "- (%s, %s, %s)\n", edge.Source, edge.Relation, edge.Target)
	}
	prompt := prompts.Render(g.prompts.DeleteRelations, map[string]string{
		prompts.VarExisting: strings.TrimRight(rendered.String(), "\n"),
		prompts.VarInput:    text,
		prompts.VarUserID:   sc.UserID,
	})
	obj, err := g.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		g.log.Warn("relation deletion planning failed", "error", err.Error())
		return nil
	}

	rawDeletes, ok := obj["delete"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range rawDeletes {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		source := types.NormalizeEntityName(rewriteSentinel(metaString(entry, "source"), sc.UserID))
		relation := strings.TrimSpace(metaString(entry, "relation"))
		target := types.NormalizeEntityName(rewriteSentinel(metaString(entry, "target"), sc.UserID))
		if source == "" || relation == "" || target == "" {
			continue
		}
		if err := g.graph.DeleteEdge(ctx, source, relation, target, sc); err != nil && !types.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// QueryEntities pulls the entity names a query mentions, for seeding the
// graph branch of hybrid search.
func (g *graphEngine) QueryEntities(ctx context.Context, query string, sc types.Scope) []string {
	triples := g.extractTriples(ctx, query, sc)
	seen := map[string]bool{}
	var out []string
	for _, t := range triples {
		for _, name := range []string{t.Source, t.Target} {
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Traverse runs a bounded traversal from each seed and merges the edge sets,
// deduplicated, ordered by (mentions desc, updated_at desc).
func (g *graphEngine) Traverse(ctx context.Context, seeds []string, sc types.Scope, hops int) ([]*types.GraphEdge, error) {
	h := g.hops(hops)
	seen := map[string]bool{}
	var out []*types.GraphEdge
	for _, seed := range seeds {
		edges, err := g.graph.Neighbors(ctx, seed, sc, h, g.maxEdgesPerHop)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			key := edge.Source + "\x1f" + edge.Relation + "\x1f" + edge.Target
			if !seen[key] {
				seen[key] = true
				out = append(out, edge)
			}
		}
	}
	return out, nil
}
