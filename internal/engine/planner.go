package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

// plannedOp is one mutation the planner decided on for a fact.
type plannedOp struct {
	Event    types.EventType
	TargetID int64 // set for UPDATE, DELETE, NONE
	Text     string
	OldText  string
}

// planner decides how each extracted fact changes the memory set: ADD a new
// fact, UPDATE or DELETE a semantic neighbor, or NONE when already covered.
type planner struct {
	provider llm.Provider
	vec      store.VectorStore
	prompts  prompts.Set
	log      *logger.Logger

	neighborK         int
	neighborThreshold float64
}

// neighbors returns the top-K existing facts in scope whose similarity clears
// the threshold.
func (p *planner) neighbors(ctx context.Context, embedding []float32, scopeFilter *filter.Filter) ([]store.SearchHit, error) {
	hits, err := p.vec.Search(ctx, embedding, p.neighborK, scopeFilter)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Score >= p.neighborThreshold {
			out = append(out, hit)
		}
	}
	return out, nil
}

// Plan maps one fact to its mutations. Hash-equal neighbors force NONE before
// the model is consulted; a model failure degrades to a plain ADD.
func (p *planner) Plan(ctx context.Context, fact string, embedding []float32, scopeFilter *filter.Filter) ([]plannedOp, error) {
	hash := types.ContentHash(fact)

	candidates, err := p.neighbors(ctx, embedding, scopeFilter)
	if err != nil {
		return nil, err
	}
	for _, hit := range candidates {
		if hit.Memory.Hash == hash {
			return []plannedOp{{Event: types.EventNone, TargetID: hit.Memory.ID}}, nil
		}
	}
	if len(candidates) == 0 {
		return []plannedOp{{Event: types.EventAdd, Text: fact}}, nil
	}

	byID := make(map[int64]*types.MemoryFact, len(candidates))
	var rendered strings.Builder
	for _, hit := range candidates {
		byID[hit.Memory.ID] = hit.Memory
		fmt.Fprintf(&rendered, "- id=%d: %s\n", hit.Memory.ID, hit.Memory.Content)
	}

	prompt := prompts.Render(p.prompts.UpdateMemory, map[string]string{
		prompts.VarCandidates: strings.TrimRight(rendered.String(), "\n"),
		prompts.VarFacts:      "- " + fact,
	})

	obj, err := p.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		p.log.Warn("mutation planning failed, falling back to ADD", "error", err.Error())
		return []plannedOp{{Event: types.EventAdd, Text: fact}}, nil
	}

	ops := p.decode(obj, fact, byID)
	if len(ops) == 0 {
		ops = []plannedOp{{Event: types.EventAdd, Text: fact}}
	}
	return ops, nil
}

// decode validates the model's plan. Unknown or missing ids on UPDATE,
// DELETE, and NONE downgrade to a plain ADD of the fact.
func (p *planner) decode(obj map[string]any, fact string, byID map[int64]*types.MemoryFact) []plannedOp {
	rawOps, ok := obj["memory"].([]any)
	if !ok {
		return nil
	}
	var ops []plannedOp
	for _, raw := range rawOps {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		event := types.EventType(strings.ToUpper(strings.TrimSpace(metaString(entry, "event"))))
		text := strings.TrimSpace(metaString(entry, "text"))

		switch event {
		case types.EventAdd:
			if text == "" {
				text = fact
			}
			ops = append(ops, plannedOp{Event: types.EventAdd, Text: text})
		case types.EventUpdate, types.EventDelete, types.EventNone:
			id, ok := decodeID(entry["id"])
			target, known := byID[id]
			if !ok || !known {
				p.log.Warn("plan references unknown memory id, downgrading to ADD",
					"event", string(event), "id", id)
				ops = append(ops, plannedOp{Event: types.EventAdd, Text: fact})
				continue
			}
			op := plannedOp{Event: event, TargetID: id, OldText: target.Content}
			if event == types.EventUpdate {
				if text == "" {
					text = fact
				}
				op.Text = text
			}
			ops = append(ops, op)
		}
	}
	return ops
}

// decodeID accepts the id shapes models actually emit: JSON numbers and
// decimal strings.
func decodeID(raw any) (int64, bool) {
	switch t := raw.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}
