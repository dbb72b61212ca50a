package qdrantstore

import (
	"fmt"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/types"
)

// translateFilter lowers the engine filter AST to qdrant's must/should/must_not
// JSON form. like/ilike have no qdrant equivalent and are rejected so callers
// fall back to a scan-capable backend instead of silently dropping conditions.
func translateFilter(f *filter.Filter) (map[string]any, error) {
	if f.Empty() {
		return nil, nil
	}
	out := map[string]any{}
	var must, should, mustNot []any

	for _, c := range f.Conds {
		switch c.Op {
		case filter.OpEq:
			must = append(must, matchCondition(c.Field, c.Value))
		case filter.OpNe:
			mustNot = append(mustNot, matchCondition(c.Field, c.Value))
		case filter.OpIn:
			must = append(must, matchAnyCondition(c.Field, c.Value))
		case filter.OpNin:
			mustNot = append(mustNot, matchAnyCondition(c.Field, c.Value))
		case filter.OpGt:
			must = append(must, rangeCondition(c.Field, "gt", c.Value))
		case filter.OpGte:
			must = append(must, rangeCondition(c.Field, "gte", c.Value))
		case filter.OpLt:
			must = append(must, rangeCondition(c.Field, "lt", c.Value))
		case filter.OpLte:
			must = append(must, rangeCondition(c.Field, "lte", c.Value))
		default:
			return nil, types.E(types.KindValidation, "qdrantstore.translateFilter",
				fmt.Sprintf("operator %q is not supported by the qdrant backend", c.Op), nil)
		}
	}

	for _, sub := range f.And {
		translated, err := translateFilter(sub)
		if err != nil {
			return nil, err
		}
		if translated != nil {
			must = append(must, translated)
		}
	}
	for _, sub := range f.Or {
		translated, err := translateFilter(sub)
		if err != nil {
			return nil, err
		}
		if translated != nil {
			should = append(should, translated)
		}
	}

	if len(must) > 0 {
		out["must"] = must
	}
	if len(should) > 0 {
		out["should"] = should
	}
	if len(mustNot) > 0 {
		out["must_not"] = mustNot
	}
	return out, nil
}

func matchCondition(field string, value any) map[string]any {
	return map[string]any{
		"key":   field,
		"match": map[string]any{"value": value},
	}
}

func matchAnyCondition(field string, value any) map[string]any {
	return map[string]any{
		"key":   field,
		"match": map[string]any{"any": value},
	}
}

func rangeCondition(field, op string, value any) map[string]any {
	return map[string]any{
		"key":   field,
		"range": map[string]any{op: value},
	}
}
