package filter

import (
	"fmt"

	"github.com/powermem/powermem/internal/types"
)

// FromMap decodes the wire form of a filter. Each key is either a field name
// mapped to a literal (equality) or to an operator object like
// {"gte": 0.5}, or one of the group keys "AND" / "OR" mapped to a list of
// nested filter maps.
func FromMap(raw map[string]any) (*Filter, error) {
	const op = "filter.FromMap"
	if len(raw) == 0 {
		return nil, nil
	}
	f := New()
	for key, val := range raw {
		switch key {
		case "AND", "and":
			subs, err := groupList(val)
			if err != nil {
				return nil, types.E(types.KindValidation, op, fmt.Sprintf("%s group: %v", key, err), nil)
			}
			for _, sub := range subs {
				f.WithAnd(sub)
			}
		case "OR", "or":
			subs, err := groupList(val)
			if err != nil {
				return nil, types.E(types.KindValidation, op, fmt.Sprintf("%s group: %v", key, err), nil)
			}
			for _, sub := range subs {
				f.WithOr(sub)
			}
		default:
			if ops, ok := val.(map[string]any); ok {
				for name, operand := range ops {
					f.Where(key, Op(name), operand)
				}
			} else {
				f.Where(key, OpEq, val)
			}
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func groupList(val any) ([]*Filter, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of filter objects")
	}
	out := make([]*Filter, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a filter object")
		}
		sub, err := FromMap(m)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			out = append(out, sub)
		}
	}
	return out, nil
}
