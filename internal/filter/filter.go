// Package filter defines the store-agnostic filter passed to every backend.
// A filter is a conjunction of field conditions plus nested AND/OR groups;
// each backend translates it to its native query form, and Match evaluates it
// in-process for backends without server-side filtering.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/powermem/powermem/internal/types"
)

type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpIn    Op = "in"
	OpNin   Op = "nin"
	OpLike  Op = "like"
	OpILike Op = "ilike"
)

type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter matches when every condition and every And child matches, and, if Or
// children are present, at least one of them matches.
type Filter struct {
	Conds []Condition
	And   []*Filter
	Or    []*Filter
}

func New() *Filter { return &Filter{} }

// FromScope builds the canonical storage filter: equality on every scope
// identifier that is present.
func FromScope(sc types.Scope) *Filter {
	f := New()
	c := sc.Canonical()
	if c.UserID != "" {
		f.Where("user_id", OpEq, c.UserID)
	}
	if c.AgentID != "" {
		f.Where("agent_id", OpEq, c.AgentID)
	}
	if c.RunID != "" {
		f.Where("run_id", OpEq, c.RunID)
	}
	if c.ActorID != "" {
		f.Where("actor_id", OpEq, c.ActorID)
	}
	return f
}

func (f *Filter) Where(field string, op Op, value any) *Filter {
	f.Conds = append(f.Conds, Condition{Field: field, Op: op, Value: value})
	return f
}

func (f *Filter) WithAnd(sub *Filter) *Filter {
	if sub != nil {
		f.And = append(f.And, sub)
	}
	return f
}

func (f *Filter) WithOr(sub *Filter) *Filter {
	if sub != nil {
		f.Or = append(f.Or, sub)
	}
	return f
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Conds) == 0 && len(f.And) == 0 && len(f.Or) == 0)
}

// Validate rejects malformed conditions before they reach a backend.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range f.Conds {
		if strings.TrimSpace(c.Field) == "" {
			return types.E(types.KindValidation, "filter.Validate", "condition field is empty", nil)
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike:
		case OpIn, OpNin:
			if _, ok := toSlice(c.Value); !ok {
				return types.E(types.KindValidation, "filter.Validate",
					fmt.Sprintf("operator %q on field %q expects a list", c.Op, c.Field), nil)
			}
		default:
			return types.E(types.KindValidation, "filter.Validate",
				fmt.Sprintf("unsupported operator %q", c.Op), nil)
		}
	}
	for _, sub := range f.And {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range f.Or {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Match evaluates the filter against a flattened field map.
func (f *Filter) Match(fields map[string]any) bool {
	if f.Empty() {
		return true
	}
	for _, c := range f.Conds {
		if !matchCondition(c, fields) {
			return false
		}
	}
	for _, sub := range f.And {
		if !sub.Match(fields) {
			return false
		}
	}
	if len(f.Or) > 0 {
		any := false
		for _, sub := range f.Or {
			if sub.Match(fields) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// Fields flattens a fact into the map Match evaluates against: scope columns,
// timestamps, content, and every metadata key.
func Fields(m *types.MemoryFact) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"user_id":    m.Scope.UserID,
		"agent_id":   m.Scope.AgentID,
		"run_id":     m.Scope.RunID,
		"actor_id":   m.Scope.ActorID,
		"content":    m.Content,
		"hash":       m.Hash,
		"created_at": m.CreatedAt,
		"updated_at": m.UpdatedAt,
	}
	for k, v := range m.Metadata {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

func matchCondition(c Condition, fields map[string]any) bool {
	got, ok := fields[c.Field]
	switch c.Op {
	case OpEq:
		return ok && equal(got, c.Value)
	case OpNe:
		return !ok || !equal(got, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		cmp, comparable := compare(got, c.Value)
		if !comparable {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		values, _ := toSlice(c.Value)
		for _, v := range values {
			if ok && equal(got, v) {
				return true
			}
		}
		return false
	case OpNin:
		values, _ := toSlice(c.Value)
		for _, v := range values {
			if ok && equal(got, v) {
				return false
			}
		}
		return true
	case OpLike:
		return ok && likeMatch(asString(got), asString(c.Value), false)
	case OpILike:
		return ok && likeMatch(asString(got), asString(c.Value), true)
	default:
		return false
	}
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Equal(bt)
		}
	}
	return asString(a) == asString(b)
}

// compare returns -1/0/1 and whether the two values were comparable at all.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, bs := asString(a), asString(b)
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out, true
	case []int64:
		out := make([]any, 0, len(t))
		for _, n := range t {
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// likeMatch implements SQL LIKE with % wildcards (and no escape syntax).
func likeMatch(value, pattern string, foldCase bool) bool {
	if foldCase {
		value = strings.ToLower(value)
		pattern = strings.ToLower(pattern)
	}
	parts := strings.Split(pattern, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
