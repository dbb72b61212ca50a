package pgstore

import (
	"fmt"
	"strings"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/types"
)

// Columns that live on the memories table; every other field is looked up in
// the metadata jsonb document.
var memoryColumns = map[string]bool{
	"id": true, "user_id": true, "agent_id": true, "run_id": true, "actor_id": true,
	"content": true, "hash": true, "created_at": true, "updated_at": true,
}

// buildWhere lowers the filter AST to a parameterized SQL fragment. Returns
// ("", nil) for an empty filter.
func buildWhere(f *filter.Filter) (string, []any, error) {
	if f.Empty() {
		return "", nil, nil
	}
	var clauses []string
	var args []any

	appendClause := func(clause string, clauseArgs ...any) {
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}

	for _, c := range f.Conds {
		expr := fieldExpr(c.Field, c.Value)
		switch c.Op {
		case filter.OpEq:
			appendClause(expr+" = ?", c.Value)
		case filter.OpNe:
			appendClause(expr+" <> ?", c.Value)
		case filter.OpGt:
			appendClause(expr+" > ?", c.Value)
		case filter.OpGte:
			appendClause(expr+" >= ?", c.Value)
		case filter.OpLt:
			appendClause(expr+" < ?", c.Value)
		case filter.OpLte:
			appendClause(expr+" <= ?", c.Value)
		case filter.OpIn:
			appendClause(expr+" IN ?", c.Value)
		case filter.OpNin:
			appendClause(expr+" NOT IN ?", c.Value)
		case filter.OpLike:
			appendClause(expr+" LIKE ?", fmt.Sprint(c.Value))
		case filter.OpILike:
			appendClause(expr+" ILIKE ?", fmt.Sprint(c.Value))
		default:
			return "", nil, types.E(types.KindValidation, "pgstore.buildWhere",
				fmt.Sprintf("unsupported operator %q", c.Op), nil)
		}
	}

	for _, sub := range f.And {
		clause, subArgs, err := buildWhere(sub)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			appendClause("("+clause+")", subArgs...)
		}
	}

	if len(f.Or) > 0 {
		var orClauses []string
		for _, sub := range f.Or {
			clause, subArgs, err := buildWhere(sub)
			if err != nil {
				return "", nil, err
			}
			if clause != "" {
				orClauses = append(orClauses, "("+clause+")")
				args = append(args, subArgs...)
			}
		}
		if len(orClauses) > 0 {
			clauses = append(clauses, "("+strings.Join(orClauses, " OR ")+")")
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// fieldExpr returns the SQL expression for a filter field. Scope columns map
// to real columns; everything else reads from the metadata jsonb document,
// cast to numeric when the comparison value is numeric.
func fieldExpr(field string, value any) string {
	if memoryColumns[field] {
		return field
	}
	if isNumericValue(value) {
		return "(metadata->>'" + sanitizeKey(field) + "')::numeric"
	}
	return "metadata->>'" + sanitizeKey(field) + "'"
}

func isNumericValue(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// sanitizeKey strips everything outside [A-Za-z0-9_.-] from caller-supplied
// metadata keys before they are interpolated into the jsonb path.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return -1
		}
	}, key)
}
