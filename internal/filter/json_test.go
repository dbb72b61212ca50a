package filter

import (
	"testing"

	"github.com/powermem/powermem/internal/types"
)

func TestFromMapEquality(t *testing.T) {
	f, err := FromMap(map[string]any{"user_id": "alice"})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if !f.Match(map[string]any{"user_id": "alice"}) {
		t.Fatalf("equality condition should match")
	}
	if f.Match(map[string]any{"user_id": "bob"}) {
		t.Fatalf("equality condition should not match other value")
	}
}

func TestFromMapOperatorObject(t *testing.T) {
	f, err := FromMap(map[string]any{
		types.MetaImportanceScore: map[string]any{"gte": 0.5},
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if !f.Match(map[string]any{types.MetaImportanceScore: 0.7}) {
		t.Fatalf("gte should match 0.7")
	}
	if f.Match(map[string]any{types.MetaImportanceScore: 0.3}) {
		t.Fatalf("gte should reject 0.3")
	}
}

func TestFromMapGroups(t *testing.T) {
	f, err := FromMap(map[string]any{
		"OR": []any{
			map[string]any{"agent_id": "a1"},
			map[string]any{"agent_id": "a2"},
		},
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if !f.Match(map[string]any{"agent_id": "a2"}) {
		t.Fatalf("OR group should match second branch")
	}
	if f.Match(map[string]any{"agent_id": "a3"}) {
		t.Fatalf("OR group should reject unmatched value")
	}
}

func TestFromMapRejectsBadOperator(t *testing.T) {
	if _, err := FromMap(map[string]any{"x": map[string]any{"regex": ".*"}}); err == nil {
		t.Fatalf("unsupported operator must fail")
	}
	if _, err := FromMap(map[string]any{"AND": "not-a-list"}); err == nil {
		t.Fatalf("malformed group must fail")
	}
}

func TestFromMapEmpty(t *testing.T) {
	f, err := FromMap(nil)
	if err != nil {
		t.Fatalf("FromMap(nil): %v", err)
	}
	if f != nil {
		t.Fatalf("empty input should produce nil filter")
	}
}
