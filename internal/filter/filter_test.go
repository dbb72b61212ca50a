package filter

import (
	"testing"
	"time"

	"github.com/powermem/powermem/internal/types"
)

func sampleFact() *types.MemoryFact {
	return &types.MemoryFact{
		ID:      42,
		Content: "User likes coffee",
		Scope:   types.Scope{UserID: "u1", AgentID: "a1"},
		Metadata: map[string]any{
			"importance_score": 0.8,
			"memory_type":      "preference",
			"access_count":     3,
		},
		Hash:      types.ContentHash("User likes coffee"),
		CreatedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC),
	}
}

func TestFromScopeMatch(t *testing.T) {
	fields := Fields(sampleFact())

	if !FromScope(types.Scope{UserID: "u1"}).Match(fields) {
		t.Fatalf("user filter should match")
	}
	if FromScope(types.Scope{UserID: "u2"}).Match(fields) {
		t.Fatalf("foreign user filter should not match")
	}
	// Agent-group read: agent set, user absent spans all users.
	if !FromScope(types.Scope{AgentID: "a1"}).Match(fields) {
		t.Fatalf("agent-group filter should match")
	}
	// Whitespace-only identifiers are treated as absent.
	if !FromScope(types.Scope{UserID: "  ", AgentID: "a1"}).Match(fields) {
		t.Fatalf("whitespace user id should be ignored")
	}
}

func TestComparisonOperators(t *testing.T) {
	fields := Fields(sampleFact())

	cases := []struct {
		name string
		f    *Filter
		want bool
	}{
		{"gte hit", New().Where("importance_score", OpGte, 0.75), true},
		{"gt miss", New().Where("importance_score", OpGt, 0.8), false},
		{"lt int against float", New().Where("access_count", OpLt, 5.0), true},
		{"in hit", New().Where("memory_type", OpIn, []string{"preference", "fact"}), true},
		{"nin hit", New().Where("memory_type", OpNin, []string{"episode"}), true},
		{"ne miss", New().Where("user_id", OpNe, "u1"), false},
		{"like", New().Where("content", OpLike, "%likes%"), true},
		{"ilike", New().Where("content", OpILike, "user likes%"), true},
		{"like miss", New().Where("content", OpLike, "user likes%"), false},
		{"time gt", New().Where("updated_at", OpGt, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)), true},
		{"missing field", New().Where("nope", OpGt, 1), false},
	}
	for _, tc := range cases {
		if got := tc.f.Match(fields); got != tc.want {
			t.Fatalf("%s: want=%v got=%v", tc.name, tc.want, got)
		}
	}
}

func TestNestedAndOr(t *testing.T) {
	fields := Fields(sampleFact())

	f := FromScope(types.Scope{UserID: "u1"}).
		WithOr(New().Where("memory_type", OpEq, "preference")).
		WithOr(New().Where("memory_type", OpEq, "episode"))
	if !f.Match(fields) {
		t.Fatalf("or group should match")
	}

	f = New().
		WithAnd(New().Where("user_id", OpEq, "u1")).
		WithAnd(New().Where("importance_score", OpLt, 0.5))
	if f.Match(fields) {
		t.Fatalf("and group with failing branch should not match")
	}
}

func TestValidate(t *testing.T) {
	if err := New().Where("a", OpIn, "not-a-list").Validate(); err == nil {
		t.Fatalf("in with scalar: expected error")
	}
	if err := New().Where("", OpEq, 1).Validate(); err == nil {
		t.Fatalf("empty field: expected error")
	}
	if err := New().Where("a", Op("regex"), 1).Validate(); err == nil {
		t.Fatalf("unknown op: expected error")
	}
	if err := FromScope(types.Scope{UserID: "u1"}).Validate(); err != nil {
		t.Fatalf("valid filter: %v", err)
	}
	var nilFilter *Filter
	if !nilFilter.Empty() {
		t.Fatalf("nil filter should be empty")
	}
}
