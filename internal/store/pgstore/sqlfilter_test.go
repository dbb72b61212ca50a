package pgstore

import (
	"strings"
	"testing"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/types"
)

func TestBuildWhereScopeColumns(t *testing.T) {
	f := filter.FromScope(types.Scope{UserID: "u1", RunID: "r1"})
	where, args, err := buildWhere(f)
	if err != nil {
		t.Fatalf("buildWhere: %v", err)
	}
	if where != "user_id = ? AND run_id = ?" {
		t.Fatalf("where: got=%q", where)
	}
	if len(args) != 2 || args[0] != "u1" || args[1] != "r1" {
		t.Fatalf("args: got=%v", args)
	}
}

func TestBuildWhereMetadataNumericCast(t *testing.T) {
	f := filter.New().Where("importance_score", filter.OpGte, 0.75)
	where, args, err := buildWhere(f)
	if err != nil {
		t.Fatalf("buildWhere: %v", err)
	}
	if where != "(metadata->>'importance_score')::numeric >= ?" {
		t.Fatalf("where: got=%q", where)
	}
	if len(args) != 1 || args[0] != 0.75 {
		t.Fatalf("args: got=%v", args)
	}
}

func TestBuildWhereMetadataString(t *testing.T) {
	f := filter.New().Where("memory_type", filter.OpEq, "preference")
	where, _, err := buildWhere(f)
	if err != nil {
		t.Fatalf("buildWhere: %v", err)
	}
	if where != "metadata->>'memory_type' = ?" {
		t.Fatalf("where: got=%q", where)
	}
}

func TestBuildWhereOrGroups(t *testing.T) {
	f := filter.FromScope(types.Scope{AgentID: "a1"}).
		WithOr(filter.New().Where("tier", filter.OpEq, "WORKING")).
		WithOr(filter.New().Where("tier", filter.OpEq, "SHORT_TERM"))
	where, args, err := buildWhere(f)
	if err != nil {
		t.Fatalf("buildWhere: %v", err)
	}
	if !strings.Contains(where, " OR ") {
		t.Fatalf("expected OR group, got=%q", where)
	}
	if len(args) != 3 {
		t.Fatalf("args: want=3 got=%d", len(args))
	}
}

func TestBuildWhereLikeAndIn(t *testing.T) {
	f := filter.New().
		Where("content", filter.OpILike, "%coffee%").
		Where("memory_type", filter.OpIn, []string{"fact", "preference"})
	where, _, err := buildWhere(f)
	if err != nil {
		t.Fatalf("buildWhere: %v", err)
	}
	if !strings.Contains(where, "content ILIKE ?") || !strings.Contains(where, "IN ?") {
		t.Fatalf("where: got=%q", where)
	}
}

func TestSanitizeKeyStripsInjection(t *testing.T) {
	if got := sanitizeKey("bad'key; DROP--"); got != "badkeyDROP--" {
		t.Fatalf("sanitizeKey: got=%q", got)
	}
}

func TestVectorValueRoundTrip(t *testing.T) {
	v := vectorValue{0.5, -1, 2.25}
	raw, err := v.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	var back vectorValue
	if err := back.Scan(raw); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(back) != 3 || back[0] != 0.5 || back[1] != -1 || back[2] != 2.25 {
		t.Fatalf("round trip: got=%v", back)
	}
}
