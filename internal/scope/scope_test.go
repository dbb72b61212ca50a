package scope

import (
	"testing"

	"github.com/powermem/powermem/internal/types"
)

func TestForWriteRequiresUserOrAgent(t *testing.T) {
	if _, _, err := ForWrite(types.Scope{RunID: "r1"}); err == nil {
		t.Fatalf("run-only scope: expected validation error")
	}
	if _, _, err := ForWrite(types.Scope{UserID: "   "}); err == nil {
		t.Fatalf("whitespace user id: expected validation error")
	}

	sc, f, err := ForWrite(types.Scope{UserID: " u1 ", RunID: "r1"})
	if err != nil {
		t.Fatalf("ForWrite: %v", err)
	}
	if sc.UserID != "u1" || sc.RunID != "r1" {
		t.Fatalf("canonical scope: got=%+v", sc)
	}
	if f.Empty() {
		t.Fatalf("expected non-empty filter")
	}
}

func TestForReadAccessRule(t *testing.T) {
	if _, _, err := ForRead(types.Scope{}, false); err == nil {
		t.Fatalf("empty external read: expected validation error")
	}

	_, f, err := ForRead(types.Scope{}, true)
	if err != nil {
		t.Fatalf("unfiltered internal read: %v", err)
	}
	if !f.Empty() {
		t.Fatalf("unfiltered read should produce an empty filter")
	}

	// Agent-group read: only the agent dimension constrains the filter.
	_, f, err = ForRead(types.Scope{AgentID: "a1"}, false)
	if err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if len(f.Conds) != 1 || f.Conds[0].Field != "agent_id" {
		t.Fatalf("agent filter conds: got=%+v", f.Conds)
	}
}
