package llm

import (
	"testing"

	"github.com/powermem/powermem/internal/types"
)

func TestDecodeJSONObjectPlain(t *testing.T) {
	obj, err := DecodeJSONObject(`{"facts": ["likes coffee"]}`)
	if err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	facts := StringList(obj, "facts")
	if len(facts) != 1 || facts[0] != "likes coffee" {
		t.Fatalf("facts: got=%v", facts)
	}
}

func TestDecodeJSONObjectFenced(t *testing.T) {
	obj, err := DecodeJSONObject("```json\n{\"facts\": [\"a\", \"b\"]}\n```")
	if err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	if got := StringList(obj, "facts"); len(got) != 2 {
		t.Fatalf("facts: got=%v", got)
	}
}

func TestDecodeJSONObjectEmbeddedInProse(t *testing.T) {
	obj, err := DecodeJSONObject(`Here is the result: {"memory": [{"event": "ADD"}]} Hope that helps.`)
	if err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	if _, ok := obj["memory"]; !ok {
		t.Fatalf("expected memory key, got=%v", obj)
	}
}

func TestDecodeJSONObjectBracesInsideStrings(t *testing.T) {
	obj, err := DecodeJSONObject(`{"facts": ["uses {curly} braces"]}`)
	if err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	facts := StringList(obj, "facts")
	if len(facts) != 1 || facts[0] != "uses {curly} braces" {
		t.Fatalf("facts: got=%v", facts)
	}
}

func TestDecodeJSONObjectNoObject(t *testing.T) {
	_, err := DecodeJSONObject("I could not extract any facts.")
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsKind(err, types.KindParseWarning) {
		t.Fatalf("kind: got=%v", types.KindOf(err))
	}
}

func TestDecodeJSONObjectMalformed(t *testing.T) {
	_, err := DecodeJSONObject(`{"facts": [truncated`)
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsKind(err, types.KindParseWarning) {
		t.Fatalf("kind: got=%v", types.KindOf(err))
	}
}

func TestStringListToleratesAnySlice(t *testing.T) {
	obj := map[string]any{"topics": []any{"work", 42, "travel", ""}}
	got := StringList(obj, "topics")
	if len(got) != 2 || got[0] != "work" || got[1] != "travel" {
		t.Fatalf("topics: got=%v", got)
	}
}
