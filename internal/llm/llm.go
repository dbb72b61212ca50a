// Package llm defines the model-provider contracts the memory engine calls
// through: text generation, JSON-object generation, and embeddings. The
// engine never talks to a provider API directly.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/powermem/powermem/internal/types"
)

// Provider generates completions. GenerateJSON asks the model for a single
// JSON object and returns it decoded; a response that contains no decodable
// object is a parse warning, not a transport failure.
type Provider interface {
	GenerateText(ctx context.Context, system, user string) (string, error)
	GenerateJSON(ctx context.Context, system, user string) (map[string]any, error)
	Close() error
}

// Embedder turns text into fixed-dimension vectors. Dims is constant for the
// lifetime of the embedder.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dims() int
	Close() error
}

// DecodeJSONObject decodes the first JSON object found in a model response.
// Models wrap output in code fences or prose often enough that strict
// decoding of the whole string is a losing strategy.
func DecodeJSONObject(content string) (map[string]any, error) {
	const op = "llm.DecodeJSONObject"
	trimmed := strings.TrimSpace(content)
	if fenced := stripFence(trimmed); fenced != "" {
		trimmed = fenced
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out, nil
	}

	start := strings.Index(trimmed, "{")
	if start < 0 {
		return nil, types.E(types.KindParseWarning, op, "response contains no JSON object", nil)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		ch := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(trimmed[start:i+1]), &out); err != nil {
					return nil, types.E(types.KindParseWarning, op, "malformed JSON object in response", err)
				}
				return out, nil
			}
		}
	}
	return nil, types.E(types.KindParseWarning, op, "unterminated JSON object in response", nil)
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// StringList pulls a []string out of a decoded JSON object, tolerating both
// []any and []string shapes.
func StringList(obj map[string]any, key string) []string {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
