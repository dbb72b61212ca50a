package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/types"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// extractor turns conversation input into standalone fact statements.
type extractor struct {
	provider llm.Provider
	prompts  prompts.Set
	log      *logger.Logger
}

// renderInput flattens turns (or a raw string) into the prompt input block.
func renderInput(input string, turns []Turn) string {
	if len(turns) == 0 {
		return input
	}
	var b strings.Builder
	for _, turn := range turns {
		role := strings.TrimSpace(turn.Role)
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, turn.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Extract returns the facts worth remembering from the input. A model that
// fails to produce decodable JSON yields zero facts and a logged warning;
// extraction never fails the enclosing add.
func (x *extractor) Extract(ctx context.Context, input string, turns []Turn) []string {
	rendered := renderInput(input, turns)
	if strings.TrimSpace(rendered) == "" {
		return nil
	}
	prompt := prompts.Render(x.prompts.FactExtraction, map[string]string{
		prompts.VarInput: rendered,
	})

	obj, err := x.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		if types.IsKind(err, types.KindParseWarning) {
			x.log.Warn("fact extraction returned unparseable output", "error", err.Error())
			return nil
		}
		x.log.Warn("fact extraction failed", "error", err.Error())
		return nil
	}

	facts := llm.StringList(obj, "facts")
	out := make([]string, 0, len(facts))
	for _, fact := range facts {
		if trimmed := strings.TrimSpace(fact); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
