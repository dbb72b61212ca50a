package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

// profileFactLimit bounds how many recent facts feed one profile rebuild.
const profileFactLimit = 50

// profileBuilder maintains the per-user natural-language profile. Rebuilds
// run asynchronously after a successful add and never fail the caller.
type profileBuilder struct {
	provider llm.Provider
	profiles store.ProfileStore
	vec      store.VectorStore
	prompts  prompts.Set
	log      *logger.Logger

	wg sync.WaitGroup
}

// RebuildAsync schedules a profile rebuild for the scope. Fire and forget;
// Wait flushes pending rebuilds for shutdown and tests.
func (b *profileBuilder) RebuildAsync(sc types.Scope) {
	if sc.UserID == "" {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := b.Rebuild(ctx, sc); err != nil {
			b.log.Warn("profile rebuild failed", "user_id", sc.UserID, "error", err.Error())
		}
	}()
}

// Wait blocks until every scheduled rebuild has finished.
func (b *profileBuilder) Wait() { b.wg.Wait() }

// Rebuild consolidates the scope's recent facts into a profile. Writing is
// skipped when the regenerated text is byte-equal to the stored one.
func (b *profileBuilder) Rebuild(ctx context.Context, sc types.Scope) error {
	const op = "engine.profileBuilder.Rebuild"
	c := sc.Canonical()

	facts, _, err := b.vec.List(ctx, filter.FromScope(c), profileFactLimit, 0)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}

	current, err := b.profiles.GetProfile(ctx, c.UserID, c.AgentID, c.RunID)
	if err != nil && !types.IsNotFound(err) {
		return err
	}
	currentText := ""
	if current != nil {
		currentText = current.ProfileText
	}

	var rendered strings.Builder
	for _, fact := range facts {
		fmt.Fprintf(&rendered, "- %s\n", fact.Content)
	}
	prompt := prompts.Render(b.prompts.ProfileSummary, map[string]string{
		prompts.VarProfile: currentText,
		prompts.VarFacts:   strings.TrimRight(rendered.String(), "\n"),
	})

	obj, err := b.provider.GenerateJSON(ctx, "", prompt)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(metaString(obj, "profile"))
	if text == "" {
		return types.E(types.KindParseWarning, op, "model returned an empty profile", nil)
	}
	if text == currentText {
		return nil
	}

	return b.profiles.PutProfile(ctx, &types.UserProfile{
		UserID:      c.UserID,
		AgentID:     c.AgentID,
		RunID:       c.RunID,
		ProfileText: text,
		Topics:      llm.StringList(obj, "topics"),
	})
}
