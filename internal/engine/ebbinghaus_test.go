package engine

import (
	"math"
	"testing"
	"time"

	"github.com/powermem/powermem/internal/types"
)

func TestRetentionBoundaries(t *testing.T) {
	eb := DefaultEbbinghaus()

	if got := eb.Retention(0, 1); got != 1 {
		t.Fatalf("R(0): want=1 got=%v", got)
	}
	if got := eb.Retention(time.Hour, 1); math.Abs(got-0.44) > 1e-9 {
		t.Fatalf("R(1h): want=0.44 got=%v", got)
	}
	if got := eb.Retention(10000*time.Hour, 1); got != eb.RMin {
		t.Fatalf("R(inf): want=%v got=%v", eb.RMin, got)
	}
}

func TestRetentionMonotoneNonIncreasing(t *testing.T) {
	eb := DefaultEbbinghaus()
	prev := 1.0
	for h := 1; h <= 200; h++ {
		r := eb.Retention(time.Duration(h)*time.Hour, 1)
		if r > prev {
			t.Fatalf("retention increased at h=%d: %v > %v", h, r, prev)
		}
		prev = r
	}
}

func TestRetentionStrengthSlowsDecay(t *testing.T) {
	eb := DefaultEbbinghaus()
	weak := eb.Retention(5*time.Hour, 1)
	strong := eb.Retention(5*time.Hour, 5)
	if strong <= weak {
		t.Fatalf("stronger memory should retain more: weak=%v strong=%v", weak, strong)
	}
}

func TestReinforceCapsStrength(t *testing.T) {
	eb := DefaultEbbinghaus()
	mem := &types.MemoryFact{Metadata: map[string]any{}}
	now := time.Now().UTC()

	for i := 0; i < 50; i++ {
		eb.Reinforce(mem, now)
	}
	if got := metaInt(mem.Metadata, types.MetaAccessCount, 0); got != 50 {
		t.Fatalf("access_count: want=50 got=%d", got)
	}
	if got := metaFloat(mem.Metadata, types.MetaRetentionStrength, 0); got != eb.SMax {
		t.Fatalf("strength should cap at %v, got=%v", eb.SMax, got)
	}
}

func TestInitialTierThresholds(t *testing.T) {
	eb := DefaultEbbinghaus()
	cases := []struct {
		score float64
		want  types.Tier
	}{
		{0.9, types.TierLongTerm},
		{0.75, types.TierLongTerm},
		{0.6, types.TierShortTerm},
		{0.4, types.TierShortTerm},
		{0.39, types.TierWorking},
		{0, types.TierWorking},
	}
	for _, tc := range cases {
		if got := eb.InitialTier(tc.score); got != tc.want {
			t.Fatalf("InitialTier(%v): want=%s got=%s", tc.score, tc.want, got)
		}
	}
}

func TestEvaluateShortTermPromotion(t *testing.T) {
	eb := DefaultEbbinghaus()
	now := time.Now().UTC()
	mem := &types.MemoryFact{
		Metadata: map[string]any{
			types.MetaTier:              string(types.TierShortTerm),
			types.MetaRetentionStrength: 3.5,
			types.MetaLastAccessed:      now.Format(time.RFC3339Nano),
		},
		UpdatedAt: now,
	}
	transition, tier := eb.Evaluate(mem, now)
	if transition != tierPromote || tier != types.TierLongTerm {
		t.Fatalf("got transition=%v tier=%s", transition, tier)
	}
}

func TestEvaluateShortTermArchivalOnDecay(t *testing.T) {
	eb := DefaultEbbinghaus()
	now := time.Now().UTC()
	mem := &types.MemoryFact{
		Metadata: map[string]any{
			types.MetaTier:         string(types.TierShortTerm),
			types.MetaLastAccessed: now.Add(-10 * 24 * time.Hour).Format(time.RFC3339Nano),
		},
		CreatedAt: now.Add(-10 * 24 * time.Hour),
		UpdatedAt: now.Add(-10 * 24 * time.Hour),
	}
	transition, tier := eb.Evaluate(mem, now)
	if transition != tierArchive || tier != types.TierArchived {
		t.Fatalf("got transition=%v tier=%s", transition, tier)
	}
}

func TestEvaluateLongTermNeverDecaysByDefault(t *testing.T) {
	eb := DefaultEbbinghaus()
	now := time.Now().UTC()
	mem := &types.MemoryFact{
		Metadata: map[string]any{
			types.MetaTier: string(types.TierLongTerm),
		},
		CreatedAt: now.Add(-365 * 24 * time.Hour),
		UpdatedAt: now.Add(-365 * 24 * time.Hour),
	}
	if transition, _ := eb.Evaluate(mem, now); transition != tierKeep {
		t.Fatalf("LONG_TERM must not decay, got transition=%v", transition)
	}

	eb.ArchiveLongTerm = true
	if transition, _ := eb.Evaluate(mem, now); transition != tierArchive {
		t.Fatalf("opt-in archival should fire, got transition=%v", transition)
	}
}
