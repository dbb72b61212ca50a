package engine

import (
	"math"
	"time"

	"github.com/powermem/powermem/internal/types"
)

// Ebbinghaus computes retention and drives the tier lifecycle. All methods
// are pure over fact metadata; persistence stays with the caller.
type Ebbinghaus struct {
	// Lambda is the decay rate. The default makes R(1h) = 0.44 at strength 1.
	Lambda float64
	// RMin is the retention floor.
	RMin float64
	// Alpha is the per-access strength multiplier.
	Alpha float64
	// SMax caps retention strength.
	SMax float64
	// LongTermThreshold and ShortTermThreshold split the importance score
	// into initial tiers.
	LongTermThreshold  float64
	ShortTermThreshold float64
	// ArchiveThreshold is the retention below which SHORT_TERM is archived.
	ArchiveThreshold float64
	// ArchiveGrace is how long an archived fact lingers before cleanup.
	ArchiveGrace time.Duration
	// ArchiveLongTerm permits decay-driven archival of LONG_TERM facts.
	// Off unless an operator explicitly opts in.
	ArchiveLongTerm bool
}

func DefaultEbbinghaus() Ebbinghaus {
	return Ebbinghaus{
		Lambda:             -math.Log(0.44), // ≈ 0.8210
		RMin:               0.20,
		Alpha:              0.25,
		SMax:               10,
		LongTermThreshold:  0.75,
		ShortTermThreshold: 0.4,
		ArchiveThreshold:   0.25,
		ArchiveGrace:       30 * 24 * time.Hour,
	}
}

// Retention returns R(t) = max(RMin, exp(-Lambda * t / S)) for elapsed time t
// and strength S. Monotone non-increasing in t; R(0) = 1.
func (e Ebbinghaus) Retention(elapsed time.Duration, strength float64) float64 {
	if elapsed <= 0 {
		return 1
	}
	if strength <= 0 {
		strength = 1
	}
	hours := elapsed.Hours()
	r := math.Exp(-e.Lambda * hours / strength)
	if r < e.RMin {
		return e.RMin
	}
	return r
}

// RetentionOf evaluates a fact's current retention from its metadata,
// measuring from last_accessed when present, created_at otherwise.
func (e Ebbinghaus) RetentionOf(m *types.MemoryFact, now time.Time) float64 {
	ref := metaTime(m.Metadata, types.MetaLastAccessed, m.CreatedAt)
	return e.Retention(now.Sub(ref), metaFloat(m.Metadata, types.MetaRetentionStrength, 1))
}

// Reinforce records one access on the fact's metadata: bumps access_count,
// stamps last_accessed, and strengthens retention up to SMax.
func (e Ebbinghaus) Reinforce(m *types.MemoryFact, now time.Time) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[types.MetaAccessCount] = metaInt(m.Metadata, types.MetaAccessCount, 0) + 1
	m.Metadata[types.MetaLastAccessed] = now.UTC().Format(time.RFC3339Nano)
	strength := metaFloat(m.Metadata, types.MetaRetentionStrength, 1)
	strength *= 1 + e.Alpha
	if strength > e.SMax {
		strength = e.SMax
	}
	m.Metadata[types.MetaRetentionStrength] = strength
}

// InitialTier maps an importance score to the tier a new fact starts in.
func (e Ebbinghaus) InitialTier(importance float64) types.Tier {
	switch {
	case importance >= e.LongTermThreshold:
		return types.TierLongTerm
	case importance >= e.ShortTermThreshold:
		return types.TierShortTerm
	default:
		return types.TierWorking
	}
}

// tierTransition is one maintenance decision for a fact.
type tierTransition int

const (
	tierKeep tierTransition = iota
	tierPromote
	tierArchive
	tierCleanup
)

// Evaluate decides the maintenance action for a fact. Promotion rules:
// WORKING facts accessed 3+ times in the last day move to SHORT_TERM;
// SHORT_TERM facts with 10+ accesses or strength >= 3 move to LONG_TERM.
// SHORT_TERM facts whose retention fell under the archive threshold are
// archived; archived facts past the grace window are cleaned up.
func (e Ebbinghaus) Evaluate(m *types.MemoryFact, now time.Time) (tierTransition, types.Tier) {
	tier := m.Tier()
	accessCount := metaInt(m.Metadata, types.MetaAccessCount, 0)
	strength := metaFloat(m.Metadata, types.MetaRetentionStrength, 1)

	switch tier {
	case types.TierWorking:
		lastAccessed := metaTime(m.Metadata, types.MetaLastAccessed, time.Time{})
		if accessCount >= 3 && !lastAccessed.IsZero() && now.Sub(lastAccessed) <= 24*time.Hour {
			return tierPromote, types.TierShortTerm
		}
	case types.TierShortTerm:
		if accessCount >= 10 || strength >= 3.0 {
			return tierPromote, types.TierLongTerm
		}
		if e.RetentionOf(m, now) < e.ArchiveThreshold {
			return tierArchive, types.TierArchived
		}
	case types.TierLongTerm:
		if e.ArchiveLongTerm && e.RetentionOf(m, now) < e.ArchiveThreshold {
			return tierArchive, types.TierArchived
		}
	case types.TierArchived:
		archivedAt := metaTime(m.Metadata, types.MetaArchivedAt, m.UpdatedAt)
		const epsilon = 0.01
		if e.RetentionOf(m, now) < e.RMin+epsilon && now.Sub(archivedAt) > e.ArchiveGrace {
			return tierCleanup, types.TierArchived
		}
	}
	return tierKeep, tier
}

// ---- metadata coercion ----

// Metadata round-trips through JSON, so numbers come back as float64 and
// timestamps as RFC 3339 strings. These helpers absorb both shapes.

func metaFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch t := m[key].(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return def
	}
}

func metaInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch t := m[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

func metaTime(m map[string]any, key string, def time.Time) time.Time {
	if m == nil {
		return def
	}
	switch t := m[key].(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return def
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
