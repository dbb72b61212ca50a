// Package types holds the domain model shared by every layer of the memory
// engine: facts, history events, graph entities and edges, user profiles, and
// the tenant scope that partitions all of them.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Scope identifies the tenant partition a record belongs to. Empty fields mean
// "not scoped by this dimension". A fact's scope is immutable after insert.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// Canonical trims whitespace-only identifiers down to absent.
func (s Scope) Canonical() Scope {
	return Scope{
		UserID:  strings.TrimSpace(s.UserID),
		AgentID: strings.TrimSpace(s.AgentID),
		RunID:   strings.TrimSpace(s.RunID),
		ActorID: strings.TrimSpace(s.ActorID),
	}
}

// Empty reports whether no identifier is set.
func (s Scope) Empty() bool {
	c := s.Canonical()
	return c.UserID == "" && c.AgentID == "" && c.RunID == "" && c.ActorID == ""
}

// Contains reports whether a record stored under rec is visible to a reader
// holding s. Every identifier the reader supplies must match; dimensions the
// reader leaves open span all values (agent-group / user-group sharing).
func (s Scope) Contains(rec Scope) bool {
	c, r := s.Canonical(), rec.Canonical()
	if c.UserID != "" && c.UserID != r.UserID {
		return false
	}
	if c.AgentID != "" && c.AgentID != r.AgentID {
		return false
	}
	if c.RunID != "" && c.RunID != r.RunID {
		return false
	}
	if c.ActorID != "" && c.ActorID != r.ActorID {
		return false
	}
	return true
}

// Tier is the coarse lifecycle state of a fact.
type Tier string

const (
	TierWorking   Tier = "WORKING"
	TierShortTerm Tier = "SHORT_TERM"
	TierLongTerm  Tier = "LONG_TERM"
	TierArchived  Tier = "ARCHIVED"
)

// Metadata keys the engine reads and writes on every fact.
const (
	MetaCreatedAt         = "created_at"
	MetaUpdatedAt         = "updated_at"
	MetaImportanceScore   = "importance_score"
	MetaMemoryType        = "memory_type"
	MetaLastAccessed      = "last_accessed"
	MetaAccessCount       = "access_count"
	MetaRetentionStrength = "retention_strength"
	MetaTier              = "tier"
	MetaArchivedAt        = "archived_at"
)

// MemoryFact is an atomic, self-contained natural-language statement.
type MemoryFact struct {
	ID        int64          `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Scope     Scope          `json:"scope"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Hash      string         `json:"hash"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ContentHash fingerprints content for hash-based idempotence.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy so callers can mutate results freely.
func (m *MemoryFact) Clone() *MemoryFact {
	if m == nil {
		return nil
	}
	out := *m
	if m.Embedding != nil {
		out.Embedding = make([]float32, len(m.Embedding))
		copy(out.Embedding, m.Embedding)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Tier reads the lifecycle tier from metadata, defaulting to WORKING.
func (m *MemoryFact) Tier() Tier {
	if m == nil || m.Metadata == nil {
		return TierWorking
	}
	if raw, ok := m.Metadata[MetaTier].(string); ok && raw != "" {
		return Tier(raw)
	}
	return TierWorking
}

// EventType enumerates mutations recorded in history.
type EventType string

const (
	EventAdd    EventType = "ADD"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventNone   EventType = "NONE"
)

// HistoryEvent is the append-only audit record; exactly one per mutation.
type HistoryEvent struct {
	ID        int64     `json:"id"`
	MemoryID  int64     `json:"memory_id"`
	Event     EventType `json:"event"`
	PrevValue string    `json:"prev_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphEntity is a node in the relation graph, unique per
// (normalized name, scope).
type GraphEntity struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeEntityName is the canonical form entities are keyed by.
func NormalizeEntityName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// GraphEdge is a directed relation between two entities. Mentions counts
// independent observations of the same triple.
type GraphEdge struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Relation  string    `json:"relation"`
	Target    string    `json:"target"`
	Scope     Scope     `json:"scope"`
	Mentions  int       `json:"mentions"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserProfile is the rolling natural-language profile kept per
// (user, agent?, run?) triple.
type UserProfile struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	ProfileText string    `json:"profile_text"`
	Topics      []string  `json:"topics,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
