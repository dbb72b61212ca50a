// Package sqlitestore is the single-file embedded backend. SQLite has no
// native vector index, so similarity search decodes candidate rows and runs
// an exact cosine scan in Go; fine for the collection sizes an embedded
// deployment holds.
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

type Config struct {
	// Path is the database file; ":memory:" for an ephemeral store.
	Path string
	Dims int
}

type Store struct {
	db   *gorm.DB
	log  *logger.Logger
	dims int
}

var (
	_ store.VectorStore   = (*Store)(nil)
	_ store.FullTextStore = (*Store)(nil)
	_ store.ProfileStore  = (*Store)(nil)
)

type memoryRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID    string `gorm:"index:idx_memories_scope,priority:1"`
	AgentID   string `gorm:"index:idx_memories_scope,priority:2"`
	RunID     string `gorm:"index:idx_memories_scope,priority:3"`
	ActorID   string `gorm:"index"`
	Content   string
	Hash      string `gorm:"index"`
	Embedding string // JSON-encoded []float32
	Metadata  datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (memoryRow) TableName() string { return "memories" }

type historyRow struct {
	ID        int64 `gorm:"primaryKey"`
	MemoryID  int64 `gorm:"index"`
	Event     string
	PrevValue string
	NewValue  string
	Actor     string
	CreatedAt time.Time
}

func (historyRow) TableName() string { return "memory_history" }

type profileRow struct {
	ID          int64  `gorm:"primaryKey"`
	UserID      string `gorm:"uniqueIndex:idx_profiles_key,priority:1"`
	AgentID     string `gorm:"uniqueIndex:idx_profiles_key,priority:2"`
	RunID       string `gorm:"uniqueIndex:idx_profiles_key,priority:3"`
	ProfileText string
	Topics      datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (profileRow) TableName() string { return "user_profiles" }

func New(log *logger.Logger, cfg Config) (*Store, error) {
	const op = "sqlitestore.New"
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, types.E(types.KindValidation, op, "path is required", nil)
	}
	if cfg.Dims <= 0 {
		return nil, types.E(types.KindValidation, op, "dims must be positive", nil)
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "open sqlite database", err)
	}
	if err := db.AutoMigrate(&memoryRow{}, &historyRow{}, &profileRow{}); err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "auto-migrate tables", err)
	}
	s := &Store{db: db, log: log.With("store", "SQLiteStore"), dims: cfg.Dims}
	s.log.Info("sqlite store ready", "path", cfg.Path, "dims", cfg.Dims)
	return s, nil
}

func (s *Store) Dims() int { return s.dims }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) checkDims(op string, vec []float32) error {
	if len(vec) != s.dims {
		return types.E(types.KindFatal, op,
			fmt.Sprintf("embedding dimension mismatch: expected=%d got=%d", s.dims, len(vec)), nil)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, mem *types.MemoryFact) error {
	const op = "sqlitestore.Insert"
	if err := s.checkDims(op, mem.Embedding); err != nil {
		return err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&memoryRow{}).Where("id = ?", mem.ID).Count(&count).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "check id", err)
	}
	if count > 0 {
		return types.E(types.KindFatal, op, fmt.Sprintf("id collision: %d", mem.ID), nil)
	}
	row, err := rowFromFact(mem)
	if err != nil {
		return types.E(types.KindValidation, op, "encode fact", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "insert memory", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, mem *types.MemoryFact) error {
	const op = "sqlitestore.Upsert"
	if err := s.checkDims(op, mem.Embedding); err != nil {
		return err
	}
	row, err := rowFromFact(mem)
	if err != nil {
		return types.E(types.KindValidation, op, "encode fact", err)
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "upsert memory", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*types.MemoryFact, error) {
	const op = "sqlitestore.Get"
	var row memoryRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, op, fmt.Sprintf("memory %d not found", id), nil)
	}
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "get memory", err)
	}
	return factFromRow(&row)
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	const op = "sqlitestore.Delete"
	result := s.db.WithContext(ctx).Delete(&memoryRow{}, "id = ?", id)
	if result.Error != nil {
		return types.E(types.KindBackendUnavailable, op, "delete memory", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.E(types.KindNotFound, op, fmt.Sprintf("memory %d not found", id), nil)
	}
	return nil
}

// scan loads every row that survives the filter. Scope equality conditions
// are pushed down to SQL; the rest of the filter evaluates in Go.
func (s *Store) scan(ctx context.Context, f *filter.Filter) ([]*types.MemoryFact, error) {
	q := s.db.WithContext(ctx).Model(&memoryRow{})
	if f != nil {
		for _, c := range f.Conds {
			if c.Op == filter.OpEq {
				switch c.Field {
				case "user_id", "agent_id", "run_id", "actor_id", "hash":
					q = q.Where(c.Field+" = ?", c.Value)
				}
			}
		}
	}
	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.E(types.KindBackendUnavailable, "sqlitestore.scan", "load rows", err)
	}
	out := make([]*types.MemoryFact, 0, len(rows))
	for i := range rows {
		mem, err := factFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		if f != nil && !f.Match(filter.Fields(mem)) {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, f *filter.Filter) ([]store.SearchHit, error) {
	const op = "sqlitestore.Search"
	if err := s.checkDims(op, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	facts, err := s.scan(ctx, f)
	if err != nil {
		return nil, err
	}
	hits := make([]store.SearchHit, 0, len(facts))
	for _, mem := range facts {
		hits = append(hits, store.SearchHit{Memory: mem, Score: cosine(vector, mem.Embedding)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) SearchText(ctx context.Context, query string, k int, f *filter.Filter, parser string) ([]store.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	terms := store.Tokenize(parser, query)
	if len(terms) == 0 {
		return nil, nil
	}
	facts, err := s.scan(ctx, f)
	if err != nil {
		return nil, err
	}
	hits := make([]store.SearchHit, 0, k)
	for _, mem := range facts {
		docSet := map[string]bool{}
		for _, tok := range store.Tokenize(parser, mem.Content) {
			docSet[tok] = true
		}
		matched := 0
		for _, term := range terms {
			if docSet[term] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, store.SearchHit{Memory: mem, Score: float64(matched) / float64(len(terms))})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) List(ctx context.Context, f *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	facts, err := s.scan(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })

	out := make([]*types.MemoryFact, 0, limit)
	var next int64
	for _, mem := range facts {
		if mem.ID <= cursor {
			continue
		}
		out = append(out, mem)
		if len(out) == limit {
			next = mem.ID
			break
		}
	}
	return out, next, nil
}

func (s *Store) DeleteAll(ctx context.Context, f *filter.Filter) error {
	const op = "sqlitestore.DeleteAll"
	facts, err := s.scan(ctx, f)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(facts))
	for _, mem := range facts {
		ids = append(ids, mem.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&memoryRow{}, "id IN ?", ids).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete memories", err)
	}
	return nil
}

// ---- history ----

func (s *Store) History() store.HistoryStore { return sqliteHistory{s} }

type sqliteHistory struct{ s *Store }

func (h sqliteHistory) Append(ctx context.Context, ev *types.HistoryEvent) error {
	const op = "sqlitestore.History.Append"
	row := historyRow{
		MemoryID:  ev.MemoryID,
		Event:     string(ev.Event),
		PrevValue: ev.PrevValue,
		NewValue:  ev.NewValue,
		Actor:     ev.Actor,
		CreatedAt: ev.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := h.s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "append history event", err)
	}
	ev.ID = row.ID
	return nil
}

func (h sqliteHistory) List(ctx context.Context, memoryID int64) ([]*types.HistoryEvent, error) {
	const op = "sqlitestore.History.List"
	var rows []historyRow
	err := h.s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "list history", err)
	}
	out := make([]*types.HistoryEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, &types.HistoryEvent{
			ID:        row.ID,
			MemoryID:  row.MemoryID,
			Event:     types.EventType(row.Event),
			PrevValue: row.PrevValue,
			NewValue:  row.NewValue,
			Actor:     row.Actor,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (h sqliteHistory) Close() error { return nil }

// ---- profiles ----

func (s *Store) GetProfile(ctx context.Context, userID, agentID, runID string) (*types.UserProfile, error) {
	const op = "sqlitestore.GetProfile"
	var row profileRow
	err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND agent_id = ? AND run_id = ?", userID, agentID, runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, op, "profile not found", nil)
	}
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "get profile", err)
	}
	var topics []string
	if len(row.Topics) > 0 {
		_ = json.Unmarshal(row.Topics, &topics)
	}
	return &types.UserProfile{
		ID:          row.ID,
		UserID:      row.UserID,
		AgentID:     row.AgentID,
		RunID:       row.RunID,
		ProfileText: row.ProfileText,
		Topics:      topics,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *types.UserProfile) error {
	const op = "sqlitestore.PutProfile"
	topics, err := json.Marshal(profile.Topics)
	if err != nil {
		return types.E(types.KindValidation, op, "encode topics", err)
	}
	now := time.Now().UTC()

	var existing profileRow
	err = s.db.WithContext(ctx).
		First(&existing, "user_id = ? AND agent_id = ? AND run_id = ?",
			profile.UserID, profile.AgentID, profile.RunID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := profileRow{
			UserID:      profile.UserID,
			AgentID:     profile.AgentID,
			RunID:       profile.RunID,
			ProfileText: profile.ProfileText,
			Topics:      datatypes.JSON(topics),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return types.E(types.KindBackendUnavailable, op, "create profile", err)
		}
		return nil
	case err != nil:
		return types.E(types.KindBackendUnavailable, op, "load profile", err)
	default:
		updates := map[string]any{
			"profile_text": profile.ProfileText,
			"topics":       datatypes.JSON(topics),
			"updated_at":   now,
		}
		if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return types.E(types.KindBackendUnavailable, op, "update profile", err)
		}
		return nil
	}
}

func (s *Store) DeleteProfile(ctx context.Context, userID, agentID, runID string) error {
	const op = "sqlitestore.DeleteProfile"
	err := s.db.WithContext(ctx).
		Delete(&profileRow{}, "user_id = ? AND agent_id = ? AND run_id = ?", userID, agentID, runID).Error
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete profile", err)
	}
	return nil
}

// ---- mapping & scoring ----

func rowFromFact(mem *types.MemoryFact) (*memoryRow, error) {
	meta, err := json.Marshal(mem.Metadata)
	if err != nil {
		return nil, err
	}
	emb, err := json.Marshal(mem.Embedding)
	if err != nil {
		return nil, err
	}
	return &memoryRow{
		ID:        mem.ID,
		UserID:    mem.Scope.UserID,
		AgentID:   mem.Scope.AgentID,
		RunID:     mem.Scope.RunID,
		ActorID:   mem.Scope.ActorID,
		Content:   mem.Content,
		Hash:      mem.Hash,
		Embedding: string(emb),
		Metadata:  datatypes.JSON(meta),
		CreatedAt: mem.CreatedAt,
		UpdatedAt: mem.UpdatedAt,
	}, nil
}

func factFromRow(row *memoryRow) (*types.MemoryFact, error) {
	meta := map[string]any{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, types.E(types.KindBackendUnavailable, "sqlitestore.factFromRow", "decode metadata", err)
		}
	}
	var emb []float32
	if row.Embedding != "" {
		if err := json.Unmarshal([]byte(row.Embedding), &emb); err != nil {
			return nil, types.E(types.KindBackendUnavailable, "sqlitestore.factFromRow", "decode embedding", err)
		}
	}
	return &types.MemoryFact{
		ID:        row.ID,
		Content:   row.Content,
		Embedding: emb,
		Scope: types.Scope{
			UserID:  row.UserID,
			AgentID: row.AgentID,
			RunID:   row.RunID,
			ActorID: row.ActorID,
		},
		Metadata:  meta,
		Hash:      row.Hash,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

func sortHits(hits []store.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Memory.ID < hits[j].Memory.ID
		}
		return hits[i].Score > hits[j].Score
	})
}
