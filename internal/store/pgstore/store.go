// Package pgstore implements the vector, full-text, history, and profile
// contracts on PostgreSQL with the pgvector extension. The scalar rows here
// are the engine's source of truth.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

type Config struct {
	// DSN is a postgres connection string.
	DSN string
	// Dims is the embedding dimension; immutable once the table exists.
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

func New(log *logger.Logger, cfg Config) (*Store, error) {
	const op = "pgstore.New"
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, types.E(types.KindValidation, op, "dsn is required", nil)
	}
	if cfg.Dims <= 0 {
		return nil, types.E(types.KindValidation, op, "dims must be positive", nil)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "connect to postgres", err)
	}

	s := &Store{db: db, log: log.With("store", "PostgresStore"), dims: cfg.Dims}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	s.log.Info("postgres store ready", "dims", cfg.Dims)
	return s, nil
}

func (s *Store) migrate() error {
	const op = "pgstore.migrate"
	if err := s.db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "enable pgvector extension", err)
	}
	if err := s.db.AutoMigrate(&memoryRow{}, &historyRow{}, &profileRow{}); err != nil {
		return types.E(types.KindBackendUnavailable, op, "auto-migrate tables", err)
	}
	// AutoMigrate leaves the vector column untyped; pin the dimension and
	// verify it against an existing table.
	var existingDims int
	row := s.db.Raw(`SELECT COALESCE(atttypmod, 0) FROM pg_attribute
		WHERE attrelid = 'memories'::regclass AND attname = 'embedding'`).Row()
	if err := row.Scan(&existingDims); err == nil && existingDims > 0 && existingDims != s.dims {
		return types.E(types.KindFatal, op,
			fmt.Sprintf("memories.embedding dimension mismatch: table=%d configured=%d", existingDims, s.dims), nil)
	}
	if err := s.db.Exec(fmt.Sprintf(
		`ALTER TABLE memories ALTER COLUMN embedding TYPE vector(%d)`, s.dims)).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "pin embedding dimension", err)
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_content_fts ON memories
			USING gin (to_tsvector('simple', content))`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return types.E(types.KindBackendUnavailable, op, "create index", err)
		}
	}
	return nil
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
	const op = "pgstore.Insert"
	if err := s.checkDims(op, mem.Embedding); err != nil {
		return err
	}
	row, err := rowFromFact(mem)
	if err != nil {
		return types.E(types.KindValidation, op, "encode metadata", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return types.E(types.KindFatal, op, fmt.Sprintf("id collision: %d", mem.ID), err)
		}
		return types.E(types.KindBackendUnavailable, op, "insert memory", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, mem *types.MemoryFact) error {
	const op = "pgstore.Upsert"
	if err := s.checkDims(op, mem.Embedding); err != nil {
		return err
	}
	row, err := rowFromFact(mem)
	if err != nil {
		return types.E(types.KindValidation, op, "encode metadata", err)
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "upsert memory", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*types.MemoryFact, error) {
	const op = "pgstore.Get"
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
	const op = "pgstore.Delete"
	result := s.db.WithContext(ctx).Delete(&memoryRow{}, "id = ?", id)
	if result.Error != nil {
		return types.E(types.KindBackendUnavailable, op, "delete memory", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.E(types.KindNotFound, op, fmt.Sprintf("memory %d not found", id), nil)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, f *filter.Filter) ([]store.SearchHit, error) {
	const op = "pgstore.Search"
	if err := s.checkDims(op, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	vec, _ := vectorValue(vector).Value()
	query := `SELECT *, 1 - (embedding <=> ?) AS score FROM memories`
	queryArgs := []any{vec}
	if where != "" {
		query += " WHERE " + where
		queryArgs = append(queryArgs, args...)
	}
	query += " ORDER BY embedding <=> ? LIMIT ?"
	queryArgs = append(queryArgs, vec, k)

	var rows []struct {
		memoryRow
		Score float64
	}
	if err := s.db.WithContext(ctx).Raw(query, queryArgs...).Scan(&rows).Error; err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "vector search", err)
	}

	out := make([]store.SearchHit, 0, len(rows))
	for i := range rows {
		mem, err := factFromRow(&rows[i].memoryRow)
		if err != nil {
			return nil, err
		}
		out = append(out, store.SearchHit{Memory: mem, Score: clamp01(rows[i].Score)})
	}
	return out, nil
}

// tsConfig maps the engine's parser names to postgres text search configs.
func tsConfig(parser string) string {
	switch parser {
	case store.ParserBEng:
		return "english"
	default:
		return "simple"
	}
}

func (s *Store) SearchText(ctx context.Context, query string, k int, f *filter.Filter, parser string) ([]store.SearchHit, error) {
	const op = "pgstore.SearchText"
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	cfg := tsConfig(parser)
	sql := fmt.Sprintf(`SELECT *,
		ts_rank(to_tsvector('%[1]s', content), plainto_tsquery('%[1]s', ?)) AS rank
		FROM memories
		WHERE to_tsvector('%[1]s', content) @@ plainto_tsquery('%[1]s', ?)`, cfg)
	queryArgs := []any{query, query}
	if where != "" {
		sql += " AND " + where
		queryArgs = append(queryArgs, args...)
	}
	sql += " ORDER BY rank DESC LIMIT ?"
	queryArgs = append(queryArgs, k)

	var rows []struct {
		memoryRow
		Rank float64
	}
	if err := s.db.WithContext(ctx).Raw(sql, queryArgs...).Scan(&rows).Error; err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "full-text search", err)
	}

	out := make([]store.SearchHit, 0, len(rows))
	for i := range rows {
		mem, err := factFromRow(&rows[i].memoryRow)
		if err != nil {
			return nil, err
		}
		// ts_rank is unbounded; squash into [0,1].
		rank := rows[i].Rank
		out = append(out, store.SearchHit{Memory: mem, Score: rank / (rank + 1)})
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, f *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error) {
	const op = "pgstore.List"
	if limit <= 0 {
		limit = 100
	}
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, 0, err
	}

	q := s.db.WithContext(ctx).Model(&memoryRow{}).Where("id > ?", cursor)
	if where != "" {
		q = q.Where(where, args...)
	}
	var rows []memoryRow
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, types.E(types.KindBackendUnavailable, op, "list memories", err)
	}

	out := make([]*types.MemoryFact, 0, len(rows))
	for i := range rows {
		mem, err := factFromRow(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, mem)
	}
	var next int64
	if len(rows) == limit {
		next = rows[len(rows)-1].ID
	}
	return out, next, nil
}

func (s *Store) DeleteAll(ctx context.Context, f *filter.Filter) error {
	const op = "pgstore.DeleteAll"
	where, args, err := buildWhere(f)
	if err != nil {
		return err
	}
	q := s.db.WithContext(ctx)
	if where != "" {
		q = q.Where(where, args...)
	} else {
		q = q.Where("1 = 1")
	}
	if err := q.Delete(&memoryRow{}).Error; err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete memories", err)
	}
	return nil
}

// ---- history ----

// History exposes the store's append-only audit log.
func (s *Store) History() store.HistoryStore { return pgHistory{s} }

type pgHistory struct{ s *Store }

func (h pgHistory) Append(ctx context.Context, ev *types.HistoryEvent) error {
	const op = "pgstore.History.Append"
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

func (h pgHistory) List(ctx context.Context, memoryID int64) ([]*types.HistoryEvent, error) {
	const op = "pgstore.History.List"
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

func (h pgHistory) Close() error { return nil }

// ---- profiles ----

func (s *Store) GetProfile(ctx context.Context, userID, agentID, runID string) (*types.UserProfile, error) {
	const op = "pgstore.GetProfile"
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
	const op = "pgstore.PutProfile"
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
	const op = "pgstore.DeleteProfile"
	err := s.db.WithContext(ctx).
		Delete(&profileRow{}, "user_id = ? AND agent_id = ? AND run_id = ?", userID, agentID, runID).Error
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete profile", err)
	}
	return nil
}

// ---- row mapping ----

func rowFromFact(mem *types.MemoryFact) (*memoryRow, error) {
	meta, err := json.Marshal(mem.Metadata)
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
		Embedding: vectorValue(mem.Embedding),
		Metadata:  datatypes.JSON(meta),
		CreatedAt: mem.CreatedAt,
		UpdatedAt: mem.UpdatedAt,
	}, nil
}

func factFromRow(row *memoryRow) (*types.MemoryFact, error) {
	meta := map[string]any{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, types.E(types.KindBackendUnavailable, "pgstore.factFromRow", "decode metadata", err)
		}
	}
	return &types.MemoryFact{
		ID:        row.ID,
		Content:   row.Content,
		Embedding: []float32(row.Embedding),
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
