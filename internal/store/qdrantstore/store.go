// Package qdrantstore implements store.VectorStore over the qdrant HTTP API.
package qdrantstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/platform/ctxutil"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

const maxErrorBodyBytes = 1024

// Payload keys owned by the store; every other payload key round-trips through
// fact metadata.
var reservedPayloadKeys = map[string]bool{
	"content": true, "hash": true,
	"user_id": true, "agent_id": true, "run_id": true, "actor_id": true,
	"created_at": true, "updated_at": true,
}

type Store struct {
	log      *logger.Logger
	cfg      Config
	baseURL  string
	distance string
	http     *http.Client
}

var _ store.VectorStore = (*Store)(nil)

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type searchResultItem struct {
	ID      int64          `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func New(log *logger.Logger, cfg Config) (*Store, error) {
	if log == nil {
		return nil, types.E(types.KindValidation, "qdrantstore.New", "logger required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		log:     log.With("store", "QdrantVectorStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if err := s.verifyReady(context.Background()); err != nil {
		return nil, err
	}

	s.log.Info("qdrant vector store ready",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
		"distance", s.distance,
	)
	return s, nil
}

func (s *Store) Dims() int { return s.cfg.VectorDim }

func (s *Store) Close() error { return nil }

func (s *Store) Insert(ctx context.Context, mem *types.MemoryFact) error {
	const op = "qdrantstore.Insert"
	existing, err := s.Get(ctx, mem.ID)
	if err != nil && !types.IsNotFound(err) {
		return err
	}
	if existing != nil {
		return types.E(types.KindFatal, op, fmt.Sprintf("id collision: %d", mem.ID), nil)
	}
	return s.upsert(ctx, op, mem)
}

func (s *Store) Upsert(ctx context.Context, mem *types.MemoryFact) error {
	return s.upsert(ctx, "qdrantstore.Upsert", mem)
}

func (s *Store) upsert(ctx context.Context, op string, mem *types.MemoryFact) error {
	if len(mem.Embedding) != s.cfg.VectorDim {
		return types.E(types.KindFatal, op,
			fmt.Sprintf("embedding dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(mem.Embedding)), nil)
	}
	point := map[string]any{
		"id":      mem.ID,
		"vector":  mem.Embedding,
		"payload": payloadFromFact(mem),
	}
	req := map[string]any{"points": []any{point}}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *Store) Get(ctx context.Context, id int64) (*types.MemoryFact, error) {
	const op = "qdrantstore.Get"
	var item struct {
		ID      int64          `json:"id"`
		Payload map[string]any `json:"payload"`
		Vector  []float32      `json:"vector"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(fmt.Sprintf("/points/%d", id)), nil, &item)
	if err != nil {
		var me *types.MemoryError
		if errors.As(err, &me) && me.Message == "status=404" {
			return nil, types.E(types.KindNotFound, op, fmt.Sprintf("memory %d not found", id), nil)
		}
		return nil, err
	}
	if item.Payload == nil {
		return nil, types.E(types.KindNotFound, op, fmt.Sprintf("memory %d not found", id), nil)
	}
	mem := factFromPayload(item.ID, item.Payload)
	mem.Embedding = item.Vector
	return mem, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	const op = "qdrantstore.Delete"
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	req := map[string]any{"points": []int64{id}}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, f *filter.Filter) ([]store.SearchHit, error) {
	const op = "qdrantstore.Search"
	if len(vector) != s.cfg.VectorDim {
		return nil, types.E(types.KindFatal, op,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if k <= 0 {
		k = 10
	}
	translated, err := translateFilter(f)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if translated != nil {
		req["filter"] = translated
	}
	var rawResults []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]store.SearchHit, 0, len(rawResults))
	for _, item := range rawResults {
		out = append(out, store.SearchHit{
			Memory: factFromPayload(item.ID, item.Payload),
			Score:  s.normalizeScore(item.Score),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Memory.ID < out[j].Memory.ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *Store) List(ctx context.Context, f *filter.Filter, limit int, cursor int64) ([]*types.MemoryFact, int64, error) {
	const op = "qdrantstore.List"
	if limit <= 0 {
		limit = 100
	}
	translated, err := translateFilter(f)
	if err != nil {
		return nil, 0, err
	}

	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
		"order_by":     map[string]any{"key": "id"},
	}
	if translated != nil {
		req["filter"] = translated
	}
	if cursor > 0 {
		req["offset"] = cursor
	}

	var result struct {
		Points         []searchResultItem `json:"points"`
		NextPageOffset *int64             `json:"next_page_offset"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, 0, err
	}

	out := make([]*types.MemoryFact, 0, len(result.Points))
	for _, item := range result.Points {
		out = append(out, factFromPayload(item.ID, item.Payload))
	}
	var next int64
	if result.NextPageOffset != nil {
		next = *result.NextPageOffset
	}
	return out, next, nil
}

func (s *Store) DeleteAll(ctx context.Context, f *filter.Filter) error {
	const op = "qdrantstore.DeleteAll"
	translated, err := translateFilter(f)
	if err != nil {
		return err
	}
	if translated == nil {
		translated = map[string]any{}
	}
	req := map[string]any{"filter": translated}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *Store) verifyReady(ctx context.Context) error {
	const op = "qdrantstore.verify"

	var result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &result); err != nil {
		return err
	}

	size := result.Config.Params.Vectors.Size
	if size != 0 && size != s.cfg.VectorDim {
		return types.E(types.KindFatal, op,
			fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d",
				s.cfg.Collection, s.cfg.VectorDim, size), nil)
	}
	s.distance = strings.TrimSpace(result.Config.Params.Vectors.Distance)
	return nil
}

func (s *Store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return types.E(types.KindValidation, op, "encode request failed", err)
		}
		body = &buf
	}

	callCtx, cancel := ctxutil.Default(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, s.baseURL+path, body)
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyCallError(op, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return types.E(types.KindBackendUnavailable, op, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return types.E(types.KindBackendUnavailable, op, "status=404", nil)
		}
		return types.E(types.KindBackendUnavailable, op,
			fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)), nil)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.E(types.KindBackendUnavailable, op, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return types.E(types.KindBackendUnavailable, op, statusErr, nil)
	}

	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return types.E(types.KindBackendUnavailable, op, "decode qdrant result failed", err)
	}
	return nil
}

func classifyCallError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.E(types.KindBackendUnavailable, op, "qdrant request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.E(types.KindBackendUnavailable, op, "qdrant request timed out", err)
	}
	return types.E(types.KindBackendUnavailable, op, "qdrant request failed", err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}
	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func (s *Store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}

func (s *Store) normalizeScore(score float64) float64 {
	switch strings.ToLower(strings.TrimSpace(s.distance)) {
	case "euclid", "manhattan":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		if score < 0 {
			return 0
		}
		if score > 1 {
			return 1
		}
		return score
	}
}

func payloadFromFact(mem *types.MemoryFact) map[string]any {
	payload := map[string]any{
		"content":    mem.Content,
		"hash":       mem.Hash,
		"user_id":    mem.Scope.UserID,
		"agent_id":   mem.Scope.AgentID,
		"run_id":     mem.Scope.RunID,
		"actor_id":   mem.Scope.ActorID,
		"created_at": mem.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": mem.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range mem.Metadata {
		if !reservedPayloadKeys[k] {
			payload[k] = v
		}
	}
	return payload
}

func factFromPayload(id int64, payload map[string]any) *types.MemoryFact {
	mem := &types.MemoryFact{
		ID:       id,
		Metadata: map[string]any{},
	}
	for k, v := range payload {
		switch k {
		case "content":
			mem.Content, _ = v.(string)
		case "hash":
			mem.Hash, _ = v.(string)
		case "user_id":
			mem.Scope.UserID, _ = v.(string)
		case "agent_id":
			mem.Scope.AgentID, _ = v.(string)
		case "run_id":
			mem.Scope.RunID, _ = v.(string)
		case "actor_id":
			mem.Scope.ActorID, _ = v.(string)
		case "created_at":
			mem.CreatedAt = parseTime(v)
		case "updated_at":
			mem.UpdatedAt = parseTime(v)
		default:
			mem.Metadata[k] = v
		}
	}
	return mem
}

func parseTime(v any) time.Time {
	raw, _ := v.(string)
	if raw == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed
	}
	return time.Time{}
}
