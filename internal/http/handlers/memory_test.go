package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/powermem/powermem/internal/engine"
	"github.com/powermem/powermem/internal/http/response"
	"github.com/powermem/powermem/internal/ids"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store/memstore"
)

const testDims = 8

// stubProvider satisfies the LLM interface without making calls. Requests
// that reach it come back empty, which the engine treats as a parse warning.
type stubProvider struct{}

func (stubProvider) GenerateText(ctx context.Context, system, user string) (string, error) {
	return "", nil
}

func (stubProvider) GenerateJSON(ctx context.Context, system, user string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (stubProvider) Close() error { return nil }

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, testDims)
		for d := 0; d < testDims; d++ {
			bits := binary.BigEndian.Uint16(sum[d*2 : d*2+2])
			vec[d] = float32(bits)/65535 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (stubEmbedder) Dims() int { return testDims }

func (stubEmbedder) Close() error { return nil }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ms := memstore.New(testDims)
	gen, err := ids.NewGenerator(1)
	if err != nil {
		t.Fatalf("id generator: %v", err)
	}
	cfg := engine.NewConfig()
	cfg.IntelligentMemory = false
	eng, err := engine.New(engine.Deps{
		Log:      logger.NewNop(),
		Vector:   ms,
		FullText: ms,
		History:  ms.History(),
		Graph:    ms.Graph(),
		Profiles: ms,
		Provider: stubProvider{},
		Embedder: stubEmbedder{},
		IDs:      gen,
	}, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	h := NewMemoryHandler(eng)
	r := gin.New()
	api := r.Group("/api")
	api.POST("/memories", h.Add)
	api.POST("/memories/search", h.Search)
	api.POST("/memories/list", h.List)
	api.GET("/memories/:id", h.Get)
	api.DELETE("/memories/:id", h.Delete)
	api.GET("/memories/:id/history", h.History)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func addVerbatim(t *testing.T, r *gin.Engine, content string) int64 {
	t.Helper()
	infer := false
	w := doJSON(t, r, http.MethodPost, "/api/memories", map[string]any{
		"input": content,
		"scope": map[string]any{"user_id": "alice"},
		"infer": &infer,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("add status: want=200 got=%d body=%s", w.Code, w.Body.String())
	}
	var result engine.AddResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode add result: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("add results: want=1 got=%d", len(result.Results))
	}
	return result.Results[0].ID
}

func TestAddAndGetMemory(t *testing.T) {
	r := newTestRouter(t)
	id := addVerbatim(t, r, "Prefers dark roast coffee")

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/memories/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status: want=200 got=%d", w.Code)
	}
	var payload struct {
		Memory struct {
			Content string `json:"content"`
		} `json:"memory"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Memory.Content != "Prefers dark roast coffee" {
		t.Fatalf("content: got=%q", payload.Memory.Content)
	}
}

func TestGetUnknownMemoryReturns404(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/memories/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: want=404 got=%d", w.Code)
	}
	var envelope response.ErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code: got=%q", envelope.Error.Code)
	}
}

func TestGetInvalidIDReturns400(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/memories/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", w.Code)
	}
}

func TestSearchRequiresScope(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/memories/search", map[string]any{
		"query": "coffee",
		"scope": map[string]any{},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty scope must 400, got=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSearchReturnsStoredMemory(t *testing.T) {
	r := newTestRouter(t)
	addVerbatim(t, r, "Prefers dark roast coffee")

	w := doJSON(t, r, http.MethodPost, "/api/memories/search", map[string]any{
		"query": "Prefers dark roast coffee",
		"scope": map[string]any{"user_id": "alice"},
		"k":     5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("search status: want=200 got=%d body=%s", w.Code, w.Body.String())
	}
	var result engine.SearchResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Results) == 0 {
		t.Fatalf("search should return the stored memory")
	}
}

func TestSearchRejectsMalformedFilter(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/memories/search", map[string]any{
		"query":  "coffee",
		"scope":  map[string]any{"user_id": "alice"},
		"filter": map[string]any{"x": map[string]any{"regex": ".*"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter must 400, got=%d", w.Code)
	}
}

func TestDeleteThenHistory(t *testing.T) {
	r := newTestRouter(t)
	id := addVerbatim(t, r, "Lives in Berlin")

	w := doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/memories/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status: want=200 got=%d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/memories/%d/history", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status: want=200 got=%d", w.Code)
	}
	var payload struct {
		History []struct {
			Event string `json:"event"`
		} `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.History) < 2 {
		t.Fatalf("history should record add and delete, got=%d events", len(payload.History))
	}
	if payload.History[len(payload.History)-1].Event != "DELETE" {
		t.Fatalf("last event: got=%q", payload.History[len(payload.History)-1].Event)
	}
}

func TestListPagesWithinScope(t *testing.T) {
	r := newTestRouter(t)
	addVerbatim(t, r, "Fact one")
	addVerbatim(t, r, "Fact two")

	w := doJSON(t, r, http.MethodPost, "/api/memories/list", map[string]any{
		"scope": map[string]any{"user_id": "alice"},
		"limit": 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("list status: want=200 got=%d", w.Code)
	}
	var payload struct {
		Memories []json.RawMessage `json:"memories"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Memories) != 2 {
		t.Fatalf("memories: want=2 got=%d", len(payload.Memories))
	}
}
