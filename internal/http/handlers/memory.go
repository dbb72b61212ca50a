package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/powermem/powermem/internal/engine"
	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/http/response"
	"github.com/powermem/powermem/internal/types"
)

type MemoryHandler struct {
	eng *engine.Engine
}

func NewMemoryHandler(eng *engine.Engine) *MemoryHandler {
	return &MemoryHandler{eng: eng}
}

// POST /api/memories
func (h *MemoryHandler) Add(c *gin.Context) {
	var req engine.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	result, err := h.eng.Add(c.Request.Context(), req)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, result)
}

type searchBody struct {
	Query       string         `json:"query"`
	Scope       types.Scope    `json:"scope"`
	K           int            `json:"k,omitempty"`
	FullText    *bool          `json:"full_text,omitempty"`
	Graph       *bool          `json:"graph,omitempty"`
	Hops        int            `json:"hops,omitempty"`
	Fusion      string         `json:"fusion,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	NoRecency   bool           `json:"no_recency,omitempty"`
	WithProfile bool           `json:"with_profile,omitempty"`
}

// POST /api/memories/search
func (h *MemoryHandler) Search(c *gin.Context) {
	var body searchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	extra, err := filter.FromMap(body.Filter)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	opts := engine.SearchOptions{
		K:         body.K,
		Hops:      body.Hops,
		Fusion:    body.Fusion,
		Filter:    extra,
		NoRecency: body.NoRecency,
	}
	// Lexical and graph branches default on; callers opt out explicitly.
	opts.UseFullText = body.FullText == nil || *body.FullText
	opts.UseGraph = body.Graph == nil || *body.Graph

	result, err := h.eng.Search(c.Request.Context(), engine.SearchRequest{
		Query:       body.Query,
		Scope:       body.Scope,
		Options:     opts,
		WithProfile: body.WithProfile,
	})
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, result)
}

// GET /api/memories/:id
func (h *MemoryHandler) Get(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_memory_id", err)
		return
	}
	mem, err := h.eng.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memory": mem})
}

type listBody struct {
	Scope  types.Scope    `json:"scope"`
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Cursor int64          `json:"cursor,omitempty"`
}

// POST /api/memories/list
func (h *MemoryHandler) List(c *gin.Context) {
	var body listBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	extra, err := filter.FromMap(body.Filter)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	facts, next, err := h.eng.GetAll(c.Request.Context(), body.Scope, extra, body.Limit, body.Cursor)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memories": facts, "next_cursor": next})
}

// PATCH /api/memories/:id
func (h *MemoryHandler) Update(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_memory_id", err)
		return
	}
	var req engine.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	req.ID = id
	mem, err := h.eng.Update(c.Request.Context(), req)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memory": mem})
}

// DELETE /api/memories/:id
func (h *MemoryHandler) Delete(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_memory_id", err)
		return
	}
	if err := h.eng.Delete(c.Request.Context(), id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": id})
}

type scopeBody struct {
	Scope types.Scope `json:"scope"`
}

// POST /api/memories/delete-all
func (h *MemoryHandler) DeleteAll(c *gin.Context) {
	var body scopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.eng.DeleteAll(c.Request.Context(), body.Scope); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// GET /api/memories/:id/history
func (h *MemoryHandler) History(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_memory_id", err)
		return
	}
	events, err := h.eng.History(c.Request.Context(), id)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"history": events})
}

// POST /api/memories/reset
func (h *MemoryHandler) Reset(c *gin.Context) {
	var body scopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.eng.Reset(c.Request.Context(), body.Scope); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// GET /api/profiles/:user_id
func (h *MemoryHandler) GetProfile(c *gin.Context) {
	userID := c.Param("user_id")
	profile, err := h.eng.Profile(c.Request.Context(), userID, c.Query("agent_id"), c.Query("run_id"))
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"profile": profile})
}

// DELETE /api/profiles/:user_id
func (h *MemoryHandler) DeleteProfile(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.eng.DeleteProfile(c.Request.Context(), userID, c.Query("agent_id"), c.Query("run_id")); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// POST /api/maintenance/run
func (h *MemoryHandler) RunMaintenance(c *gin.Context) {
	stats, err := h.eng.Maintenance(c.Request.Context())
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

func parseID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
