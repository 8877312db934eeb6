package gateway

import (
	"net/http"
	"time"

	"memoria/internal/memory"
	"memoria/internal/store"
	"memoria/pkg/ids"
)

type createPersonaRequest struct {
	Owner              string `json:"owner"`
	MaxMemorySize      int    `json:"max_memory_size"`
	MemoryDecaySeconds int64  `json:"memory_decay_seconds"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
}

func (g *Gateway) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req createPersonaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	persona, err := g.manager.CreatePersona(r.Context(), req.Owner, memory.PersonaConfig{
		MaxMemorySize:   req.MaxMemorySize,
		MemoryDecayTime: time.Duration(req.MemoryDecaySeconds) * time.Second,
		SystemPrompt:    req.SystemPrompt,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"persona_id":      persona.ID,
		"owner":           persona.Owner,
		"max_memory_size": persona.MaxMemorySize,
		"created_at":      persona.CreatedAt,
	})
}

type addMemoryRequest struct {
	PersonaID      string   `json:"persona_id"`
	Type           string   `json:"type,omitempty"`
	Content        string   `json:"content"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Importance     *float64 `json:"importance,omitempty"`
}

func (g *Gateway) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	memType, ok := memoryTypeFromString(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation", "unknown memory type")
		return
	}

	id, err := g.manager.AddMemory(r.Context(), req.PersonaID, memory.MemoryInput{
		Type:           memType,
		Content:        req.Content,
		ConversationID: req.ConversationID,
		Importance:     req.Importance,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]any{"memory_id": id.String()})
}

type retrieveMemoriesRequest struct {
	PersonaID string  `json:"persona_id"`
	Query     string  `json:"query"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float32 `json:"threshold,omitempty"`
}

func (g *Gateway) handleRetrieveMemories(w http.ResponseWriter, r *http.Request) {
	var req retrieveMemoriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	results, err := g.manager.RetrieveRelevantMemories(r.Context(), req.PersonaID, req.Query, memory.RetrieveOptions{
		Limit:     req.Limit,
		Threshold: req.Threshold,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]map[string]any, len(results))
	for i, s := range results {
		out[i] = map[string]any{
			"memory_id":   s.Record.ID.String(),
			"content":     s.Record.Content,
			"type":        s.Record.Type,
			"similarity":  s.Similarity,
			"final_score": s.FinalScore,
			"importance":  s.Record.Importance,
		}
	}
	writeData(w, http.StatusOK, map[string]any{"results": out})
}

type addExchangeRequest struct {
	PersonaID      string `json:"persona_id"`
	UserMessage    string `json:"user_message"`
	AssistantReply string `json:"assistant_message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (g *Gateway) handleAddConversationExchange(w http.ResponseWriter, r *http.Request) {
	var req addExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	exch, err := g.manager.AddConversationExchange(r.Context(), req.PersonaID, req.UserMessage, req.AssistantReply, req.ConversationID)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"conversation_id":     exch.ConversationID,
		"user_memory_id":      exch.UserMemoryID.String(),
		"assistant_memory_id": exch.AssistantMemoryID.String(),
	})
}

func (g *Gateway) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	personaID := r.URL.Query().Get("persona_id")
	conversationID := r.URL.Query().Get("conversation_id")
	limit := queryLimit(r, 0)

	history, err := g.manager.GetConversationHistory(r.Context(), personaID, conversationID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]map[string]any, len(history))
	for i, rec := range history {
		out[i] = map[string]any{
			"memory_id": rec.ID.String(),
			"speaker":   rec.Speaker,
			"content":   rec.Content,
			"timestamp": rec.CreatedAt,
		}
	}
	writeData(w, http.StatusOK, map[string]any{"messages": out})
}

func (g *Gateway) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := g.manager.CleanupExpiredMemories(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

type addVectorRequest struct {
	ID     string    `json:"id,omitempty"`
	Vector []float32 `json:"vector"`
}

func (g *Gateway) handleAddVector(w http.ResponseWriter, r *http.Request) {
	var req addVectorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := idOrNew(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid id")
		return
	}

	if err := g.store.AddVector(id, req.Vector); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id.String()})
}

func (g *Gateway) handleDeleteVector(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := parseVectorID(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid id")
		return
	}
	if err := g.store.DeleteVector(id); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (g *Gateway) handleGetVector(w http.ResponseWriter, r *http.Request) {
	id, err := parseVectorID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid id")
		return
	}
	vec, err := g.store.GetVector(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"vector": vec})
}

type vectorSearchRequest struct {
	Vector          []float32         `json:"vector"`
	Limit           int               `json:"limit,omitempty"`
	Threshold       float32           `json:"threshold,omitempty"`
	Metric          string            `json:"metric,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	IncludeValues   bool              `json:"include_values,omitempty"`
	IncludeMetadata bool              `json:"include_metadata,omitempty"`
	Ef              int               `json:"ef,omitempty"`
}

func (g *Gateway) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req vectorSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	metric, ok := similarityMetricFromString(req.Metric)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation", "unknown metric")
		return
	}

	hits, err := g.store.Search(req.Vector, store.SearchOptions{
		Limit:           req.Limit,
		Threshold:       req.Threshold,
		Metric:          metric,
		Filters:         req.Filters,
		IncludeValues:   req.IncludeValues,
		IncludeMetadata: req.IncludeMetadata,
		Ef:              req.Ef,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		item := map[string]any{"id": h.ID.String(), "similarity": h.Similarity}
		if req.IncludeValues {
			item["vector"] = h.Vector
		}
		if req.IncludeMetadata {
			item["metadata"] = h.Metadata
		}
		out[i] = item
	}
	writeData(w, http.StatusOK, map[string]any{"results": out})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := g.store.Stats()
	writeData(w, http.StatusOK, map[string]any{
		"capacity":   stats.Capacity,
		"occupied":   stats.Occupied,
		"free":       stats.Free,
		"dimensions": stats.Dimensions,
	})
}

func idOrNew(raw string) (ids.VectorID, error) {
	if raw == "" {
		return ids.NewVectorID(), nil
	}
	return parseVectorID(raw)
}
