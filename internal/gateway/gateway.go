// Package gateway exposes the persona memory engine over HTTP/JSON.
// Grounded on internal/gateway's mux.Handle composition over
// authMiddleware.Wrap/rateLimitMiddleware.Wrap and vector_api.go's
// writeJSON/writeJSONError helpers, generalized into the
// {status,data,error,message,meta} envelope spec.md §6.1 requires and a
// Kind-aware HTTP status mapping (spec.md §7) instead of vector_api.go's
// hardcoded per-handler status codes.
package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"memoria/internal/auth"
	"memoria/internal/embedding"
	"memoria/internal/errs"
	"memoria/internal/logging"
	"memoria/internal/memory"
	"memoria/internal/metadata"
	"memoria/internal/middleware"
	"memoria/internal/ratelimit"
	"memoria/internal/similarity"
	"memoria/internal/store"
	"memoria/pkg/ids"
)

// Gateway wires the HTTP surface to the persona memory manager and the
// raw vector store beneath it.
type Gateway struct {
	manager  *memory.Manager
	store    *store.Store
	embedder embedding.Embedder
	auth     *auth.Store
	limiter  *ratelimit.SlidingWindow
	log      *logging.Logger
}

// Config wires a Gateway's collaborators.
type Config struct {
	Manager  *memory.Manager
	Store    *store.Store
	Embedder embedding.Embedder
	Auth     *auth.Store
	Limiter  *ratelimit.SlidingWindow
	Logger   *logging.Logger
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = logging.New("gateway", logging.LevelInfo)
	}
	return &Gateway{
		manager:  cfg.Manager,
		store:    cfg.Store,
		embedder: cfg.Embedder,
		auth:     cfg.Auth,
		limiter:  cfg.Limiter,
		log:      log,
	}
}

// Routes builds the HTTP mux, with auth and rate limiting wrapping every
// /api/ route and /health left open for orchestration probes.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)

	authChain := func(perm auth.Permission, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.Auth(g.auth),
			middleware.RateLimit(g.limiter),
			middleware.RequirePermission(perm),
		)
	}

	mux.Handle("/api/personas", methodSplit(map[string]http.Handler{
		http.MethodPost: authChain(auth.PermPersonasWrite, g.handleCreatePersona),
	}))
	mux.Handle("/api/personas/memories", authChain(auth.PermWrite, g.handleAddMemory))
	mux.Handle("/api/personas/memories/search", authChain(auth.PermRead, g.handleRetrieveMemories))
	mux.Handle("/api/personas/conversations/exchange", authChain(auth.PermWrite, g.handleAddConversationExchange))
	mux.Handle("/api/personas/conversations/history", authChain(auth.PermRead, g.handleConversationHistory))
	mux.Handle("/api/personas/cleanup", authChain(auth.PermAdmin, g.handleCleanup))

	mux.Handle("/api/vectors", methodSplit(map[string]http.Handler{
		http.MethodPost:   authChain(auth.PermVectorsWrite, g.handleAddVector),
		http.MethodDelete: authChain(auth.PermVectorsWrite, g.handleDeleteVector),
	}))
	mux.Handle("/api/vectors/get", authChain(auth.PermVectorsRead, g.handleGetVector))
	mux.Handle("/api/vectors/search", authChain(auth.PermVectorsRead, g.handleVectorSearch))
	mux.Handle("/api/vectors/stats", authChain(auth.PermRead, g.handleStats))

	return mux
}

func methodSplit(byMethod map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := byMethod[r.Method]; ok {
			h.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "ok"})
}

// envelope is the uniform response shape every endpoint returns.
type envelope struct {
	Status  string         `json:"status"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: "error", Error: errCode, Message: message})
}

// writeErr maps an internal error's Kind to the HTTP status spec.md §7
// assigns it and writes the envelope.
func writeErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	code, errCode := httpStatus(kind)
	writeError(w, code, errCode, err.Error())
}

func httpStatus(k errs.Kind) (int, string) {
	switch k {
	case errs.KindValidation:
		return http.StatusBadRequest, "validation"
	case errs.KindNotFound:
		return http.StatusNotFound, "not_found"
	case errs.KindCapacity:
		return http.StatusBadRequest, "capacity"
	case errs.KindDimensionMismatch:
		return http.StatusBadRequest, "dimension_mismatch"
	case errs.KindPermission:
		return http.StatusForbidden, "forbidden"
	case errs.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case errs.KindDependency:
		return http.StatusInternalServerError, "dependency"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, fallback int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func parseVectorID(raw string) (ids.VectorID, error) {
	return ids.ParseVectorID(raw)
}

// similarityMetricFromString validates a wire-provided metric name.
func similarityMetricFromString(s string) (similarity.Metric, bool) {
	switch similarity.Metric(s) {
	case similarity.Cosine, similarity.Euclidean, similarity.Dot:
		return similarity.Metric(s), true
	case "":
		return similarity.Cosine, true
	default:
		return "", false
	}
}

// memoryTypeFromString validates a wire-provided memory type, rejecting
// any value outside the enumeration metadata.MemoryType defines.
func memoryTypeFromString(s string) (metadata.MemoryType, bool) {
	if s == "" {
		return metadata.MemoryTypeFact, true
	}
	t := metadata.MemoryType(s)
	return t, metadata.ValidMemoryType(t)
}
