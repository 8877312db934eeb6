package gateway

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"memoria/internal/auth"
	"memoria/internal/embedding"
	"memoria/internal/memory"
	"memoria/internal/metadata"
	"memoria/internal/ratelimit"
	"memoria/internal/similarity"
	"memoria/internal/store"
)

const testDims = 16

type testEnv struct {
	gw      *Gateway
	apiKey  string
	manager *memory.Manager
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	metaStore, err := metadata.Open(filepath.Join(t.TempDir(), "memoria.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	s, err := store.New(store.Config{
		MaxMemoryBytes: int64(1000 * testDims * 4),
		Dimensions:     testDims,
		Metric:         similarity.Cosine,
		IndexThreshold: 0,
	}, metaStore)
	require.NoError(t, err)

	embedder := embedding.NewLocal(testDims)
	mgr := memory.New(memory.Config{Store: s, Metadata: metaStore, Embedder: embedder})

	authDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authDB.Close() })
	authStore := auth.NewStore(authDB, 4)
	require.NoError(t, authStore.Migrate())

	resp, err := authStore.CreateKey(auth.CreateKeyRequest{
		Name:        "test-client",
		Permissions: []auth.Permission{auth.PermAdmin},
	})
	require.NoError(t, err)

	limiter := ratelimit.New(time.Minute, 1000, time.Hour)
	t.Cleanup(limiter.Stop)

	gw := New(Config{Manager: mgr, Store: s, Embedder: embedder, Auth: authStore, Limiter: limiter})
	return testEnv{gw: gw, apiKey: resp.RawKey, manager: mgr}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", e.apiKey)
	rec := httptest.NewRecorder()
	e.gw.Routes().ServeHTTP(rec, req)
	return rec
}

func TestCreatePersonaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/personas", map[string]any{
		"owner":                "alice",
		"max_memory_size":      500,
		"memory_decay_seconds": 3600,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestCreatePersonaValidationError(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/personas", map[string]any{
		"owner":                "alice",
		"max_memory_size":      1, // below the minimum of 10
		"memory_decay_seconds": 3600,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddAndRetrieveMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/personas", map[string]any{
		"owner": "alice", "max_memory_size": 500, "memory_decay_seconds": 3600,
	})
	var created envelope
	json.Unmarshal(rec.Body.Bytes(), &created)
	data := created.Data.(map[string]any)
	personaID := data["persona_id"].(string)

	rec = env.do(t, http.MethodPost, "/api/personas/memories", map[string]any{
		"persona_id": personaID,
		"content":    "the user enjoys hiking on weekends",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/personas/memories/search", map[string]any{
		"persona_id": personaID,
		"query":      "what does the user like to do outdoors",
		"limit":      5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/personas", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	env.gw.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVectorSearchEndpointRejectsUnknownMetric(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/vectors/search", map[string]any{
		"vector": make([]float32, testDims),
		"metric": "not-a-metric",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
