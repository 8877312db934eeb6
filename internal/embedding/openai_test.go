package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(serverURL string) *OpenAI {
	e := NewOpenAI("test-api-key", "text-embedding-3-small", 3)
	e.baseURL = serverURL + "/v1/embeddings"
	return e
}

func TestOpenAIEmbed_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		require.Len(t, req.Input, 1)
		assert.Equal(t, "hello world", req.Input[0])

		resp := openAIEmbedResponse{Data: []openAIEmbedData{{Embedding: []float32{0.1, 0.2, 0.3}, Index: 0}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := newTestEmbedder(server.URL)
	vectors, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
}

func TestOpenAIEmbed_Batch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Input, 3)

		resp := openAIEmbedResponse{Data: []openAIEmbedData{
			{Embedding: []float32{0.1, 0.2, 0.3}, Index: 0},
			{Embedding: []float32{0.4, 0.5, 0.6}, Index: 1},
			{Embedding: []float32{0.7, 0.8, 0.9}, Index: 2},
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := newTestEmbedder(server.URL)
	vectors, err := e.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0.7, 0.8, 0.9}, vectors[2])
}

func TestOpenAIEmbed_RetriesOnRateLimit(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": "rate limited"}`))
			return
		}
		resp := openAIEmbedResponse{Data: []openAIEmbedData{{Embedding: []float32{1, 2, 3}, Index: 0}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := newTestEmbedder(server.URL)
	vectors, err := e.Embed(context.Background(), []string{"retry me"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.GreaterOrEqual(t, callCount.Load(), int32(2))
}

func TestOpenAIEmbed_APIErrorNotRetried(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "Invalid API key"}}`))
	}))
	defer server.Close()

	e := newTestEmbedder(server.URL)
	vectors, err := e.Embed(context.Background(), []string{"will fail"})
	assert.Error(t, err)
	assert.Nil(t, vectors)
	assert.Contains(t, err.Error(), "API error 401")
	assert.Equal(t, int32(1), callCount.Load())
}

func TestOpenAIEmbed_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	e := newTestEmbedder(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vectors, err := e.Embed(ctx, []string{"cancel me"})
	assert.Error(t, err)
	assert.Nil(t, vectors)
}

func TestOpenAIEmbed_EmptyInput(t *testing.T) {
	e := NewOpenAI("key", "", 0)
	vectors, err := e.Embed(context.Background(), []string{})
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestOpenAIDefaults(t *testing.T) {
	e := NewOpenAI("key", "", 0)
	assert.Equal(t, "text-embedding-3-small", e.model)
	assert.Equal(t, 1536, e.dimensions)
	assert.Equal(t, openAIEmbedURL, e.baseURL)
	assert.Equal(t, "openai:text-embedding-3-small", e.Name())
}
