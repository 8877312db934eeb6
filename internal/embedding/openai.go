package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"
	openAIEmbedURL     = "https://api.openai.com/v1/embeddings"
	maxEmbedRetries    = 3
)

// OpenAI implements Embedder against the OpenAI embeddings API. Grounded on
// vecgo/embedding.OpenAIEmbedder's retry-with-backoff request loop.
type OpenAI struct {
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
	baseURL    string // overridable for tests
}

// NewOpenAI constructs an OpenAI embedder. model defaults to
// "text-embedding-3-small" when empty; dims defaults to 1536 when <= 0.
func NewOpenAI(apiKey, model string, dims int) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAI{
		apiKey:     apiKey,
		model:      model,
		dimensions: dims,
		client:     &http.Client{Timeout: 30 * time.Second},
		baseURL:    openAIEmbedURL,
	}
}

func (o *OpenAI) Name() string    { return "openai:" + o.model }
func (o *OpenAI) Dimensions() int { return o.dimensions }

// Embed sends texts to the OpenAI embeddings API, retrying transient
// failures (network errors, 429s, 5xxs) with exponential backoff.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{
		Model:      o.model,
		Input:      texts,
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: marshal request: %w", err)
	}

	var resp openAIEmbedResponse
	var lastErr error

	for attempt := 0; attempt <= maxEmbedRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("openai embed: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)

		httpResp, err := o.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("openai embed: request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("openai embed: read response: %w", err)
			continue
		}

		if httpResp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("openai embed: rate limited (429)")
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("openai embed: API error %d: %s", httpResp.StatusCode, string(respBody))
			if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
				return nil, lastErr
			}
			continue
		}

		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("openai embed: unmarshal response: %w", err)
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		return nil, lastErr
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []openAIEmbedData `json:"data"`
}

type openAIEmbedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}
