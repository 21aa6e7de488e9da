package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"apexrag/types"
)

// OllamaEmbedder creates embeddings through a local Ollama instance.
type OllamaEmbedder struct {
	apiURL    string
	model     string
	dimension int
	client    *http.Client
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewOllamaEmbedder(apiURL, model string, dimension int) *OllamaEmbedder {
	return &OllamaEmbedder{
		apiURL:    apiURL,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OllamaEmbedder) Dimension() int { return e.dimension }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, types.NewDependencyError("embedding", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, types.NewDependencyError("embedding",
			fmt.Errorf("ollama API error: status %d, body: %s", resp.StatusCode, string(respBody)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewDependencyError("embedding", err)
	}

	var ollamaResp ollamaEmbeddingResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		return nil, types.NewDependencyError("embedding",
			fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(ollamaResp.Embedding) != e.dimension {
		return nil, types.NewDependencyError("embedding",
			fmt.Errorf("expected %d dimensions, got %d", e.dimension, len(ollamaResp.Embedding)))
	}

	// Cosine search assumes unit vectors.
	norm := normalize64(ollamaResp.Embedding)

	embedding := make([]float32, len(norm))
	for i, v := range norm {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

func normalize64(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i, x := range vec {
		vec[i] = x / norm
	}
	return vec
}
