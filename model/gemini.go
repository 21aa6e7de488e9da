package model

import (
	"context"
	"fmt"

	"apexrag/types"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEmbedder creates embeddings through Google Generative AI.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedder{
		client:    client,
		model:     model,
		dimension: dimension,
	}, nil
}

func (e *GeminiEmbedder) Dimension() int { return e.dimension }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, types.NewDependencyError("embedding", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, types.NewDependencyError("embedding", fmt.Errorf("no embedding returned"))
	}
	if len(resp.Embedding.Values) != e.dimension {
		return nil, types.NewDependencyError("embedding",
			fmt.Errorf("expected %d dimensions, got %d", e.dimension, len(resp.Embedding.Values)))
	}
	return resp.Embedding.Values, nil
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
