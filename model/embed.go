package model

import (
	"context"
	"fmt"
)

const DefaultDimension = 768

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type EmbedderConfig struct {
	Provider  string // "ollama" (default) or "google"
	Dimension int

	OllamaURL   string
	OllamaModel string

	GeminiAPIKey string
	GeminiModel  string
}

// NewEmbedder selects the embedding provider by configuration.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (Embedder, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel, cfg.Dimension), nil
	case "google":
		return NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
