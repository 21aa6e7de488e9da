package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"apexrag/model"
	"apexrag/types"

	"github.com/google/uuid"
)

const (
	// MinScore is the similarity floor below which a hit carries no
	// evidence worth citing.
	MinScore = 0.25

	// MaxSources caps how many chunks reach the generator, independent
	// of the caller's top_k.
	MaxSources = 5

	DefaultTopK = 5

	// NoEvidenceAnswer is the exact sentence returned (and demanded from
	// the generator) when the context cannot answer the question.
	NoEvidenceAnswer = "No hay información suficiente en los documentos cargados."
)

// Searcher is the vector-store surface the pipeline needs: nearest
// neighbors among current, non-deleted records.
type Searcher interface {
	Search(ctx context.Context, vec []float32, limit int) ([]types.VectorHit, error)
}

// Generator produces an answer constrained to the supplied context.
type Generator interface {
	GenerateAnswer(ctx context.Context, contextBlock, question string) (string, error)
}

// Pipeline turns a question into a filtered, deduplicated, ranked, cited
// answer.
type Pipeline struct {
	embedder  model.Embedder
	vectors   Searcher
	generator Generator
	logger    *slog.Logger
}

func NewPipeline(embedder model.Embedder, vectors Searcher, generator Generator) *Pipeline {
	return &Pipeline{
		embedder:  embedder,
		vectors:   vectors,
		generator: generator,
		logger:    slog.Default(),
	}
}

// Retrieve embeds the question, searches the vector store, filters weak
// hits, deduplicates, ranks, and asks the generator for a cited answer.
// When nothing clears the threshold the fixed insufficient-information
// sentence is returned and the generator is never called.
func (p *Pipeline) Retrieve(ctx context.Context, question string, topK int) (*types.AskResponse, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	hits, err := p.vectors.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	filtered := make([]types.VectorHit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= MinScore {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return &types.AskResponse{
			Answer:  NoEvidenceAnswer,
			Sources: []types.Source{},
		}, nil
	}

	filtered = dedupeHits(filtered)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > MaxSources {
		filtered = filtered[:MaxSources]
	}

	var contextBlocks []string
	sources := make([]types.Source, 0, len(filtered))
	for i, h := range filtered {
		idx := i + 1
		contextBlocks = append(contextBlocks, fmt.Sprintf(
			"[FUENTE %d] Documento: %s | Chunk: %d\n%s",
			idx, h.Record.Filename, h.Record.ChunkIndex,
			strings.TrimSpace(h.Record.Content)))
		sources = append(sources, types.Source{
			SourceID:   idx,
			DocumentID: h.Record.DocumentID.String(),
			Filename:   h.Record.Filename,
			ChunkIndex: h.Record.ChunkIndex,
			Score:      roundScore(h.Score),
		})
	}

	answer, err := p.generator.GenerateAnswer(ctx, strings.Join(contextBlocks, "\n\n"), question)
	if err != nil {
		return nil, err
	}

	return &types.AskResponse{Answer: answer, Sources: sources}, nil
}

// Probe reports whether the vector store holds any evidence for the
// question: a single search whose top hit clears the same threshold
// Retrieve uses. It never calls the generator.
func (p *Pipeline) Probe(ctx context.Context, question string) (bool, error) {
	vec, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return false, err
	}
	hits, err := p.vectors.Search(ctx, vec, 1)
	if err != nil {
		return false, err
	}
	return len(hits) > 0 && hits[0].Score >= MinScore, nil
}

type hitKey struct {
	docID uuid.UUID
	index int
}

// dedupeHits collapses hits sharing (document_id, chunk_index), keeping the
// first occurrence; search results arrive score-descending, so the first
// is also the best.
func dedupeHits(hits []types.VectorHit) []types.VectorHit {
	seen := make(map[hitKey]struct{}, len(hits))
	out := hits[:0]
	for _, h := range hits {
		key := hitKey{h.Record.DocumentID, h.Record.ChunkIndex}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}
