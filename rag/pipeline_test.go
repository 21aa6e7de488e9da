package rag

import (
	"context"
	"testing"

	"apexrag/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.vec != nil {
		return f.vec, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

type fakeSearcher struct {
	hits      []types.VectorHit
	err       error
	lastLimit int
}

func (f *fakeSearcher) Search(ctx context.Context, vec []float32, limit int) ([]types.VectorHit, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

type fakeGenerator struct {
	answer      string
	err         error
	calls       int
	lastContext string
}

func (f *fakeGenerator) GenerateAnswer(ctx context.Context, contextBlock, question string) (string, error) {
	f.calls++
	f.lastContext = contextBlock
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func hit(docID uuid.UUID, index int, score float64) types.VectorHit {
	return types.VectorHit{
		Record: types.VectorRecord{
			ID:         uuid.New(),
			DocumentID: docID,
			ChunkIndex: index,
			Filename:   "manual.pdf",
			Content:    "texto del fragmento",
			IsCurrent:  true,
		},
		Score: score,
	}
}

func TestPipelineRetrieve(t *testing.T) {
	t.Parallel()

	t.Run("no hits above threshold returns fixed answer without generation", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{
			hit(uuid.New(), 0, 0.24),
			hit(uuid.New(), 1, 0.10),
		}}
		generator := &fakeGenerator{answer: "should never appear"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "¿qué dice la política?", 5)
		require.NoError(t, err)
		assert.Equal(t, NoEvidenceAnswer, resp.Answer)
		assert.Empty(t, resp.Sources)
		assert.NotNil(t, resp.Sources)
		assert.Zero(t, generator.calls)
	})

	t.Run("hit exactly at threshold is kept", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{hit(uuid.New(), 0, MinScore)}}
		generator := &fakeGenerator{answer: "respuesta (FUENTE 1)"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "pregunta", 5)
		require.NoError(t, err)
		require.Len(t, resp.Sources, 1)
		assert.Equal(t, 1, generator.calls)
	})

	t.Run("duplicate chunks collapse to the best hit", func(t *testing.T) {
		t.Parallel()
		docID := uuid.New()
		searcher := &fakeSearcher{hits: []types.VectorHit{
			hit(docID, 3, 0.90),
			hit(docID, 3, 0.70),
			hit(docID, 4, 0.60),
		}}
		generator := &fakeGenerator{answer: "ok"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "pregunta", 5)
		require.NoError(t, err)
		require.Len(t, resp.Sources, 2)
		assert.Equal(t, 3, resp.Sources[0].ChunkIndex)
		assert.Equal(t, 0.9, resp.Sources[0].Score)
	})

	t.Run("sources are capped and ranked by score", func(t *testing.T) {
		t.Parallel()
		var hits []types.VectorHit
		scores := []float64{0.50, 0.90, 0.30, 0.80, 0.60, 0.70, 0.40}
		for i, s := range scores {
			hits = append(hits, hit(uuid.New(), i, s))
		}
		searcher := &fakeSearcher{hits: hits}
		generator := &fakeGenerator{answer: "ok"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "pregunta", 10)
		require.NoError(t, err)
		require.Len(t, resp.Sources, MaxSources)
		for i := 1; i < len(resp.Sources); i++ {
			assert.GreaterOrEqual(t, resp.Sources[i-1].Score, resp.Sources[i].Score)
		}
		assert.Equal(t, 0.9, resp.Sources[0].Score)
	})

	t.Run("source ids are sequential and cited in context", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{
			hit(uuid.New(), 0, 0.80),
			hit(uuid.New(), 1, 0.70),
		}}
		generator := &fakeGenerator{answer: "ok"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "pregunta", 5)
		require.NoError(t, err)
		require.Len(t, resp.Sources, 2)
		assert.Equal(t, 1, resp.Sources[0].SourceID)
		assert.Equal(t, 2, resp.Sources[1].SourceID)
		assert.Contains(t, generator.lastContext, "[FUENTE 1]")
		assert.Contains(t, generator.lastContext, "[FUENTE 2]")
	})

	t.Run("scores are rounded to four decimals", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{hit(uuid.New(), 0, 0.876543)}}
		generator := &fakeGenerator{answer: "ok"}
		p := NewPipeline(&fakeEmbedder{}, searcher, generator)

		resp, err := p.Retrieve(context.Background(), "pregunta", 5)
		require.NoError(t, err)
		require.Len(t, resp.Sources, 1)
		assert.Equal(t, 0.8765, resp.Sources[0].Score)
	})

	t.Run("zero top_k falls back to default", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{}
		p := NewPipeline(&fakeEmbedder{}, searcher, &fakeGenerator{})

		_, err := p.Retrieve(context.Background(), "pregunta", 0)
		require.NoError(t, err)
		assert.Equal(t, DefaultTopK, searcher.lastLimit)
	})
}

func TestPipelineProbe(t *testing.T) {
	t.Parallel()

	t.Run("evidence above threshold", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{hit(uuid.New(), 0, 0.40)}}
		p := NewPipeline(&fakeEmbedder{}, searcher, &fakeGenerator{})

		ok, err := p.Probe(context.Background(), "pregunta")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, searcher.lastLimit)
	})

	t.Run("weak evidence does not count", func(t *testing.T) {
		t.Parallel()
		searcher := &fakeSearcher{hits: []types.VectorHit{hit(uuid.New(), 0, 0.10)}}
		p := NewPipeline(&fakeEmbedder{}, searcher, &fakeGenerator{})

		ok, err := p.Probe(context.Background(), "pregunta")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
