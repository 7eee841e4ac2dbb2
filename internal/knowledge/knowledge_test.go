package knowledge

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/telemetry"
)

func TestSimpleEmbedding(t *testing.T) {
	vec := SimpleEmbedding("remove the logo")
	require.Len(t, vec, EmbeddingDims)

	// Deterministic.
	assert.Equal(t, vec, SimpleEmbedding("remove the logo"))
	assert.NotEqual(t, vec, SimpleEmbedding("replace the background"))

	// L2-normalized.
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

type fakeCases struct {
	cases []model.CaseRecord
	err   error
}

func (f *fakeCases) RecentCases(context.Context, int) ([]model.CaseRecord, error) {
	return f.cases, f.err
}

func newLexicalIndex(cases CaseLister) *Index {
	return NewIndex(config.Settings{CaseIndexKey: "test:cases"}, cases, telemetry.NewNoopLogger())
}

func TestLexicalSearchRanksByOverlap(t *testing.T) {
	idx := newLexicalIndex(&fakeCases{cases: []model.CaseRecord{
		{ID: "c1", TaskSummary: "remove logo from intro", Tags: []string{"remove_logo"}},
		{ID: "c2", TaskSummary: "replace background with beach", Tags: []string{"replace_background"}},
		{ID: "c3", TaskSummary: "remove watermark and logo overlay", Tags: []string{"remove_logo"}},
	}})

	hits := idx.Search(context.Background(), "remove logo", 2)
	require.Len(t, hits, 2)
	assert.Greater(t, hits[0].Score, 0.0)
	// Both top hits mention removing a logo; the background case ranks last.
	for _, h := range hits {
		assert.NotEqual(t, "c2", h.CaseID)
	}
}

func TestSearchToleratesStoreFailure(t *testing.T) {
	idx := newLexicalIndex(&fakeCases{err: errors.New("db down")})
	assert.Empty(t, idx.Search(context.Background(), "anything", 5))
}

func TestRetrieveIsAdvisory(t *testing.T) {
	idx := newLexicalIndex(&fakeCases{cases: []model.CaseRecord{
		{ID: "c1", TaskSummary: "stylize clip as anime", Tags: []string{"stylize"}},
	}})
	cases := idx.Retrieve(context.Background(), "stylize clip", 3)
	require.Len(t, cases, 1)
	assert.Equal(t, "c1", cases[0].ID)

	empty := newLexicalIndex(&fakeCases{})
	assert.Empty(t, empty.Retrieve(context.Background(), "anything", 3))
}

func TestIndexDisabledWithoutRedis(t *testing.T) {
	idx := newLexicalIndex(&fakeCases{})
	assert.False(t, idx.Enabled())
	assert.NoError(t, idx.Ping(context.Background()))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, []float64{1, 1}))
}
