package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/ingestion"
)

func retrievalIndex(t *testing.T) *Index {
	t.Helper()
	chunks := []ingestion.Chunk{
		chunk("f.txt", "#0", "aaaa"),
		chunk("f.txt", "#1", "aaab"),
		chunk("f.txt", "#2", "aabb"),
		chunk("f.txt", "#3", "cccc"),
		chunk("f.txt", "#4", "dddd"),
	}
	ix, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), t.TempDir(), chunks)
	require.NoError(t, err)
	return ix
}

func TestAsRetrieverValidates(t *testing.T) {
	ix := retrievalIndex(t)

	_, err := ix.AsRetriever(0, SearchSimilarity)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = ix.AsRetriever(3, "fuzzy")
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = ix.AsRetriever(3, SearchMMR, WithLambda(2))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	r, err := ix.AsRetriever(3, "")
	require.NoError(t, err)
	assert.Equal(t, SearchSimilarity, r.SearchType())
	assert.Equal(t, 3, r.K())
}

func TestSimilarityBoundsAndRanks(t *testing.T) {
	ix := retrievalIndex(t)

	r, err := ix.AsRetriever(2, SearchSimilarity)
	require.NoError(t, err)
	matches, err := r.Retrieve(context.Background(), "aaaa")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "aaaa", matches[0].Text)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, "aaab", matches[1].Text)

	r, err = ix.AsRetriever(50, SearchSimilarity)
	require.NoError(t, err)
	matches, err = r.Retrieve(context.Background(), "aaaa")
	require.NoError(t, err)
	assert.Len(t, matches, 5)
}

func TestScoreThresholdDropsWeakMatches(t *testing.T) {
	ix := retrievalIndex(t)

	r, err := ix.AsRetriever(5, SearchScoreThreshold, WithScoreThreshold(0.5))
	require.NoError(t, err)
	matches, err := r.Retrieve(context.Background(), "aaaa")
	require.NoError(t, err)

	texts := make([]string, 0, len(matches))
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, 0.5)
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"aaaa", "aaab", "aabb"}, texts)
}

func TestMMRPrefersDiverseResults(t *testing.T) {
	ix := retrievalIndex(t)

	similarity, err := ix.AsRetriever(2, SearchSimilarity)
	require.NoError(t, err)
	plain, err := similarity.Retrieve(context.Background(), "aaaac")
	require.NoError(t, err)
	assert.Equal(t, "aaab", plain[1].Text)

	mmr, err := ix.AsRetriever(2, SearchMMR, WithLambda(0.3))
	require.NoError(t, err)
	diverse, err := mmr.Retrieve(context.Background(), "aaaac")
	require.NoError(t, err)
	require.Len(t, diverse, 2)
	assert.Equal(t, "aaaa", diverse[0].Text)
	assert.Equal(t, "cccc", diverse[1].Text)
}

func TestMaximalMarginalRelevanceEdgeCases(t *testing.T) {
	assert.Empty(t, maximalMarginalRelevance(nil, 3, 0.5))

	one := []Match{{Entry: Entry{Text: "x", Vector: []float32{1}}, Score: 1}}
	assert.Equal(t, one, maximalMarginalRelevance(one, 3, 0.5))
}
