package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/biencoder/pkg/index"
)

// recordingIndex wraps a MemoryIndex and records batch sizes.
type recordingIndex struct {
	inner      *index.MemoryIndex
	batchSizes []int
}

func (r *recordingIndex) GetTopDocs(ctx context.Context, queries [][]float32, n int) (index.TopDocs, error) {
	r.batchSizes = append(r.batchSizes, len(queries))
	return r.inner.GetTopDocs(ctx, queries, n)
}

func buildIndex(t *testing.T, withRerank bool) *index.MemoryIndex {
	t.Helper()
	idx := index.NewMemoryIndex()
	passages := []index.Passage{
		{ID: "a", Text: "alpha", Embedding: []float32{1, 0}},
		{ID: "b", Text: "beta", Embedding: []float32{0, 1}},
		{ID: "c", Text: "gamma", Embedding: []float32{0.5, 0.5}},
	}
	if withRerank {
		passages[0].RerankEmbedding = []float32{1}
		passages[1].RerankEmbedding = []float32{2}
		passages[2].RerankEmbedding = []float32{3}
	}
	require.NoError(t, idx.Add(passages...))
	return idx
}

func TestRetrieve(t *testing.T) {
	t.Run("splits queries into batches with a partial tail", func(t *testing.T) {
		rec := &recordingIndex{inner: buildIndex(t, false)}
		r := New(rec, Config{BatchSize: 2}, nil)

		queries := [][]float32{{1, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 1}}
		docs, err := r.Retrieve(context.Background(), queries, nil, 2)
		require.NoError(t, err)

		assert.Equal(t, []int{2, 2, 1}, rec.batchSizes)
		require.Equal(t, 5, docs.Len())
		assert.Equal(t, "a", docs.IDs[0][0])
		assert.Equal(t, "b", docs.IDs[4][0])
	})

	t.Run("rejects an empty query set", func(t *testing.T) {
		r := New(buildIndex(t, false), Config{}, nil)
		_, err := r.Retrieve(context.Background(), nil, nil, 2)
		require.Error(t, err)
	})
}

func TestUnifiedRerank(t *testing.T) {
	t.Run("re-sorts candidates ascending by secondary score", func(t *testing.T) {
		r := New(buildIndex(t, true), Config{Unified: true}, nil)

		// Primary order for query (1, 0.4): a, gamma, b. Secondary scores
		// with rerank query {1}: a=1, c=3, b=2, so ascending gives a, b, c.
		docs, err := r.Retrieve(context.Background(), [][]float32{{1, 0.4}}, [][]float32{{1}}, 3)
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, docs.IDs[0])
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, docs.Passages[0])
		// Every parallel field is permuted consistently.
		assert.Equal(t, []float32{1, 0}, docs.Vectors[0][0])
		assert.Equal(t, []float32{2}, docs.RerankEmbeddings[0][1])
	})

	t.Run("requires rerank embeddings for every query", func(t *testing.T) {
		r := New(buildIndex(t, true), Config{Unified: true}, nil)
		_, err := r.Retrieve(context.Background(), [][]float32{{1, 0}, {0, 1}}, [][]float32{{1}}, 2)
		require.Error(t, err)
	})

	t.Run("requires stored secondary embeddings", func(t *testing.T) {
		r := New(buildIndex(t, false), Config{Unified: true}, nil)
		_, err := r.Retrieve(context.Background(), [][]float32{{1, 0}}, [][]float32{{1}}, 2)
		require.Error(t, err)
	})
}
