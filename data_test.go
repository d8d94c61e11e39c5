package biencoder

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleSet(n int) []TrainingExample {
	examples := make([]TrainingExample, n)
	for i := range examples {
		examples[i] = TrainingExample{
			Query:   "query " + string(rune('a'+i)),
			Passage: "passage " + string(rune('a'+i)),
		}
	}
	return examples
}

func TestMakeBatches(t *testing.T) {
	t.Run("labels point at in-batch positives", func(t *testing.T) {
		batches := makeBatches(exampleSet(5), 2, nil, false)
		require.Len(t, batches, 3)
		assert.Len(t, batches[2].queries, 1)

		for _, b := range batches {
			require.Equal(t, len(b.queries), len(b.labels))
			for i, label := range b.labels {
				assert.Equal(t, i, label)
				assert.Equal(t, "passage "+b.queries[i][len("query "):], b.contexts[label])
			}
		}
	})

	t.Run("hard negatives follow all positives", func(t *testing.T) {
		examples := exampleSet(2)
		examples[0].HardNegatives = []string{"neg one"}
		examples[1].HardNegatives = []string{"neg two", "neg three"}

		batches := makeBatches(examples, 2, nil, true)
		require.Len(t, batches, 1)
		b := batches[0]
		assert.Equal(t, []string{"passage a", "passage b", "neg one", "neg two", "neg three"}, b.contexts)
		assert.Equal(t, []int{0, 1}, b.labels)
	})

	t.Run("negatives ignored when disabled", func(t *testing.T) {
		examples := exampleSet(2)
		examples[0].HardNegatives = []string{"neg"}
		batches := makeBatches(examples, 2, nil, false)
		assert.Len(t, batches[0].contexts, 2)
	})

	t.Run("nil rng preserves order", func(t *testing.T) {
		batches := makeBatches(exampleSet(4), 4, nil, false)
		assert.Equal(t, []string{"query a", "query b", "query c", "query d"}, batches[0].queries)
	})

	t.Run("rng shuffles but keeps alignment", func(t *testing.T) {
		examples := exampleSet(20)
		batches := makeBatches(examples, 20, rand.New(rand.NewSource(7)), false)
		require.Len(t, batches, 1)
		b := batches[0]
		inOrder := make([]string, len(examples))
		for i, ex := range examples {
			inOrder[i] = ex.Query
		}
		assert.NotEqual(t, inOrder, b.queries)
		for i, q := range b.queries {
			assert.Equal(t, "passage "+q[len("query "):], b.contexts[i])
		}
	})
}

func TestLoadExamples(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "train.json")
		require.NoError(t, os.WriteFile(path, []byte(
			`[{"query":"q","gold_passage":"p","hard_negatives":["n"]}]`), 0o644))

		examples, err := LoadExamples(path)
		require.NoError(t, err)
		require.Len(t, examples, 1)
		assert.Equal(t, "q", examples[0].Query)
		assert.Equal(t, []string{"n"}, examples[0].HardNegatives)
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "train.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"- query: q\n  gold_passage: p\n"), 0o644))

		examples, err := LoadExamples(path)
		require.NoError(t, err)
		require.Len(t, examples, 1)
		assert.Equal(t, "p", examples[0].Passage)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"query":"q"}]`), 0o644))

		_, err := LoadExamples(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing a query or gold passage")
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

		_, err := LoadExamples(path)
		require.Error(t, err)
	})
}

func TestLoadRelevantDocs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relevant.json")
	require.NoError(t, os.WriteFile(path, []byte(`[["a","b"],["c"]]`), 0o644))

	docs, err := LoadRelevantDocs(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, []string{"a", "b"}, docs[0])
}
