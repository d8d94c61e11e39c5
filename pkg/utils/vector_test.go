package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 11.0, Dot([]float32{1, 2, 3}, []float32{3, 1, 2}), 1e-9)
	assert.Equal(t, 0.0, Dot([]float32{1}, []float32{1, 2}))
}

func TestDotMatrix(t *testing.T) {
	a := [][]float32{{1, 0}, {0, 1}}
	b := [][]float32{{2, 0}, {0, 3}, {1, 1}}

	s := DotMatrix(a, b)
	require.Len(t, s, 2)
	assert.Equal(t, []float64{2, 0, 1}, s[0])
	assert.Equal(t, []float64{0, 3, 1}, s[1])
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	require.NotNil(t, v)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	assert.Nil(t, Normalize(nil))
	assert.Nil(t, Normalize([]float32{0, 0}))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 1}, []float32{2, 2}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 0}))
}

func TestTopKIndices(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.5, 0.9, 0.2}

	top := TopKIndices(scores, 3)
	require.Equal(t, []int{1, 3, 2}, top)

	// k larger than the slice returns everything, still sorted.
	all := TopKIndices(scores, 10)
	assert.Equal(t, []int{1, 3, 2, 4, 0}, all)

	assert.Nil(t, TopKIndices(scores, 0))
	assert.Nil(t, TopKIndices(nil, 3))
}

func TestArgsortAscending(t *testing.T) {
	order := ArgsortAscending([]float64{0.5, 0.1, 0.9, 0.1})
	assert.Equal(t, []int{1, 3, 0, 2}, order)
}

func TestConcurrentExecutor(t *testing.T) {
	exec := NewConcurrentExecutor(2)

	t.Run("collects errors by index", func(t *testing.T) {
		errs := exec.Execute(context.Background(),
			func() error { return nil },
			func() error { return assert.AnError },
		)
		require.Len(t, errs, 2)
		assert.NoError(t, errs[0])
		assert.ErrorIs(t, errs[1], assert.AnError)
		assert.ErrorIs(t, FirstError(errs), assert.AnError)
	})

	t.Run("recovers panics", func(t *testing.T) {
		errs := exec.Execute(context.Background(), func() error { panic("boom") })
		require.Len(t, errs, 1)
		var pe *PanicError
		require.ErrorAs(t, errs[0], &pe)
		assert.Equal(t, "boom", pe.Value)
	})
}
