package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	params := []*Parameter{NewParameter("w", []int{2}, []float32{1, 2})}

	t.Run("resolves known names", func(t *testing.T) {
		for _, name := range []string{OptimizerAdamW, OptimizerAdafactor} {
			opt, err := New(name, params, Config{})
			require.NoError(t, err)
			require.NotNil(t, opt)
		}
	})

	t.Run("rejects unknown name before training", func(t *testing.T) {
		_, err := New("AdamP", params, Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid optimizer")
	})
}

func TestMarkNoDecay(t *testing.T) {
	params := []*Parameter{
		NewParameter("query_encoder.embedding.weight", []int{1}, []float32{0}),
		NewParameter("query_encoder.dense.bias", []int{1}, []float32{0}),
		NewParameter("context_encoder.LayerNorm.weight", []int{1}, []float32{0}),
	}
	MarkNoDecay(params)

	assert.False(t, params[0].NoDecay)
	assert.True(t, params[1].NoDecay)
	assert.True(t, params[2].NoDecay)
}

func TestAdamWStep(t *testing.T) {
	t.Run("moves against the gradient", func(t *testing.T) {
		p := NewParameter("w", []int{1}, []float32{1.0})
		p.Grad[0] = 0.1
		opt, err := New(OptimizerAdamW, []*Parameter{p}, Config{LearningRate: 0.1})
		require.NoError(t, err)

		require.NoError(t, opt.Step())
		// Bias-corrected first step is a full-size update regardless of the
		// gradient magnitude.
		assert.InDelta(t, 0.9, float64(p.Data[0]), 1e-4)
	})

	t.Run("decoupled weight decay skips NoDecay params", func(t *testing.T) {
		w := NewParameter("w", []int{1}, []float32{1.0})
		b := NewParameter("b", []int{1}, []float32{1.0})
		b.NoDecay = true
		// Zero gradients isolate the decay term.
		opt, err := New(OptimizerAdamW, []*Parameter{w, b}, Config{LearningRate: 0.1, WeightDecay: 0.5})
		require.NoError(t, err)

		require.NoError(t, opt.Step())
		assert.InDelta(t, 0.95, float64(w.Data[0]), 1e-6)
		assert.InDelta(t, 1.0, float64(b.Data[0]), 1e-6)
	})

	t.Run("state round-trip resumes identically", func(t *testing.T) {
		run := func(steps int, restoreAt int) float32 {
			p := NewParameter("w", []int{1}, []float32{1.0})
			opt, err := New(OptimizerAdamW, []*Parameter{p}, Config{LearningRate: 0.01})
			require.NoError(t, err)
			for i := 0; i < steps; i++ {
				if i == restoreAt {
					state, err := opt.State()
					require.NoError(t, err)
					restored, err := New(OptimizerAdamW, []*Parameter{p}, Config{LearningRate: 0.01})
					require.NoError(t, err)
					require.NoError(t, restored.LoadState(state))
					opt = restored
				}
				p.Grad[0] = 0.1
				require.NoError(t, opt.Step())
			}
			return p.Data[0]
		}

		assert.InDelta(t, float64(run(5, -1)), float64(run(5, 3)), 1e-7)
	})
}

func TestAdafactorStep(t *testing.T) {
	t.Run("vector parameter moves against the gradient", func(t *testing.T) {
		p := NewParameter("b", []int{3}, []float32{1, 1, 1})
		for i := range p.Grad {
			p.Grad[i] = 0.5
		}
		opt, err := New(OptimizerAdafactor, []*Parameter{p}, Config{LearningRate: 0.1})
		require.NoError(t, err)

		require.NoError(t, opt.Step())
		for i := range p.Data {
			assert.Less(t, float64(p.Data[i]), 1.0)
		}
	})

	t.Run("matrix parameter uses factored moments", func(t *testing.T) {
		p := NewParameter("w", []int{2, 3}, []float32{1, 1, 1, 1, 1, 1})
		for i := range p.Grad {
			p.Grad[i] = 0.25
		}
		opt, err := New(OptimizerAdafactor, []*Parameter{p}, Config{LearningRate: 0.1})
		require.NoError(t, err)
		require.NoError(t, opt.Step())

		state, err := opt.State()
		require.NoError(t, err)
		// The serialized state carries the row/column accumulators rather
		// than a full second moment.
		assert.Contains(t, string(state), "v_row")
		assert.Contains(t, string(state), "v_col")
		assert.NotContains(t, string(state), `"v":`)
	})

	t.Run("relative step derives the rate from the step count", func(t *testing.T) {
		p := NewParameter("b", []int{2}, []float32{1, 1})
		p.Grad[0], p.Grad[1] = 0.5, 0.5
		opt, err := New(OptimizerAdafactor, []*Parameter{p}, Config{
			LearningRate:          1e9,
			AdafactorRelativeStep: true,
		})
		require.NoError(t, err)
		require.NoError(t, opt.Step())
		// Despite the absurd configured rate the first relative step is at
		// most 1e-2 times the clipped update.
		assert.InDelta(t, 1.0, float64(p.Data[0]), 0.05)
	})

	t.Run("state round-trip", func(t *testing.T) {
		p := NewParameter("b", []int{2}, []float32{1, 1})
		opt, err := New(OptimizerAdafactor, []*Parameter{p}, Config{LearningRate: 0.1})
		require.NoError(t, err)
		p.Grad[0], p.Grad[1] = 0.1, 0.2
		require.NoError(t, opt.Step())

		state, err := opt.State()
		require.NoError(t, err)
		restored, err := New(OptimizerAdafactor, []*Parameter{p}, Config{LearningRate: 0.1})
		require.NoError(t, err)
		require.NoError(t, restored.LoadState(state))

		second, err := restored.State()
		require.NoError(t, err)
		assert.JSONEq(t, string(state), string(second))
	})
}

func TestClipGradNorm(t *testing.T) {
	t.Run("scales gradients down to the max norm", func(t *testing.T) {
		p := NewParameter("w", []int{2}, []float32{0, 0})
		p.Grad[0], p.Grad[1] = 3, 4

		norm := ClipGradNorm([]*Parameter{p}, 1.0)
		assert.InDelta(t, 5.0, norm, 1e-6)
		assert.InDelta(t, 0.6, float64(p.Grad[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(p.Grad[1]), 1e-6)
	})

	t.Run("leaves small gradients alone", func(t *testing.T) {
		p := NewParameter("w", []int{1}, []float32{0})
		p.Grad[0] = 0.5

		norm := ClipGradNorm([]*Parameter{p}, 1.0)
		assert.InDelta(t, 0.5, norm, 1e-6)
		assert.InDelta(t, 0.5, float64(p.Grad[0]), 1e-6)
	})

	t.Run("non-positive max norm disables clipping", func(t *testing.T) {
		p := NewParameter("w", []int{2}, []float32{0, 0})
		p.Grad[0], p.Grad[1] = 30, 40

		ClipGradNorm([]*Parameter{p}, 0)
		assert.InDelta(t, 30.0, float64(p.Grad[0]), 1e-6)
	})
}

func TestHasNonFiniteGrad(t *testing.T) {
	p := NewParameter("w", []int{2}, []float32{0, 0})
	p.Grad[0] = 1
	assert.False(t, HasNonFiniteGrad([]*Parameter{p}))

	p.Grad[1] = float32(math.Inf(1))
	assert.True(t, HasNonFiniteGrad([]*Parameter{p}))

	p.Grad[1] = float32(math.NaN())
	assert.True(t, HasNonFiniteGrad([]*Parameter{p}))
}
