package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randMatrix(rng *rand.Rand, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := range out[i] {
			out[i][j] = float32(rng.NormFloat64() * 0.5)
		}
	}
	return out
}

func identityLabels(n int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}
	return labels
}

func TestConfigValidate(t *testing.T) {
	t.Run("bce and triplet together is a configuration error", func(t *testing.T) {
		_, err := NewEngine(Config{IncludeBCE: true, IncludeTriplet: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot both be enabled")
	})

	t.Run("either alone is fine", func(t *testing.T) {
		_, err := NewEngine(Config{IncludeBCE: true})
		require.NoError(t, err)
		_, err = NewEngine(Config{IncludeTriplet: true})
		require.NoError(t, err)
	})
}

func TestComputeValidation(t *testing.T) {
	e, err := NewEngine(Config{})
	require.NoError(t, err)

	t.Run("empty batch", func(t *testing.T) {
		_, err := e.Compute(Inputs{})
		require.Error(t, err)
	})

	t.Run("label outside context range", func(t *testing.T) {
		_, err := e.Compute(Inputs{
			Query:   [][]float32{{1}},
			Context: [][]float32{{1}},
			Labels:  []int{3},
		})
		require.Error(t, err)
	})

	t.Run("teacher scores without rerank embeddings", func(t *testing.T) {
		_, err := e.Compute(Inputs{
			Query:         [][]float32{{1}},
			Context:       [][]float32{{1}},
			Labels:        []int{0},
			TeacherScores: [][]float64{{1}},
		})
		require.Error(t, err)
	})
}

func TestNLLLoss(t *testing.T) {
	e, err := NewEngine(Config{})
	require.NoError(t, err)

	t.Run("vanishes as the true-positive margin grows", func(t *testing.T) {
		// Orthogonal queries matching their own contexts; scaling the
		// magnitude widens the softmax margin.
		build := func(scale float32) Inputs {
			q := [][]float32{{scale, 0, 0}, {0, scale, 0}, {0, 0, scale}}
			return Inputs{Query: q, Context: q, Labels: identityLabels(3)}
		}

		small, err := e.Compute(build(1))
		require.NoError(t, err)
		large, err := e.Compute(build(10))
		require.NoError(t, err)

		assert.Less(t, large.Loss, small.Loss)
		assert.Less(t, large.Loss, 1e-10)
	})

	t.Run("uniform similarity gives log of the class count", func(t *testing.T) {
		q := [][]float32{{0, 0}, {0, 0}}
		c := [][]float32{{1, 1}, {2, 2}, {3, 3}, {4, 4}}
		res, err := e.Compute(Inputs{Query: q, Context: c, Labels: []int{0, 1}})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(4), res.Loss, 1e-9)
	})

	t.Run("correct percentage is 100 when every argmax hits its label", func(t *testing.T) {
		q := [][]float32{{5, 0}, {0, 5}}
		res, err := e.Compute(Inputs{Query: q, Context: q, Labels: identityLabels(2)})
		require.NoError(t, err)
		assert.InDelta(t, 100.0, res.CorrectPercentage, 1e-12)
	})

	t.Run("correct percentage reported for every variant", func(t *testing.T) {
		bce, err := NewEngine(Config{IncludeBCE: true})
		require.NoError(t, err)
		q := [][]float32{{5, 0}, {0, 5}}
		res, err := bce.Compute(Inputs{Query: q, Context: q, Labels: identityLabels(2), Train: true})
		require.NoError(t, err)
		assert.InDelta(t, 100.0, res.CorrectPercentage, 1e-12)
		assert.Zero(t, res.NLLLoss)
		assert.Positive(t, res.BCELoss)
	})
}

func TestTripletLoss(t *testing.T) {
	e, err := NewEngine(Config{IncludeTriplet: true, TripletMargin: 2})
	require.NoError(t, err)

	t.Run("skipped when hard negatives are absent", func(t *testing.T) {
		q := [][]float32{{1, 0}, {0, 1}}
		res, err := e.Compute(Inputs{Query: q, Context: q, Labels: identityLabels(2), Train: true})
		require.NoError(t, err)
		assert.Zero(t, res.TripletLoss)
		assert.Positive(t, res.NLLLoss)
	})

	t.Run("skipped at evaluation", func(t *testing.T) {
		q := [][]float32{{1, 0}}
		c := [][]float32{{1, 0}, {0, 1}}
		res, err := e.Compute(Inputs{Query: q, Context: c, Labels: []int{0}})
		require.NoError(t, err)
		assert.Zero(t, res.TripletLoss)
	})

	t.Run("penalizes negatives inside the margin", func(t *testing.T) {
		q := [][]float32{{1, 0}}
		// Positive at distance 0, hard negative at distance 1, margin 2:
		// the violation is 0 - 1 + 2 = 1 up to the distance epsilon.
		c := [][]float32{{1, 0}, {1, 1}}
		res, err := e.Compute(Inputs{Query: q, Context: c, Labels: []int{0}, Train: true})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, res.TripletLoss, 1e-5)
	})
}

// numericGrad perturbs a single embedding entry and differences the loss.
func numericGrad(t *testing.T, e *Engine, in Inputs, target [][]float32, i, d int) float64 {
	t.Helper()
	const eps = 1e-3
	orig := target[i][d]

	target[i][d] = orig + eps
	plus, err := e.Compute(in)
	require.NoError(t, err)

	target[i][d] = orig - eps
	minus, err := e.Compute(in)
	require.NoError(t, err)

	target[i][d] = orig
	return (plus.Loss - minus.Loss) / (2 * eps)
}

func checkGrads(t *testing.T, e *Engine, in Inputs) {
	t.Helper()
	res, err := e.Compute(in)
	require.NoError(t, err)

	for i := range in.Query {
		for d := range in.Query[i] {
			want := numericGrad(t, e, in, in.Query, i, d)
			assert.InDelta(t, want, float64(res.QueryGrad[i][d]), 2e-3, "query grad [%d][%d]", i, d)
		}
	}
	for j := range in.Context {
		for d := range in.Context[j] {
			want := numericGrad(t, e, in, in.Context, j, d)
			assert.InDelta(t, want, float64(res.ContextGrad[j][d]), 2e-3, "context grad [%d][%d]", j, d)
		}
	}
}

func TestAnalyticGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	t.Run("nll with hard negatives", func(t *testing.T) {
		e, err := NewEngine(Config{})
		require.NoError(t, err)
		in := Inputs{
			Query:   randMatrix(rng, 3, 4),
			Context: randMatrix(rng, 5, 4),
			Labels:  identityLabels(3),
			Train:   true,
		}
		checkGrads(t, e, in)
	})

	t.Run("bce", func(t *testing.T) {
		e, err := NewEngine(Config{IncludeBCE: true})
		require.NoError(t, err)
		in := Inputs{
			Query:   randMatrix(rng, 3, 4),
			Context: randMatrix(rng, 4, 4),
			Labels:  identityLabels(3),
			Train:   true,
		}
		checkGrads(t, e, in)
	})

	t.Run("bce summed with nll", func(t *testing.T) {
		e, err := NewEngine(Config{IncludeBCE: true, SumWithNLL: true})
		require.NoError(t, err)
		in := Inputs{
			Query:   randMatrix(rng, 2, 3),
			Context: randMatrix(rng, 3, 3),
			Labels:  identityLabels(2),
			Train:   true,
		}
		checkGrads(t, e, in)
	})

	t.Run("triplet with nll over positives", func(t *testing.T) {
		// A large margin keeps every triple active so the hinge is smooth
		// around the evaluation point.
		e, err := NewEngine(Config{IncludeTriplet: true, TripletMargin: 10, NLLLambda: 0.5})
		require.NoError(t, err)
		in := Inputs{
			Query:   randMatrix(rng, 2, 3),
			Context: randMatrix(rng, 4, 3),
			Labels:  identityLabels(2),
			Train:   true,
		}
		checkGrads(t, e, in)
	})

	t.Run("rerank distillation", func(t *testing.T) {
		e, err := NewEngine(Config{RerankLambda: 0.7})
		require.NoError(t, err)
		in := Inputs{
			Query:         randMatrix(rng, 2, 3),
			Context:       randMatrix(rng, 3, 3),
			Labels:        identityLabels(2),
			QueryRerank:   randMatrix(rng, 2, 2),
			ContextRerank: randMatrix(rng, 3, 2),
			TeacherScores: [][]float64{{0.5, -0.2, 0.1}, {0.0, 0.9, -0.4}},
			Train:         true,
		}

		res, err := e.Compute(in)
		require.NoError(t, err)
		require.NotNil(t, res.QueryRerankGrad)

		for i := range in.QueryRerank {
			for d := range in.QueryRerank[i] {
				orig := in.QueryRerank[i][d]
				const eps = 1e-3
				in.QueryRerank[i][d] = orig + eps
				plus, err := e.Compute(in)
				require.NoError(t, err)
				in.QueryRerank[i][d] = orig - eps
				minus, err := e.Compute(in)
				require.NoError(t, err)
				in.QueryRerank[i][d] = orig

				want := (plus.Loss - minus.Loss) / (2 * eps)
				assert.InDelta(t, want, float64(res.QueryRerankGrad[i][d]), 2e-3)
			}
		}
	})
}

func TestRerankDistillation(t *testing.T) {
	e, err := NewEngine(Config{})
	require.NoError(t, err)

	t.Run("zero when the student matches the teacher", func(t *testing.T) {
		qr := [][]float32{{1, 0}}
		cr := [][]float32{{1, 0}, {0, 1}}
		in := Inputs{
			Query:         [][]float32{{1}},
			Context:       [][]float32{{1}, {0}},
			Labels:        []int{0},
			QueryRerank:   qr,
			ContextRerank: cr,
			TeacherScores: [][]float64{{1, 0}},
		}
		res, err := e.Compute(in)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, res.RerankLoss, 1e-9)
	})

	t.Run("no rerank gradients at evaluation", func(t *testing.T) {
		in := Inputs{
			Query:         [][]float32{{1}},
			Context:       [][]float32{{1}},
			Labels:        []int{0},
			QueryRerank:   [][]float32{{1}},
			ContextRerank: [][]float32{{2}},
			TeacherScores: [][]float64{{0}},
		}
		res, err := e.Compute(in)
		require.NoError(t, err)
		assert.Positive(t, res.RerankLoss)
		assert.Nil(t, res.QueryRerankGrad)
	})
}
