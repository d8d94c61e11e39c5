package loss

import (
	"fmt"
	"math"

	"github.com/soundprediction/biencoder/pkg/utils"
)

// Config selects and weights the objectives. The zero value is plain
// contrastive NLL.
type Config struct {
	// IncludeTriplet adds a margin-based triplet term over (query,
	// positive, hard negative) triples and restricts the NLL term to the
	// positive block. Active only while training and only when hard
	// negatives are present.
	IncludeTriplet bool
	TripletMargin  float64
	// NLLLambda weights the NLL term when the triplet term is active.
	NLLLambda float64

	// IncludeBCE replaces the NLL term during training with binary
	// cross-entropy against a dense relevance matrix. SumWithNLL keeps the
	// NLL term alongside it.
	IncludeBCE bool
	SumWithNLL bool

	// RerankLambda weights the unified rerank distillation term, applied
	// whenever teacher scores and rerank embeddings are supplied.
	RerankLambda float64
}

func (c Config) withDefaults() Config {
	if c.TripletMargin == 0 {
		c.TripletMargin = 1.0
	}
	if c.NLLLambda == 0 {
		c.NLLLambda = 1.0
	}
	if c.RerankLambda == 0 {
		c.RerankLambda = 1.0
	}
	return c
}

// Validate rejects flag combinations with no defined precedence.
func (c Config) Validate() error {
	if c.IncludeBCE && c.IncludeTriplet {
		return fmt.Errorf("include_bce_loss and include_triplet_loss cannot both be enabled")
	}
	return nil
}

// Inputs is one batch of projected embeddings. Context rows 0..len(Query)-1
// are the in-batch positives in query order; any further rows are hard
// negatives. Labels[i] is the column of query i's positive. Rerank fields
// and TeacherScores feed the distillation term and may be nil.
type Inputs struct {
	Query   [][]float32
	Context [][]float32
	Labels  []int

	QueryRerank   [][]float32
	ContextRerank [][]float32
	TeacherScores [][]float64

	Train bool
}

// Result carries the scalar loss, its components, the always-reported
// correct-prediction percentage, and the embedding gradients. Gradient
// slices are populated only for training batches.
type Result struct {
	Loss              float64
	NLLLoss           float64
	TripletLoss       float64
	BCELoss           float64
	RerankLoss        float64
	CorrectPercentage float64

	QueryGrad         [][]float32
	ContextGrad       [][]float32
	QueryRerankGrad   [][]float32
	ContextRerankGrad [][]float32
}

// Engine evaluates the configured objective.
type Engine struct {
	cfg Config
}

// NewEngine validates the configuration once, before any batch runs.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg.withDefaults()}, nil
}

// Compute evaluates the loss for one batch.
func (e *Engine) Compute(in Inputs) (Result, error) {
	n := len(in.Query)
	m := len(in.Context)
	if n == 0 || m == 0 {
		return Result{}, fmt.Errorf("empty batch: %d queries, %d contexts", n, m)
	}
	if len(in.Labels) != n {
		return Result{}, fmt.Errorf("got %d labels for %d queries", len(in.Labels), n)
	}
	for i, l := range in.Labels {
		if l < 0 || l >= m {
			return Result{}, fmt.Errorf("label %d for query %d outside %d contexts", l, i, m)
		}
	}

	sim := utils.DotMatrix(in.Query, in.Context)

	res := Result{CorrectPercentage: correctPercentage(sim, in.Labels)}
	if in.Train {
		res.QueryGrad = zeros(len(in.Query), len(in.Query[0]))
		res.ContextGrad = zeros(len(in.Context), len(in.Context[0]))
	}

	tripletActive := e.cfg.IncludeTriplet && in.Train && m > n
	bceActive := e.cfg.IncludeBCE && in.Train

	// dL/dS accumulates contributions from every similarity-level term and
	// is projected back onto the embeddings once at the end.
	dS := zeros64(n, m)

	switch {
	case bceActive:
		res.BCELoss = e.bceTerm(sim, in.Labels, dS)
		res.Loss += res.BCELoss
		if e.cfg.SumWithNLL {
			res.NLLLoss = nllTerm(sim, in.Labels, m, 1.0, dS)
			res.Loss += res.NLLLoss
		}
	case tripletActive:
		// NLL over the positive block only, weighted.
		res.NLLLoss = nllTerm(sim, in.Labels, n, e.cfg.NLLLambda, dS)
		res.Loss += res.NLLLoss
		res.TripletLoss = e.tripletTerm(in, res.QueryGrad, res.ContextGrad)
		res.Loss += res.TripletLoss
	default:
		res.NLLLoss = nllTerm(sim, in.Labels, m, 1.0, dS)
		res.Loss = res.NLLLoss
	}

	if in.Train {
		addSimilarityGrad(dS, in.Query, in.Context, res.QueryGrad, res.ContextGrad)
	}

	if in.TeacherScores != nil {
		if len(in.QueryRerank) != n || len(in.ContextRerank) != m {
			return Result{}, fmt.Errorf("teacher scores supplied without %dx%d rerank embeddings", n, m)
		}
		rerank, qGrad, cGrad, err := e.rerankTerm(in)
		if err != nil {
			return Result{}, err
		}
		res.RerankLoss = rerank
		res.Loss += rerank
		if in.Train {
			res.QueryRerankGrad = qGrad
			res.ContextRerankGrad = cGrad
		}
	}

	return res, nil
}

// correctPercentage is the fraction of rows whose argmax column equals the
// label, times one hundred. Ties resolve to the lowest column.
func correctPercentage(sim [][]float64, labels []int) float64 {
	correct := 0
	for i, row := range sim {
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(sim)) * 100
}

// nllTerm computes weighted mean NLL over the first cols columns of the
// similarity matrix and accumulates weight*(softmax-onehot)/N into dS.
func nllTerm(sim [][]float64, labels []int, cols int, weight float64, dS [][]float64) float64 {
	n := len(sim)
	var total float64
	for i := 0; i < n; i++ {
		row := sim[i][:cols]

		maxV := row[0]
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		var denom float64
		for _, v := range row {
			denom += math.Exp(v - maxV)
		}
		logDenom := math.Log(denom)

		total += -(row[labels[i]] - maxV - logDenom)

		if dS != nil {
			for j := 0; j < cols; j++ {
				p := math.Exp(row[j]-maxV) / denom
				if j == labels[i] {
					p -= 1
				}
				dS[i][j] += weight * p / float64(n)
			}
		}
	}
	return weight * total / float64(n)
}

// bceTerm computes mean binary cross-entropy with logits against the dense
// one-positive-per-row label matrix and accumulates (sigmoid-Y)/(N*M) into
// dS.
func (e *Engine) bceTerm(sim [][]float64, labels []int, dS [][]float64) float64 {
	n := len(sim)
	m := len(sim[0])
	count := float64(n * m)
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			s := sim[i][j]
			y := 0.0
			if j == labels[i] {
				y = 1.0
			}
			// Numerically stable log(1+exp(-|s|)) formulation.
			total += math.Max(s, 0) - s*y + math.Log1p(math.Exp(-math.Abs(s)))
			if dS != nil {
				dS[i][j] += (sigmoid(s) - y) / count
			}
		}
	}
	return total / count
}

// tripletTerm adds the margin loss over (query i, context i, context n+i)
// triples and writes its gradients directly onto the embedding gradients.
// The count of active triples is limited by the number of hard negatives.
func (e *Engine) tripletTerm(in Inputs, queryGrad, contextGrad [][]float32) float64 {
	n := len(in.Query)
	triples := min(n, len(in.Context)-n)
	if triples == 0 {
		return 0
	}

	const eps = 1e-6
	var total float64
	for i := 0; i < triples; i++ {
		a := in.Query[i]
		p := in.Context[i]
		neg := in.Context[n+i]

		dp := utils.EuclideanDistance(a, p) + eps
		dn := utils.EuclideanDistance(a, neg) + eps
		violation := dp - dn + e.cfg.TripletMargin
		if violation <= 0 {
			continue
		}
		total += violation

		if queryGrad == nil {
			continue
		}
		inv := 1 / float64(triples)
		for d := range a {
			ap := float64(a[d]-p[d]) / dp
			an := float64(a[d]-neg[d]) / dn
			queryGrad[i][d] += float32((ap - an) * inv)
			contextGrad[i][d] += float32(-ap * inv)
			contextGrad[n+i][d] += float32(an * inv)
		}
	}
	return total / float64(triples)
}

// rerankTerm regresses the secondary dot-product matrix toward the frozen
// teacher scores with mean-squared error.
func (e *Engine) rerankTerm(in Inputs) (float64, [][]float32, [][]float32, error) {
	n := len(in.QueryRerank)
	m := len(in.ContextRerank)
	if len(in.TeacherScores) != n {
		return 0, nil, nil, fmt.Errorf("teacher scores have %d rows for %d queries", len(in.TeacherScores), n)
	}

	simRR := utils.DotMatrix(in.QueryRerank, in.ContextRerank)
	count := float64(n * m)
	dS := zeros64(n, m)
	var total float64
	for i := 0; i < n; i++ {
		if len(in.TeacherScores[i]) != m {
			return 0, nil, nil, fmt.Errorf("teacher score row %d has %d columns for %d contexts", i, len(in.TeacherScores[i]), m)
		}
		for j := 0; j < m; j++ {
			diff := simRR[i][j] - in.TeacherScores[i][j]
			total += diff * diff
			dS[i][j] = e.cfg.RerankLambda * 2 * diff / count
		}
	}

	loss := e.cfg.RerankLambda * total / count
	if !in.Train {
		return loss, nil, nil, nil
	}

	qGrad := zeros(n, len(in.QueryRerank[0]))
	cGrad := zeros(m, len(in.ContextRerank[0]))
	addSimilarityGrad(dS, in.QueryRerank, in.ContextRerank, qGrad, cGrad)
	return loss, qGrad, cGrad, nil
}

// addSimilarityGrad projects a similarity-matrix gradient onto the
// embeddings: dL/dQ += dS*C and dL/dC += dS^T*Q.
func addSimilarityGrad(dS [][]float64, query, context [][]float32, queryGrad, contextGrad [][]float32) {
	for i := range query {
		for j := range context {
			g := dS[i][j]
			if g == 0 {
				continue
			}
			for d := range query[i] {
				queryGrad[i][d] += float32(g * float64(context[j][d]))
				contextGrad[j][d] += float32(g * float64(query[i][d]))
			}
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func zeros(rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
	}
	return out
}

func zeros64(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}
