package biencoder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/soundprediction/biencoder/pkg/crossencoder"
	"github.com/soundprediction/biencoder/pkg/index"
	"github.com/soundprediction/biencoder/pkg/loss"
	"github.com/soundprediction/biencoder/pkg/metrics"
	"github.com/soundprediction/biencoder/pkg/retrieval"
)

// EvalData bundles everything an evaluation run consumes. Passages extends
// the retrieval corpus beyond the gold passages; RelevantDocs optionally
// supplies a full relevance set per query for recall.
type EvalData struct {
	Examples     []TrainingExample
	Passages     []string
	RelevantDocs [][]string
}

// EvalResult reports the evaluation loss alongside the retrieval metrics.
// Metrics holds every reported value keyed by name, including eval_loss and
// correct_predictions_percentage, ready for eval_results.txt.
type EvalResult struct {
	Loss              float64
	CorrectPercentage float64
	Metrics           map[string]float64
	Report            metrics.Report
}

// Evaluate computes the held-out loss over data.Examples, then embeds the
// corpus, retrieves for every query, and scores the rankings. Evaluation
// never shuffles, so results stay aligned with the input order.
func (m *Model) Evaluate(ctx context.Context, data *EvalData) (*EvalResult, error) {
	if data == nil || len(data.Examples) == 0 {
		return nil, fmt.Errorf("evaluation data is required")
	}

	evalLoss, correctPct, err := m.evalLoss(ctx, data.Examples)
	if err != nil {
		return nil, err
	}

	gold := make([]string, len(data.Examples))
	queries := make([]string, len(data.Examples))
	for i, ex := range data.Examples {
		queries[i] = ex.Query
		gold[i] = ex.Passage
	}

	corpus := corpusFor(data)
	idx, err := m.BuildIndex(ctx, corpus)
	if err != nil {
		return nil, err
	}

	docs, err := m.Predict(ctx, queries, idx)
	if err != nil {
		return nil, err
	}

	scorer, err := metrics.NewScorer(m.args.TopKValues, m.args.RetrieveNDocs, m.args.QAStyleMatching, nil)
	if err != nil {
		return nil, err
	}
	report, err := scorer.Score(gold, docs.Passages, data.RelevantDocs)
	if err != nil {
		return nil, fmt.Errorf("failed to score retrieval results: %w", err)
	}

	result := &EvalResult{
		Loss:              evalLoss,
		CorrectPercentage: correctPct,
		Metrics: map[string]float64{
			"eval_loss":                      evalLoss,
			"correct_predictions_percentage": correctPct,
		},
		Report: report,
	}
	for k, v := range report.Aggregate {
		result.Metrics[k] = v
	}
	return result, nil
}

// evalLoss runs the loss over the examples without gradients, averaging
// per-batch losses weighted by query count.
func (m *Model) evalLoss(ctx context.Context, examples []TrainingExample) (evalLoss, correctPct float64, err error) {
	batches := makeBatches(examples, m.args.EvalBatchSize, nil, m.args.HardNegatives)

	var total, correct float64
	var count int
	for _, b := range batches {
		in, _, _, err := m.batchInputs(ctx, b, false)
		if err != nil {
			return 0, 0, err
		}
		res, err := m.lossEngine.Compute(in)
		if err != nil {
			return 0, 0, fmt.Errorf("evaluation loss failed: %w", err)
		}
		n := len(b.queries)
		total += res.Loss * float64(n)
		correct += res.CorrectPercentage * float64(n)
		count += n
	}
	return total / float64(count), correct / float64(count), nil
}

// batchInputs runs both towers over one batch and assembles the loss
// inputs, fetching teacher scores when the distillation term is active.
// The returned pass groups feed the backward step.
func (m *Model) batchInputs(ctx context.Context, b batch, train bool) (loss.Inputs, *passGroup, *passGroup, error) {
	qp, err := m.forwardGroup(ctx, m.queryEncoder, b.queries, train)
	if err != nil {
		return loss.Inputs{}, nil, nil, err
	}
	cp, err := m.forwardGroup(ctx, m.contextEncoder, b.contexts, train)
	if err != nil {
		return loss.Inputs{}, nil, nil, err
	}

	in := loss.Inputs{
		Query:   qp.retrieval,
		Context: cp.retrieval,
		Labels:  b.labels,
		Train:   train,
	}
	if m.args.UnifiedRerank && m.teacher != nil {
		in.QueryRerank = qp.rerank
		in.ContextRerank = cp.rerank
		in.TeacherScores, err = crossencoder.ScoreMatrix(ctx, m.teacher, b.queries, b.contexts)
		if err != nil {
			return loss.Inputs{}, nil, nil, fmt.Errorf("failed to fetch teacher scores: %w", err)
		}
	}
	return in, qp, cp, nil
}

// corpusFor builds the retrieval corpus: every distinct gold passage in
// input order, then the extra passages that are not already present.
func corpusFor(data *EvalData) []string {
	seen := make(map[string]bool, len(data.Examples)+len(data.Passages))
	var corpus []string
	add := func(text string) {
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		corpus = append(corpus, text)
	}
	for _, ex := range data.Examples {
		add(ex.Passage)
	}
	for _, p := range data.Passages {
		add(p)
	}
	return corpus
}

// BuildIndex embeds a passage corpus with the context encoder and loads it
// into an in-memory index. Unified mode stores the secondary rerank
// embeddings alongside the retrieval vectors.
func (m *Model) BuildIndex(ctx context.Context, passages []string) (*index.MemoryIndex, error) {
	if len(passages) == 0 {
		return nil, fmt.Errorf("cannot build an index from an empty corpus")
	}
	embeddings, rerank, err := m.EncodePassages(ctx, passages)
	if err != nil {
		return nil, fmt.Errorf("failed to embed corpus: %w", err)
	}

	idx := index.NewMemoryIndex()
	for i, text := range passages {
		p := index.Passage{
			ID:        strconv.Itoa(i),
			Text:      text,
			Embedding: embeddings[i],
		}
		if rerank != nil {
			p.RerankEmbedding = rerank[i]
		}
		if err := idx.Add(p); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Predict embeds the queries and retrieves the configured number of
// candidates per query from the index.
func (m *Model) Predict(ctx context.Context, queries []string, idx index.Index) (index.TopDocs, error) {
	if len(queries) == 0 {
		return index.TopDocs{}, fmt.Errorf("no queries to predict")
	}
	qEmb, qRerank, err := m.EncodeQueries(ctx, queries)
	if err != nil {
		return index.TopDocs{}, fmt.Errorf("failed to embed queries: %w", err)
	}

	r := retrieval.New(idx, retrieval.Config{
		BatchSize: m.args.RetrievalBatchSize,
		Unified:   m.args.UnifiedRerank,
	}, m.logger)
	return r.Retrieve(ctx, qEmb, qRerank, m.args.RetrieveNDocs)
}
