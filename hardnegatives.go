package biencoder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/soundprediction/biencoder/pkg/retrieval"
)

// MineHardNegatives fills each example's HardNegatives with the passages
// the current model ranks highest for its query, excluding the gold
// passage. The corpus defaults to the examples' own gold passages when nil.
// Input examples are not modified; the returned slice carries the mined
// copies.
func (m *Model) MineHardNegatives(ctx context.Context, examples []TrainingExample, corpus []string, numNegatives int) ([]TrainingExample, error) {
	if numNegatives < 1 {
		return nil, fmt.Errorf("number of hard negatives must be positive, got %d", numNegatives)
	}
	if corpus == nil {
		corpus = corpusFor(&EvalData{Examples: examples})
	}

	idx, err := m.BuildIndex(ctx, corpus)
	if err != nil {
		return nil, err
	}

	queries := make([]string, len(examples))
	for i, ex := range examples {
		queries[i] = ex.Query
	}
	qEmb, qRerank, err := m.EncodeQueries(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to embed queries: %w", err)
	}

	// Retrieve one past the negative budget so dropping the gold passage
	// still leaves enough candidates.
	r := retrieval.New(idx, retrieval.Config{
		BatchSize: m.args.RetrievalBatchSize,
		Unified:   m.args.UnifiedRerank,
	}, m.logger)
	docs, err := r.Retrieve(ctx, qEmb, qRerank, numNegatives+1)
	if err != nil {
		return nil, err
	}

	mined := make([]TrainingExample, len(examples))
	for i, ex := range examples {
		mined[i] = ex
		var negatives []string
		for _, text := range docs.Passages[i] {
			if text == ex.Passage {
				continue
			}
			negatives = append(negatives, text)
			if len(negatives) == numNegatives {
				break
			}
		}
		mined[i].HardNegatives = negatives
	}
	return mined, nil
}

// WriteHardNegativesTSV writes the mined negatives as a TSV with a header
// row naming the columns hard_negatives_0..n-1, one example per line in
// input order. Rows with fewer negatives pad with empty fields. Tabs and
// newlines inside texts are collapsed to spaces so the file stays one
// record per line.
func WriteHardNegativesTSV(path string, examples []TrainingExample) error {
	width := 0
	for _, ex := range examples {
		width = max(width, len(ex.HardNegatives))
	}
	if width == 0 {
		return fmt.Errorf("no hard negatives to write, mine them first")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create hard negatives file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header := make([]string, width)
	for i := range header {
		header[i] = fmt.Sprintf("hard_negatives_%d", i)
	}
	if _, err := w.WriteString(strings.Join(header, "\t") + "\n"); err != nil {
		return fmt.Errorf("failed to write hard negatives header: %w", err)
	}

	for _, ex := range examples {
		fields := make([]string, width)
		for i, neg := range ex.HardNegatives {
			fields[i] = flatten(neg)
		}
		if _, err := w.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
			return fmt.Errorf("failed to write hard negatives: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush hard negatives: %w", err)
	}
	return nil
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
