package crossencoder

import "context"

// Scorer computes a relevance score for every passage against one query.
// Scores come back in passage order, one per passage, higher meaning more
// relevant.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Close() error
}

// ScoreMatrix scores every query against the same passage list, producing
// the teacher matrix the distillation loss regresses toward.
func ScoreMatrix(ctx context.Context, s Scorer, queries, passages []string) ([][]float64, error) {
	out := make([][]float64, len(queries))
	for i, q := range queries {
		scores, err := s.Score(ctx, q, passages)
		if err != nil {
			return nil, err
		}
		out[i] = scores
	}
	return out, nil
}
