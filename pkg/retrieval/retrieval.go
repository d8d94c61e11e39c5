// Package retrieval drives top-k passage search over an index, batching
// queries and optionally reranking candidates with a secondary embedding.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/biencoder/pkg/index"
	"github.com/soundprediction/biencoder/pkg/utils"
)

// Config controls batching and reranking.
type Config struct {
	// BatchSize limits how many query embeddings hit the index per call.
	BatchSize int
	// Unified reranks each query's candidates by the dot product of the
	// query's secondary embedding with the candidates' stored secondary
	// embeddings.
	Unified bool
}

// Retriever batches queries against an index.
type Retriever struct {
	idx    index.Index
	cfg    Config
	logger *slog.Logger
}

func New(idx index.Index, cfg Config, logger *slog.Logger) *Retriever {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{idx: idx, cfg: cfg, logger: logger}
}

// Retrieve returns the top k candidates per query. queryRerank supplies the
// secondary embeddings in unified mode and is ignored otherwise. The final
// batch may be smaller than the configured batch size.
func (r *Retriever) Retrieve(ctx context.Context, queries, queryRerank [][]float32, k int) (index.TopDocs, error) {
	if len(queries) == 0 {
		return index.TopDocs{}, fmt.Errorf("no query embeddings supplied")
	}
	if r.cfg.Unified && len(queryRerank) != len(queries) {
		return index.TopDocs{}, fmt.Errorf("unified retrieval needs one rerank embedding per query, got %d for %d", len(queryRerank), len(queries))
	}

	var out index.TopDocs
	for lo := 0; lo < len(queries); lo += r.cfg.BatchSize {
		hi := min(lo+r.cfg.BatchSize, len(queries))
		r.logger.Debug("retrieving batch", "from", lo, "to", hi, "k", k)

		docs, err := r.idx.GetTopDocs(ctx, queries[lo:hi], k)
		if err != nil {
			return index.TopDocs{}, fmt.Errorf("top-k search failed for queries %d..%d: %w", lo, hi, err)
		}
		if r.cfg.Unified {
			if err := rerankBatch(&docs, queryRerank[lo:hi]); err != nil {
				return index.TopDocs{}, err
			}
		}

		out.IDs = append(out.IDs, docs.IDs...)
		out.Vectors = append(out.Vectors, docs.Vectors...)
		out.Passages = append(out.Passages, docs.Passages...)
		if docs.RerankEmbeddings != nil {
			out.RerankEmbeddings = append(out.RerankEmbeddings, docs.RerankEmbeddings...)
		}
	}
	return out, nil
}

// rerankBatch reorders every query's candidates in place by ascending
// secondary dot product, permuting ids, vectors, passages and rerank
// embeddings together.
func rerankBatch(docs *index.TopDocs, queryRerank [][]float32) error {
	if docs.RerankEmbeddings == nil {
		return fmt.Errorf("unified retrieval requires stored rerank embeddings, index returned none")
	}

	for qi := range docs.IDs {
		cands := docs.RerankEmbeddings[qi]
		scores := make([]float64, len(cands))
		for ci, emb := range cands {
			scores[ci] = utils.Dot(queryRerank[qi], emb)
		}
		order := utils.ArgsortAscending(scores)

		docs.IDs[qi] = permuteStrings(docs.IDs[qi], order)
		docs.Vectors[qi] = permuteVectors(docs.Vectors[qi], order)
		docs.Passages[qi] = permuteStrings(docs.Passages[qi], order)
		docs.RerankEmbeddings[qi] = permuteVectors(docs.RerankEmbeddings[qi], order)
	}
	return nil
}

func permuteStrings(in []string, order []int) []string {
	out := make([]string, len(in))
	for i, j := range order {
		out[i] = in[j]
	}
	return out
}

func permuteVectors(in [][]float32, order []int) [][]float32 {
	out := make([][]float32, len(in))
	for i, j := range order {
		out[i] = in[j]
	}
	return out
}
