// Package index stores passages with their pre-computed embeddings and
// serves exact top-k dot-product search over them. The engine consumes it
// through the Index interface; the in-memory implementation backs tests and
// small corpora, the badger implementation persists across runs.
package index

import (
	"context"
	"fmt"
)

// Passage is one stored record: identifier, text, context embedding, and
// optionally a secondary reranking embedding used by unified mode.
type Passage struct {
	ID              string    `json:"id"`
	Text            string    `json:"text"`
	Embedding       []float32 `json:"embedding"`
	RerankEmbedding []float32 `json:"rerank_embedding,omitempty"`
}

// TopDocs is the ranked result for a batch of queries. All outer slices are
// indexed by query; inner slices by rank, ordered by descending similarity.
// RerankEmbeddings is nil when the index stores no secondary vectors.
type TopDocs struct {
	IDs              [][]string
	Vectors          [][][]float32
	Passages         [][]string
	RerankEmbeddings [][][]float32
}

// Len returns the number of queries answered.
func (d TopDocs) Len() int { return len(d.IDs) }

// Index is the search contract. GetTopDocs returns up to n candidates per
// query ordered by descending dot-product similarity; the ordering is
// deterministic for a fixed index and query, ties resolving to the earlier
// stored passage.
type Index interface {
	GetTopDocs(ctx context.Context, queryEmbeddings [][]float32, n int) (TopDocs, error)
}

func validateQueries(queryEmbeddings [][]float32, n int) error {
	if n < 1 {
		return fmt.Errorf("top-k depth must be positive, got %d", n)
	}
	for i, q := range queryEmbeddings {
		if len(q) == 0 {
			return fmt.Errorf("query %d has an empty embedding", i)
		}
	}
	return nil
}
