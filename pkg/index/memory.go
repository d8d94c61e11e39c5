package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/soundprediction/biencoder/pkg/utils"
)

// MemoryIndex keeps the full corpus in memory and scans it exactly.
type MemoryIndex struct {
	mu       sync.RWMutex
	passages []Passage
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add appends passages. Every passage needs an embedding; rerank embeddings
// are all-or-nothing so retrieval results stay rectangular.
func (m *MemoryIndex) Add(passages ...Passage) error {
	for _, p := range passages {
		if len(p.Embedding) == 0 {
			return fmt.Errorf("passage %q has no embedding", p.ID)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages = append(m.passages, passages...)
	return nil
}

// Size returns the number of stored passages.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.passages)
}

func (m *MemoryIndex) GetTopDocs(ctx context.Context, queryEmbeddings [][]float32, n int) (TopDocs, error) {
	if err := validateQueries(queryEmbeddings, n); err != nil {
		return TopDocs{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.passages) == 0 {
		return TopDocs{}, fmt.Errorf("index is empty")
	}

	return rankPassages(ctx, m.passages, queryEmbeddings, n)
}

// rankPassages scores every passage against every query and keeps the top n
// per query. Shared by both index implementations.
func rankPassages(ctx context.Context, passages []Passage, queryEmbeddings [][]float32, n int) (TopDocs, error) {
	hasRerank := len(passages[0].RerankEmbedding) > 0

	out := TopDocs{
		IDs:      make([][]string, len(queryEmbeddings)),
		Vectors:  make([][][]float32, len(queryEmbeddings)),
		Passages: make([][]string, len(queryEmbeddings)),
	}
	if hasRerank {
		out.RerankEmbeddings = make([][][]float32, len(queryEmbeddings))
	}

	scores := make([]float64, len(passages))
	for qi, q := range queryEmbeddings {
		if err := ctx.Err(); err != nil {
			return TopDocs{}, err
		}
		for pi, p := range passages {
			scores[pi] = utils.Dot(q, p.Embedding)
		}
		top := utils.TopKIndices(scores, n)

		out.IDs[qi] = make([]string, len(top))
		out.Vectors[qi] = make([][]float32, len(top))
		out.Passages[qi] = make([]string, len(top))
		if hasRerank {
			out.RerankEmbeddings[qi] = make([][]float32, len(top))
		}
		for rank, pi := range top {
			p := passages[pi]
			out.IDs[qi][rank] = p.ID
			out.Vectors[qi][rank] = p.Embedding
			out.Passages[qi][rank] = p.Text
			if hasRerank {
				out.RerankEmbeddings[qi][rank] = p.RerankEmbedding
			}
		}
	}
	return out, nil
}
