package crossencoder

import (
	"context"
	"hash/fnv"
	"sync"
)

// MockScorer is a deterministic in-process scorer for tests and offline
// runs. With a ScoreFunc it delegates; otherwise it hashes the (query,
// passage) pair into a stable score in [0, 1).
type MockScorer struct {
	mu        sync.Mutex
	ScoreFunc func(query, passage string) float64
	Calls     int
}

func NewMockScorer(scoreFunc func(query, passage string) float64) *MockScorer {
	return &MockScorer{ScoreFunc: scoreFunc}
}

func (m *MockScorer) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	scores := make([]float64, len(passages))
	for i, p := range passages {
		if m.ScoreFunc != nil {
			scores[i] = m.ScoreFunc(query, p)
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(query))
		h.Write([]byte{0})
		h.Write([]byte(p))
		scores[i] = float64(h.Sum32()%1000) / 1000
	}
	return scores, nil
}

func (m *MockScorer) Close() error { return nil }
