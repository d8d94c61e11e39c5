package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// JinaScorer calls a Jina-compatible rerank endpoint. Passages are scored
// in batches, batches run concurrently behind a semaphore.
type JinaScorer struct {
	config    Config
	client    *http.Client
	semaphore chan struct{}
}

func NewJinaScorer(config Config) *JinaScorer {
	config = config.withDefaults()
	return &JinaScorer{
		config:    config,
		client:    &http.Client{Timeout: config.Timeout},
		semaphore: make(chan struct{}, config.MaxConcurrency),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one score per passage, in input order.
func (s *JinaScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	scores := make([]float64, len(passages))
	var wg sync.WaitGroup
	errs := make([]error, 0)
	var mu sync.Mutex

	for lo := 0; lo < len(passages); lo += s.config.BatchSize {
		hi := min(lo+s.config.BatchSize, len(passages))
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			select {
			case s.semaphore <- struct{}{}:
				defer func() { <-s.semaphore }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			}

			batchScores, err := s.scoreBatch(ctx, query, passages[lo:hi])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("passages %d..%d: %w", lo, hi, err))
				return
			}
			copy(scores[lo:hi], batchScores)
		}(lo, hi)
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, errs[0]
	}
	return scores, nil
}

func (s *JinaScorer) scoreBatch(ctx context.Context, query string, passages []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     s.config.Model,
		Query:     query,
		Documents: passages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rerank request: %w", err)
	}

	url := strings.TrimSuffix(s.config.BaseURL, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if len(parsed.Results) != len(passages) {
		return nil, fmt.Errorf("rerank endpoint returned %d scores for %d passages", len(parsed.Results), len(passages))
	}

	// The API returns results sorted by score; restore input order via the
	// index field.
	scores := make([]float64, len(passages))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("rerank result index %d outside batch of %d", r.Index, len(passages))
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

func (s *JinaScorer) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
