/*
Package crossencoder scores (query, passage) pairs with a cross-encoder
model. During unified training these scores are the frozen teacher signal
the secondary rerank embeddings are distilled toward; no gradient ever
flows back into the scorer.

The HTTP implementation speaks the Jina-compatible rerank API served by
vLLM, LocalAI, Jina AI and others. A mock implementation backs tests.

Usage:

	scorer, err := crossencoder.NewScorer(crossencoder.ClientConfig{
		Provider: crossencoder.ProviderReranker,
		Config: crossencoder.Config{
			BaseURL: "http://localhost:8000/v1",
			Model:   "BAAI/bge-reranker-large",
		},
	})

	scores, err := scorer.Score(ctx, "search query", passages)
*/
package crossencoder

import (
	"fmt"
	"time"
)

// Provider selects a scorer implementation.
type Provider string

const (
	// ProviderReranker uses a Jina-compatible rerank API.
	ProviderReranker Provider = "reranker"

	// ProviderMock uses a deterministic local implementation for testing.
	ProviderMock Provider = "mock"
)

// Config holds the settings shared by all scorer implementations.
type Config struct {
	Model          string        `json:"model"`
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"api_key"`
	BatchSize      int           `json:"batch_size"`
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// ClientConfig selects and configures a scorer.
type ClientConfig struct {
	Provider Provider `json:"provider"`
	Config   Config   `json:"config"`
	// WithBreaker wraps the scorer in a circuit breaker so a failing
	// remote endpoint fails fast instead of stalling every training step.
	WithBreaker bool `json:"with_breaker"`
}

// NewScorer builds a scorer for the configured provider.
func NewScorer(cfg ClientConfig) (Scorer, error) {
	var scorer Scorer
	switch cfg.Provider {
	case ProviderReranker:
		if cfg.Config.BaseURL == "" {
			return nil, fmt.Errorf("base URL is required for the reranker provider")
		}
		scorer = NewJinaScorer(cfg.Config)
	case ProviderMock:
		scorer = NewMockScorer(nil)
	default:
		return nil, fmt.Errorf("unsupported cross-encoder provider: %s", cfg.Provider)
	}

	if cfg.WithBreaker {
		scorer = WithCircuitBreaker(scorer, cfg.Config.Model)
	}
	return scorer, nil
}
