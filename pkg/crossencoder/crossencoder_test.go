package crossencoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScorer(t *testing.T) {
	t.Run("mock provider", func(t *testing.T) {
		s, err := NewScorer(ClientConfig{Provider: ProviderMock})
		require.NoError(t, err)
		require.NotNil(t, s)
	})

	t.Run("reranker provider requires a base URL", func(t *testing.T) {
		_, err := NewScorer(ClientConfig{Provider: ProviderReranker})
		require.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewScorer(ClientConfig{Provider: "nope"})
		require.Error(t, err)
	})
}

func TestMockScorer(t *testing.T) {
	t.Run("deterministic without a score func", func(t *testing.T) {
		m := NewMockScorer(nil)
		a, err := m.Score(context.Background(), "q", []string{"p1", "p2"})
		require.NoError(t, err)
		b, err := m.Score(context.Background(), "q", []string{"p1", "p2"})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, 2, m.Calls)
	})

	t.Run("delegates to the score func", func(t *testing.T) {
		m := NewMockScorer(func(q, p string) float64 {
			return float64(len(p))
		})
		scores, err := m.Score(context.Background(), "q", []string{"a", "bbb"})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 3}, scores)
	})
}

func TestScoreMatrix(t *testing.T) {
	m := NewMockScorer(func(q, p string) float64 {
		if q == p {
			return 1
		}
		return 0
	})
	matrix, err := ScoreMatrix(context.Background(), m, []string{"a", "b"}, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0, 0}, {0, 1, 0}}, matrix)
}

func TestJinaScorer(t *testing.T) {
	t.Run("restores input order from result indices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/rerank", r.URL.Path)
			require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

			var req rerankRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-model", req.Model)

			// Respond sorted by score, not by input order.
			fmt.Fprint(w, `{"results":[
				{"index":1,"relevance_score":0.9},
				{"index":0,"relevance_score":0.3},
				{"index":2,"relevance_score":0.1}
			]}`)
		}))
		defer srv.Close()

		s := NewJinaScorer(Config{BaseURL: srv.URL, Model: "test-model", APIKey: "secret"})
		scores, err := s.Score(context.Background(), "q", []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, []float64{0.3, 0.9, 0.1}, scores)
	})

	t.Run("splits passages into batches", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			var req rerankRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			resp := rerankResponse{}
			for i := range req.Documents {
				resp.Results = append(resp.Results, struct {
					Index          int     `json:"index"`
					RelevanceScore float64 `json:"relevance_score"`
				}{Index: i, RelevanceScore: 0.5})
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}))
		defer srv.Close()

		s := NewJinaScorer(Config{BaseURL: srv.URL, BatchSize: 2})
		scores, err := s.Score(context.Background(), "q", []string{"a", "b", "c", "d", "e"})
		require.NoError(t, err)
		assert.Len(t, scores, 5)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("propagates endpoint errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		s := NewJinaScorer(Config{BaseURL: srv.URL})
		_, err := s.Score(context.Background(), "q", []string{"a"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("rejects score count mismatches", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"results":[{"index":0,"relevance_score":0.5}]}`)
		}))
		defer srv.Close()

		s := NewJinaScorer(Config{BaseURL: srv.URL})
		_, err := s.Score(context.Background(), "q", []string{"a", "b"})
		require.Error(t, err)
	})

	t.Run("empty passages short-circuit", func(t *testing.T) {
		s := NewJinaScorer(Config{BaseURL: "http://unused"})
		scores, err := s.Score(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Empty(t, scores)
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("passes successes through", func(t *testing.T) {
		s := WithCircuitBreaker(NewMockScorer(func(string, string) float64 { return 0.5 }), "test")
		scores, err := s.Score(context.Background(), "q", []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5}, scores)
	})

	t.Run("opens after repeated failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		}))
		defer srv.Close()

		s := WithCircuitBreaker(NewJinaScorer(Config{BaseURL: srv.URL}), "test")
		for i := 0; i < 5; i++ {
			_, err := s.Score(context.Background(), "q", []string{"a"})
			require.Error(t, err)
		}
		// Once open, calls fail fast without reaching the endpoint.
		_, err := s.Score(context.Background(), "q", []string{"a"})
		require.Error(t, err)
	})
}
