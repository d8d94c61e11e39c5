package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/index"
	"github.com/soundprediction/biencoder/pkg/server/dto"
)

type fakeModel struct {
	docs index.TopDocs
	err  error
}

func (f *fakeModel) Predict(ctx context.Context, queries []string, idx index.Index) (index.TopDocs, error) {
	if f.err != nil {
		return index.TopDocs{}, f.err
	}
	return f.docs, nil
}

func (f *fakeModel) EncodeQueries(ctx context.Context, texts []string) ([][]float32, [][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil, nil
}

func testServer(t *testing.T, model *fakeModel) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 0

	s := New(cfg, model, index.NewMemoryIndex(), nil)
	s.Setup()
	return s
}

func TestHealthEndpoints(t *testing.T) {
	s := testServer(t, &fakeModel{})

	for _, path := range []string{"/health", "/ready", "/live", "/health/detailed"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			s.Router().ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestSearch(t *testing.T) {
	model := &fakeModel{
		docs: index.TopDocs{
			IDs:      [][]string{{"0", "1", "2"}},
			Passages: [][]string{{"first", "second", "third"}},
		},
	}
	s := testServer(t, model)

	t.Run("returns ranked results", func(t *testing.T) {
		body, _ := json.Marshal(dto.SearchRequest{Query: "hello"})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.Router().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.SearchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 3)
		assert.Equal(t, "first", resp.Results[0].Text)
		assert.Equal(t, 1, resp.Results[0].Rank)
	})

	t.Run("top_k truncates", func(t *testing.T) {
		body, _ := json.Marshal(dto.SearchRequest{Query: "hello", TopK: 1})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.Router().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.SearchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Results, 1)
	})

	t.Run("missing query rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Content-Type", "application/json")
		s.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEmbed(t *testing.T) {
	s := testServer(t, &fakeModel{})

	body, _ := json.Marshal(dto.EmbedRequest{Texts: []string{"a", "b"}})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/embed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.EmbedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Embeddings, 2)
}
