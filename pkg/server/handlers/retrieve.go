package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/biencoder/pkg/index"
	"github.com/soundprediction/biencoder/pkg/server/dto"
)

// Retriever is the model surface the retrieve endpoints need.
type Retriever interface {
	Predict(ctx context.Context, queries []string, idx index.Index) (index.TopDocs, error)
	EncodeQueries(ctx context.Context, texts []string) ([][]float32, [][]float32, error)
}

// RetrieveHandler serves search and embedding requests against one loaded
// index.
type RetrieveHandler struct {
	model Retriever
	idx   index.Index
}

// NewRetrieveHandler creates a retrieve handler.
func NewRetrieveHandler(model Retriever, idx index.Index) *RetrieveHandler {
	return &RetrieveHandler{model: model, idx: idx}
}

// Search handles POST /api/v1/search.
func (h *RetrieveHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	docs, err := h.model.Predict(c.Request.Context(), []string{req.Query}, h.idx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	results := make([]dto.SearchResult, 0, len(docs.Passages[0]))
	for rank := range docs.Passages[0] {
		if req.TopK > 0 && rank >= req.TopK {
			break
		}
		results = append(results, dto.SearchResult{
			ID:   docs.IDs[0][rank],
			Text: docs.Passages[0][rank],
			Rank: rank + 1,
		})
	}
	c.JSON(http.StatusOK, dto.SearchResponse{Query: req.Query, Results: results})
}

// Embed handles POST /api/v1/embed.
func (h *RetrieveHandler) Embed(c *gin.Context) {
	var req dto.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	embeddings, _, err := h.model.EncodeQueries(c.Request.Context(), req.Texts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.EmbedResponse{Embeddings: embeddings})
}
