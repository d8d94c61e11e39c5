// Package dto defines the request and response shapes of the HTTP API.
package dto

// SearchRequest asks for the top passages matching a query.
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	TopK  int    `json:"top_k,omitempty"`
}

// SearchResult is one ranked passage.
type SearchResult struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Rank int    `json:"rank"`
}

// SearchResponse carries the ranked results for one query.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// EmbedRequest asks for query embeddings.
type EmbedRequest struct {
	Texts []string `json:"texts" binding:"required"`
}

// EmbedResponse carries one embedding per input text.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ErrorResponse is the uniform error shape.
type ErrorResponse struct {
	Error string `json:"error"`
}
